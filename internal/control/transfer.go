package control

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

// chunkSize is the largest binary frame sent during an upload.
const chunkSize = 4096

// uploadMimeTypes maps file extensions to the gateway's upload mime types.
// G-code is sent as text/gcode and stored with an .fc extension.
var uploadMimeTypes = map[string]string{
	"fc":   "application/fcode",
	"jpg":  "image/jpeg",
	"json": "application/json",
	"png":  "image/png",
}

// UploadHeader builds the upload command for a payload of size bytes.
// Spaces in fileName become underscores. Without a path and file name the
// payload is uploaded as the current task.
func UploadHeader(size int, dir, fileName string) (string, error) {
	if dir == "" || fileName == "" {
		return "file upload application/fcode " + strconv.Itoa(size), nil
	}
	fileName = replaceSpaces(fileName)
	ext := strings.TrimPrefix(path.Ext(fileName), ".")

	if ext == "gcode" {
		fileName = strings.TrimSuffix(fileName, ".gcode") + ".fc"
		return fmt.Sprintf("upload text/gcode %d %s/%s", size, dir, fileName), nil
	}
	mime, ok := uploadMimeTypes[ext]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}
	return fmt.Sprintf("upload %s %d %s/%s", mime, size, dir, fileName), nil
}

func replaceSpaces(fileName string) string {
	return strings.ReplaceAll(fileName, " ", "_")
}

// Upload sends data using the chunked-continuation protocol: header, wait for
// "continue", stream ≤4096-byte binary chunks, then "ok" settles.
// "uploading" replies are reported as progress.
func (s *DirectSession) Upload(ctx context.Context, data []byte, dir, fileName string) error {
	if len(data) == 0 {
		return ErrEmptyUpload
	}
	header, err := UploadHeader(len(data), dir, fileName)
	if err != nil {
		return err
	}

	w := s.waiters.newWaiter(DefaultTimeout)
	defer w.close()

	if err := s.send(ctx, header); err != nil {
		return err
	}

	for {
		msg, err := w.next(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		w.rearm(DefaultTimeout)

		switch msg.Status {
		case transport.StatusContinue:
			for off := 0; off < len(data); off += chunkSize {
				end := min(off+chunkSize, len(data))
				if err := s.writeBinary(ctx, data[off:end]); err != nil {
					return fmt.Errorf("%w: %w", ErrTransferFailed, err)
				}
			}
		case transport.StatusUploading:
			sent, _ := msg.Int("sent")
			s.emitProgress(Progress{Status: msg.Status, Step: sent, Total: len(data), Message: msg})
		case transport.StatusOK:
			return nil
		}
	}
}

// pushBlob sends header, streams data as one binary frame on "continue" and
// settles on "ok". Any other status fails the transfer.
func (s *DirectSession) pushBlob(ctx context.Context, header string, data []byte) error {
	w := s.waiters.newWaiter(DefaultTimeout)
	defer w.close()

	if err := s.send(ctx, header); err != nil {
		return err
	}

	for {
		msg, err := w.next(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		w.rearm(DefaultTimeout)

		switch msg.Status {
		case transport.StatusOK:
			return nil
		case transport.StatusContinue:
			s.emitProgress(Progress{Status: msg.Status, Total: len(data), Message: msg})
			if err := s.writeBinary(ctx, data); err != nil {
				return fmt.Errorf("%w: %w", ErrTransferFailed, err)
			}
		case transport.StatusUploading:
			sent, _ := msg.Int("sent")
			s.emitProgress(Progress{
				Status:     msg.Status,
				Step:       sent,
				Total:      len(data),
				Percentage: float64(sent) / float64(len(data)) * 100,
				Message:    msg,
			})
		default:
			return fmt.Errorf("%w: %w", ErrTransferFailed, newCommandError(msg, false))
		}
	}
}

// firmwareCommands maps update targets to their gateway commands.
var firmwareCommands = map[FirmwareType]string{
	FirmwareMain:      "update_fw",
	FirmwareMainBoard: "update_mbfw",
	FirmwareHeadBoard: "update_hbfw",
}

// UpdateFirmware uploads a firmware image to the selected board.
func (s *DirectSession) UpdateFirmware(ctx context.Context, data []byte, kind FirmwareType) error {
	cmd, ok := firmwareCommands[kind]
	if !ok {
		return fmt.Errorf("%w: firmware type %q", ErrNotSupported, kind)
	}
	if len(data) == 0 {
		return ErrEmptyUpload
	}
	return s.pushBlob(ctx, fmt.Sprintf("%s binary/flux-firmware %d", cmd, len(data)), data)
}

// UploadFisheyeParams stores fisheye calibration parameters (JSON).
func (s *DirectSession) UploadFisheyeParams(ctx context.Context, data []byte) error {
	return s.pushBlob(ctx, fmt.Sprintf("update_fisheye_params application/json %d", len(data)), data)
}

// UpdateFisheye3DRotation stores the camera's 3D rotation, rounded to two decimals.
func (s *DirectSession) UpdateFisheye3DRotation(ctx context.Context, rotation map[string]float64) error {
	rounded := make(map[string]float64, len(rotation))
	for k, v := range rotation {
		rounded[k] = math.Round(v*100) / 100
	}
	data, err := json.Marshal(rounded)
	if err != nil {
		return fmt.Errorf("encode rotation: %w", err)
	}
	return s.pushBlob(ctx, fmt.Sprintf("update_fisheye_3d_rotation application/json %d", len(data)), data)
}

// pullBlob sends cmd and waits for a binary payload. Replies with
// progressStatus are reported as progress; other JSON replies without a
// "completed" key are kept as metadata.
func (c *core) pullBlob(ctx context.Context, cmd, progressStatus string) (Download, error) {
	w := c.waiters.newWaiter(DefaultTimeout)
	defer w.close()

	if err := c.send(ctx, cmd); err != nil {
		return Download{}, err
	}

	var d Download
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return Download{}, fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		w.rearm(DefaultTimeout)

		if msg.IsBinary() {
			d.Data = msg.Binary
			return d, nil
		}
		if msg.Status == progressStatus {
			c.emitProgress(Progress{Status: msg.Status, Message: msg})
			continue
		}
		if _, done := msg.Fields["completed"]; !done {
			d.Metadata = msg.Fields
		}
	}
}

// DownloadFile fetches a file from the device.
func (s *DirectSession) DownloadFile(ctx context.Context, fileNameWithPath string) (Download, error) {
	d, err := s.pullBlob(ctx, "file download "+fileNameWithPath, transport.StatusContinue)
	d.Name = fileNameWithPath
	return d, err
}

// DownloadLog fetches a firmware log.
func (s *DirectSession) DownloadLog(ctx context.Context, logName string) (Download, error) {
	d, err := s.pullBlob(ctx, "fetch_log "+logName, transport.StatusTransfer)
	d.Name = logName
	return d, err
}

// FetchCameraCalibImage fetches a calibration picture.
func (s *DirectSession) FetchCameraCalibImage(ctx context.Context, fileName string) ([]byte, error) {
	d, err := s.pullBlob(ctx, "fetch_camera_calib_pictures "+fileName, transport.StatusTransfer)
	return d.Data, err
}

// pullJSON fetches a binary JSON document into v.
func (c *core) pullJSON(ctx context.Context, cmd string, v any) error {
	d, err := c.pullBlob(ctx, cmd, transport.StatusTransfer)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProtocol, cmd, err)
	}
	return nil
}

// FetchFisheyeParams fetches the fisheye calibration parameters.
func (s *DirectSession) FetchFisheyeParams(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := s.pullJSON(ctx, "fetch_fisheye_params", &out)
	return out, err
}

// FetchFisheye3DRotation fetches the camera's 3D rotation.
func (s *DirectSession) FetchFisheye3DRotation(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := s.pullJSON(ctx, "fetch_fisheye_3d_rotation", &out)
	return out, err
}

// FetchAutoLevelingData fetches auto-leveling data: "bottom_cover", "hexa_platform" or "offset".
func (s *DirectSession) FetchAutoLevelingData(ctx context.Context, kind string) (map[string]float64, error) {
	var out map[string]float64
	err := s.pullJSON(ctx, "fetch_auto_leveling_data "+kind, &out)
	return out, err
}
