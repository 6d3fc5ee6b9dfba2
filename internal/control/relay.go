package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/relay"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// RelayClient is the relay server connection a RelaySession runs over.
// *relay.Client implements it.
type RelayClient interface {
	Do(ctx context.Context, req relay.Request) (json.RawMessage, error)
	Subscribe(port string, fn func(transport.Event)) (unsubscribe func())
	IsConnected() bool
}

// sendGCodeTimeout bounds the relay's acknowledgement of one raw command.
const sendGCodeTimeout = 10 * time.Second

// RelaySession drives a device attached to the relay server. Job control,
// parameters and transfers are JSON actions on "/devices/<port>"; raw-mode
// commands travel through the relay's G-code channel and reuse the same
// line-check and raw-command logic as DirectSession.
type RelaySession struct {
	*core

	client RelayClient
	port   string

	connected   atomic.Bool
	unsubscribe func()

	closeMu sync.RWMutex
	onClose func(err error)
}

// Ensure RelaySession implements Session.
var _ Session = (*RelaySession)(nil)

// NewRelaySession creates an unconnected session for the device on port.
func NewRelaySession(client RelayClient, port string) *RelaySession {
	s := &RelaySession{
		core:   newCore("relay/" + port),
		client: client,
		port:   port,
	}
	s.sendText = s.sendGCode
	return s
}

// SetLogger sets the logger for the session.
func (s *RelaySession) SetLogger(logger Logger) {
	s.setLogger(logger)
}

func (s *RelaySession) path() string {
	return "/devices/" + s.port
}

// action runs one relay action against this device.
func (s *RelaySession) action(ctx context.Context, action string, params any) (json.RawMessage, error) {
	res, err := s.client.Do(ctx, relay.Request{Path: s.path(), Action: action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDisconnected, action, err)
	}
	if err := relay.CheckResult(res); err != nil {
		return res, &CommandError{Status: transport.StatusError, Codes: []string{err.Error()}, Text: string(res)}
	}
	return res, nil
}

func (s *RelaySession) sendGCode(ctx context.Context, cmd string) error {
	ctx, cancel := context.WithTimeout(ctx, sendGCodeTimeout)
	defer cancel()
	_, err := s.action(ctx, "sendGCode", cmd)
	return err
}

// Connect attaches the relay server to the device and subscribes to its
// command replies.
func (s *RelaySession) Connect(ctx context.Context) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("%w: relay server not connected", ErrDisconnected)
	}
	s.unsubscribe = s.client.Subscribe(s.port, s.handleEvent)
	if _, err := s.action(ctx, "connect", nil); err != nil {
		s.unsubscribe()
		return err
	}
	s.connected.Store(true)
	s.logger.Info("relay device connected", "port", s.port)
	return nil
}

func (s *RelaySession) handleEvent(ev transport.Event) {
	if ev.Kind == transport.EventFatal && isDisconnect(ev.Message) && s.connected.Swap(false) {
		s.dispatch(ev)
		s.closeMu.RLock()
		fn := s.onClose
		s.closeMu.RUnlock()
		if fn != nil {
			go fn(fmt.Errorf("%w: relay server closed", ErrDisconnected))
		}
		return
	}
	s.dispatch(ev)
}

func isDisconnect(msg transport.Message) bool {
	for _, c := range msg.Codes() {
		if c == CodeDisconnected {
			return true
		}
	}
	return false
}

// SetOnClose installs the listener called when the relay connection drops.
func (s *RelaySession) SetOnClose(fn func(err error)) {
	s.closeMu.Lock()
	s.onClose = fn
	s.closeMu.Unlock()
}

// IsConnected reports whether the device is attached and the relay is up.
func (s *RelaySession) IsConnected() bool {
	return s.connected.Load() && s.client.IsConnected()
}

// Close detaches from the relay's event stream. The shared relay
// connection stays open.
func (s *RelaySession) Close() error {
	s.queue.close()
	s.connected.Store(false)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.waiters.failAll(CodeDisconnected)
	return nil
}

// Kill closes the session. The relay keeps ownership of the device, so
// there is nothing to kick.
func (s *RelaySession) Kill(ctx context.Context) error {
	err := s.Close()
	if serr := sleep(ctx, s.timing.kill); serr != nil {
		return serr
	}
	return err
}

// Report reads the device status.
func (s *RelaySession) Report(ctx context.Context) (device.Report, error) {
	res, err := s.action(ctx, "getStatus", nil)
	if err != nil {
		return device.Report{}, err
	}
	var st device.Status
	if err := json.Unmarshal(res, &st); err != nil {
		return device.Report{}, fmt.Errorf("%w: getStatus: %w", ErrProtocol, err)
	}
	return device.Report{Status: st}, nil
}

func (s *RelaySession) simple(ctx context.Context, action string) error {
	_, err := s.action(ctx, action, nil)
	return err
}

// Start starts the loaded task.
func (s *RelaySession) Start(ctx context.Context) error { return s.simple(ctx, "start") }

// Pause pauses the running task.
func (s *RelaySession) Pause(ctx context.Context) error { return s.simple(ctx, "pause") }

// Resume resumes a paused task.
func (s *RelaySession) Resume(ctx context.Context) error { return s.simple(ctx, "resume") }

// Restart starts the loaded task again.
func (s *RelaySession) Restart(ctx context.Context) error { return s.simple(ctx, "start") }

// Abort stops the running task.
func (s *RelaySession) Abort(ctx context.Context) error { return s.simple(ctx, "stop") }

// Quit leaves the current task.
func (s *RelaySession) Quit(ctx context.Context) error { return s.simple(ctx, "quit") }

// Kick drops other clients of the device.
func (s *RelaySession) Kick(ctx context.Context) error { return s.simple(ctx, "kick") }

// Select is a no-op: the relay runs the last uploaded task.
func (s *RelaySession) Select(context.Context, []string, string) error { return nil }

// GetPreview returns the relay's rendering of the loaded task.
func (s *RelaySession) GetPreview(ctx context.Context) (Preview, error) {
	res, err := s.action(ctx, "getPreview", nil)
	if err != nil {
		return Preview{}, err
	}
	return Preview{Metadata: map[string]any{}, Images: [][]byte{relay.DecodePayload(res)}}, nil
}

// Upload sends a task to the relay, as text or binary depending on the
// payload and the relay's capabilities.
func (s *RelaySession) Upload(ctx context.Context, data []byte, dir, fileName string) error {
	if len(data) == 0 {
		return ErrEmptyUpload
	}
	params := map[string]any{}
	if dir != "" && fileName != "" {
		params["path"] = dir + "/" + replaceSpaces(fileName)
	}
	res, err := s.client.Do(ctx, relay.Request{
		Path:    s.path(),
		Action:  "upload",
		Params:  params,
		Payload: data,
		OnProgress: func(p relay.Progress) {
			s.emitProgress(Progress{Status: transport.StatusUploading, Step: p.Sent, Total: len(data)})
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if err := relay.CheckResult(res); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// DeleteFile removes a file through the G-code channel.
func (s *RelaySession) DeleteFile(ctx context.Context, fileNameWithPath string) error {
	_, err := s.waitAny(ctx, "file rmfile "+fileNameWithPath, DefaultTimeout)
	return err
}

func (s *RelaySession) download(ctx context.Context, action, name string) (Download, error) {
	res, err := s.action(ctx, action, name)
	if err != nil {
		return Download{Name: name}, err
	}
	return Download{Name: name, Data: relay.DecodePayload(res)}, nil
}

// DownloadFile fetches a file from the device.
func (s *RelaySession) DownloadFile(ctx context.Context, fileNameWithPath string) (Download, error) {
	return s.download(ctx, "downloadFile", fileNameWithPath)
}

// DownloadLog fetches a device log.
func (s *RelaySession) DownloadLog(ctx context.Context, logName string) (Download, error) {
	return s.download(ctx, "downloadLog", logName)
}

// Ls returns an empty listing; the relay exposes no file system.
func (s *RelaySession) Ls(context.Context, string) (DirectoryListing, error) {
	return DirectoryListing{Directories: []string{}, Files: []string{}}, nil
}

// Lsusb returns no USB devices.
func (s *RelaySession) Lsusb(context.Context) (map[string]any, error) {
	return map[string]any{"usbs": []any{}}, nil
}

// FileInfo returns only the file name.
func (s *RelaySession) FileInfo(_ context.Context, _, fileName string) ([]any, error) {
	return []any{fileName, fileName}, nil
}

// FetchAutoLevelingData fetches auto-leveling data through the G-code channel.
func (s *RelaySession) FetchAutoLevelingData(ctx context.Context, kind string) (map[string]float64, error) {
	var out map[string]float64
	err := s.pullJSON(ctx, "fetch_auto_leveling_data "+kind, &out)
	return out, err
}

// GetParam reads a device parameter and returns its value.
func (s *RelaySession) GetParam(ctx context.Context, name string) (any, error) {
	res, err := s.action(ctx, "getParam", map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	var v struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(res, &v); err != nil {
		return nil, fmt.Errorf("%w: getParam: %w", ErrProtocol, err)
	}
	return v.Value, nil
}

// SetParam writes a device parameter.
func (s *RelaySession) SetParam(ctx context.Context, name string, value any) error {
	_, err := s.action(ctx, "setParam", map[string]any{"name": name, "value": value})
	return err
}

// GetDeviceSetting reads a persistent setting.
func (s *RelaySession) GetDeviceSetting(ctx context.Context, name string) (map[string]any, error) {
	res, err := s.action(ctx, "getParam", map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("%w: getParam: %w", ErrProtocol, err)
	}
	return out, nil
}

// SetDeviceSetting writes a persistent setting.
func (s *RelaySession) SetDeviceSetting(ctx context.Context, name, value string) error {
	return s.SetParam(ctx, name, value)
}

// DeleteDeviceSetting removes a persistent setting.
func (s *RelaySession) DeleteDeviceSetting(ctx context.Context, name string) error {
	_, err := s.action(ctx, "deleteSettings", map[string]any{"name": name})
	return err
}

// DeviceDetailInfo returns the relay's device information.
func (s *RelaySession) DeviceDetailInfo(ctx context.Context) (map[string]any, error) {
	res, err := s.action(ctx, "info", nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("%w: info: %w", ErrProtocol, err)
	}
	return out, nil
}

// EnterRawMode switches to raw mode and waits for the device to settle.
func (s *RelaySession) EnterRawMode(ctx context.Context) error {
	if _, err := s.action(ctx, "switchMode", string(ModeRaw)); err != nil {
		return err
	}
	if err := sleep(ctx, s.timing.settleRaw); err != nil {
		return err
	}
	s.setMode(ModeRaw)
	return nil
}

// EnterSubTask switches to mode.
func (s *RelaySession) EnterSubTask(ctx context.Context, mode Mode, settle time.Duration) error {
	if _, err := s.action(ctx, "switchMode", string(mode)); err != nil {
		return err
	}
	if err := sleep(ctx, settle); err != nil {
		return err
	}
	s.setMode(mode)
	return nil
}

// EndSubTask leaves the current mode.
func (s *RelaySession) EndSubTask(ctx context.Context) error {
	s.setMode(ModeIdle)
	return s.simple(ctx, "endMode")
}

// QuitTask leaves the current mode.
func (s *RelaySession) QuitTask(ctx context.Context) error {
	return s.EndSubTask(ctx)
}

// UpdateFirmware uploads a firmware image. "uploading" replies on the
// command channel report progress and "ok" settles; any other reply fails.
func (s *RelaySession) UpdateFirmware(ctx context.Context, data []byte, kind FirmwareType) error {
	if len(data) == 0 {
		return ErrEmptyUpload
	}

	w := s.waiters.newWaiter(DefaultTimeout)
	defer w.close()

	res, err := s.client.Do(ctx, relay.Request{
		Path:    s.path(),
		Action:  "updateFirmware",
		Params:  map[string]any{"type": string(kind)},
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if err := relay.CheckResult(res); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
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
