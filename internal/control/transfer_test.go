package control

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

func TestUploadHeader(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		dir      string
		fileName string
		want     string
		wantErr  error
	}{
		{"current task", 100, "", "", "file upload application/fcode 100", nil},
		{"gcode renamed", 10, "/SD", "my job.gcode", "upload text/gcode 10 /SD/my_job.fc", nil},
		{"fcode", 10, "/SD", "a.fc", "upload application/fcode 10 /SD/a.fc", nil},
		{"image", 5, "/SD/pics", "b.png", "upload image/png 5 /SD/pics/b.png", nil},
		{"unknown extension", 5, "/SD", "c.exe", "", ErrUnsupportedFileType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UploadHeader(tt.size, tt.dir, tt.fileName)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UploadHeader() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("UploadHeader() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDirectSession_UploadEmpty(t *testing.T) {
	s, fc := newTestSession(t, nil)

	if err := s.Upload(context.Background(), nil, "/SD", "a.fc"); !errors.Is(err, ErrEmptyUpload) {
		t.Errorf("Upload() error = %v, want ErrEmptyUpload", err)
	}
	if n := len(sentAfterHandshake(fc)); n != 0 {
		t.Errorf("sent %d commands, want 0", n)
	}
}

func TestDirectSession_UploadChunks(t *testing.T) {
	data := bytes.Repeat([]byte("G1X1\n"), 2000)

	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"continue"}`)}
	})
	fc.onBinary = func(total int) []transport.Event {
		if total < len(data) {
			return nil
		}
		return []transport.Event{
			reply(`{"status":"uploading","sent":10000}`),
			reply(`{"status":"ok"}`),
		}
	}

	var progress []Progress
	s.SetProgressListener(func(p Progress) { progress = append(progress, p) })

	if err := s.Upload(context.Background(), data, "/SD", "my job.gcode"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"upload text/gcode 10000 /SD/my_job.fc"}) {
		t.Errorf("sent = %v", got)
	}
	sizes := make([]int, len(fc.binaries))
	for i, b := range fc.binaries {
		sizes[i] = len(b)
	}
	if !reflect.DeepEqual(sizes, []int{4096, 4096, 1808}) {
		t.Errorf("chunk sizes = %v", sizes)
	}
	if !bytes.Equal(bytes.Join(fc.binaries, nil), data) {
		t.Error("reassembled chunks differ from payload")
	}
	if len(progress) != 1 || progress[0].Step != 10000 || progress[0].Total != 10000 {
		t.Errorf("progress = %+v", progress)
	}
}

func TestDirectSession_UploadRefused(t *testing.T) {
	s, _ := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"error","error":["NOT_ENOUGH_SPACE"]}`)}
	})

	err := s.Upload(context.Background(), []byte("x"), "", "")
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("Upload() error = %v, want ErrTransferFailed", err)
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code() != "NOT_ENOUGH_SPACE" {
		t.Errorf("Upload() error = %v, want NOT_ENOUGH_SPACE", err)
	}
}

func TestDirectSession_UpdateFirmware(t *testing.T) {
	image := []byte("firmware-image")
	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{reply(`{"status":"continue"}`)}
	})
	fc.onBinary = func(int) []transport.Event {
		return []transport.Event{
			reply(`{"status":"uploading","sent":7}`),
			reply(`{"status":"ok"}`),
		}
	}

	var pct []float64
	s.SetProgressListener(func(p Progress) {
		if p.Status == transport.StatusUploading {
			pct = append(pct, p.Percentage)
		}
	})

	if err := s.UpdateFirmware(context.Background(), image, FirmwareHeadBoard); err != nil {
		t.Fatalf("UpdateFirmware() error = %v", err)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"update_hbfw binary/flux-firmware 14"}) {
		t.Errorf("sent = %v", got)
	}
	if len(fc.binaries) != 1 {
		t.Errorf("sent %d binary frames, want 1", len(fc.binaries))
	}
	if !reflect.DeepEqual(pct, []float64{50}) {
		t.Errorf("percentages = %v, want [50]", pct)
	}

	if err := s.UpdateFirmware(context.Background(), image, "bootloader"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("UpdateFirmware(bootloader) error = %v, want ErrNotSupported", err)
	}
}

func TestDirectSession_DownloadFile(t *testing.T) {
	s, fc := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{
			reply(`{"status":"continue","size":3}`),
			reply(`{"status":"transfer","completed":1,"size":3}`),
			{Kind: transport.EventMessage, Message: transport.Message{Binary: []byte("abc")}},
		}
	})

	d, err := s.DownloadFile(context.Background(), "/SD/a.fc")
	if err != nil {
		t.Fatalf("DownloadFile() error = %v", err)
	}
	if d.Name != "/SD/a.fc" || string(d.Data) != "abc" {
		t.Errorf("download = %+v", d)
	}
	if d.Metadata != nil {
		t.Errorf("metadata = %v, want nil", d.Metadata)
	}
	if got := sentAfterHandshake(fc); !reflect.DeepEqual(got, []string{"file download /SD/a.fc"}) {
		t.Errorf("sent = %v", got)
	}
}

func TestDirectSession_FetchAutoLevelingData(t *testing.T) {
	s, _ := newTestSession(t, func(int, string) []transport.Event {
		return []transport.Event{
			reply(`{"status":"transfer","completed":0}`),
			{Kind: transport.EventMessage, Message: transport.Message{Binary: []byte(`{"A1":0.25,"A2":-0.5}`)}},
		}
	})

	data, err := s.FetchAutoLevelingData(context.Background(), "hexa_platform")
	if err != nil {
		t.Fatalf("FetchAutoLevelingData() error = %v", err)
	}
	if data["A1"] != 0.25 || data["A2"] != -0.5 {
		t.Errorf("data = %v", data)
	}
}
