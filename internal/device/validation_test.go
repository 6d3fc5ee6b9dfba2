package device

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidateInfo(t *testing.T) {
	tests := []struct {
		name    string
		info    Info
		wantErr error
	}{
		{
			name:    "valid firmware device",
			info:    Info{UUID: testUUID1, Source: SourceFirmware, IPAddress: "192.168.1.20"},
			wantErr: nil,
		},
		{
			name:    "valid dashed uuid",
			info:    Info{UUID: "0c1f2a3b-4c5d-6e7f-8091-a2b3c4d5e6f7", Source: SourceFirmware},
			wantErr: nil,
		},
		{
			name:    "valid relay device",
			info:    Info{UUID: testUUID2, Source: SourceRelay, Port: "COM3"},
			wantErr: nil,
		},
		{
			name:    "empty uuid",
			info:    Info{Source: SourceFirmware},
			wantErr: ErrInvalidUUID,
		},
		{
			name:    "malformed uuid",
			info:    Info{UUID: "not-a-uuid", Source: SourceFirmware},
			wantErr: ErrInvalidUUID,
		},
		{
			name:    "unknown source",
			info:    Info{UUID: testUUID1, Source: "bluetooth"},
			wantErr: ErrInvalidSource,
		},
		{
			name:    "bad address",
			info:    Info{UUID: testUUID1, Source: SourceFirmware, IPAddress: "192.168.1"},
			wantErr: ErrInvalidAddress,
		},
		{
			name:    "relay without port",
			info:    Info{UUID: testUUID2, Source: SourceRelay},
			wantErr: ErrInvalidDevice,
		},
		{
			name:    "name too long",
			info:    Info{UUID: testUUID1, Source: SourceFirmware, Name: strings.Repeat("a", maxNameLength+1)},
			wantErr: ErrInvalidDevice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInfo(tt.info)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("ValidateInfo() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateInfo() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestHasValidSerial(t *testing.T) {
	tests := []struct {
		serial string
		want   bool
	}{
		{"", false},
		{"FB1234", false},
		{"FB123456", true},
		{"FB1234567890", true},
	}
	for _, tt := range tests {
		if got := HasValidSerial(tt.serial); got != tt.want {
			t.Errorf("HasValidSerial(%q) = %v, want %v", tt.serial, got, tt.want)
		}
	}
}

func TestReport_Unmarshal(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantID    StatusID
		wantError string
	}{
		{
			name:   "idle without error",
			input:  `{"device_status":{"st_id":0,"st_label":"IDLE","prog":0}}`,
			wantID: StatusIdle,
		},
		{
			name:      "error as array",
			input:     `{"device_status":{"st_id":48,"error":["HEAD_ERROR","SHAKE"]}}`,
			wantID:    StatusPausedFromRunning,
			wantError: "HEAD_ERROR_SHAKE",
		},
		{
			name:      "error as string",
			input:     `{"device_status":{"st_id":128,"error":"USER_OPERATION"}}`,
			wantID:    StatusAborted,
			wantError: "USER_OPERATION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Report
			if err := json.Unmarshal([]byte(tt.input), &r); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if r.Status.StatusID != tt.wantID {
				t.Errorf("StatusID = %v, want %v", r.Status.StatusID, tt.wantID)
			}
			if got := r.Status.Error.String(); got != tt.wantError {
				t.Errorf("Error = %q, want %q", got, tt.wantError)
			}
			if r.Status.Raw == nil {
				t.Error("Raw = nil, want decoded block")
			}

			var info Info
			r.Apply(&info)
			if info.StatusID != tt.wantID || info.ErrorLabel != tt.wantError {
				t.Errorf("Apply() = %v/%q, want %v/%q", info.StatusID, info.ErrorLabel, tt.wantID, tt.wantError)
			}
		})
	}
}

func TestStatusID_String(t *testing.T) {
	if got := StatusCompleted.String(); got != "completed" {
		t.Errorf("String() = %q, want %q", got, "completed")
	}
	if got := StatusID(99).String(); got != "unknown" {
		t.Errorf("String() = %q, want %q", got, "unknown")
	}
	if !StatusAborted.IsNotable() || StatusRunning.IsNotable() {
		t.Error("IsNotable() mismatch for aborted/running")
	}
}
