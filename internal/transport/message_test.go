package transport

import (
	"strings"
	"testing"
)

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantStatus string
		wantText   string
		wantJSON   bool
	}{
		{
			name:       "status object",
			input:      `{"status":"ok","cmd":"play report"}`,
			wantStatus: "ok",
			wantJSON:   true,
		},
		{
			name:       "raw text reply",
			input:      `{"status":"raw","text":"ok\n"}`,
			wantStatus: "raw",
			wantText:   "ok\n",
			wantJSON:   true,
		},
		{
			name:       "NaN normalised",
			input:      `{"status":"ok","x":NaN}`,
			wantStatus: "ok",
			wantJSON:   true,
		},
		{
			name:       "line breaks normalised",
			input:      "{\"status\":\"raw\",\"text\":\"ok\nok\"}",
			wantStatus: "raw",
			wantText:   "ok ok",
			wantJSON:   true,
		},
		{
			name:     "plain text",
			input:    "ok",
			wantText: "ok",
		},
		{
			name:     "JSON string",
			input:    `"continue"`,
			wantText: "continue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DecodeText(tt.input)
			if m.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", m.Status, tt.wantStatus)
			}
			if m.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", m.Text, tt.wantText)
			}
			if (m.Fields != nil) != tt.wantJSON {
				t.Errorf("Fields present = %v, want %v", m.Fields != nil, tt.wantJSON)
			}
		})
	}
}

func TestDecodeText_NaNBecomesNull(t *testing.T) {
	m := DecodeText(`{"status":"ok","pos":[NaN, 1.5]}`)
	pos, ok := m.Fields["pos"].([]any)
	if !ok || len(pos) != 2 {
		t.Fatalf("pos = %#v, want two elements", m.Fields["pos"])
	}
	if pos[0] != nil {
		t.Errorf("pos[0] = %v, want nil", pos[0])
	}
}

func TestMessage_Codes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"array", `{"status":"error","error":["AUTH_ERROR","x"]}`, "AUTH_ERROR_x"},
		{"string", `{"status":"error","error":"TIMEOUT"}`, "TIMEOUT"},
		{"absent", `{"status":"error"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(DecodeText(tt.input).Codes(), "_")
			if got != tt.want {
				t.Errorf("Codes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage_Accessors(t *testing.T) {
	m := DecodeText(`{"status":"uploading","sent":4096,"percentage":12.5}`)

	if n, ok := m.Int("sent"); !ok || n != 4096 {
		t.Errorf("Int(sent) = %d, %v; want 4096, true", n, ok)
	}
	if f, ok := m.Float("percentage"); !ok || f != 12.5 {
		t.Errorf("Float(percentage) = %v, %v; want 12.5, true", f, ok)
	}
	if _, ok := m.Int("missing"); ok {
		t.Error("Int(missing) ok = true, want false")
	}
	if got := m.Field("status"); got != "uploading" {
		t.Errorf("Field(status) = %q, want uploading", got)
	}

	var v struct {
		Sent int `json:"sent"`
	}
	if err := m.Decode(&v); err != nil || v.Sent != 4096 {
		t.Errorf("Decode() = %+v, %v", v, err)
	}
	if err := (Message{Text: "x"}).Decode(&v); err == nil {
		t.Error("Decode() on text frame error = nil, want error")
	}
}

func TestMessage_Summary(t *testing.T) {
	long := `{"status":"raw","text":"` + strings.Repeat("a", 300) + `"}`
	s := DecodeText(long).Summary()
	if strings.Contains(s, `"`) {
		t.Errorf("Summary() contains quotes: %q", s)
	}
	if len(s) != 203 || !strings.HasSuffix(s, "...") {
		t.Errorf("Summary() length = %d, want 203 with ellipsis", len(s))
	}

	if got := (Message{Binary: make([]byte, 10)}).Summary(); got != "Blob, size: 10" {
		t.Errorf("binary Summary() = %q", got)
	}
}
