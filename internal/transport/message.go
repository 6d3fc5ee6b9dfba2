package transport

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Reply statuses sent by the firmware gateway.
const (
	StatusOK         = "ok"
	StatusContinue   = "continue"
	StatusUploading  = "uploading"
	StatusError      = "error"
	StatusFatal      = "fatal"
	StatusRaw        = "raw"
	StatusTransfer   = "transfer"
	StatusConnecting = "connecting"
	StatusConnected  = "connected"
	StatusPong       = "pong"
	StatusDebug      = "debug"
)

// codeRemoteIdentify asks the client to reopen the socket and identify again.
const codeRemoteIdentify = "REMOTE_IDENTIFY_ERROR"

var nanToken = regexp.MustCompile(`\bNaN\b`)

// Message is one inbound frame.
//
// JSON objects are decoded into Fields with Status taken from the "status"
// key. Text that is not JSON is kept in Text with an empty Status. Binary
// frames carry their payload in Binary.
type Message struct {
	Status string
	Fields map[string]any
	Raw    []byte
	Text   string
	Binary []byte
}

// IsBinary reports whether the frame was a binary payload.
func (m Message) IsBinary() bool {
	return m.Binary != nil
}

// Field returns a string field, or "" when absent or not a string.
func (m Message) Field(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

// Int returns a numeric field as an int.
func (m Message) Int(key string) (int, bool) {
	switch v := m.Fields[key].(type) {
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// Float returns a numeric field.
func (m Message) Float(key string) (float64, bool) {
	v, ok := m.Fields[key].(float64)
	return v, ok
}

// Codes returns the "error" field as a list, accepting both string and array forms.
func (m Message) Codes() []string {
	switch v := m.Fields["error"].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		codes := make([]string, 0, len(v))
		for _, c := range v {
			codes = append(codes, fmt.Sprint(c))
		}
		return codes
	default:
		return nil
	}
}

// Decode unmarshals the JSON body into v.
func (m Message) Decode(v any) error {
	if m.Raw == nil {
		return fmt.Errorf("decode %T: frame is not JSON", v)
	}
	return json.Unmarshal(m.Raw, v)
}

// Summary renders the frame for the frame log: quotes removed, at most 200 characters.
func (m Message) Summary() string {
	var s string
	switch {
	case m.IsBinary():
		s = fmt.Sprintf("Blob, size: %d", len(m.Binary))
	case m.Raw != nil:
		s = string(m.Raw)
	default:
		s = m.Text
	}
	return trimFrame(s)
}

// DecodeText turns a text frame into a Message.
//
// Frames that fail to parse are retried after normalising the firmware's
// quirks: backslashes are doubled, NaN tokens become null, and line breaks
// become spaces. Anything still unparseable is delivered as plain text.
func DecodeText(s string) Message {
	if m, ok := decodeJSON(s); ok {
		return m
	}

	normalized := strings.ReplaceAll(s, `\`, `\\`)
	normalized = nanToken.ReplaceAllString(normalized, "null")
	normalized = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(normalized)
	if m, ok := decodeJSON(normalized); ok {
		return m
	}

	return Message{Text: s}
}

func decodeJSON(s string) (Message, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Message{}, false
	}

	switch val := v.(type) {
	case map[string]any:
		m := Message{Fields: val, Raw: []byte(s)}
		m.Status, _ = val["status"].(string)
		m.Text, _ = val["text"].(string)
		return m, true
	case string:
		return Message{Text: val}, true
	default:
		return Message{Raw: []byte(s), Text: s}, true
	}
}

func trimFrame(s string) string {
	s = strings.ReplaceAll(s, `"`, "")
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
