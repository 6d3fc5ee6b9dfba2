package control

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Sub-task timeouts.
const (
	measureZTimeout       = 60 * time.Second
	zSpeedTestTimeout     = 90 * time.Second
	checkTaskAliveTimeout = 5 * time.Second
)

var (
	referenceZPattern = regexp.MustCompile(`take_reference_z(\([XYF:.,\d]*\))?: ([\d.]+)\b`)
	measureZPattern   = regexp.MustCompile(`measure_z\([^)]*\): (-?[\d.]+)(?:,(-?[\d.]+))?(?:,(-?[\d.]+))?`)
)

// MeasureArgs positions a red-laser measurement. Nil fields are omitted.
type MeasureArgs struct {
	F *float64
	H *float64
	X *float64
	Y *float64
}

// suffix renders "(F:1.000,X:2.000)" or "" when no field is set.
func (a MeasureArgs) suffix() string {
	var parts []string
	for _, f := range []struct {
		key string
		v   *float64
	}{{"F", a.F}, {"H", a.H}, {"X", a.X}, {"Y", a.Y}} {
		if f.v != nil {
			parts = append(parts, f.key+":"+strconv.FormatFloat(*f.v, 'f', 3, 64))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Measurement is a red-laser height reading with optional offsets.
type Measurement struct {
	Height  float64
	XOffset *float64
	YOffset *float64
}

// jsonRPCCommand renders a cartridge request with its quotes escaped.
func jsonRPCCommand(id int64, method string, params any) (string, error) {
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode jsonrpc request: %w", err)
	}
	return strings.ReplaceAll(string(b), `"`, `\"`), nil
}

// GetCartridgeChipData reads the cartridge chip. Cartridge mode only.
func (s *DirectSession) GetCartridgeChipData(ctx context.Context) (map[string]any, error) {
	if err := requireMode(s.Mode(), ModeCartridgeIO); err != nil {
		return nil, err
	}
	cmd, err := jsonRPCCommand(s.cartridgeTaskID.Load(), "cartridge.get_info", nil)
	if err != nil {
		return nil, err
	}
	msg, err := s.waitAny(ctx, `jsonrpc_req "`+cmd+`"`, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return msg.Fields, nil
}

// CartridgeJSONRPC sends a JSON-RPC request to the cartridge. Cartridge mode only.
func (s *DirectSession) CartridgeJSONRPC(ctx context.Context, method string, params any) (map[string]any, error) {
	if err := requireMode(s.Mode(), ModeCartridgeIO); err != nil {
		return nil, err
	}
	cmd, err := jsonRPCCommand(s.cartridgeTaskID.Load(), method, params)
	if err != nil {
		return nil, err
	}
	msg, err := s.waitAny(ctx, `jsonrpc_req "`+cmd+`"`, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return msg.Fields, nil
}

// CheckTaskAlive probes whether this client still owns the control socket.
// The gateway stays silent to kicked clients, so a blank command is sent
// and the reply checked for KICKED.
func (s *DirectSession) CheckTaskAlive(ctx context.Context) bool {
	msg, err := s.waitAny(ctx, " ", checkTaskAliveTimeout)
	if err != nil {
		return false
	}
	return !strings.Contains(msg.Field("data"), CodeKicked)
}

// TakeReferenceZ records the reference height. Red-laser measure mode only.
func (s *DirectSession) TakeReferenceZ(ctx context.Context, args MeasureArgs) (float64, error) {
	if err := requireMode(s.Mode(), ModeRedLaserMeasure); err != nil {
		return 0, err
	}
	msg, err := s.waitAny(ctx, "take_reference_z"+args.suffix(), longTimeout)
	if err != nil {
		return 0, err
	}
	data := msg.Field("data")
	switch {
	case strings.HasPrefix(data, "ok"):
		m := referenceZPattern.FindStringSubmatch(data)
		if m == nil {
			return 0, fmt.Errorf("%w: take_reference_z: %s", ErrProtocol, data)
		}
		return strconv.ParseFloat(m[2], 64)
	case strings.HasPrefix(data, "fail"), strings.HasPrefix(data, "error"):
		return 0, &CommandError{Status: msg.Status, Text: data, Info: msg.Fields}
	default:
		return 0, fmt.Errorf("%w: take_reference_z: %s", ErrProtocol, msg.Summary())
	}
}

// MeasureZ measures the height at a position. Red-laser measure mode only.
func (s *DirectSession) MeasureZ(ctx context.Context, args MeasureArgs) (Measurement, error) {
	if err := requireMode(s.Mode(), ModeRedLaserMeasure); err != nil {
		return Measurement{}, err
	}
	args.H = nil
	msg, err := s.waitAny(ctx, "measure_z"+args.suffix(), measureZTimeout)
	if err != nil {
		return Measurement{}, err
	}
	data := msg.Field("data")
	switch {
	case strings.HasPrefix(data, "ok"):
		return parseMeasurement(data)
	case strings.HasPrefix(data, "fail"), strings.HasPrefix(data, "error"):
		return Measurement{}, &CommandError{Status: msg.Status, Text: data, Info: msg.Fields}
	default:
		return Measurement{}, fmt.Errorf("%w: measure_z: %s", ErrProtocol, msg.Summary())
	}
}

func parseMeasurement(data string) (Measurement, error) {
	m := measureZPattern.FindStringSubmatch(data)
	if m == nil {
		return Measurement{}, fmt.Errorf("%w: invalid measure_z response: %s", ErrProtocol, data)
	}
	h, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("%w: measure_z height: %w", ErrProtocol, err)
	}
	out := Measurement{Height: h}
	if m[2] != "" {
		if v, err := strconv.ParseFloat(m[2], 64); err == nil {
			out.XOffset = &v
		}
	}
	if m[3] != "" {
		if v, err := strconv.ParseFloat(m[3], 64); err == nil {
			out.YOffset = &v
		}
	}
	return out, nil
}

// ZSpeedLimitTestSetSpeed sets the test speed. Z-speed test mode only.
func (s *DirectSession) ZSpeedLimitTestSetSpeed(ctx context.Context, speed float64) (bool, error) {
	if err := requireMode(s.Mode(), ModeZSpeedLimitTest); err != nil {
		return false, err
	}
	msg, err := s.waitAny(ctx, "set_speed "+formatNumber(speed), DefaultTimeout)
	if err != nil {
		return false, err
	}
	return msg.Field("data") == "ok", nil
}

// ZSpeedLimitTestStart runs the test and reports whether it passed.
func (s *DirectSession) ZSpeedLimitTestStart(ctx context.Context) (bool, error) {
	if err := requireMode(s.Mode(), ModeZSpeedLimitTest); err != nil {
		return false, err
	}
	res, err := s.waitOK(ctx, "start", zSpeedTestTimeout)
	if err != nil {
		return false, err
	}
	return strings.Contains(res.Response.Field("data"), "pass"), nil
}
