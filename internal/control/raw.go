package control

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Default timeouts for slow raw operations.
const (
	DefaultAutoFocusTimeout     = 20 * time.Second
	DefaultMeasureHeightTimeout = 120 * time.Second
)

// Position is a head position in machine coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	A float64 `json:"a"`
}

// ProbePosition is the last probe result.
type ProbePosition struct {
	Position
	DidAutoFocus bool `json:"did_af"`
}

// DoorState is the interlock report. Non-zero means open.
type DoorState struct {
	Interlock       int `json:"interlock"`
	BottomCover     int `json:"bottom_cover"`
	BackCover       int `json:"back_cover"`
	RemoteInterlock int `json:"remote_interlock"`
}

// HomeOptions selects the homing variant.
type HomeOptions struct {
	CameraMode bool
	ZAxis      bool
}

var (
	probePosPattern = regexp.MustCompile(`\[PRB:([-\d.]+),([-\d.]+),([-\d.]+),([-\d.]+):(\d)\]`)
	lastPosPattern  = regexp.MustCompile(`\[LAST_POS:([-\d.]+),([-\d.]+),([-\d.]+),([-\d.]+)`)
	statePosPattern = regexp.MustCompile(`[MW]Pos:([-\d.]+),([-\d.]+),([-\d.]+),([-\d.]+)\|`)
	doorPattern     = regexp.MustCompile(`(?i)Interlock: (\d+), Bottom cover: (\d+), Back cover: (\d+), Remote interlock: (\d+)`)
)

// RawHome homes the head. ER:RESET, "DEBUG: RESET" and error: trigger a
// resend of "raw home" one second later, up to five times.
func (c *core) RawHome(ctx context.Context, opts HomeOptions) error {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return err
	}

	w := c.waiters.newWaiter(c.timing.rawTimeout)
	defer w.close()

	if err := c.send(ctx, HomeCommand(opts.CameraMode, opts.ZAxis)); err != nil {
		return err
	}

	retries := 0
	pending := ""
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return err
		}
		if msg.Status == transport.StatusRaw {
			pending += msg.Text
		}
		lines := splitLines(pending)

		failed := strings.Contains(msg.Text, "ER:RESET") ||
			strings.Contains(msg.Text, "DEBUG: RESET") ||
			strings.Contains(msg.Text, "error:") ||
			anyContains(lines, "ER:RESET") ||
			anyContains(lines, "DEBUG: RESET") ||
			anyContains(lines, "error:")

		if !failed && anyContains(lines, "ok") {
			return nil
		}
		pending = lastLine(lines)

		if !failed {
			w.rearm(c.timing.rawTimeout)
			continue
		}
		if retries > maxRawRetries {
			return rawFailure(msg.Text)
		}
		c.logger.Warn("homing reset, retrying", "session", c.name, "attempt", retries+1)
		w.pause()
		if err := sleep(ctx, c.timing.homeRetry); err != nil {
			return err
		}
		retries++
		pending = ""
		w.rearm(c.timing.rawTimeout)
		if err := c.send(ctx, HomeCommand(false, false)); err != nil {
			return err
		}
	}
}

// RawUnlock clears an alarm lock ($X).
func (c *core) RawUnlock(ctx context.Context) error {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return err
	}
	_, err := c.rawWaitOK(ctx, "$X", DefaultTimeout)
	return err
}

// rawDo checks the mode and sends cmd through rawSend.
func (c *core) rawDo(ctx context.Context, cmd string, waitOK bool) error {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return err
	}
	_, err := c.rawSend(ctx, cmd, waitOK)
	return err
}

// RawMove moves the head.
func (c *core) RawMove(ctx context.Context, args MoveArgs) error {
	return c.rawDo(ctx, MoveCommand(args), false)
}

// RawMoveZRel moves Z relative to the current position.
func (c *core) RawMoveZRel(ctx context.Context, z float64) error {
	return c.rawDo(ctx, MoveZRelCommand(z), false)
}

// RawMoveZRelToLastHome moves Z relative to the last homed position.
func (c *core) RawMoveZRelToLastHome(ctx context.Context, z float64) error {
	return c.rawDo(ctx, MoveZRelToLastHomeCommand(z), false)
}

// RawSetWaterPump switches the water pump.
func (c *core) RawSetWaterPump(ctx context.Context, on bool, fcodeVersion int) error {
	return c.rawDo(ctx, WaterPumpCommand(on, fcodeVersion), false)
}

// RawSetAirPump switches the air assist.
func (c *core) RawSetAirPump(ctx context.Context, on bool, fcodeVersion int) error {
	return c.rawDo(ctx, AirPumpCommand(on, fcodeVersion), false)
}

// RawSetFan switches the exhaust fan.
func (c *core) RawSetFan(ctx context.Context, on bool, fcodeVersion int) error {
	return c.rawDo(ctx, FanCommand(on, fcodeVersion), false)
}

// RawSetRotary switches the rotary axis. The v1 commands are never line-checked.
func (c *core) RawSetRotary(ctx context.Context, on bool, fcodeVersion int) error {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return err
	}
	cmd := RotaryCommand(on, fcodeVersion)
	if enabled, _ := c.LineCheck(); !enabled || fcodeVersion != FcodeV2 {
		_, err := c.waitAny(ctx, cmd, DefaultTimeout)
		return err
	}
	_, err := c.lineCheckCommand(ctx, cmd, DefaultTimeout)
	return err
}

// RawLooseMotor releases the steppers.
func (c *core) RawLooseMotor(ctx context.Context, fcodeVersion int) error {
	return c.rawDo(ctx, LooseMotorCommand(fcodeVersion), false)
}

// RawSetLaser fires or stops the laser.
func (c *core) RawSetLaser(ctx context.Context, on bool, power *float64) error {
	return c.rawDo(ctx, LaserCommand(on, power), true)
}

// RawSetRedLight switches the red pointer.
func (c *core) RawSetRedLight(ctx context.Context, on bool) error {
	return c.rawDo(ctx, RedLightCommand(on), true)
}

// RawSet24V switches the 24V rail.
func (c *core) RawSet24V(ctx context.Context, on bool) error {
	return c.rawDo(ctx, Power24VCommand(on), true)
}

// RawSetOrigin stores the current position as the origin.
func (c *core) RawSetOrigin(ctx context.Context, fcodeVersion int) error {
	return c.rawDo(ctx, SetOriginCommand(fcodeVersion), true)
}

// RawAutoFocus runs auto focus and waits for "ok".
func (c *core) RawAutoFocus(ctx context.Context, version int, timeout time.Duration) error {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultAutoFocusTimeout
	}

	w := c.waiters.newWaiter(timeout)
	defer w.close()

	if err := c.send(ctx, AutoFocusCommand(version)); err != nil {
		return err
	}

	pending := ""
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return err
		}
		if msg.Status == transport.StatusRaw {
			pending += msg.Text
		}
		lines := splitLines(pending)
		if hasLine(lines, "ok") {
			return nil
		}
		pending = lastLine(lines)
		if isRawReset(msg.Text, lines) {
			return rawFailure(msg.Text)
		}
		w.rearm(timeout)
	}
}

// rawRegexCommand sends cmd, waits for "ok" and returns the submatches of
// the first line matching re. ER:RESET and error: resend up to five times.
func (c *core) rawRegexCommand(ctx context.Context, cmd string, re *regexp.Regexp) ([]string, error) {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return nil, err
	}

	w := c.waiters.newWaiter(c.timing.rawTimeout)
	defer w.close()

	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}

	retries := 0
	pending := ""
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Status == transport.StatusRaw {
			pending += msg.Text
		}
		lines := splitLines(pending)
		if hasLine(lines, "ok") {
			for _, l := range lines {
				if m := re.FindStringSubmatch(l); m != nil {
					return m, nil
				}
			}
			return nil, fmt.Errorf("%w: %s: no line matches %s", ErrProtocol, cmd, re)
		}

		if !isRawReset(msg.Text, lines) {
			w.rearm(c.timing.rawTimeout)
			continue
		}
		if retries >= maxRawRetries {
			return nil, rawFailure(msg.Text)
		}
		retries++
		w.pause()
		if err := sleep(ctx, c.timing.rawRetry); err != nil {
			return nil, err
		}
		pending = ""
		w.rearm(c.timing.rawTimeout)
		if err := c.send(ctx, cmd); err != nil {
			return nil, err
		}
	}
}

func parseFloats(ss []string) []float64 {
	out := make([]float64, len(ss))
	for i, s := range ss {
		out[i], _ = strconv.ParseFloat(s, 64)
	}
	return out
}

// RawGetProbePos returns the last probe position (M136P254).
func (c *core) RawGetProbePos(ctx context.Context) (ProbePosition, error) {
	m, err := c.rawRegexCommand(ctx, "M136P254", probePosPattern)
	if err != nil {
		return ProbePosition{}, err
	}
	v := parseFloats(m[1:5])
	return ProbePosition{
		Position:     Position{X: v[0], Y: v[1], Z: v[2], A: v[3]},
		DidAutoFocus: m[5] == "1",
	}, nil
}

// RawGetLastPos returns the last recorded position (M136P255).
func (c *core) RawGetLastPos(ctx context.Context) (Position, error) {
	m, err := c.rawRegexCommand(ctx, "M136P255", lastPosPattern)
	if err != nil {
		return Position{}, err
	}
	v := parseFloats(m[1:5])
	return Position{X: v[0], Y: v[1], Z: v[2], A: v[3]}, nil
}

// RawGetStatePos returns the position from the machine state report (?).
func (c *core) RawGetStatePos(ctx context.Context) (Position, error) {
	m, err := c.rawRegexCommand(ctx, "?", statePosPattern)
	if err != nil {
		return Position{}, err
	}
	v := parseFloats(m[1:5])
	return Position{X: v[0], Y: v[1], Z: v[2], A: v[3]}, nil
}

// RawGetDoorOpen returns the interlock state (M136P179).
func (c *core) RawGetDoorOpen(ctx context.Context) (DoorState, error) {
	m, err := c.rawRegexCommand(ctx, "M136P179", doorPattern)
	if err != nil {
		return DoorState{}, err
	}
	n := make([]int, 4)
	for i := range n {
		n[i], _ = strconv.Atoi(m[i+1])
	}
	return DoorState{Interlock: n[0], BottomCover: n[1], BackCover: n[2], RemoteInterlock: n[3]}, nil
}

// RawMeasureHeight measures the work height (B45) and returns z_pos.
// error: replies resend the command one second later, up to five times.
func (c *core) RawMeasureHeight(ctx context.Context, baseZ *float64, timeout time.Duration) (float64, error) {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return 0, err
	}
	if timeout <= 0 {
		timeout = DefaultMeasureHeightTimeout
	}
	cmd := MeasureHeightCommand(baseZ)

	if enabled, _ := c.LineCheck(); enabled {
		out, err := c.lineCheckCommand(ctx, cmd, DefaultTimeout)
		if err != nil {
			return 0, err
		}
		return parseZPos(splitLines(out))
	}

	w := c.waiters.newWaiter(timeout)
	defer w.close()

	if err := c.send(ctx, cmd); err != nil {
		return 0, err
	}

	retries := 0
	pending := ""
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return 0, err
		}
		if msg.Status == transport.StatusRaw {
			pending += msg.Text
		}
		lines := splitLines(pending)
		if hasLine(lines, "ok") {
			return parseZPos(lines)
		}
		if !strings.Contains(pending, "error:") {
			w.rearm(timeout)
			continue
		}
		if retries >= maxRawRetries {
			return 0, rawFailure(pending)
		}
		retries++
		w.pause()
		if err := sleep(ctx, c.timing.measureRetry); err != nil {
			return 0, err
		}
		pending = ""
		w.rearm(timeout)
		if err := c.send(ctx, cmd); err != nil {
			return 0, err
		}
	}
}

func parseZPos(lines []string) (float64, error) {
	for _, l := range lines {
		if !strings.Contains(l, "z_pos") {
			continue
		}
		var v struct {
			ZPos json.Number `json:"z_pos"`
		}
		if err := json.Unmarshal([]byte(l), &v); err != nil {
			return 0, fmt.Errorf("%w: measure height: %w", ErrProtocol, err)
		}
		return v.ZPos.Float64()
	}
	return 0, fmt.Errorf("%w: measure height: no z_pos in reply", ErrProtocol)
}
