package control

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Line-check control commands and their acknowledgements.
const (
	lineCheckEnable   = "$@"
	lineCheckDisable  = "M172"
	lineCheckEnabled  = "CTRL LINECHECK_ENABLED"
	lineCheckDisabled = "CTRL LINECHECK_DISABLED"
	lineCheckModulus  = 65536
)

// FrameLineCheck frames cmd for line-check mode as "N<ln><cmd>*<crc>".
//
// The checksum runs over every non-space byte of "N<ln><cmd>" as
// crc = (crc ^ c) + c and is reduced modulo 65536 once, after the full pass.
func FrameLineCheck(cmd string, lineNumber int) string {
	framed := "N" + strconv.Itoa(lineNumber) + cmd
	crc := 0
	for i := 0; i < len(framed); i++ {
		ch := int(framed[i])
		if ch == ' ' {
			continue
		}
		crc ^= ch
		crc += ch
	}
	crc %= lineCheckModulus
	return framed + "*" + strconv.Itoa(crc)
}

// lineCheckCommand sends cmd framed with the current line number and drives
// the recovery protocol until the firmware acknowledges the line.
//
//	LN<n> 0 / L<n> 0  → line number advances, done
//	ERL<k>            → adopt k, re-frame, resend
//	ER...             → resend with the same line number
//	ER:RESET, error:  → fail
//
// Every send and resend restarts the timeout.
func (c *core) lineCheckCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	w := c.waiters.newWaiter(timeout)
	defer w.close()

	_, ln := c.LineCheck()
	if err := c.send(ctx, FrameLineCheck(cmd, ln)); err != nil {
		return "", err
	}

	var buf strings.Builder
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return buf.String(), err
		}
		if msg.Status != transport.StatusRaw {
			continue
		}
		buf.WriteString(msg.Text)

		if strings.Contains(msg.Text, "ER:RESET") || strings.Contains(msg.Text, "error:") {
			return buf.String(), rawFailure(buf.String())
		}

		lines := dropDebugLines(splitLines(buf.String()))
		_, ln = c.LineCheck()

		if lineAcknowledged(lines, ln) {
			c.mu.Lock()
			c.lineNumber = ln + 1
			c.mu.Unlock()
			return buf.String(), nil
		}

		corrected, hasERL := correctedLineNumber(lines)
		if !hasERL && !anyPrefix(lines, "ER") {
			continue
		}
		if hasERL {
			c.mu.Lock()
			c.lineNumber = corrected
			c.mu.Unlock()
			ln = corrected
		}

		framed := FrameLineCheck(cmd, ln)
		c.logger.Debug("line check resend", "session", c.name, "frame", framed)
		buf.Reset()
		w.rearm(timeout)
		if err := c.send(ctx, framed); err != nil {
			return "", err
		}
	}
}

// dropDebugLines removes DEBUG: lines except a trailing partial one.
func dropDebugLines(lines []string) []string {
	out := lines[:0:0]
	for i, l := range lines {
		if strings.HasPrefix(l, "DEBUG:") && i != len(lines)-1 {
			continue
		}
		out = append(out, l)
	}
	return out
}

func lineAcknowledged(lines []string, ln int) bool {
	n := strconv.Itoa(ln)
	return anyPrefix(lines, "LN"+n+" 0") || anyPrefix(lines, "L"+n+" 0")
}

// correctedLineNumber returns k from the first "ERL<k>" line.
func correctedLineNumber(lines []string) (int, bool) {
	for _, l := range lines {
		if !strings.HasPrefix(l, "ERL") {
			continue
		}
		field, _, _ := strings.Cut(l[3:], " ")
		if k, err := strconv.Atoi(field); err == nil {
			return k, true
		}
	}
	return 0, false
}

// RawStartLineCheck switches the firmware into line-check framing and
// resets the line number to 1.
func (c *core) RawStartLineCheck(ctx context.Context) error {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return err
	}
	if err := c.toggleLineCheck(ctx, lineCheckEnable, lineCheckEnabled); err != nil {
		return err
	}
	c.RestoreLineCheck(true, 1)
	return nil
}

// RawEndLineCheck switches line-check framing off.
func (c *core) RawEndLineCheck(ctx context.Context) error {
	if err := requireMode(c.Mode(), ModeRaw); err != nil {
		return err
	}
	if err := c.toggleLineCheck(ctx, lineCheckDisable, lineCheckDisabled); err != nil {
		return err
	}
	c.mu.Lock()
	c.lineCheck = false
	c.mu.Unlock()
	return nil
}

// toggleLineCheck sends cmd until a line reads ack or "ok", resending up to
// maxRawRetries times on ER:RESET or error:.
func (c *core) toggleLineCheck(ctx context.Context, cmd, ack string) error {
	w := c.waiters.newWaiter(c.timing.rawTimeout)
	defer w.close()

	if err := c.send(ctx, cmd); err != nil {
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
		if hasLine(lines, ack) || hasLine(lines, "ok") {
			return nil
		}
		pending = lastLine(lines)

		if !isRawReset(msg.Text, lines) {
			w.rearm(c.timing.rawTimeout)
			continue
		}
		if retries >= maxRawRetries {
			return rawFailure(msg.Text)
		}
		retries++
		w.pause()
		if err := sleep(ctx, c.timing.rawRetry); err != nil {
			return err
		}
		pending = ""
		w.rearm(c.timing.rawTimeout)
		if err := c.send(ctx, cmd); err != nil {
			return err
		}
	}
}
