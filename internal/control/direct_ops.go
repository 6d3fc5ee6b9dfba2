package control

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Report polls the device status ("play report"). Replies other than "ok"
// trigger a resend, up to three times, within one three-second window.
func (s *DirectSession) Report(ctx context.Context) (device.Report, error) {
	w := s.waiters.newWaiter(s.timing.reportTimeout)
	defer w.close()

	if err := s.send(ctx, "play report"); err != nil {
		return device.Report{}, err
	}

	retries := 0
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return device.Report{}, err
		}
		if msg.Status == transport.StatusOK {
			var r device.Report
			if err := msg.Decode(&r); err != nil {
				return device.Report{}, fmt.Errorf("%w: report: %w", ErrProtocol, err)
			}
			return r, nil
		}
		if retries >= maxPollRetries {
			return device.Report{}, newCommandError(msg, false)
		}
		retries++
		s.logger.Debug("retry report", "uuid", s.cfg.UUID, "attempt", retries)
		if err := s.send(ctx, "play report"); err != nil {
			return device.Report{}, err
		}
	}
}

func (s *DirectSession) simple(ctx context.Context, cmd string) error {
	_, err := s.waitAny(ctx, cmd, DefaultTimeout)
	return err
}

// Start starts the selected task.
func (s *DirectSession) Start(ctx context.Context) error { return s.simple(ctx, "play start") }

// Pause pauses the running task.
func (s *DirectSession) Pause(ctx context.Context) error { return s.simple(ctx, "play pause") }

// Resume resumes a paused task.
func (s *DirectSession) Resume(ctx context.Context) error { return s.simple(ctx, "play resume") }

// Restart restarts the last task.
func (s *DirectSession) Restart(ctx context.Context) error { return s.simple(ctx, "play restart") }

// Kick asks the gateway to drop other control clients.
func (s *DirectSession) Kick(ctx context.Context) error { return s.simple(ctx, "kick") }

// Abort stops the running task and waits until the device is idle or aborted.
func (s *DirectSession) Abort(ctx context.Context) error {
	return s.stopAndPoll(ctx, "play abort", true)
}

// Quit leaves the completed or aborted task and waits until the device is idle.
func (s *DirectSession) Quit(ctx context.Context) error {
	return s.stopAndPoll(ctx, "play quit", false)
}

// stopAndPoll sends cmd and polls until the status settles.
//
// Each reply is checked: idle (0), or aborted (128) when aborting, settles.
// Otherwise the session waits two seconds and resends cmd if the reply was
// not "ok", or polls "play report" if it was. After three retries a report
// showing idle settles; an abort that finds the task completed (64) sends a
// final "play quit" before failing.
func (s *DirectSession) stopAndPoll(ctx context.Context, cmd string, aborting bool) error {
	w := s.waiters.newWaiter(s.timing.abortTimeout)
	defer w.close()

	if err := s.send(ctx, cmd); err != nil {
		return err
	}

	retries := 0
	retry := func(resend bool) error {
		retries++
		w.pause()
		if err := sleep(ctx, s.timing.abortRetry); err != nil {
			return err
		}
		w.rearm(s.timing.abortTimeout)
		next := "play report"
		if resend {
			next = cmd
		}
		return s.send(ctx, next)
	}

	for {
		msg, err := w.next(ctx)
		if err != nil {
			var cmdErr *CommandError
			if !errors.As(err, &cmdErr) || retries >= maxPollRetries {
				return err
			}
			if err := retry(false); err != nil {
				return err
			}
			continue
		}

		st, hasStatus := reportStatus(msg)
		if retries >= maxPollRetries {
			s.logger.Warn("stop tried 3 times", "uuid", s.cfg.UUID, "cmd", cmd)
			if msg.Field("cmd") == "play report" && hasStatus {
				if st == device.StatusIdle {
					return nil
				}
				if aborting && st == device.StatusCompleted {
					_ = s.send(ctx, "play quit")
				}
			}
			return newCommandError(msg, false)
		}

		if hasStatus && (st == device.StatusIdle || (aborting && st == device.StatusAborted)) {
			return nil
		}
		if err := retry(msg.Status != transport.StatusOK); err != nil {
			return err
		}
	}
}

// reportStatus extracts device_status.st_id from a reply.
func reportStatus(msg transport.Message) (device.StatusID, bool) {
	ds, ok := msg.Fields["device_status"].(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := ds["st_id"].(float64)
	if !ok {
		return 0, false
	}
	return device.StatusID(v), true
}

// Select selects a task file on the device.
func (s *DirectSession) Select(ctx context.Context, path []string, fileName string) error {
	target := strings.Join(path, "/")
	if fileName != "" {
		target += "/" + fileName
	}
	return s.simple(ctx, "play select "+target)
}

// GetPreview returns the selected task's metadata and thumbnails ("play info").
func (s *DirectSession) GetPreview(ctx context.Context) (Preview, error) {
	res, err := s.waitOK(ctx, "play info", DefaultTimeout)
	if err != nil {
		return Preview{}, err
	}
	var p Preview
	for _, m := range res.Data {
		switch {
		case m.IsBinary():
			p.Images = append(p.Images, m.Binary)
		case p.Metadata == nil && m.Status != transport.StatusOK:
			p.Metadata = m.Fields
		}
	}
	return p, nil
}

// DeleteFile removes a file on the device.
func (s *DirectSession) DeleteFile(ctx context.Context, fileNameWithPath string) error {
	return s.simple(ctx, "file rmfile "+fileNameWithPath)
}

// Ls lists a directory.
func (s *DirectSession) Ls(ctx context.Context, path string) (DirectoryListing, error) {
	res, err := s.waitOK(ctx, "file ls "+path, DefaultTimeout)
	if err != nil {
		return DirectoryListing{}, err
	}
	var l DirectoryListing
	if err := res.Response.Decode(&l); err != nil {
		return DirectoryListing{}, fmt.Errorf("%w: ls: %w", ErrProtocol, err)
	}
	return l, nil
}

// Lsusb lists attached USB storage.
func (s *DirectSession) Lsusb(ctx context.Context) (map[string]any, error) {
	msg, err := s.waitAny(ctx, "file lsusb", DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return msg.Fields, nil
}

// FileInfo returns the file name followed by every reply: metadata, the
// thumbnail payload and the final status.
func (s *DirectSession) FileInfo(ctx context.Context, path, fileName string) ([]any, error) {
	res, err := s.waitOK(ctx, "file fileinfo "+path+"/"+fileName, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	out := []any{fileName}
	for _, m := range res.Data {
		if m.IsBinary() {
			out = append(out, m.Binary)
		} else {
			out = append(out, m.Fields)
		}
	}
	return out, nil
}

// GetParam reads a play parameter ("play get_<name>") and returns its value.
func (s *DirectSession) GetParam(ctx context.Context, name string) (any, error) {
	res, err := s.waitOK(ctx, "play get_"+name, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if v, ok := res.Response.Fields["value"]; ok {
		return v, nil
	}
	return res.Response.Fields, nil
}

// SetParam writes a play parameter ("play set_<name> <value>").
func (s *DirectSession) SetParam(ctx context.Context, name string, value any) error {
	_, err := s.waitOK(ctx, fmt.Sprintf("play set_%s %v", name, value), DefaultTimeout)
	return err
}

// GetDeviceSetting reads a persistent firmware setting.
func (s *DirectSession) GetDeviceSetting(ctx context.Context, name string) (map[string]any, error) {
	msg, err := s.waitAny(ctx, "config get "+name, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return msg.Fields, nil
}

// SetDeviceSetting writes a persistent firmware setting.
func (s *DirectSession) SetDeviceSetting(ctx context.Context, name, value string) error {
	return s.simple(ctx, "config set "+name+" "+value)
}

// DeleteDeviceSetting removes a persistent firmware setting.
func (s *DirectSession) DeleteDeviceSetting(ctx context.Context, name string) error {
	return s.simple(ctx, "config del "+name)
}

// DeviceDetailInfo returns the firmware's device information. Idle mode only.
func (s *DirectSession) DeviceDetailInfo(ctx context.Context) (map[string]any, error) {
	if err := requireMode(s.Mode(), ModeIdle); err != nil {
		return nil, err
	}
	msg, err := s.waitAny(ctx, "deviceinfo", DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return msg.Fields, nil
}

// EnterRawMode switches to raw mode and waits for the firmware to settle.
func (s *DirectSession) EnterRawMode(ctx context.Context) error {
	if err := s.simple(ctx, "task raw"); err != nil {
		return err
	}
	if err := sleep(ctx, s.timing.settleRaw); err != nil {
		return err
	}
	s.setMode(ModeRaw)
	return nil
}

// EnterSubTask switches to mode, waiting settle before marking it active.
func (s *DirectSession) EnterSubTask(ctx context.Context, mode Mode, settle time.Duration) error {
	if err := s.simple(ctx, "task "+string(mode)); err != nil {
		return err
	}
	if err := sleep(ctx, settle); err != nil {
		return err
	}
	s.setMode(mode)
	if mode == ModeCartridgeIO {
		s.cartridgeTaskID.Store(rand.Int64N(2e9))
	}
	return nil
}

// EndSubTask leaves the current sub-task.
func (s *DirectSession) EndSubTask(ctx context.Context) error {
	s.setMode(ModeIdle)
	s.cartridgeTaskID.Store(0)
	return s.simple(ctx, "task quit")
}

// QuitTask leaves the current task mode.
func (s *DirectSession) QuitTask(ctx context.Context) error {
	s.setMode(ModeIdle)
	return s.simple(ctx, "task quit")
}
