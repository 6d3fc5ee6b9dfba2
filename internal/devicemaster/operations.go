package devicemaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/laserlink-core/internal/control"
	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/mqtt"
)

// labelAborted replaces the label the backend reports for aborted jobs.
const labelAborted = "ABORTED"

// StatusNotification is published when a job pauses, completes or aborts.
type StatusNotification struct {
	UUID     string           `json:"uuid"`
	Name     string           `json:"name"`
	Model    string           `json:"model"`
	StatusID device.StatusID  `json:"st_id"`
	Label    string           `json:"st_label"`
	Progress float64          `json:"prog"`
	Errors   device.ErrorList `json:"error,omitempty"`
	Time     time.Time        `json:"time"`
}

// run executes fn on the current session's task queue.
func run[T any](ctx context.Context, m *Master, fn func(ctx context.Context, s control.Session) (T, error)) (T, error) {
	s, err := m.session(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return control.Do(ctx, s, func(ctx context.Context) (T, error) {
		return fn(ctx, s)
	})
}

func (m *Master) exec(ctx context.Context, fn func(ctx context.Context, s control.Session) error) error {
	_, err := run(ctx, m, func(ctx context.Context, s control.Session) (struct{}, error) {
		return struct{}{}, fn(ctx, s)
	})
	return err
}

// GetReport queries the job status of the current device and caches it in
// the registry.
func (m *Master) GetReport(ctx context.Context) (device.Status, error) {
	rep, err := run(ctx, m, func(ctx context.Context, s control.Session) (device.Report, error) {
		return s.Report(ctx)
	})
	if err != nil {
		return device.Status{}, err
	}

	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn != nil {
		m.applyReport(conn, rep)
	}

	st := rep.Status
	if st.StatusID == device.StatusAborted {
		st.StatusLabel = labelAborted
	}
	return st, nil
}

// applyReport stores a report's status and announces notable transitions.
func (m *Master) applyReport(conn *connection, rep device.Report) {
	m.mu.Lock()
	prev := conn.lastStatus
	rep.Apply(&conn.info)
	conn.lastStatus = rep.Status.StatusID
	conn.lastErrors = rep.Status.Error
	info := conn.info
	m.mu.Unlock()

	st := rep.Status
	if err := m.opts.Registry.UpdateStatus(info.UUID, st.StatusID, info.ErrorLabel); err != nil &&
		!errors.Is(err, device.ErrDeviceNotFound) {
		m.logger.Debug("caching device status", "uuid", info.UUID, "error", err)
	}

	if m.opts.Telemetry != nil {
		m.opts.Telemetry.WriteDeviceStatus(influxdb.DeviceStatus{
			UUID:       info.UUID,
			Model:      info.Model,
			StatusID:   int(st.StatusID),
			Progress:   st.Progress,
			ErrorLabel: info.ErrorLabel,
		})
	}

	if st.StatusID == prev || !st.StatusID.IsNotable() {
		return
	}
	m.logger.Info("device status changed", "uuid", info.UUID, "from", prev, "to", st.StatusID)
	m.publishStatus(info, st)
}

func (m *Master) publishStatus(info device.Info, st device.Status) {
	if m.opts.Publisher == nil {
		return
	}
	label := st.StatusLabel
	if st.StatusID == device.StatusAborted {
		label = labelAborted
	}
	n := StatusNotification{
		UUID:     info.UUID,
		Name:     info.Name,
		Model:    info.Model,
		StatusID: st.StatusID,
		Label:    label,
		Progress: st.Progress,
		Errors:   st.Error,
		Time:     time.Now().UTC(),
	}
	if err := m.opts.Publisher.PublishJSON(mqtt.Topics{}.DeviceStatus(info.UUID), n, false); err != nil {
		m.logger.Warn("publishing device status", "uuid", info.UUID, "error", err)
	}
}

// LastErrors returns the error list of the current device's latest report.
func (m *Master) LastErrors() device.ErrorList {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return append(device.ErrorList(nil), m.current.lastErrors...)
}

// Start starts the selected job.
func (m *Master) Start(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.Start(ctx) })
}

// Pause pauses the running job.
func (m *Master) Pause(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.Pause(ctx) })
}

// Resume resumes a paused job.
func (m *Master) Resume(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.Resume(ctx) })
}

// Restart runs the last job again.
func (m *Master) Restart(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.Restart(ctx) })
}

// Stop aborts the running job.
func (m *Master) Stop(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.Abort(ctx) })
}

// Quit leaves a finished or aborted job.
func (m *Master) Quit(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.Quit(ctx) })
}

// QuitTask leaves the current sub-task mode.
func (m *Master) QuitTask(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.QuitTask(ctx) })
}

// Kick asks the device to drop other clients' control sessions.
func (m *Master) Kick(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.Kick(ctx) })
}

// Go uploads a job and starts it. Empty data is a no-op.
func (m *Master) Go(ctx context.Context, data []byte, onProgress func(control.Progress)) error {
	if len(data) == 0 {
		return nil
	}
	return m.exec(ctx, func(ctx context.Context, s control.Session) error {
		if onProgress != nil {
			s.SetProgressListener(onProgress)
			defer s.SetProgressListener(nil)
		}
		if err := s.Upload(ctx, data, "", ""); err != nil {
			return err
		}
		return s.Start(ctx)
	})
}

// GoFromFile selects a file stored on the device and starts it.
func (m *Master) GoFromFile(ctx context.Context, path []string, fileName string) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error {
		if err := s.Select(ctx, path, fileName); err != nil {
			return err
		}
		return s.Start(ctx)
	})
}

// Ls lists a directory on the device.
func (m *Master) Ls(ctx context.Context, path string) (control.DirectoryListing, error) {
	return run(ctx, m, func(ctx context.Context, s control.Session) (control.DirectoryListing, error) {
		return s.Ls(ctx, path)
	})
}

// FileInfo returns the metadata of one stored file.
func (m *Master) FileInfo(ctx context.Context, path, fileName string) ([]any, error) {
	return run(ctx, m, func(ctx context.Context, s control.Session) ([]any, error) {
		return s.FileInfo(ctx, path, fileName)
	})
}

// DeleteFile removes a stored file.
func (m *Master) DeleteFile(ctx context.Context, path, fileName string) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error {
		return s.DeleteFile(ctx, path+"/"+fileName)
	})
}

// UploadToDirectory stores a file on the device without running it.
func (m *Master) UploadToDirectory(ctx context.Context, data []byte, path, fileName string, onProgress func(control.Progress)) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error {
		if onProgress != nil {
			s.SetProgressListener(onProgress)
			defer s.SetProgressListener(nil)
		}
		return s.Upload(ctx, data, path, fileName)
	})
}

// DownloadFile fetches a stored file.
func (m *Master) DownloadFile(ctx context.Context, path, fileName string) (control.Download, error) {
	return run(ctx, m, func(ctx context.Context, s control.Session) (control.Download, error) {
		return s.DownloadFile(ctx, path+"/"+fileName)
	})
}

// DownloadLog fetches a device log.
func (m *Master) DownloadLog(ctx context.Context, name string) (control.Download, error) {
	return run(ctx, m, func(ctx context.Context, s control.Session) (control.Download, error) {
		return s.DownloadLog(ctx, name)
	})
}

// GetPreviewInfo returns the metadata and thumbnails of the selected job.
func (m *Master) GetPreviewInfo(ctx context.Context) (control.Preview, error) {
	return run(ctx, m, func(ctx context.Context, s control.Session) (control.Preview, error) {
		return s.GetPreview(ctx)
	})
}

// GetDeviceDetailInfo returns the device's hardware and firmware details.
func (m *Master) GetDeviceDetailInfo(ctx context.Context) (map[string]any, error) {
	return run(ctx, m, func(ctx context.Context, s control.Session) (map[string]any, error) {
		return s.DeviceDetailInfo(ctx)
	})
}

// GetDeviceSetting reads a persistent device setting.
func (m *Master) GetDeviceSetting(ctx context.Context, name string) (map[string]any, error) {
	return run(ctx, m, func(ctx context.Context, s control.Session) (map[string]any, error) {
		return s.GetDeviceSetting(ctx, name)
	})
}

// SetDeviceSetting writes a persistent device setting.
func (m *Master) SetDeviceSetting(ctx context.Context, name, value string) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error {
		return s.SetDeviceSetting(ctx, name, value)
	})
}

// EnterRawMode switches the current session to raw motion commands.
func (m *Master) EnterRawMode(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.EnterRawMode(ctx) })
}

// EndRawMode leaves raw mode.
func (m *Master) EndRawMode(ctx context.Context) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error { return s.EndSubTask(ctx) })
}

// UpdateFirmware uploads a firmware image to the chosen board.
func (m *Master) UpdateFirmware(ctx context.Context, data []byte, kind control.FirmwareType, onProgress func(control.Progress)) error {
	return m.exec(ctx, func(ctx context.Context, s control.Session) error {
		if onProgress != nil {
			s.SetProgressListener(onProgress)
			defer s.SetProgressListener(nil)
		}
		return s.UpdateFirmware(ctx, data, kind)
	})
}

// WaitTillStatusPredicate polls the report every second until predicate
// holds, then quits the job. It fails only when the job is aborted; a job
// paused with errors is waited on until it resumes. A job that returns to
// idle after running counts as done.
func (m *Master) WaitTillStatusPredicate(ctx context.Context, predicate func(device.StatusID) bool, onProgress func(float64)) error {
	if predicate == nil {
		predicate = func(s device.StatusID) bool { return s == device.StatusCompleted }
	}

	ticker := time.NewTicker(m.timing.statusPoll)
	defer ticker.Stop()

	changed := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := m.GetReport(ctx)
		if err != nil {
			m.logger.Debug("status poll failed", "error", err)
			continue
		}

		switch {
		case predicate(st.StatusID):
			if err := sleep(ctx, m.timing.quitDelay); err != nil {
				return err
			}
			if err := m.Quit(ctx); err != nil {
				return fmt.Errorf("%w: %w", ErrQuitFailed, err)
			}
			return nil
		case st.StatusID == device.StatusAborted:
			return &TaskError{Status: st.StatusID, Errors: st.Error}
		case st.StatusID == device.StatusIdle:
			if changed {
				return nil
			}
		default:
			changed = true
			if st.Progress > 0 && onProgress != nil {
				onProgress(st.Progress)
			}
		}
	}
}

// WaitTillCompleted waits for the running job to complete and quits it.
func (m *Master) WaitTillCompleted(ctx context.Context, onProgress func(float64)) error {
	return m.WaitTillStatusPredicate(ctx, nil, onProgress)
}

// DoCalibration stops any running job, runs the calibration job and waits
// for it to complete. Without a job the device's loaded job is started.
func (m *Master) DoCalibration(ctx context.Context, job []byte, onProgress func(float64)) error {
	if err := m.Stop(ctx); err != nil {
		m.logger.Debug("stopping before calibration", "error", err)
	}

	var err error
	if len(job) == 0 {
		err = m.Start(ctx)
	} else {
		err = m.Go(ctx, job, nil)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	return m.WaitTillCompleted(ctx, onProgress)
}
