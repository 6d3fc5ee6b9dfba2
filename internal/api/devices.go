package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/laserlink-core/internal/audit"
	"github.com/nerrad567/laserlink-core/internal/device"
)

// deviceStatusEvent is the payload of device.status events.
type deviceStatusEvent struct {
	UUID   string        `json:"uuid"`
	Status device.Status `json:"status"`
}

// handleListDevices returns the merged device list.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	var devices []device.Info
	if s.discovery != nil {
		devices = s.discovery.Devices()
	} else {
		devices = s.registry.Devices()
	}
	if devices == nil {
		devices = []device.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one registry entry.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(chi.URLParam(r, "uuid"))
	if err != nil {
		writeNotFound(w, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleCurrentDevice returns the selected device.
func (s *Server) handleCurrentDevice(w http.ResponseWriter, _ *http.Request) {
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device control not available")
		return
	}
	info, ok := s.devices.Current()
	if !ok {
		writeNotFound(w, "no device selected")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSelectDevice makes a discovered device the current one.
func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device control not available")
		return
	}
	uuid := chi.URLParam(r, "uuid")
	if err := device.ValidateUUID(uuid); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	info, err := s.registry.Get(uuid)
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeNotFound(w, "device not found")
		return
	}

	err = s.devices.Select(r.Context(), info)
	s.record(r, audit.ActionSelect, uuid, err, map[string]any{"name": info.Name, "source": string(info.Source)})
	if err != nil {
		s.logger.Warn("selecting device", "uuid", uuid, "error", err)
		writeDeviceError(w, err)
		return
	}
	current, _ := s.devices.Current()
	writeJSON(w, http.StatusOK, map[string]any{"selected": current})
}

// currentFor checks that the path names the selected device.
func (s *Server) currentFor(w http.ResponseWriter, r *http.Request) bool {
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device control not available")
		return false
	}
	info, ok := s.devices.Current()
	if !ok || info.UUID != chi.URLParam(r, "uuid") {
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is not selected")
		return false
	}
	return true
}

// handleReport queries the job status of the selected device.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !s.currentFor(w, r) {
		return
	}
	st, err := s.devices.GetReport(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	uuid := chi.URLParam(r, "uuid")
	s.hub.Broadcast(ChannelDeviceStatus, deviceStatusEvent{UUID: uuid, Status: st})
	writeJSON(w, http.StatusOK, st)
}

// handleDeviceOp runs a job operation on the selected device.
func (s *Server) handleDeviceOp(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	var fn func(context.Context) error
	if s.devices != nil {
		fn = map[string]func(context.Context) error{
			"start":  s.devices.Start,
			"pause":  s.devices.Pause,
			"resume": s.devices.Resume,
			"stop":   s.devices.Stop,
			"quit":   s.devices.Quit,
			"kick":   s.devices.Kick,
		}[op]
		if fn == nil {
			writeNotFound(w, "unknown operation "+op)
			return
		}
	}
	if !s.currentFor(w, r) {
		return
	}

	err := fn(r.Context())
	s.record(r, op, chi.URLParam(r, "uuid"), err, nil)
	if err != nil {
		s.logger.Warn("device operation failed", "op", op, "uuid", chi.URLParam(r, "uuid"), "error", err)
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "op": op})
}
