package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/laserlink-core/internal/audit"
	"github.com/nerrad567/laserlink-core/internal/devicemaster"
)

// record journals an operation by the authenticated client. A nil err is
// recorded as ok, otherwise by its device error code.
func (s *Server) record(r *http.Request, action, deviceUUID string, err error, details map[string]any) {
	e := audit.Entry{
		Action:     action,
		DeviceUUID: deviceUUID,
		Outcome:    audit.OutcomeOK,
		Details:    details,
	}
	if c := claimsFrom(r.Context()); c != nil {
		e.ClientID = c.Subject
	}
	if err != nil {
		e.Outcome = devicemaster.Code(err)
		if e.Outcome == devicemaster.CodeUnknown {
			e.Outcome = "error"
		}
	}
	s.recordEntry(r.Context(), e)
}

func (s *Server) recordEntry(ctx context.Context, e audit.Entry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), &e); err != nil {
		s.logger.Warn("recording journal entry", "action", e.Action, "error", err)
	}
}

// handleJournal lists journal entries. Query: action, device, client, limit, offset.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "journal not available")
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		DeviceUUID: q.Get("device"),
		ClientID:   q.Get("client"),
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &filter.Limit}, {"offset", &filter.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, p.name+" must be a non-negative integer")
			return
		}
		*p.dst = n
	}

	res, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing journal", "error", err)
		writeInternalError(w, "failed to list journal")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
