package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/laserlink-core/internal/audit"
	"github.com/nerrad567/laserlink-core/internal/discovery"
)

type pokeRequest struct {
	IP  string `json:"ip"`
	TCP bool   `json:"tcp"`
}

// handlePoke asks discovery to probe one address.
func (s *Server) handlePoke(w http.ResponseWriter, r *http.Request) {
	if s.discovery == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "discovery not running")
		return
	}
	var req pokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.discovery.PokeIP(r.Context(), req.IP, discovery.PokeOptions{TCP: req.TCP})
	s.record(r, audit.ActionPoke, "", err, map[string]any{"ip": req.IP, "tcp": req.TCP})
	switch {
	case errors.Is(err, discovery.ErrInvalidIP):
		writeBadRequest(w, err.Error())
	case errors.Is(err, discovery.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	case err != nil:
		s.logger.Warn("poke failed", "ip", req.IP, "error", err)
		writeInternalError(w, "poke failed")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "poked", "ip": req.IP})
	}
}
