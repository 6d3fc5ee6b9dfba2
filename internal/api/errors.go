package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/laserlink-core/internal/devicemaster"
)

// Error is the body of every error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes of the API itself. Device failures use the devicemaster codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeForbidden    = "forbidden"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
	ErrCodeUnavailable  = "unavailable"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDeviceError maps a device master failure to a response. The code is
// the connection error taxonomy code.
func writeDeviceError(w http.ResponseWriter, err error) {
	code := devicemaster.Code(err)
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, devicemaster.ErrNoDevice):
		status = http.StatusConflict
		code = ErrCodeConflict
	case code == devicemaster.CodeUnknownDevice:
		status = http.StatusBadRequest
	case code == devicemaster.CodeNotFound:
		status = http.StatusNotFound
	case code == devicemaster.CodeAuthError, code == devicemaster.CodeAuthFailed:
		status = http.StatusForbidden
	case code == devicemaster.CodeTimeout:
		status = http.StatusGatewayTimeout
	case code == devicemaster.CodeDisconnected:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, code, err.Error())
}
