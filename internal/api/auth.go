package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/laserlink-core/internal/audit"
	"github.com/nerrad567/laserlink-core/internal/auth"
)

// ticketTTL is how long a websocket ticket stays valid.
const ticketTTL = 60 * time.Second

// ticketBytes is the number of random bytes in a websocket ticket.
const ticketBytes = 32

type loginRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	Role        auth.Role `json:"role"`
}

// handleLogin exchanges client credentials for an access token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !auth.IsValidClientName(req.Name) || req.Secret == "" {
		writeUnauthorized(w, "invalid credentials")
		return
	}

	client, err := auth.Authenticate(r.Context(), s.clients, req.Name, req.Secret)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.recordEntry(r.Context(), audit.Entry{Action: audit.ActionLogin, Outcome: "invalid_credentials", Details: map[string]any{"name": req.Name}})
		writeUnauthorized(w, "invalid credentials")
		return
	case errors.Is(err, auth.ErrClientInactive):
		s.recordEntry(r.Context(), audit.Entry{Action: audit.ActionLogin, Outcome: "inactive", Details: map[string]any{"name": req.Name}})
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "client is disabled")
		return
	case err != nil:
		s.logger.Error("authenticating api client", "name", req.Name, "error", err)
		writeInternalError(w, "authentication failed")
		return
	}

	ttl := time.Duration(s.secCfg.JWT.AccessTokenTTL) * time.Minute
	token, err := auth.GenerateAccessToken(client, s.secCfg.JWT.Secret, ttl)
	if err != nil {
		s.logger.Error("issuing access token", "client", client.ID, "error", err)
		writeInternalError(w, "failed to generate token")
		return
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	s.logger.Info("api client logged in", "client", client.Name, "role", client.Role)
	s.recordEntry(r.Context(), audit.Entry{Action: audit.ActionLogin, ClientID: client.ID})
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		Role:        client.Role,
	})
}

// ticketStore holds single-use websocket tickets.
type ticketStore struct {
	mu      sync.Mutex
	tickets map[string]ticketEntry
	now     func() time.Time
}

type ticketEntry struct {
	clientID  string
	role      auth.Role
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry), now: time.Now}
}

func (t *ticketStore) issue(clientID string, role auth.Role) (string, error) {
	b := make([]byte, ticketBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	ticket := hex.EncodeToString(b)

	t.mu.Lock()
	t.tickets[ticket] = ticketEntry{clientID: clientID, role: role, expiresAt: t.now().Add(ticketTTL)}
	t.mu.Unlock()
	return ticket, nil
}

// consume validates a ticket and removes it.
func (t *ticketStore) consume(ticket string) (ticketEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(t.tickets, ticket)
	return e, t.now().Before(e.expiresAt)
}

func (t *ticketStore) clean() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, e := range t.tickets {
		if now.After(e.expiresAt) {
			delete(t.tickets, k)
		}
	}
}

// handleWSTicket issues a websocket ticket for the authenticated client.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	ticket, err := s.tickets.issue(claims.Subject, claims.Role)
	if err != nil {
		writeInternalError(w, "failed to generate ticket")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.clean()
		}
	}
}
