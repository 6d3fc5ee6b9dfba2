package auth

import (
	"errors"
	"regexp"
	"slices"
	"time"
)

// clientNamePattern allows letters, digits, dots, hyphens and underscores.
var clientNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// IsValidClientName checks the name format used at login.
func IsValidClientName(name string) bool {
	return clientNamePattern.MatchString(name)
}

// Role is the authorisation tier of an API client.
type Role string

const (
	// RoleViewer reads the device list and job status.
	RoleViewer Role = "viewer"

	// RoleOperator can also select devices, run jobs and poke addresses.
	RoleOperator Role = "operator"

	// RoleAdmin can also manage API clients and backend settings.
	RoleAdmin Role = "admin"
)

// ValidRoles lists the roles a client may hold.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is one of ValidRoles.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Client is a caller of the local API.
type Client struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SecretHash string    `json:"-"`
	Role       Role      `json:"role"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrClientNotFound     = errors.New("auth: client not found")
	ErrClientInactive     = errors.New("auth: client is inactive")
	ErrClientExists       = errors.New("auth: client name already exists")
	ErrInvalidClient      = errors.New("auth: invalid client")
	ErrTokenInvalid       = errors.New("auth: invalid token")
	ErrForbidden          = errors.New("auth: insufficient permissions")
)
