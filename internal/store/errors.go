package store

import "errors"

// Domain errors for the store.
var (
	// ErrNotFound is returned when a key, address or credential is absent.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidIP is returned when adding an address that does not parse.
	ErrInvalidIP = errors.New("store: invalid ip address")

	// ErrSealed is returned when a credential cannot be opened with the
	// current store secret.
	ErrSealed = errors.New("store: credential cannot be opened")

	// ErrNoSecret is returned by New when the store secret is empty.
	ErrNoSecret = errors.New("store: secret is required")
)
