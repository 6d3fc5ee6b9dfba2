package discovery

import "errors"

// Domain errors for discovery.
var (
	// ErrMasterExists is returned when another coordinator already holds the
	// Master role on the same channel.
	ErrMasterExists = errors.New("discovery: another instance is master")

	// ErrNotStarted is returned by operations that need a running coordinator.
	ErrNotStarted = errors.New("discovery: coordinator not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("discovery: coordinator already started")

	// ErrInvalidIP is returned by PokeIP for addresses that do not parse.
	ErrInvalidIP = errors.New("discovery: invalid ip address")

	// ErrNoChannel is returned when a Slave has no channel to mirror from.
	ErrNoChannel = errors.New("discovery: no inter-instance channel")
)
