// Package auth issues and checks access tokens for the local HTTP API.
//
// API callers are clients stored in SQLite with an Argon2id secret hash and
// one of three roles (viewer, operator, admin). A successful login yields a
// short-lived HS256 JWT carrying the client's role; handlers check the role
// against the static permission table.
//
// On first boot SeedAdmin creates an "admin" client with a random secret
// that is logged once.
package auth
