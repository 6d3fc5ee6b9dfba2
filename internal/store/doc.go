// Package store persists the small amount of state the application keeps
// between runs: the addresses discovery always pokes, the device last
// selected, and per-device passwords.
//
// Passwords are sealed with NaCl secretbox. The key is derived with
// Argon2id from the configured store secret and a random salt that is
// generated on first use and kept in the settings table.
package store
