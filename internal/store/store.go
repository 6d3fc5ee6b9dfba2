package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"
)

// Setting keys.
const (
	keySelectedUUID = "selected_uuid"
	keySalt         = "store_salt"
)

// Store is the SQLite-backed key/value collaborator.
//
// Thread Safety: all methods are safe for concurrent use; serialisation is
// left to the database connection.
type Store struct {
	db  *sql.DB
	key *[keyLen]byte
	now func() time.Time
}

// New opens the store on a migrated database and derives the sealing key
// from secret.
func New(ctx context.Context, db *sql.DB, secret string) (*Store, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	s := &Store{db: db, now: time.Now}

	salt, err := s.salt(ctx)
	if err != nil {
		return nil, err
	}
	s.key = deriveKey(secret, salt)
	return s, nil
}

// salt loads the key derivation salt, creating it on first use.
func (s *Store) salt(ctx context.Context) ([]byte, error) {
	v, err := s.Get(ctx, keySalt)
	if err == nil {
		salt, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decoding store salt: %w", err)
		}
		return salt, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	if err := s.Set(ctx, keySalt, hex.EncodeToString(salt)); err != nil {
		return nil, err
	}
	return salt, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Get returns a setting value.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying setting %s: %w", key, err)
	}
	return v, nil
}

// Set writes a setting value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	const query = `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, key, value, s.timestamp()); err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}

// Delete removes a setting. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting setting %s: %w", key, err)
	}
	return nil
}

// SelectedUUID returns the uuid of the device selected last, or ErrNotFound.
func (s *Store) SelectedUUID(ctx context.Context) (string, error) {
	return s.Get(ctx, keySelectedUUID)
}

// SetSelectedUUID remembers the selected device. An empty uuid clears it.
func (s *Store) SetSelectedUUID(ctx context.Context, uuid string) error {
	if uuid == "" {
		return s.Delete(ctx, keySelectedUUID)
	}
	return s.Set(ctx, keySelectedUUID, uuid)
}

// PokeIPs returns the persisted addresses in the order they were added.
func (s *Store) PokeIPs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip FROM poke_ips ORDER BY added_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("querying poke ips: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scanning poke ip: %w", err)
		}
		ips = append(ips, ip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating poke ips: %w", err)
	}
	return ips, nil
}

// AddPokeIP persists an address. Adding an existing address is a no-op.
func (s *Store) AddPokeIP(ctx context.Context, ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	const query = `INSERT INTO poke_ips (ip, added_at) VALUES (?, ?) ON CONFLICT(ip) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, ip, s.timestamp()); err != nil {
		return fmt.Errorf("inserting poke ip %s: %w", ip, err)
	}
	return nil
}

// RemovePokeIP forgets an address.
func (s *Store) RemovePokeIP(ctx context.Context, ip string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM poke_ips WHERE ip = ?`, ip)
	if err != nil {
		return fmt.Errorf("deleting poke ip %s: %w", ip, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Password returns the cached password for a device.
func (s *Store) Password(ctx context.Context, uuid string) (string, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed FROM device_credentials WHERE uuid = ?`, uuid).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying credential %s: %w", uuid, err)
	}

	plaintext, err := open(s.key, sealed)
	if err != nil {
		return "", fmt.Errorf("opening credential %s: %w", uuid, err)
	}
	return string(plaintext), nil
}

// SetPassword caches a device password.
func (s *Store) SetPassword(ctx context.Context, uuid, password string) error {
	sealed, err := seal(s.key, []byte(password))
	if err != nil {
		return err
	}
	const query = `INSERT INTO device_credentials (uuid, sealed, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, uuid, sealed, s.timestamp()); err != nil {
		return fmt.Errorf("writing credential %s: %w", uuid, err)
	}
	return nil
}

// DeletePassword drops a cached password. Deleting a missing one is not an error.
func (s *Store) DeletePassword(ctx context.Context, uuid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_credentials WHERE uuid = ?`, uuid); err != nil {
		return fmt.Errorf("deleting credential %s: %w", uuid, err)
	}
	return nil
}
