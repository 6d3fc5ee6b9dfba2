package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientRepository persists API clients.
type ClientRepository interface {
	Create(ctx context.Context, client *Client) error
	GetByID(ctx context.Context, id string) (*Client, error)
	GetByName(ctx context.Context, name string) (*Client, error)
	List(ctx context.Context) ([]Client, error)
	SetActive(ctx context.Context, id string, active bool) error
	Count(ctx context.Context) (int, error)
}

// SQLiteClientRepository implements ClientRepository on the api_clients table.
type SQLiteClientRepository struct {
	db *sql.DB
}

// Ensure SQLiteClientRepository implements ClientRepository.
var _ ClientRepository = (*SQLiteClientRepository)(nil)

// NewClientRepository creates a SQLite-backed client repository.
func NewClientRepository(db *sql.DB) *SQLiteClientRepository {
	return &SQLiteClientRepository{db: db}
}

const clientColumns = "id, name, secret_hash, role, is_active, created_at"

// Create inserts client, assigning an ID when it has none.
func (r *SQLiteClientRepository) Create(ctx context.Context, client *Client) error {
	if !IsValidClientName(client.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidClient, client.Name)
	}
	if !IsValidRole(client.Role) {
		return fmt.Errorf("%w: role %q", ErrInvalidClient, client.Role)
	}
	if client.ID == "" {
		client.ID = "cli-" + uuid.NewString()[:8]
	}
	client.CreatedAt = time.Now().UTC().Truncate(time.Second)

	const query = `INSERT INTO api_clients (` + clientColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		client.ID, client.Name, client.SecretHash, string(client.Role),
		boolToInt(client.IsActive), client.CreatedAt.Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrClientExists
		}
		return fmt.Errorf("inserting client %s: %w", client.Name, err)
	}
	return nil
}

// GetByID returns the client with the given ID.
func (r *SQLiteClientRepository) GetByID(ctx context.Context, id string) (*Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM api_clients WHERE id = ?`, id)
}

// GetByName returns the client with the given name.
func (r *SQLiteClientRepository) GetByName(ctx context.Context, name string) (*Client, error) {
	return r.getOne(ctx, `SELECT `+clientColumns+` FROM api_clients WHERE name = ?`, name)
}

func (r *SQLiteClientRepository) getOne(ctx context.Context, query, arg string) (*Client, error) {
	c, err := scanClient(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}
	return c, nil
}

// List returns all clients ordered by creation time.
func (r *SQLiteClientRepository) List(ctx context.Context) ([]Client, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM api_clients ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	clients := []Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return clients, nil
}

// SetActive enables or disables a client.
func (r *SQLiteClientRepository) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_clients SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("updating client %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // always succeeds on SQLite
		return ErrClientNotFound
	}
	return nil
}

// Count returns the number of stored clients.
func (r *SQLiteClientRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_clients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting clients: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		c       Client
		role    string
		active  int
		created string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.SecretHash, &role, &active, &created); err != nil {
		return nil, err
	}
	c.Role = Role(role)
	c.IsActive = active != 0
	c.CreatedAt, _ = time.Parse(time.RFC3339, created) //nolint:errcheck // written by Create
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Authenticate checks a client's name and secret and returns the client.
// Unknown names and wrong secrets both yield ErrInvalidCredentials.
func Authenticate(ctx context.Context, repo ClientRepository, name, secret string) (*Client, error) {
	c, err := repo.GetByName(ctx, name)
	if errors.Is(err, ErrClientNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := VerifySecret(secret, c.SecretHash)
	if err != nil {
		return nil, fmt.Errorf("verifying client %s: %w", name, err)
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if !c.IsActive {
		return nil, ErrClientInactive
	}
	return c, nil
}
