// Package storage persists the device identity and the last value of
// writable resources in a SQLite file.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var ErrNotProvisioned = errors.New("device identity not provisioned")

// Identity is the credential set the device registers with.
type Identity struct {
	DeviceID      string
	EndpointName  string
	KeyPEM        []byte
	ProvisionedAt time.Time
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the database at path. ":memory:" is accepted for
// tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps :memory:
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Format erases all stored state, including the device identity, and
// recreates an empty schema.
func (s *Store) Format(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin format: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DROP TABLE IF EXISTS identity",
		"DROP TABLE IF EXISTS resource_values",
		schemaSQL,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to format storage: %w", err)
		}
	}
	return tx.Commit()
}

// Identity returns the stored identity or ErrNotProvisioned.
func (s *Store) Identity(ctx context.Context) (Identity, error) {
	var id Identity
	var provisioned int64
	err := s.db.QueryRowContext(ctx,
		"SELECT device_id, endpoint_name, key_pem, provisioned_at FROM identity WHERE id = 1",
	).Scan(&id.DeviceID, &id.EndpointName, &id.KeyPEM, &provisioned)
	if errors.Is(err, sql.ErrNoRows) {
		return Identity{}, ErrNotProvisioned
	}
	if err != nil {
		return Identity{}, fmt.Errorf("failed to read identity: %w", err)
	}
	id.ProvisionedAt = time.Unix(provisioned, 0).UTC()
	return id, nil
}

// SaveIdentity replaces the stored identity.
func (s *Store) SaveIdentity(ctx context.Context, id Identity) error {
	if id.ProvisionedAt.IsZero() {
		id.ProvisionedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity (id, device_id, endpoint_name, key_pem, provisioned_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			endpoint_name = excluded.endpoint_name,
			key_pem = excluded.key_pem,
			provisioned_at = excluded.provisioned_at`,
		id.DeviceID, id.EndpointName, id.KeyPEM, id.ProvisionedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// SaveValue records the latest value of a resource.
func (s *Store) SaveValue(ctx context.Context, path, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resource_values (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		path, value, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save value for %s: %w", path, err)
	}
	return nil
}

// Values returns every stored resource value keyed by path.
func (s *Store) Values(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT path, value FROM resource_values")
	if err != nil {
		return nil, fmt.Errorf("failed to read values: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return nil, fmt.Errorf("failed to scan value: %w", err)
		}
		out[path] = value
	}
	return out, rows.Err()
}
