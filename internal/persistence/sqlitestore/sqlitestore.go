// Package sqlitestore persists records in a single SQLite table using the
// pure-Go modernc driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/flowmill-org/flowmill/internal/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id      TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	data    BLOB NOT NULL
);
`

// Store backs the persistence contract with a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ persistence.Store = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, int64, error) {
	var (
		data    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM records WHERE id = ?`, id,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, persistence.ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return data, version, nil
}

func (s *Store) Create(ctx context.Context, id string, data []byte) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, version, data) VALUES (?, 1, ?)`, id, data,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, persistence.ErrAlreadyExists
		}
		return 0, err
	}
	return 1, nil
}

func (s *Store) Update(ctx context.Context, id string, data []byte, expectedVersion int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = ?, version = version + 1 WHERE id = ? AND version = ?`,
		data, id, expectedVersion,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		// Distinguish a missing record from a stale version.
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM records WHERE id = ?`, id,
		).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, persistence.ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return 0, persistence.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM records WHERE id LIKE ? ORDER BY id`, prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
