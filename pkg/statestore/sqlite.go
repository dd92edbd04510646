package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

const stateKey = "bridge_state"

// SQLite keeps the blob as a row in a SQLite database, typically the same
// file that holds the WhatsApp session.
type SQLite struct {
	db *dbutil.Database
}

var _ Store = (*SQLite)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	s := &SQLite{db: db}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS w2d_state (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to ensure state schema: %w", err)
	}
	return nil
}

func (s *SQLite) Load(v any) (bool, error) {
	var data string
	err := s.db.QueryRow(context.Background(), `SELECT data FROM w2d_state WHERE key=$1`, stateKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to load state: %w", err)
	}
	if err = json.Unmarshal([]byte(data), v); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *SQLite) Save(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	_, err = s.db.Exec(context.Background(), `
		INSERT INTO w2d_state (key, data, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET data=excluded.data, updated_ts=excluded.updated_ts
	`, stateKey, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Reset deletes the stored blob.
func (s *SQLite) Reset(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM w2d_state WHERE key=$1`, stateKey)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
