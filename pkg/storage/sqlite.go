package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/types"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	json TEXT NOT NULL,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	token BLOB NOT NULL,
	updated TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS price_history (
	id TEXT PRIMARY KEY,
	json TEXT NOT NULL
);
`

// SQLiteProvider implements the Database interface on a local SQLite file.
type SQLiteProvider struct {
	db   *sql.DB
	path string
}

func configuredSQLite() *SQLiteProvider {
	path := lflag.String("sqlite-path", "chargerudder.db", "Path of the SQLite database file")

	s := &SQLiteProvider{}

	lflag.Do(func() {
		s.path = *path
	})

	return s
}

// NewSQLite returns an uninitialized SQLite provider for path.
func NewSQLite(path string) *SQLiteProvider {
	return &SQLiteProvider{path: path}
}

// Validate checks if the provider is properly configured.
func (s *SQLiteProvider) Validate() error {
	if s.path == "" {
		return errors.New("sqlite-path is required")
	}
	return nil
}

// Init opens the database and creates the tables.
func (s *SQLiteProvider) Init(ctx context.Context) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", s.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite (%s): %w", s.path, err)
	}
	// sqlite only allows one writer
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	s.db = db
	return nil
}

// Close closes the database.
func (s *SQLiteProvider) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetSettings returns the stored settings or zero settings with version 0.
func (s *SQLiteProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var jsonStr string
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT json, version FROM settings WHERE id = 1`).Scan(&jsonStr, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Settings{}, 0, nil
	}
	if err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings: %w", err)
	}
	var settings types.Settings
	if err := json.Unmarshal([]byte(jsonStr), &settings); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to unmarshal settings json: %w", err)
	}
	return settings, version, nil
}

// SetSettings stores the settings as JSON.
func (s *SQLiteProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO settings (id, json, version) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json, version = excluded.version`,
		string(jsonBytes),
		version,
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// SaveSession replaces the stored session token.
func (s *SQLiteProvider) SaveSession(ctx context.Context, token types.SessionToken) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO session (id, token, updated) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET token = excluded.token, updated = excluded.updated`,
		[]byte(token),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session token.
func (s *SQLiteProvider) LoadSession(ctx context.Context) (types.SessionToken, error) {
	var token []byte
	err := s.db.QueryRowContext(ctx, `SELECT token FROM session WHERE id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	return types.SessionToken(token), nil
}

// UpsertPrice adds or updates a price keyed by its RFC3339 timestamp.
func (s *SQLiteProvider) UpsertPrice(ctx context.Context, quote types.PriceQuote) error {
	jsonBytes, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO price_history (id, json) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET json = excluded.json`,
		priceDocID(quote.Timestamp),
		string(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert price: %w", err)
	}
	return nil
}

// GetPriceHistory returns prices in [start, end) ordered by time.
func (s *SQLiteProvider) GetPriceHistory(ctx context.Context, start, end time.Time) ([]types.PriceQuote, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, json FROM price_history WHERE id >= ? AND id < ? ORDER BY id ASC`,
		priceDocID(start),
		priceDocID(end),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query prices: %w", err)
	}
	defer rows.Close()

	var quotes []types.PriceQuote
	for rows.Next() {
		var id, jsonStr string
		if err := rows.Scan(&id, &jsonStr); err != nil {
			return nil, fmt.Errorf("failed to scan price: %w", err)
		}
		var q types.PriceQuote
		if err := json.Unmarshal([]byte(jsonStr), &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal price (id=%s): %w", id, err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prices: %w", err)
	}
	return quotes, nil
}
