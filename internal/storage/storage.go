// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the crosshub node: the order
// history, the trade log and the peer address book.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "crosshub.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Order history (terminal local orders)
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,

		-- What we paid and what we received
		from_currency TEXT NOT NULL,
		from_amount INTEGER NOT NULL,
		to_currency TEXT NOT NULL,
		to_amount INTEGER NOT NULL,

		from_address TEXT,
		to_address TEXT,

		-- Final state and the reason it closed
		state TEXT NOT NULL,
		reason INTEGER NOT NULL DEFAULT 0,

		-- On-chain legs
		deposit_txid TEXT,
		refund_txid TEXT,
		payment_txid TEXT,

		created_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state);
	CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(from_currency, to_currency);
	CREATE INDEX IF NOT EXISTS idx_orders_closed ON orders(closed_at);

	-- Trade log (every completed swap, for the bookkeeping views)
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		from_currency TEXT NOT NULL,
		from_amount INTEGER NOT NULL,
		to_currency TEXT NOT NULL,
		to_amount INTEGER NOT NULL,
		executed_at INTEGER NOT NULL,

		FOREIGN KEY (order_id) REFERENCES orders(id)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_executed ON trades(executed_at);

	-- Peer address book (trader address -> transport peer id)
	CREATE TABLE IF NOT EXISTS address_book (
		address TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_address_book_seen ON address_book(last_seen);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
