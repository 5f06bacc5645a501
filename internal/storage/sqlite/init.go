package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the artifacts table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		fingerprint TEXT PRIMARY KEY,
		platform TEXT NOT NULL,
		native_id TEXT NOT NULL,
		format TEXT NOT NULL,
		title TEXT,
		artist TEXT,
		filename TEXT,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create artifacts table: %w", err)
	}

	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_artifacts_created_at ON artifacts (created_at)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create artifacts index: %w", err)
	}

	return db, nil
}
