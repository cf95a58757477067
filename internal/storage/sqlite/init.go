package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database and creates the records table if it
// doesn't exist. Timestamps are stored as epoch milliseconds.
func InitDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS records (
		domain TEXT NOT NULL,
		id TEXT NOT NULL,
		url TEXT NOT NULL,
		local_path TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		finished INTEGER NOT NULL DEFAULT 0,
		deletion TEXT NOT NULL DEFAULT 'none',
		delete_at INTEGER,
		PRIMARY KEY (domain, id)
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
