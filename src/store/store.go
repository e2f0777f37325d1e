// Package store implements the host side of the core's state persistence:
// an SQLite database of opaque (type, id) → blob state objects. The core
// never sees the database; it only calls the Get/Put functions wired into
// its callback set.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/virtnet-io/virtnet/src/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS state_objects (
	obj_type INTEGER NOT NULL,
	obj_id   BLOB NOT NULL,
	data     BLOB NOT NULL,
	updated  INTEGER NOT NULL,
	PRIMARY KEY (obj_type, obj_id)
);
`

// Store is an SQLite-backed state object store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the state database inside dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("error creating state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("error opening state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing state database: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns a stored object or nil if absent.
func (s *Store) Get(objType core.StateObjectType, id []byte) []byte {
	if id == nil {
		id = []byte{}
	}
	var data []byte
	err := s.db.QueryRow(
		"SELECT data FROM state_objects WHERE obj_type = ? AND obj_id = ?",
		int(objType), id,
	).Scan(&data)
	if err != nil {
		return nil
	}
	return data
}

// Put stores an object, or deletes it when data is nil.
func (s *Store) Put(objType core.StateObjectType, id []byte, data []byte) {
	if id == nil {
		id = []byte{}
	}
	if data == nil {
		_, _ = s.db.Exec(
			"DELETE FROM state_objects WHERE obj_type = ? AND obj_id = ?",
			int(objType), id,
		)
		return
	}
	_, _ = s.db.Exec(
		`INSERT INTO state_objects (obj_type, obj_id, data, updated)
		 VALUES (?, ?, ?, strftime('%s','now'))
		 ON CONFLICT (obj_type, obj_id) DO UPDATE SET data = excluded.data, updated = excluded.updated`,
		int(objType), id, data,
	)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
