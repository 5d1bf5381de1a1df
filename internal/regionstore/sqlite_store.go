// Package regionstore persists closed regions in SQLite so they survive restarts.
package regionstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/markerview/server/internal/region"
)

// Store keeps one row per region. Analysis results are not stored; they are
// recomputed against whatever datasets are loaded.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (creating if needed) the database at dbPath. ":memory:"
// gives a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS regions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		region_id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		class TEXT NOT NULL DEFAULT '',
		color INTEGER NOT NULL,
		filled INTEGER NOT NULL DEFAULT 0,
		polygons_json TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_regions_class ON regions(class);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save inserts or updates a region. An update keeps the region's position.
func (s *Store) Save(r *region.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	polygons, err := json.Marshal(r.Polygons())
	if err != nil {
		return fmt.Errorf("failed to marshal polygons: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO regions (region_id, name, class, color, filled, polygons_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region_id) DO UPDATE SET
			name = excluded.name,
			class = excluded.class,
			color = excluded.color,
			filled = excluded.filled,
			updated_at = excluded.updated_at
	`,
		r.ID,
		r.Name,
		r.Class,
		int64(r.Color),
		r.Filled,
		string(polygons),
		time.Now().Format(time.RFC3339),
	)
	return err
}

// Delete removes one region. Deleting an unknown id is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM regions WHERE region_id = ?", id)
	return err
}

// Replace swaps the stored regions for rs in one transaction.
func (s *Store) Replace(rs []*region.Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM regions"); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT INTO regions (region_id, name, class, color, filled, polygons_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Format(time.RFC3339)
	for _, r := range rs {
		polygons, err := json.Marshal(r.Polygons())
		if err != nil {
			return fmt.Errorf("failed to marshal polygons: %w", err)
		}
		if _, err := stmt.Exec(r.ID, r.Name, r.Class, int64(r.Color), r.Filled, string(polygons), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Load returns every stored region in the order it was first saved.
func (s *Store) Load() ([]*region.Region, error) {
	rows, err := s.db.Query(`
		SELECT region_id, name, class, color, filled, polygons_json
		FROM regions ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*region.Region
	for rows.Next() {
		var (
			id, name, class, polygonsJSON string
			color                         int64
			filled                        bool
		)
		if err := rows.Scan(&id, &name, &class, &color, &filled, &polygonsJSON); err != nil {
			return nil, err
		}
		var polygons []region.Polygon
		if err := json.Unmarshal([]byte(polygonsJSON), &polygons); err != nil {
			return nil, fmt.Errorf("failed to unmarshal polygons of %s: %w", id, err)
		}
		r, err := region.New(id, polygons, uint32(color))
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", id, err)
		}
		r.Name, r.Class, r.Filled = name, class, filled
		out = append(out, r)
	}
	return out, rows.Err()
}
