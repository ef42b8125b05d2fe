// Package state persists per-category crawl progress in an embedded SQLite
// database so interrupted runs can resume.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// CategoryState is the progress row for one (site, category URL) pair.
type CategoryState struct {
	SiteName         string
	CategoryURL      string
	LastPage         int
	LastProductCount int
	LastRunTS        time.Time
}

// ErrNotFound is returned by Get when no progress row exists.
var ErrNotFound = errors.New("category state not found")

// Store wraps the SQLite database. Writes are serialized on a single
// connection and each upsert commits synchronously, so progress survives a
// crash mid-page.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates (or opens) the database at path and ensures the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// SQLite writes must not interleave across connections.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, logger: logger}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("state store initialized", zap.String("db", path))
	return store, nil
}

func (s *Store) ensureSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS category_state (
			site_name          TEXT NOT NULL,
			category_url       TEXT NOT NULL,
			last_page          INTEGER NOT NULL DEFAULT 0,
			last_product_count INTEGER NOT NULL DEFAULT 0,
			last_run_ts        TEXT,
			updated_at         TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (site_name, category_url)
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ensure state schema: %w", err)
	}
	return nil
}

// Upsert atomically replaces-or-inserts the progress row.
func (s *Store) Upsert(cs CategoryState) error {
	const query = `
		INSERT INTO category_state (site_name, category_url, last_page, last_product_count, last_run_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(site_name, category_url) DO UPDATE SET
			last_page          = excluded.last_page,
			last_product_count = excluded.last_product_count,
			last_run_ts        = excluded.last_run_ts,
			updated_at         = CURRENT_TIMESTAMP;
	`
	_, err := s.db.Exec(query,
		cs.SiteName,
		cs.CategoryURL,
		cs.LastPage,
		cs.LastProductCount,
		cs.LastRunTS.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upsert category state: %w", err)
	}
	return nil
}

// Get fetches the progress row for one category.
func (s *Store) Get(siteName, categoryURL string) (CategoryState, error) {
	const query = `
		SELECT site_name, category_url, last_page, last_product_count, last_run_ts
		  FROM category_state
		 WHERE site_name = ? AND category_url = ?;
	`
	row := s.db.QueryRow(query, siteName, categoryURL)
	cs, err := scanState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return CategoryState{}, ErrNotFound
	}
	if err != nil {
		return CategoryState{}, fmt.Errorf("get category state: %w", err)
	}
	return cs, nil
}

// IterSiteState returns every progress row of one site.
func (s *Store) IterSiteState(siteName string) ([]CategoryState, error) {
	const query = `
		SELECT site_name, category_url, last_page, last_product_count, last_run_ts
		  FROM category_state
		 WHERE site_name = ?
		 ORDER BY category_url;
	`
	return s.queryStates(query, siteName)
}

// IterAll returns every progress row.
func (s *Store) IterAll() ([]CategoryState, error) {
	const query = `
		SELECT site_name, category_url, last_page, last_product_count, last_run_ts
		  FROM category_state
		 ORDER BY site_name, category_url;
	`
	return s.queryStates(query)
}

// ResetSite deletes all rows of one site.
func (s *Store) ResetSite(siteName string) error {
	if _, err := s.db.Exec(`DELETE FROM category_state WHERE site_name = ?`, siteName); err != nil {
		return fmt.Errorf("reset site state: %w", err)
	}
	return nil
}

// ResetCategory deletes one category's row.
func (s *Store) ResetCategory(siteName, categoryURL string) error {
	if _, err := s.db.Exec(
		`DELETE FROM category_state WHERE site_name = ? AND category_url = ?`,
		siteName, categoryURL,
	); err != nil {
		return fmt.Errorf("reset category state: %w", err)
	}
	return nil
}

// ResetAll purges the table.
func (s *Store) ResetAll() error {
	if _, err := s.db.Exec(`DELETE FROM category_state`); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) queryStates(query string, args ...any) ([]CategoryState, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query category state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []CategoryState
	for rows.Next() {
		cs, err := scanState(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan category state: %w", err)
		}
		states = append(states, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category state: %w", err)
	}
	return states, nil
}

func scanState(scan func(...any) error) (CategoryState, error) {
	var (
		cs    CategoryState
		rawTS sql.NullString
	)
	if err := scan(&cs.SiteName, &cs.CategoryURL, &cs.LastPage, &cs.LastProductCount, &rawTS); err != nil {
		return CategoryState{}, err
	}
	if rawTS.Valid && rawTS.String != "" {
		if ts, err := time.Parse(time.RFC3339, rawTS.String); err == nil {
			cs.LastRunTS = ts
		}
	}
	return cs, nil
}
