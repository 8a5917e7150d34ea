// Package storage persists canonical CVE records and vendor scope metadata in
// SQLite. Records are keyed by CVE identifier with a vendor/product
// association side table; writes are per-record transactions so a failed
// update never leaves a partially written record.
package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS cves (
	cve_id TEXT PRIMARY KEY,
	published TEXT,
	last_modified TEXT,
	score REAL,
	vector TEXT,
	vector_version TEXT,
	description TEXT,
	known_exploited INTEGER NOT NULL DEFAULT 0,
	provenance TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cve_products (
	cve_id TEXT NOT NULL,
	vendor TEXT NOT NULL,
	product TEXT NOT NULL,
	PRIMARY KEY (cve_id, vendor, product)
);
CREATE INDEX IF NOT EXISTS idx_cve_products_vendor ON cve_products(vendor);

CREATE TABLE IF NOT EXISTS cve_weaknesses (
	cve_id TEXT NOT NULL,
	cwe_id TEXT NOT NULL,
	PRIMARY KEY (cve_id, cwe_id)
);

CREATE TABLE IF NOT EXISTS cve_references (
	cve_id TEXT NOT NULL,
	url TEXT NOT NULL,
	PRIMARY KEY (cve_id, url)
);

CREATE TABLE IF NOT EXISTS vendor_scopes (
	vendor TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'never-built',
	high_water_mark TEXT,
	cve_count INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS cwe_names (
	cwe_id TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
`

type options struct {
	staleWindow time.Duration
	now         func() time.Time
}

type Option func(*options)

// WithStaleWindow sets how old a built scope may get before ListScopes
// presents it as stale. Zero disables staleness marking.
func WithStaleWindow(d time.Duration) Option {
	return func(opts *options) { opts.staleWindow = d }
}

func WithNow(now func() time.Time) Option {
	return func(opts *options) { opts.now = now }
}

type Store struct {
	*options
	db *sql.DB
}

func Open(path string, opts ...Option) (*Store, error) {
	o := &options{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, xerrors.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, xerrors.Errorf("failed to init schema: %w", err)
	}
	return &Store{options: o, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes a canonical record and its vendor association in one
// transaction. Weakness and reference sets are replaced with the merged
// canonical sets; product rows are union-only and never deleted here.
func (s *Store) Upsert(rec types.Record, vendor string) error {
	vendor = NormalizeVendor(vendor)

	tx, err := s.db.Begin()
	if err != nil {
		return xerrors.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO cves (cve_id, published, last_modified, score, vector, vector_version, description, known_exploited, provenance)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cve_id) DO UPDATE SET
			published = excluded.published,
			last_modified = excluded.last_modified,
			score = excluded.score,
			vector = excluded.vector,
			vector_version = excluded.vector_version,
			description = excluded.description,
			known_exploited = excluded.known_exploited,
			provenance = excluded.provenance`,
		rec.ID, timeString(rec.Published), timeString(rec.LastModified),
		scoreValue(rec.Score), rec.Vector, rec.VectorVersion, rec.Description,
		boolInt(rec.KnownExploited), string(rec.Provenance),
	)
	if err != nil {
		return xerrors.Errorf("upsert cve %s: %w", rec.ID, err)
	}

	if _, err = tx.Exec(`DELETE FROM cve_weaknesses WHERE cve_id = ?`, rec.ID); err != nil {
		return xerrors.Errorf("clear weaknesses for %s: %w", rec.ID, err)
	}
	for _, cwe := range rec.CWEs {
		if _, err = tx.Exec(`INSERT OR IGNORE INTO cve_weaknesses (cve_id, cwe_id) VALUES (?, ?)`, rec.ID, cwe); err != nil {
			return xerrors.Errorf("insert weakness for %s: %w", rec.ID, err)
		}
	}

	if _, err = tx.Exec(`DELETE FROM cve_references WHERE cve_id = ?`, rec.ID); err != nil {
		return xerrors.Errorf("clear references for %s: %w", rec.ID, err)
	}
	for _, url := range rec.References {
		if _, err = tx.Exec(`INSERT OR IGNORE INTO cve_references (cve_id, url) VALUES (?, ?)`, rec.ID, url); err != nil {
			return xerrors.Errorf("insert reference for %s: %w", rec.ID, err)
		}
	}

	for _, p := range rec.Products {
		if _, err = tx.Exec(`INSERT OR IGNORE INTO cve_products (cve_id, vendor, product) VALUES (?, ?, ?)`, rec.ID, vendor, p); err != nil {
			return xerrors.Errorf("insert product for %s: %w", rec.ID, err)
		}
	}
	// keep the vendor association even when the record has no product mapping
	if len(rec.Products) == 0 {
		if _, err = tx.Exec(`INSERT OR IGNORE INTO cve_products (cve_id, vendor, product) VALUES (?, ?, '')`, rec.ID, vendor); err != nil {
			return xerrors.Errorf("insert vendor association for %s: %w", rec.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return xerrors.Errorf("commit %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the stored record for a CVE identifier, or nil when absent.
func (s *Store) Get(cveID string) (*types.Record, error) {
	row := s.db.QueryRow(`
		SELECT cve_id, published, last_modified, score, vector, vector_version, description, known_exploited, provenance
		FROM cves WHERE cve_id = ?`, cveID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("select %s: %w", cveID, err)
	}

	if rec.Products, err = s.stringSet(`SELECT DISTINCT product FROM cve_products WHERE cve_id = ? AND product != ''`, cveID); err != nil {
		return nil, err
	}
	if rec.CWEs, err = s.stringSet(`SELECT cwe_id FROM cve_weaknesses WHERE cve_id = ?`, cveID); err != nil {
		return nil, err
	}
	if rec.References, err = s.stringSet(`SELECT url FROM cve_references WHERE cve_id = ?`, cveID); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) stringSet(query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, xerrors.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, xerrors.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return types.SortedUnique(out), rows.Err()
}

// CountRecords counts the CVEs associated with a vendor.
func (s *Store) CountRecords(vendor string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT cve_id) FROM cve_products WHERE vendor = ?`, NormalizeVendor(vendor)).Scan(&n)
	if err != nil {
		return 0, xerrors.Errorf("count records: %w", err)
	}
	return n, nil
}

// NormalizeVendor case-normalizes a vendor name for use as a scope key.
func NormalizeVendor(vendor string) string {
	return strings.ToLower(strings.TrimSpace(vendor))
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (types.Record, error) {
	var rec types.Record
	var published, lastModified sql.NullString
	var score sql.NullFloat64
	var knownExploited int
	var provenance string

	if err := sc.Scan(&rec.ID, &published, &lastModified, &score, &rec.Vector,
		&rec.VectorVersion, &rec.Description, &knownExploited, &provenance); err != nil {
		return rec, err
	}
	rec.Published = parseTime(published)
	rec.LastModified = parseTime(lastModified)
	if score.Valid {
		v := score.Float64
		rec.Score = &v
	}
	rec.KnownExploited = knownExploited != 0
	rec.Provenance = types.Provenance(provenance)
	return rec, nil
}

func timeString(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func scoreValue(score *float64) interface{} {
	if score == nil {
		return nil
	}
	return *score
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
