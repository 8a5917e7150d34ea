package storage

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/types"
)

// Filters narrows a vendor-scoped query. Zero values mean "no filter".
type Filters struct {
	MinScore           *float64
	CWE                string
	Product            string
	PublishedSince     time.Time
	KnownExploitedOnly bool
}

// Query returns the canonical records associated with a vendor, newest
// published first.
func (s *Store) Query(vendor string, f Filters) ([]types.Record, error) {
	query := `
		SELECT DISTINCT c.cve_id, c.published, c.last_modified, c.score, c.vector,
			c.vector_version, c.description, c.known_exploited, c.provenance
		FROM cves c
		JOIN cve_products p ON p.cve_id = c.cve_id
		WHERE p.vendor = ?`
	args := []interface{}{NormalizeVendor(vendor)}

	if f.MinScore != nil {
		query += ` AND c.score >= ?`
		args = append(args, *f.MinScore)
	}
	if f.CWE != "" {
		query += ` AND c.cve_id IN (SELECT cve_id FROM cve_weaknesses WHERE cwe_id = ?)`
		args = append(args, f.CWE)
	}
	if f.Product != "" {
		// product rows are stored in canonical lowercase form
		query += ` AND p.product = ?`
		args = append(args, strings.Join(strings.Fields(strings.ToLower(f.Product)), " "))
	}
	if !f.PublishedSince.IsZero() {
		query += ` AND c.published >= ?`
		args = append(args, f.PublishedSince.UTC().Format(time.RFC3339Nano))
	}
	if f.KnownExploitedOnly {
		query += ` AND c.known_exploited = 1`
	}
	query += ` ORDER BY c.published DESC, c.cve_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, xerrors.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Errorf("scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range recs {
		full, err := s.Get(recs[i].ID)
		if err != nil {
			return nil, err
		}
		recs[i] = *full
	}
	return recs, nil
}

var csvHeader = []string{
	"cve_id", "published", "last_modified", "score", "vector_version", "vector",
	"cwe_ids", "cwe_names", "description", "products", "references",
	"known_exploited", "provenance",
}

// ExportCSV streams a vendor's filtered records as CSV. With compress set the
// stream is gzip-encoded.
func (s *Store) ExportCSV(w io.Writer, vendor string, f Filters, compress bool) error {
	recs, err := s.Query(vendor, f)
	if err != nil {
		return err
	}
	names, err := s.CWENames()
	if err != nil {
		return err
	}

	out := w
	if compress {
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gz
	}

	cw := csv.NewWriter(out)
	if err := cw.Write(csvHeader); err != nil {
		return xerrors.Errorf("write csv header: %w", err)
	}
	for _, rec := range recs {
		row := []string{
			rec.ID,
			csvTime(rec.Published),
			csvTime(rec.LastModified),
			csvScore(rec.Score),
			rec.VectorVersion,
			rec.Vector,
			strings.Join(rec.CWEs, ";"),
			strings.Join(cweNameList(rec.CWEs, names), ";"),
			rec.Description,
			strings.Join(rec.Products, ";"),
			strings.Join(rec.References, ";"),
			strconv.FormatBool(rec.KnownExploited),
			string(rec.Provenance),
		}
		if err := cw.Write(row); err != nil {
			return xerrors.Errorf("write csv row %s: %w", rec.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCWENames replaces the CWE id to name lookup table.
func (s *Store) SaveCWENames(names map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return xerrors.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for id, name := range names {
		if _, err := tx.Exec(`
			INSERT INTO cwe_names (cwe_id, name) VALUES (?, ?)
			ON CONFLICT(cwe_id) DO UPDATE SET name = excluded.name`, id, name); err != nil {
			return xerrors.Errorf("insert cwe name %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// CWENames returns the stored CWE id to name lookup.
func (s *Store) CWENames() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT cwe_id, name FROM cwe_names`)
	if err != nil {
		return nil, xerrors.Errorf("select cwe names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, xerrors.Errorf("scan cwe name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

func cweNameList(ids []string, names map[string]string) []string {
	var out []string
	for _, id := range ids {
		out = append(out, names[id])
	}
	return out
}

func csvTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func csvScore(score *float64) string {
	if score == nil {
		return ""
	}
	return strconv.FormatFloat(*score, 'f', 1, 64)
}
