package storage

import (
	"database/sql"

	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/types"
)

// Scope returns the stored scope metadata for a vendor, defaulting to
// never-built when the vendor has no row yet.
func (s *Store) Scope(vendor string) (types.VendorScope, error) {
	vendor = NormalizeVendor(vendor)
	scope := types.VendorScope{
		Name:   vendor,
		Status: types.StatusNeverBuilt,
	}

	var status string
	var hwm, updatedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT status, high_water_mark, cve_count, updated_at
		FROM vendor_scopes WHERE vendor = ?`, vendor).
		Scan(&status, &hwm, &scope.CVECount, &updatedAt)
	if err == sql.ErrNoRows {
		return scope, nil
	}
	if err != nil {
		return scope, xerrors.Errorf("select scope %s: %w", vendor, err)
	}

	scope.Status = types.Status(status)
	scope.HighWaterMark = parseTime(hwm)
	scope.UpdatedAt = parseTime(updatedAt)
	return scope, nil
}

// SaveScope upserts a vendor's scope row.
func (s *Store) SaveScope(scope types.VendorScope) error {
	_, err := s.db.Exec(`
		INSERT INTO vendor_scopes (vendor, status, high_water_mark, cve_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(vendor) DO UPDATE SET
			status = excluded.status,
			high_water_mark = excluded.high_water_mark,
			cve_count = excluded.cve_count,
			updated_at = excluded.updated_at`,
		NormalizeVendor(scope.Name), string(scope.Status),
		timeString(scope.HighWaterMark), scope.CVECount, timeString(s.now()),
	)
	if err != nil {
		return xerrors.Errorf("save scope %s: %w", scope.Name, err)
	}
	return nil
}

// SetStatus transitions only the status of a vendor scope, preserving its
// high-water mark and counters.
func (s *Store) SetStatus(vendor string, status types.Status) error {
	scope, err := s.Scope(vendor)
	if err != nil {
		return err
	}
	scope.Status = status
	return s.SaveScope(scope)
}

// ListScopes returns all vendor scopes. Built scopes older than the stale
// window are presented as stale; staleness is a read-side view, not a stored
// transition.
func (s *Store) ListScopes() ([]types.VendorScope, error) {
	rows, err := s.db.Query(`
		SELECT vendor, status, high_water_mark, cve_count, updated_at
		FROM vendor_scopes ORDER BY vendor`)
	if err != nil {
		return nil, xerrors.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []types.VendorScope
	for rows.Next() {
		var scope types.VendorScope
		var status string
		var hwm, updatedAt sql.NullString
		if err := rows.Scan(&scope.Name, &status, &hwm, &scope.CVECount, &updatedAt); err != nil {
			return nil, xerrors.Errorf("scan scope: %w", err)
		}
		scope.Status = types.Status(status)
		scope.HighWaterMark = parseTime(hwm)
		scope.UpdatedAt = parseTime(updatedAt)

		if s.staleWindow > 0 && scope.Status == types.StatusBuilt &&
			!scope.UpdatedAt.IsZero() && s.now().Sub(scope.UpdatedAt) > s.staleWindow {
			scope.Status = types.StatusStale
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}
