package types

import (
	"sort"
	"time"
)

// SourceKind identifies which adapter produced a raw record.
type SourceKind string

const (
	SourceScrape SourceKind = "scrape"
	SourceAPI    SourceKind = "api"
)

// Provenance records which source(s) contributed to a canonical record's
// current field values.
type Provenance string

const (
	ProvenanceScrape Provenance = "scrape-only"
	ProvenanceAPI    Provenance = "api-only"
	ProvenanceMerged Provenance = "merged"
)

// RawRecord is the tagged variant produced by a source adapter before
// normalization. Concrete types live in the adapter packages.
type RawRecord interface {
	SourceKind() SourceKind
}

// Record is the canonical CVE record shared by every pipeline stage.
type Record struct {
	ID             string     `json:"id"`
	Published      time.Time  `json:"published,omitempty"`
	LastModified   time.Time  `json:"last_modified,omitempty"`
	Score          *float64   `json:"score,omitempty"`
	Vector         string     `json:"vector,omitempty"`
	VectorVersion  string     `json:"vector_version,omitempty"` // "2.0", "3.x" or "4.0"
	CWEs           []string   `json:"cwes,omitempty"`
	Description    string     `json:"description,omitempty"`
	Products       []string   `json:"products,omitempty"`
	References     []string   `json:"references,omitempty"`
	KnownExploited bool       `json:"known_exploited,omitempty"`
	Provenance     Provenance `json:"provenance"`
}

// HasScore reports whether the record carries a severity score.
func (r Record) HasScore() bool {
	return r.Score != nil
}

// SortedUnique returns ss deduplicated and sorted. Product and weakness sets
// are stored in this form so record comparison is order-independent.
func SortedUnique(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	var out []string
	for _, s := range ss {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Status is the lifecycle state of a vendor scope.
type Status string

const (
	StatusNeverBuilt Status = "never-built"
	StatusBuilt      Status = "built"
	StatusStale      Status = "stale"
	StatusUpdating   Status = "updating"
	StatusError      Status = "error"
)

// VendorScope holds per-vendor fetch bookkeeping. HighWaterMark is the latest
// lastModified timestamp successfully incorporated for the vendor, used to
// bound incremental fetches.
type VendorScope struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	HighWaterMark time.Time `json:"high_water_mark,omitempty"`
	CVECount      int       `json:"cve_count"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}
