// Package normalize maps each source's raw record shape into the canonical
// record. Every function here is pure: no I/O, no clock, no storage access.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/cvedetails"
	"github.com/cvedash/cve-pipeline/nvd"
	"github.com/cvedash/cve-pipeline/types"
)

var cveIDRegexp = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// Normalize dispatches on the raw record's source variant.
func Normalize(raw types.RawRecord) (types.Record, error) {
	switch r := raw.(type) {
	case cvedetails.Row:
		return Scrape(r)
	case nvd.Vuln:
		return API(r)
	default:
		return types.Record{}, xerrors.Errorf("unknown raw record variant %q: %w", raw.SourceKind(), types.ErrMalformedRecord)
	}
}

// Scrape normalizes a catalog row. The catalog only supplies partial
// metadata, so most canonical fields stay empty and the record can only ever
// contribute product associations and fill-ins during merge.
func Scrape(row cvedetails.Row) (types.Record, error) {
	id, err := canonicalID(row.CVEID)
	if err != nil {
		return types.Record{}, err
	}

	rec := types.Record{
		ID:          id,
		Description: row.Summary,
		Provenance:  types.ProvenanceScrape,
	}
	if p := canonicalProduct(row.Product); p != "" {
		rec.Products = []string{p}
	}
	if cwe, ok := CanonicalCWE(row.CWEID); ok {
		rec.CWEs = []string{cwe}
	}
	if rec.Published, err = parseDate(row.Published); err != nil {
		return types.Record{}, xerrors.Errorf("%s publish date: %w", id, err)
	}
	if rec.LastModified, err = parseDate(row.Updated); err != nil {
		return types.Record{}, xerrors.Errorf("%s update date: %w", id, err)
	}
	if rec.Score, err = parseScore(row.Score); err != nil {
		return types.Record{}, xerrors.Errorf("%s: %w", id, err)
	}
	return rec, nil
}

// API normalizes an NVD record. CVSS metrics are taken from the newest
// version the record carries; a malformed vector keeps the score and drops
// the vector string.
func API(v nvd.Vuln) (types.Record, error) {
	id, err := canonicalID(v.ID)
	if err != nil {
		return types.Record{}, err
	}

	rec := types.Record{
		ID:         id,
		Provenance: types.ProvenanceAPI,
	}
	if rec.Published, err = parseDate(v.Published); err != nil {
		return types.Record{}, xerrors.Errorf("%s published: %w", id, err)
	}
	if rec.LastModified, err = parseDate(v.LastModified); err != nil {
		return types.Record{}, xerrors.Errorf("%s lastModified: %w", id, err)
	}

	for _, d := range v.Descriptions {
		if d.Lang == "en" {
			rec.Description = d.Value
			break
		}
	}

	if m, ok := preferredMetric(v.Metrics); ok {
		score := m.CvssData.BaseScore
		if score < 0 || score > 10 {
			return types.Record{}, xerrors.Errorf("%s: severity score %.1f out of range: %w", id, score, types.ErrMalformedRecord)
		}
		rec.Score = &score
		version, err := ParseVector(m.CvssData.VectorString)
		if err == nil {
			rec.Vector = m.CvssData.VectorString
			rec.VectorVersion = version
		}
	}

	for _, w := range v.Weaknesses {
		for _, d := range w.Description {
			if d.Lang != "en" {
				continue
			}
			if cwe, ok := CanonicalCWE(d.Value); ok {
				rec.CWEs = append(rec.CWEs, cwe)
			}
		}
	}
	rec.CWEs = types.SortedUnique(rec.CWEs)

	rec.References = types.SortedUnique(lo.Map(v.References, func(r nvd.Reference, _ int) string {
		return r.URL
	}))

	for _, c := range v.Configurations {
		for _, n := range c.Nodes {
			for _, m := range n.CpeMatch {
				if p := canonicalProduct(productFromCPE(m.Criteria)); p != "" {
					rec.Products = append(rec.Products, p)
				}
			}
		}
	}
	rec.Products = types.SortedUnique(rec.Products)

	return rec, nil
}

func canonicalID(s string) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(s))
	if !cveIDRegexp.MatchString(id) {
		return "", xerrors.Errorf("invalid CVE-ID format %q: %w", s, types.ErrMalformedRecord)
	}
	return id, nil
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}, xerrors.Errorf("unparsable date %q: %w", s, types.ErrMalformedRecord)
	}
	return t.UTC(), nil
}

func parseScore(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" || strings.EqualFold(s, "n/a") {
		return nil, nil
	}
	score, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, xerrors.Errorf("unparsable severity score %q: %w", s, types.ErrMalformedRecord)
	}
	if score < 0 || score > 10 {
		return nil, xerrors.Errorf("severity score %.1f out of range: %w", score, types.ErrMalformedRecord)
	}
	return &score, nil
}

// preferredMetric picks the newest CVSS version present on the record.
func preferredMetric(m nvd.Metrics) (nvd.CvssMetric, bool) {
	for _, candidates := range [][]nvd.CvssMetric{
		m.CvssMetricV40, m.CvssMetricV31, m.CvssMetricV30, m.CvssMetricV2,
	} {
		if len(candidates) > 0 {
			return candidates[0], true
		}
	}
	return nvd.CvssMetric{}, false
}

// canonicalProduct reduces a product name to a single textual identity.
// The catalog Title-cases names taken from URL slugs while CPE strings are
// lowercase, so both sources must converge on one form before merge, or the
// same product would count as two associations.
func canonicalProduct(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// productFromCPE extracts the product field of a cpe:2.3 criteria string.
func productFromCPE(criteria string) string {
	// cpe:2.3:part:vendor:product:version:update:edition:...
	parts := strings.Split(criteria, ":")
	if len(parts) < 5 || parts[0] != "cpe" {
		return ""
	}
	p := parts[4]
	if p == "" || p == "*" || p == "-" {
		return ""
	}
	return strings.ReplaceAll(p, "_", " ")
}
