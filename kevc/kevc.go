// Package kevc loads the CISA Known Exploited Vulnerabilities catalog and
// answers membership checks while records are merged.
package kevc

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/utils"
)

const (
	kevcURL   = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	cacheFile = "kevc.json"
	cacheTTL  = 24 * time.Hour
)

type options struct {
	url   string
	dir   string
	ttl   time.Duration
	appFs afero.Fs
	now   func() time.Time
}

type option func(*options)

func WithURL(url string) option {
	return func(opts *options) { opts.url = url }
}

func WithDir(dir string) option {
	return func(opts *options) { opts.dir = dir }
}

func WithTTL(ttl time.Duration) option {
	return func(opts *options) { opts.ttl = ttl }
}

func WithAppFs(fs afero.Fs) option {
	return func(opts *options) { opts.appFs = fs }
}

func WithNow(now func() time.Time) option {
	return func(opts *options) { opts.now = now }
}

type Catalog struct {
	*options
	cveIDs map[string]struct{}
}

func NewCatalog(opts ...option) *Catalog {
	o := &options{
		url:   kevcURL,
		dir:   utils.CacheDir(),
		ttl:   cacheTTL,
		appFs: afero.NewOsFs(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Catalog{options: o}
}

// Load populates the catalog from the cache file when fresh, otherwise
// downloads it from CISA and refreshes the cache.
func (c *Catalog) Load(ctx context.Context) error {
	if kevc, ok := c.cached(); ok {
		log.Printf("Using cached KEV catalog (%d entries)", len(kevc.Vulnerabilities))
		c.index(kevc)
		return nil
	}

	log.Println("Fetching Known Exploited Vulnerabilities Catalog...")
	tmp, err := utils.DownloadToTempFile(ctx, c.url)
	if err != nil {
		return xerrors.Errorf("failed to fetch KEVC: %w", err)
	}
	defer os.Remove(tmp)

	b, err := os.ReadFile(tmp)
	if err != nil {
		return xerrors.Errorf("failed to read KEVC download: %w", err)
	}

	var kevc KEVC
	if err := json.Unmarshal(b, &kevc); err != nil {
		return xerrors.Errorf("KEVC json unmarshal error: %w", err)
	}
	if kevc.Count != len(kevc.Vulnerabilities) {
		return xerrors.Errorf("KEVC count mismatch: count %d, vulnerabilities %d", kevc.Count, len(kevc.Vulnerabilities))
	}

	if err := c.saveCache(b); err != nil {
		log.Printf("unable to cache KEV catalog: %s", err)
	}
	c.index(kevc)
	return nil
}

// Has reports whether a CVE identifier is in the catalog. False before Load.
func (c *Catalog) Has(cveID string) bool {
	_, ok := c.cveIDs[cveID]
	return ok
}

func (c *Catalog) Len() int {
	return len(c.cveIDs)
}

func (c *Catalog) index(kevc KEVC) {
	c.cveIDs = make(map[string]struct{}, len(kevc.Vulnerabilities))
	for _, v := range kevc.Vulnerabilities {
		c.cveIDs[v.CveID] = struct{}{}
	}
}

func (c *Catalog) cached() (KEVC, bool) {
	path := filepath.Join(c.dir, cacheFile)
	info, err := c.appFs.Stat(path)
	if err != nil || c.now().Sub(info.ModTime()) > c.ttl {
		return KEVC{}, false
	}

	b, err := afero.ReadFile(c.appFs, path)
	if err != nil {
		return KEVC{}, false
	}
	var kevc KEVC
	if err := json.Unmarshal(b, &kevc); err != nil {
		return KEVC{}, false
	}
	return kevc, true
}

func (c *Catalog) saveCache(b []byte) error {
	if err := c.appFs.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	return afero.WriteFile(c.appFs, filepath.Join(c.dir, cacheFile), b, 0600)
}
