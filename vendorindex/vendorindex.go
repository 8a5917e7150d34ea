// Package vendorindex caches the scraped vendor catalog index in a small
// JSON file so repeated runs do not re-walk the A-Z pages.
package vendorindex

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/cvedetails"
	"github.com/cvedash/cve-pipeline/utils"
)

const (
	indexFile  = "vendors.json"
	defaultTTL = 7 * 24 * time.Hour
)

type options struct {
	appFs afero.Fs
	dir   string
	ttl   time.Duration
	now   func() time.Time
}

type option func(*options)

func WithAppFs(fs afero.Fs) option {
	return func(opts *options) { opts.appFs = fs }
}

func WithDir(dir string) option {
	return func(opts *options) { opts.dir = dir }
}

func WithTTL(ttl time.Duration) option {
	return func(opts *options) { opts.ttl = ttl }
}

func WithNow(now func() time.Time) option {
	return func(opts *options) { opts.now = now }
}

type Index struct {
	*options
}

func New(opts ...option) Index {
	o := &options{
		appFs: afero.NewOsFs(),
		dir:   utils.CacheDir(),
		ttl:   defaultTTL,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return Index{options: o}
}

// Load returns the cached vendor list, or nil when the cache is missing or
// older than the TTL.
func (i Index) Load() ([]cvedetails.Vendor, error) {
	path := filepath.Join(i.dir, indexFile)
	info, err := i.appFs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Errorf("stat %s: %w", path, err)
	}
	if i.ttl > 0 && i.now().Sub(info.ModTime()) > i.ttl {
		return nil, nil
	}

	var vendors []cvedetails.Vendor
	if err := utils.NewFs(i.appFs).ReadJSON(path, &vendors); err != nil {
		return nil, xerrors.Errorf("read vendor index: %w", err)
	}
	return vendors, nil
}

// Save writes the vendor list cache.
func (i Index) Save(vendors []cvedetails.Vendor) error {
	if err := i.appFs.MkdirAll(i.dir, 0755); err != nil {
		return xerrors.Errorf("mkdir %s: %w", i.dir, err)
	}
	path := filepath.Join(i.dir, indexFile)
	if err := utils.NewFs(i.appFs).WriteJSON(path, vendors); err != nil {
		return xerrors.Errorf("write vendor index: %w", err)
	}
	return nil
}

// Resolve finds a vendor by case-insensitive name in the cached index.
func (i Index) Resolve(name string) (cvedetails.Vendor, bool, error) {
	vendors, err := i.Load()
	if err != nil {
		return cvedetails.Vendor{}, false, err
	}
	for _, v := range vendors {
		if strings.EqualFold(v.Name, strings.TrimSpace(name)) {
			return v, true, nil
		}
	}
	return cvedetails.Vendor{}, false, nil
}
