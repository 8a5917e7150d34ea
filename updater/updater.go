// Package updater drives a vendor scope through the
// never-built/built/updating/error lifecycle, fanning the source adapters out
// concurrently and funnelling their records through one serialized
// merge-and-store path.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/merge"
	"github.com/cvedash/cve-pipeline/normalize"
	"github.com/cvedash/cve-pipeline/storage"
	"github.com/cvedash/cve-pipeline/types"
)

type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Source is the shared adapter contract. Fetch passes raw records to yield
// one at a time so memory stays bounded by a single record; adapters that
// cannot filter server-side report SupportsIncrementalFetch false and the
// controller filters client-side.
type Source interface {
	Name() string
	SupportsIncrementalFetch() bool
	Fetch(ctx context.Context, scope string, since time.Time, yield func(types.RawRecord) error) error
}

// Conflict is an incoming record that contradicted the stored one without
// being newer. The stored record wins; the pair is surfaced for review.
type Conflict struct {
	ID       string
	Existing types.Record
	Incoming types.Record
}

// Report summarizes one BuildOrUpdate run.
type Report struct {
	Vendor        string
	Mode          Mode
	Inserted      int
	Updated       int
	NoOps         int
	Malformed     int
	Skipped       int
	Conflicts     []Conflict
	Anomalies     []string
	SourceErrors  map[string]error
	HighWaterMark time.Time
	Status        types.Status
}

const (
	defaultMaxRetries     = 3
	defaultBackoffCeiling = 2 * time.Minute
)

type options struct {
	maxRetries     int
	backoffCeiling time.Duration
	exploited      func(cveID string) bool
}

type Option func(*options)

// WithMaxRetries bounds how often a rate-limited fetch is retried before it
// escalates to source-unavailable.
func WithMaxRetries(n int) Option {
	return func(opts *options) { opts.maxRetries = n }
}

// WithBackoffCeiling caps the wait honored from a retry-after hint.
func WithBackoffCeiling(d time.Duration) Option {
	return func(opts *options) { opts.backoffCeiling = d }
}

// WithExploitedLookup flags merged records present in the known-exploited
// catalog.
func WithExploitedLookup(fn func(cveID string) bool) Option {
	return func(opts *options) { opts.exploited = fn }
}

type Controller struct {
	*options
	store   *storage.Store
	sources []Source

	mu     sync.Mutex
	active map[string]struct{}
}

func NewController(store *storage.Store, sources []Source, opts ...Option) *Controller {
	o := &options{
		maxRetries:     defaultMaxRetries,
		backoffCeiling: defaultBackoffCeiling,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Controller{
		options: o,
		store:   store,
		sources: sources,
		active:  make(map[string]struct{}),
	}
}

// BuildOrUpdate runs a full build or an incremental update of a vendor scope.
// Only one update may be active per vendor; unrelated vendors run
// independently. The returned error covers infrastructure failures (lock
// held, storage) and cancellation; per-source failures and conflicts are in
// the Report, mirrored by its final Status.
func (c *Controller) BuildOrUpdate(ctx context.Context, vendor string, mode Mode) (*Report, error) {
	vendor = storage.NormalizeVendor(vendor)
	if vendor == "" {
		return nil, xerrors.New("empty vendor name")
	}
	if err := c.acquire(vendor); err != nil {
		return nil, err
	}
	defer c.release(vendor)

	scope, err := c.store.Scope(vendor)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if mode == ModeIncremental && scope.Status != types.StatusNeverBuilt && !scope.HighWaterMark.IsZero() {
		since = scope.HighWaterMark
	}
	log.Printf("Updating %s (mode: %s, since: %s)", vendor, mode, sinceString(since))

	if err := c.store.SetStatus(vendor, types.StatusUpdating); err != nil {
		return nil, err
	}

	report := &Report{
		Vendor:       vendor,
		Mode:         mode,
		SourceErrors: make(map[string]error),
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type item struct {
		raw         types.RawRecord
		incremental bool
	}
	records := make(chan item)

	var wg sync.WaitGroup
	var errMu sync.Mutex
	for _, src := range c.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			err := c.fetchWithBackoff(ctx, src, vendor, since, func(raw types.RawRecord) error {
				select {
				case records <- item{raw: raw, incremental: src.SupportsIncrementalFetch()}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			if err != nil {
				if errors.Is(err, types.ErrParseDrift) {
					log.Printf("%s: page structure drift, skipping this source for the run: %s", src.Name(), err)
				} else {
					log.Printf("%s: fetch failed: %s", src.Name(), err)
				}
				errMu.Lock()
				report.SourceErrors[src.Name()] = err
				errMu.Unlock()
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(records)
	}()

	// single serialized merge/write path
	var maxSeen time.Time
	var storeErr error
	for it := range records {
		if storeErr != nil {
			continue // drain so producers can exit
		}

		rec, err := normalize.Normalize(it.raw)
		if err != nil {
			log.Printf("dropping record: %s", err)
			report.Malformed++
			continue
		}
		if !since.IsZero() && !it.incremental && !rec.LastModified.IsZero() && rec.LastModified.Before(since) {
			report.Skipped++
			continue
		}
		if c.exploited != nil && c.exploited(rec.ID) {
			rec.KnownExploited = true
		}

		existing, err := c.store.Get(rec.ID)
		if err != nil {
			storeErr = err
			cancel()
			continue
		}

		res := merge.Merge(existing, rec)
		switch res.Action {
		case merge.ActionInsert:
			if err := c.store.Upsert(res.Record, vendor); err != nil {
				storeErr = err
				cancel()
				continue
			}
			report.Inserted++
		case merge.ActionUpdate:
			if err := c.store.Upsert(res.Record, vendor); err != nil {
				storeErr = err
				cancel()
				continue
			}
			report.Updated++
		case merge.ActionNoOp:
			report.NoOps++
		case merge.ActionConflict:
			report.Conflicts = append(report.Conflicts, Conflict{ID: rec.ID, Existing: *existing, Incoming: rec})
			continue
		}

		if res.ProductShrink {
			report.Anomalies = append(report.Anomalies,
				fmt.Sprintf("%s: newer record is missing previously known product associations", rec.ID))
		}
		if rec.LastModified.After(maxSeen) {
			maxSeen = rec.LastModified
		}
	}

	return c.finalize(ctx, scope, report, maxSeen, storeErr)
}

// finalize decides the scope's terminal state and persists it. Records
// committed before a failure or cancellation stay committed; the high-water
// mark reflects the last record merged without conflict, not the run's
// nominal end.
func (c *Controller) finalize(ctx context.Context, scope types.VendorScope, report *Report, maxSeen time.Time, storeErr error) (*Report, error) {
	report.HighWaterMark = scope.HighWaterMark
	if maxSeen.After(report.HighWaterMark) {
		report.HighWaterMark = maxSeen
	}

	succeeded := len(c.sources) - len(report.SourceErrors)
	status := types.StatusBuilt
	if storeErr != nil || ctx.Err() != nil || succeeded < 1 || len(report.Conflicts) > 0 {
		status = types.StatusError
	}
	report.Status = status

	count, err := c.store.CountRecords(report.Vendor)
	if err != nil {
		return report, err
	}
	if err := c.store.SaveScope(types.VendorScope{
		Name:          report.Vendor,
		Status:        status,
		HighWaterMark: report.HighWaterMark,
		CVECount:      count,
	}); err != nil {
		return report, err
	}

	log.Printf("%s: %s (inserted %d, updated %d, noop %d, malformed %d, conflicts %d)",
		report.Vendor, status, report.Inserted, report.Updated, report.NoOps, report.Malformed, len(report.Conflicts))

	if storeErr != nil {
		return report, xerrors.Errorf("storage failure during update: %w", storeErr)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// fetchWithBackoff retries a rate-limited source, honoring its retry-after
// hint up to the ceiling, then escalates to source-unavailable. The retry
// budget is per fetch, not shared across vendors.
func (c *Controller) fetchWithBackoff(ctx context.Context, src Source, vendor string, since time.Time, yield func(types.RawRecord) error) error {
	for attempt := 0; ; attempt++ {
		err := src.Fetch(ctx, vendor, since, yield)
		var rl *types.RateLimitedError
		if err == nil || !errors.As(err, &rl) {
			return err
		}
		if attempt >= c.maxRetries {
			return xerrors.Errorf("%s: rate limit retries exhausted: %w", src.Name(), types.ErrSourceUnavailable)
		}

		wait := rl.RetryAfter
		if c.backoffCeiling > 0 && wait > c.backoffCeiling {
			wait = c.backoffCeiling
		}
		log.Printf("%s: rate limited, retrying in %s (%d/%d)", src.Name(), wait, attempt+1, c.maxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Controller) acquire(vendor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[vendor]; ok {
		return xerrors.Errorf("update already in progress for %q", vendor)
	}
	c.active[vendor] = struct{}{}
	return nil
}

func (c *Controller) release(vendor string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, vendor)
}

func sinceString(t time.Time) string {
	if t.IsZero() {
		return "beginning"
	}
	return t.UTC().Format(time.RFC3339)
}
