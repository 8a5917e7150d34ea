package nvd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/cvedash/cve-pipeline/types"
)

const (
	url20          = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	nvdTimeFormat  = "2006-01-02T15:04:05.000"
	resultsPerPage = 2000
	retry          = 3
	timeout        = 30 * time.Second

	// NVD allows 5 requests per 30 seconds without an API key and 50 with one.
	publicRatePer30s  = 5
	keyedRatePer30s   = 50
	defaultRetryAfter = 30 * time.Second

	// the API rejects lastModStartDate/lastModEndDate ranges over 120 days
	maxIntervalDays = 120
)

type Entry struct {
	ResultsPerPage  int    `json:"resultsPerPage"`
	StartIndex      int    `json:"startIndex"`
	TotalResults    int    `json:"totalResults"`
	Timestamp       string `json:"timestamp"`
	Vulnerabilities []struct {
		Cve Vuln `json:"cve"`
	} `json:"vulnerabilities"`
}

type timeInterval struct {
	lastModStartDate string
	lastModEndDate   string
}

type options struct {
	baseURL string
	apiKey  string
	retry   int
	timeout time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

type option func(*options)

func WithBaseURL(baseURL string) option {
	return func(opts *options) { opts.baseURL = baseURL }
}

func WithAPIKey(apiKey string) option {
	return func(opts *options) { opts.apiKey = apiKey }
}

func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

func WithTimeout(timeout time.Duration) option {
	return func(opts *options) { opts.timeout = timeout }
}

// WithLimiter overrides the token bucket shared by all fetches through this
// updater. Injected in tests and by callers coordinating multiple vendor
// updates over one process-wide limit.
func WithLimiter(limiter *rate.Limiter) option {
	return func(opts *options) { opts.limiter = limiter }
}

func WithNow(now func() time.Time) option {
	return func(opts *options) { opts.now = now }
}

type Updater struct {
	*options
	client *http.Client

	mu     sync.Mutex
	resume map[string]resumePoint
}

// resumePoint remembers how far a rate-limited fetch got so the next attempt
// starts at the first incomplete page instead of re-spending request budget
// on pages already yielded.
type resumePoint struct {
	intervals  []timeInterval
	interval   int
	startIndex int
}

func NewUpdater(opts ...option) *Updater {
	o := &options{
		baseURL: url20,
		apiKey:  os.Getenv("NVD_API_KEY"),
		retry:   retry,
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limiter == nil {
		o.limiter = NewLimiter(o.apiKey != "")
	}
	return &Updater{
		options: o,
		client:  &http.Client{Timeout: o.timeout},
		resume:  map[string]resumePoint{},
	}
}

// NewLimiter returns the token bucket matching NVD's published rate limits.
func NewLimiter(authenticated bool) *rate.Limiter {
	per30s := publicRatePer30s
	if authenticated {
		per30s = keyedRatePer30s
	}
	return rate.NewLimiter(rate.Limit(float64(per30s)/30.0), per30s)
}

func (u *Updater) Name() string {
	return "nvd"
}

// SupportsIncrementalFetch is true: the API filters server-side on
// lastModStartDate/lastModEndDate.
func (u *Updater) SupportsIncrementalFetch() bool {
	return true
}

// Fetch pages through all NVD records matching the vendor scope and passes
// each raw record to yield. A non-zero since bounds the fetch to records
// modified at or after that time. A fetch cut short by a rate limit leaves a
// resume point behind, so the caller's retry continues from the first
// incomplete page rather than re-fetching completed ones.
func (u *Updater) Fetch(ctx context.Context, scope string, since time.Time, yield func(types.RawRecord) error) error {
	key := resumeKey(scope, since)
	point, resumed := u.takeResume(key)
	if !resumed {
		point = resumePoint{intervals: timeIntervals(since, u.now())}
	}

	for i := point.interval; i < len(point.intervals); i++ {
		interval := point.intervals[i]
		startIndex := 0
		if i == point.interval {
			startIndex = point.startIndex
		}
		for {
			if err := u.limiter.Wait(ctx); err != nil {
				return xerrors.Errorf("rate limiter wait: %w", err)
			}

			pageURL, err := urlWithParams(u.baseURL, scope, startIndex, interval)
			if err != nil {
				return err
			}
			entry, err := u.getEntry(ctx, pageURL)
			if err != nil {
				var limited *types.RateLimitedError
				if errors.As(err, &limited) {
					u.saveResume(key, resumePoint{
						intervals:  point.intervals,
						interval:   i,
						startIndex: startIndex,
					})
				}
				return xerrors.Errorf("unable to get entry for %q: %w", pageURL, err)
			}

			for _, v := range entry.Vulnerabilities {
				if err := yield(v.Cve); err != nil {
					return err
				}
			}

			startIndex += entry.ResultsPerPage
			if startIndex >= entry.TotalResults || entry.ResultsPerPage == 0 {
				break
			}
		}
	}
	return nil
}

func resumeKey(scope string, since time.Time) string {
	return scope + "|" + since.UTC().Format(nvdTimeFormat)
}

// takeResume consumes any saved resume point for the key. Consuming rather
// than peeking keeps a cursor from going stale: it is written back only when
// the fetch is rate limited again.
func (u *Updater) takeResume(key string) (resumePoint, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	point, ok := u.resume[key]
	if ok {
		delete(u.resume, key)
	}
	return point, ok
}

func (u *Updater) saveResume(key string, point resumePoint) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resume[key] = point
}

func (u *Updater) getEntry(ctx context.Context, url string) (Entry, error) {
	var entry Entry
	var lastErr error
	for i := 0; i <= u.retry; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return entry, ctx.Err()
			case <-time.After(time.Duration(i) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return entry, xerrors.Errorf("unable to build request for %q: %w", url, err)
		}
		if u.apiKey != "" {
			req.Header.Set("apiKey", u.apiKey)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			err = json.NewDecoder(resp.Body).Decode(&entry)
			resp.Body.Close()
			if err != nil {
				return entry, xerrors.Errorf("unable to decode response for %q: %w", url, err)
			}
			return entry, nil
		case http.StatusForbidden, http.StatusTooManyRequests:
			retryAfter := retryAfterHint(resp)
			resp.Body.Close()
			return entry, &types.RateLimitedError{RetryAfter: retryAfter}
		case http.StatusServiceUnavailable, http.StatusBadGateway:
			resp.Body.Close()
			lastErr = xerrors.Errorf("status code: %d", resp.StatusCode)
			continue
		default:
			resp.Body.Close()
			return entry, xerrors.Errorf("HTTP error. status code: %d, url: %s: %w", resp.StatusCode, url, types.ErrSourceUnavailable)
		}
	}
	return entry, xerrors.Errorf("unable to get entry from %q: %v: %w", url, lastErr, types.ErrSourceUnavailable)
}

func retryAfterHint(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return time.Duration(sec) * time.Second
		}
	}
	return defaultRetryAfter
}

// timeIntervals splits [since, end] into ranges the API accepts. A zero since
// means a full fetch, expressed as a single unbounded interval.
func timeIntervals(since, end time.Time) []timeInterval {
	if since.IsZero() {
		return []timeInterval{{}}
	}

	var intervals []timeInterval
	for end.Sub(since).Hours()/24 > maxIntervalDays {
		next := since.Add(maxIntervalDays * 24 * time.Hour)
		intervals = append(intervals, timeInterval{
			lastModStartDate: since.UTC().Format(nvdTimeFormat),
			lastModEndDate:   next.UTC().Format(nvdTimeFormat),
		})
		since = next
	}
	intervals = append(intervals, timeInterval{
		lastModStartDate: since.UTC().Format(nvdTimeFormat),
		lastModEndDate:   end.UTC().Format(nvdTimeFormat),
	})
	return intervals
}

func urlWithParams(baseURL, scope string, startIndex int, interval timeInterval) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", xerrors.Errorf("unable to parse %q base url: %w", baseURL, err)
	}
	q := u.Query()
	q.Set("virtualMatchString", matchString(scope))
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("resultsPerPage", strconv.Itoa(resultsPerPage))
	if interval.lastModStartDate != "" {
		q.Set("lastModStartDate", interval.lastModStartDate)
		q.Set("lastModEndDate", interval.lastModEndDate)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func matchString(vendor string) string {
	v := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(vendor)), " ", "_")
	return "cpe:2.3:*:" + v
}
