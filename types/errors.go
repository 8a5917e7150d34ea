package types

import (
	"fmt"
	"time"

	"golang.org/x/xerrors"
)

// Error taxonomy for source adapters. Adapters wrap these with xerrors so
// callers can classify failures with errors.Is / errors.As.
var (
	// ErrSourceUnavailable signals network/DNS/5xx failure after retries are
	// exhausted. The scope is left in the error state; retry is user-initiated.
	ErrSourceUnavailable = xerrors.New("source unavailable")

	// ErrParseDrift signals that a scraped page no longer matches the expected
	// selectors. Non-fatal to a run; the affected adapter is skipped.
	ErrParseDrift = xerrors.New("page structure drift")

	// ErrMalformedRecord signals a single unusable raw record. The record is
	// dropped with a logged reason and the run continues.
	ErrMalformedRecord = xerrors.New("malformed record")
)

// RateLimitedError carries the retry-after hint from a throttling source.
// It is recovered locally via backoff and retry up to a bounded number of
// attempts, then escalates to ErrSourceUnavailable.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
