// Package backoff computes retry delays for spooled records and parses
// server-supplied Retry-After hints.
package backoff

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MinDelay is the floor applied to every computed delay so the drain loop
// never busy-loops on a zero or negative delay.
const MinDelay = 100 * time.Millisecond

// maxRetryAfter bounds how far in the future a Retry-After hint may point
// before it is treated as invalid.
const maxRetryAfter = 24 * time.Hour

// Compute returns the delay before retry number attempt:
// min(max, base*2^attempt), scaled by a uniform jitter in
// [-jitterRatio, +jitterRatio], floored at MinDelay.
//
// With jitterRatio 0 the result is deterministic, which the retry tests rely
// on.
func Compute(attempt int, base, max time.Duration, jitterRatio float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := max
	// base<<attempt overflows for large attempt counts; cap the shift so the
	// ceiling applies instead.
	if attempt < 63 && base<<uint(attempt) > 0 && base<<uint(attempt) < max {
		delay = base << uint(attempt)
	}

	if jitterRatio > 0 {
		jitter := (rand.Float64()*2 - 1) * jitterRatio
		delay = time.Duration(float64(delay) * (1 + jitter))
	}

	if delay < MinDelay {
		delay = MinDelay
	}
	return delay
}

// ParseRetryAfter parses an HTTP Retry-After header value, either
// delta-seconds ("120") or an HTTP-date (RFC 7231). Returns the absolute
// retry time and true on success. Negative deltas, unparseable values, and
// times outside [now, now+24h] report false so the caller falls back to
// exponential backoff. This function never panics and never errors.
func ParseRetryAfter(value string, now time.Time) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return time.Time{}, false
		}
		return clampRetryAt(now.Add(time.Duration(secs)*time.Second), now)
	}

	if at, err := http.ParseTime(value); err == nil {
		// http.ParseTime accepts RFC 1123, RFC 850 and ANSI C forms; a date
		// without an explicit zone is taken as UTC.
		return clampRetryAt(at.UTC(), now)
	}

	return time.Time{}, false
}

func clampRetryAt(at, now time.Time) (time.Time, bool) {
	if at.Before(now) || at.After(now.Add(maxRetryAfter)) {
		return time.Time{}, false
	}
	return at, true
}
