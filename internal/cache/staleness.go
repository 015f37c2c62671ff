package cache

import (
	"strings"
	"time"
)

// Verdict is the freshness assessment of a cached entry. The cache only
// reports staleness; refreshing is always the caller's explicit decision.
type Verdict string

const (
	VerdictFresh   Verdict = "fresh"
	VerdictStale   Verdict = "stale"
	VerdictUnknown Verdict = "unknown"
)

// maxAge maps a declared update frequency to the age at which a cached copy
// is considered stale. Thresholds are padded well past the nominal period so
// a publisher running a few days late does not flap the verdict.
var maxAge = map[string]time.Duration{
	"daily":       2 * 24 * time.Hour,
	"weekly":      10 * 24 * time.Hour,
	"monthly":     45 * 24 * time.Hour,
	"quarterly":   120 * 24 * time.Hour,
	"biannually":  200 * 24 * time.Hour,
	"yearly":      400 * 24 * time.Hour,
	"annually":    400 * 24 * time.Hour,
	"as_required": 365 * 24 * time.Hour,
	"on_demand":   365 * 24 * time.Hour,
}

// Freshness judges a cached copy downloaded at downloadedAt against the
// dataset's declared update frequency. Frequencies the table does not know
// produce VerdictUnknown.
func Freshness(frequency string, downloadedAt, now time.Time) Verdict {
	key := normalizeFrequency(frequency)
	limit, ok := maxAge[key]
	if !ok {
		return VerdictUnknown
	}
	if now.Sub(downloadedAt) > limit {
		return VerdictStale
	}
	return VerdictFresh
}

func normalizeFrequency(frequency string) string {
	key := strings.ToLower(strings.TrimSpace(frequency))
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "-", "_")
	return key
}
