package verify

import (
	"net/url"
	"strings"
)

const (
	jobKeySuffix    = ":start_id"
	resultKeySuffix = ":result"

	// JobKeyPattern matches every pending job key.
	JobKeyPattern = "*" + jobKeySuffix
)

// JobKey returns the queue key holding a product's candidate URLs.
func JobKey(productID string) string {
	return productID + jobKeySuffix
}

// IsJobKey reports whether key names a pending job rather than an auxiliary entry.
func IsJobKey(key string) bool {
	return strings.HasSuffix(key, jobKeySuffix) && len(key) > len(jobKeySuffix)
}

// IsResultKey reports whether key is a legacy result marker.
func IsResultKey(key string) bool {
	return strings.HasSuffix(key, resultKeySuffix)
}

// ProductIDFromKey extracts the product id from a job key.
func ProductIDFromKey(key string) (string, bool) {
	if !IsJobKey(key) {
		return "", false
	}
	return strings.TrimSuffix(key, jobKeySuffix), true
}

// NormalizeURLs trims whitespace, drops blanks, and collapses duplicates while
// keeping first-seen order.
func NormalizeURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// ValidImageURL reports whether raw is an absolute http(s) URL.
func ValidImageURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
