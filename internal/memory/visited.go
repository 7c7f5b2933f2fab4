package memory

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// listingParams identify a Scholar cited-by listing; every other query
// parameter (hl, as_sdt, sciodt, ...) only changes presentation.
var listingParams = []string{"cites", "start"}

// NormalizeURL canonicalizes a listing URL for de-duplication: scheme and
// host are lower-cased, default ports and fragments dropped, and query keys
// sorted. Scholar cited-by listings keep only their identifying parameters.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}

	// Handle protocol-relative URLs
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("url %q is not absolute", raw)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	parsed.Host = host
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.User = nil
	if parsed.Path == "" {
		parsed.Path = "/"
	}

	query := parsed.Query()
	if query.Has("cites") {
		kept := url.Values{}
		for _, key := range listingParams {
			if v := query.Get(key); v != "" && !(key == "start" && v == "0") {
				kept.Set(key, v)
			}
		}
		query = kept
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// VisitedSet records normalized listing URLs expanded in a crawl.
type VisitedSet struct {
	urls map[string]struct{}
}

// NewVisitedSet creates a set seeded with already normalized URLs, as
// restored from a checkpoint.
func NewVisitedSet(normalized ...string) *VisitedSet {
	v := &VisitedSet{urls: make(map[string]struct{}, len(normalized))}
	for _, u := range normalized {
		v.urls[u] = struct{}{}
	}
	return v
}

// Key normalizes raw, falling back to the trimmed input when it cannot be parsed.
func Key(raw string) string {
	if n, err := NormalizeURL(raw); err == nil {
		return n
	}
	return strings.TrimSpace(raw)
}

// Add records raw and reports whether it was new.
func (v *VisitedSet) Add(raw string) bool {
	k := Key(raw)
	if _, ok := v.urls[k]; ok {
		return false
	}
	v.urls[k] = struct{}{}
	return true
}

// Remove forgets raw.
func (v *VisitedSet) Remove(raw string) {
	delete(v.urls, Key(raw))
}

// Has reports whether raw was recorded.
func (v *VisitedSet) Has(raw string) bool {
	_, ok := v.urls[Key(raw)]
	return ok
}

// Len returns the number of recorded URLs.
func (v *VisitedSet) Len() int {
	return len(v.urls)
}

// Slice returns the normalized URLs, sorted.
func (v *VisitedSet) Slice() []string {
	out := make([]string, 0, len(v.urls))
	for u := range v.urls {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
