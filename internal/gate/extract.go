package gate

import (
	"net/http"
	"strings"
)

// ExtractCredential returns the client's credential, or "" when there is none.
//
// Every Cookie header line is scanned, and every pair within a line, in
// order; the value of the first pair whose name equals cookieName
// (case-sensitive) wins. Only when no pair matched and allowHeaderFallback is
// set are the request headers searched for headerName (case-insensitive);
// the first value of the first match wins.
func ExtractCredential(r *http.Request, cookieName string, allowHeaderFallback bool, headerName string) string {
	if v, ok := cookieValue(r.Header, cookieName); ok {
		return v
	}
	if !allowHeaderFallback || headerName == "" {
		return ""
	}
	if vs := r.Header[http.CanonicalHeaderKey(headerName)]; len(vs) > 0 {
		return vs[0]
	}
	// Non-canonical keys only appear when a caller filled the map directly.
	for k, vs := range r.Header {
		if len(k) == len(headerName) && strings.EqualFold(k, headerName) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

func cookieValue(h http.Header, name string) (string, bool) {
	for _, line := range h["Cookie"] {
		for len(line) > 0 {
			var pair string
			pair, line, _ = strings.Cut(line, ";")
			k, v, _ := strings.Cut(strings.TrimSpace(pair), "=")
			if k == name {
				return v, true
			}
		}
	}
	return "", false
}
