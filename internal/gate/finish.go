package gate

import (
	"net/http"
	"strconv"
)

const (
	headerFrameOptions   = "DENY"
	headerCSP            = "frame-ancestors 'none'; object-src 'none'; base-uri 'none'"
	headerCacheControl   = "no-store, max-age=0, must-revalidate"
	headerReferrerPolicy = "no-referrer"
)

// WriteChallenge sends body as the complete 200 response together with the
// fixed hardening headers.
func WriteChallenge(w http.ResponseWriter, body []byte) {
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("X-Frame-Options", headerFrameOptions)
	h.Set("Content-Security-Policy", headerCSP)
	h.Set("Cache-Control", headerCacheControl)
	h.Set("Referrer-Policy", headerReferrerPolicy)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
