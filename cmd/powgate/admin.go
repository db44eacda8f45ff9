package main

import (
	"net/http"
	"time"

	"powgate/internal/httputil"
	"powgate/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var startTime = time.Now()

// withCommonHeaders is for the service's own endpoints only; proxied
// responses and challenge pages carry their own headers.
func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": int64(time.Since(startTime).Seconds()),
	})
}

// handleAdminStats serves a JSON digest of the default registry.
func handleAdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := metrics.Summary(prometheus.DefaultGatherer)
	if err != nil {
		httputil.GetLogger(r.Context()).Error().Err(err).Msg("gather metrics")
		httputil.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "metrics_error"})
		return
	}
	stats["system"]["uptime_sec"] = time.Since(startTime).Seconds()
	httputil.WriteJSON(w, http.StatusOK, stats)
}
