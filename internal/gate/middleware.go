package gate

import (
	"net/http"

	"powgate/internal/config"
	"powgate/internal/httputil"
	"powgate/internal/metrics"
)

// Resolver maps a request to its route's gate settings.
type Resolver func(r *http.Request) config.RouteConfig

// Gate evaluates r and, unless the request may proceed, writes the complete
// response. It returns true when the caller should continue handling r.
func (e *Engine) Gate(w http.ResponseWriter, r *http.Request, rc config.RouteConfig) bool {
	logger := httputil.GetLogger(r.Context())

	out, err := e.Evaluate(r, rc)
	if err != nil {
		// The error may wrap issuer detail; it goes to the log only.
		logger.Error().Err(err).Msg("gate failed closed")
		metrics.GateDecision.WithLabelValues("error", "internal").Inc()
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return false
	}

	metrics.GateDecision.WithLabelValues(out.Decision.String(), out.Reason).Inc()
	if out.Decision == Allow {
		logger.Debug().Str("reason", out.Reason).Msg("gate allow")
		return true
	}

	logger.Debug().
		Uint16("difficulty_bits", e.mod.DifficultyBits()).
		Int("body_bytes", len(out.Body)).
		Msg("challenge issued")
	WriteChallenge(w, out.Body)
	return false
}

// Middleware puts the gate in front of next.
func (e *Engine) Middleware(resolve Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if e.Gate(w, r, resolve(r)) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// TableResolver resolves gate settings from a route table by host and path.
func TableResolver(t *config.RouteTable) Resolver {
	return func(r *http.Request) config.RouteConfig {
		return t.Match(r.Host, r.URL.Path).Gate
	}
}
