package gate

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"powgate/internal/config"
	"powgate/internal/httputil"
	"powgate/internal/metrics"
	"powgate/internal/render"
)

// Scheme is the secret-bound PoW backend. Implementations must be safe for
// concurrent use; the engine calls them synchronously and never retries.
type Scheme interface {
	// ValidateCredential reports whether cred is a solved, unexpired challenge.
	ValidateCredential(cred []byte) bool
	// IssueChallenge returns an opaque, already serialized challenge payload.
	IssueChallenge(difficultyBits uint16, ttl time.Duration) ([]byte, error)
}

type Decision int

const (
	Allow Decision = iota
	Challenge
)

func (d Decision) String() string {
	if d == Challenge {
		return "challenge"
	}
	return "allow"
}

// Reasons reported with an Outcome.
const (
	ReasonNotApplicable = "not_applicable"
	ReasonMethod        = "method"
	ReasonCredential    = "credential"
	ReasonChallenge     = "challenge"
)

var (
	ErrIssueFailed  = errors.New("gate: challenge issuance failed")
	ErrRenderFailed = errors.New("gate: challenge render failed")
)

// Outcome is the result of one gate evaluation. Body is set only for Challenge.
type Outcome struct {
	Decision Decision
	Reason   string
	Body     []byte
}

// Engine makes the per-request ALLOW/CHALLENGE decision. It holds only
// read-only state and is safe for concurrent use.
type Engine struct {
	mod    *config.ModuleConfig
	scheme Scheme
	page   *render.Page
}

func NewEngine(mod *config.ModuleConfig, scheme Scheme, page *render.Page) (*Engine, error) {
	if mod == nil || scheme == nil || page == nil {
		return nil, errors.New("gate: module config, scheme and page are required")
	}
	return &Engine{mod: mod, scheme: scheme, page: page}, nil
}

// Applies reports whether the gate is active for a route.
//
//	mode variant, exclusion: gated only where enable is on
//	mode variant, inclusion: gated everywhere except where enable is on
//	opt_in variant:          gated only where enable is on
func Applies(rc config.RouteConfig) bool {
	switch rc.Variant {
	case config.VariantMode:
		if rc.Mode == config.ModeInclusion {
			return !rc.Enable
		}
		return rc.Enable
	default:
		return rc.Enable
	}
}

// Evaluate runs the gate for r under rc. Cheap checks run first; a valid
// credential short-circuits issuance. Issuer and render failures are
// returned as errors and must be answered with a 5xx, never with ALLOW.
func (e *Engine) Evaluate(r *http.Request, rc config.RouteConfig) (Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.GateDuration.Observe(time.Since(start).Seconds())
	}()
	logger := httputil.GetLogger(r.Context())

	if !Applies(rc) {
		return allow(ReasonNotApplicable), nil
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return allow(ReasonMethod), nil
	}

	fallback := rc.Variant == config.VariantMode && rc.AllowHeaderFallback
	cred := ExtractCredential(r, rc.CookieName, fallback, rc.HeaderName)
	if cred != "" {
		if e.scheme.ValidateCredential([]byte(cred)) {
			return allow(ReasonCredential), nil
		}
		logger.Debug().Int("credential_len", len(cred)).Msg("credential rejected")
	}

	payload, err := e.scheme.IssueChallenge(e.mod.DifficultyBits(), e.mod.TTL())
	if err != nil {
		metrics.ChallengeErrors.WithLabelValues("issue").Inc()
		return Outcome{}, fmt.Errorf("%w: %v", ErrIssueFailed, err)
	}
	if len(payload) == 0 {
		metrics.ChallengeErrors.WithLabelValues("issue").Inc()
		return Outcome{}, fmt.Errorf("%w: empty payload", ErrIssueFailed)
	}

	body, err := e.page.Render(payload)
	if err != nil {
		metrics.ChallengeErrors.WithLabelValues("render").Inc()
		return Outcome{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	metrics.ChallengeIssued.Inc()
	return Outcome{Decision: Challenge, Reason: ReasonChallenge, Body: body}, nil
}

func allow(reason string) Outcome {
	return Outcome{Decision: Allow, Reason: reason}
}
