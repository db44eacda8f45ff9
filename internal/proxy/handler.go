package proxy

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"syscall"
	"time"

	"powgate/internal/circuitbreaker"
	"powgate/internal/config"
	"powgate/internal/gate"
	internalhttp "powgate/internal/httputil"
	"powgate/internal/metrics"

	"github.com/rs/zerolog/log"
)

const (
	maxProxyCacheSize = 100               // Maximum number of cached reverse proxies
	maxProxyBodySize  = 100 * 1024 * 1024 // 100MB max for proxied request bodies
	proxyCacheTTL     = 5 * time.Minute   // TTL for cached proxies (DNS change handling)
)

// cachedProxy wraps a reverse proxy with metadata
type cachedProxy struct {
	proxy      *httputil.ReverseProxy
	transport  *http.Transport
	createdAt  time.Time
	originURL  string
	lruElement *list.Element
}

// Handler is the gated reverse proxy: every request is matched to a route,
// passed through the gate and, when allowed, forwarded to the route's origin.
type Handler struct {
	cfg        config.ProxyCfg
	routes     *config.RouteTable
	engine     *gate.Engine
	proxies    map[string]*cachedProxy
	proxiesLRU *list.List
	proxiesMu  sync.Mutex
	breakers   *circuitbreaker.Manager // nil when disabled
	now        func() time.Time
}

// upstreamFailedKey marks, per request, that the error handler saw an
// origin failure.
type upstreamFailedKey struct{}

// NewHandler creates a gated proxy handler over a built route table.
func NewHandler(cfg config.ProxyCfg, routes *config.RouteTable, engine *gate.Engine) (*Handler, error) {
	if routes == nil || engine == nil {
		return nil, errors.New("proxy: route table and gate engine are required")
	}
	for _, r := range append(routes.Routes(), routes.Match("", "/")) {
		if r.Origin == "" {
			continue
		}
		if _, err := parseOrigin(r.Origin); err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Prefix, err)
		}
	}
	h := &Handler{
		cfg:        cfg,
		routes:     routes,
		engine:     engine,
		proxies:    make(map[string]*cachedProxy),
		proxiesLRU: list.New(),
		now:        time.Now,
	}
	if !cfg.Breaker.Disabled {
		h.breakers = circuitbreaker.NewManager(circuitbreaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			OpenTimeout:      time.Duration(cfg.Breaker.OpenTimeoutMs) * time.Millisecond,
		})
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := h.routes.Match(r.Host, r.URL.Path)
	if route.Origin == "" {
		http.Error(w, "no route matched", http.StatusNotFound)
		return
	}

	if !h.engine.Gate(w, r, route.Gate) {
		return
	}
	h.proxyToOrigin(w, r, route.Origin)
}

// proxyToOrigin forwards the request to the upstream origin
func (h *Handler) proxyToOrigin(w http.ResponseWriter, r *http.Request, originURL string) {
	proxy := h.getOrCreateProxy(originURL)
	if proxy == nil {
		http.Error(w, "invalid origin", http.StatusBadGateway)
		return
	}

	var cb *circuitbreaker.Breaker
	var probe bool
	if h.breakers != nil {
		cb = h.breakers.Get(originURL)
		var err error
		if probe, err = cb.Allow(); err != nil {
			internalhttp.GetLogger(r.Context()).Warn().Str("origin", originURL).Err(err).Msg("origin unavailable")
			metrics.ProxyErrors.WithLabelValues(originURL, "circuit_open").Inc()
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProxyBodySize)
	failed := false
	r = r.WithContext(context.WithValue(r.Context(), upstreamFailedKey{}, &failed))

	start := time.Now()
	proxy.ServeHTTP(w, r)
	metrics.ProxyLatency.WithLabelValues(originURL).Observe(time.Since(start).Seconds())

	if cb != nil {
		cb.Done(probe, !failed)
	}
}

// getOrCreateProxy returns a reverse proxy for the given origin URL
func (h *Handler) getOrCreateProxy(originURL string) *httputil.ReverseProxy {
	h.proxiesMu.Lock()
	defer h.proxiesMu.Unlock()

	if cp, ok := h.proxies[originURL]; ok {
		// Expire periodically so DNS changes are picked up.
		if h.now().Sub(cp.createdAt) < proxyCacheTTL {
			h.proxiesLRU.MoveToFront(cp.lruElement)
			metrics.ProxyCacheOps.WithLabelValues("hit").Inc()
			return cp.proxy
		}
		cp.transport.CloseIdleConnections()
		h.proxiesLRU.Remove(cp.lruElement)
		delete(h.proxies, originURL)
		metrics.ProxyCacheOps.WithLabelValues("expiration").Inc()
	}
	metrics.ProxyCacheOps.WithLabelValues("miss").Inc()

	target, err := parseOrigin(originURL)
	if err != nil {
		log.Error().Str("origin", originURL).Err(err).Msg("failed to parse origin URL")
		return nil
	}

	timeout := time.Duration(h.cfg.TimeoutMs) * time.Millisecond
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          h.cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   h.cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       time.Duration(h.cfg.IdleTimeoutMs) * time.Millisecond,
		ResponseHeaderTimeout: timeout,
		TLSHandshakeTimeout:   timeout / 3,
		ExpectContinueTimeout: 1 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
	}

	proxy := &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// Origins see the host the client asked for.
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
			// Inbound X-Forwarded-For is only honoured from trusted proxies.
			if ip := internalhttp.ClientIPFromHeaders(pr.In); ip != "" {
				pr.Out.Header.Set("X-Forwarded-For", ip)
			}
			if requestID := internalhttp.GetRequestID(pr.In.Context()); requestID != "" {
				pr.Out.Header.Set("X-Request-ID", requestID)
			}
		},
		ErrorHandler: errorHandler(originURL),
	}

	if len(h.proxies) >= maxProxyCacheSize {
		if back := h.proxiesLRU.Back(); back != nil {
			evict := back.Value.(*cachedProxy)
			evict.transport.CloseIdleConnections()
			delete(h.proxies, evict.originURL)
			h.proxiesLRU.Remove(back)
			metrics.ProxyCacheOps.WithLabelValues("eviction").Inc()
		}
	}

	cp := &cachedProxy{
		proxy:     proxy,
		transport: transport,
		createdAt: h.now(),
		originURL: originURL,
	}
	cp.lruElement = h.proxiesLRU.PushFront(cp)
	h.proxies[originURL] = cp
	return proxy
}

func errorHandler(originURL string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		logger := internalhttp.GetLogger(r.Context())

		// Client went away; nobody is left to answer.
		if errors.Is(err, context.Canceled) {
			logger.Debug().Str("origin", originURL).Str("error_type", "context").Msg("proxy request canceled")
			metrics.ProxyErrors.WithLabelValues(originURL, "context").Inc()
			return
		}

		if failed, ok := r.Context().Value(upstreamFailedKey{}).(*bool); ok {
			*failed = true
		}

		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			logger.Warn().Str("origin", originURL).Str("error_type", "timeout").Err(err).Msg("proxy timeout")
			metrics.ProxyErrors.WithLabelValues(originURL, "timeout").Inc()
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}

		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			logger.Error().Str("origin", originURL).Str("error_type", "dns").Err(err).Msg("DNS resolution failed")
			metrics.ProxyErrors.WithLabelValues(originURL, "dns").Inc()
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		if errors.Is(err, syscall.ECONNREFUSED) {
			logger.Error().Str("origin", originURL).Str("error_type", "connection").Err(err).Msg("connection refused")
			metrics.ProxyErrors.WithLabelValues(originURL, "connection").Inc()
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}

		logger.Error().Str("origin", originURL).Str("error_type", "other").Err(err).Msg("proxy error")
		metrics.ProxyErrors.WithLabelValues(originURL, "other").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

// Shutdown closes idle upstream connections of every cached proxy.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.proxiesMu.Lock()
	defer h.proxiesMu.Unlock()

	for origin, cp := range h.proxies {
		if err := ctx.Err(); err != nil {
			return err
		}
		cp.transport.CloseIdleConnections()
		log.Info().Str("origin", origin).Msg("closed idle connections for origin")
	}
	return nil
}

func parseOrigin(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid origin %q: %w", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid origin %q: want http(s)://host[:port]", s)
	}
	return u, nil
}
