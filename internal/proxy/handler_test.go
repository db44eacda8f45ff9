package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"powgate/internal/challenge"
	"powgate/internal/circuitbreaker"
	"powgate/internal/config"
	"powgate/internal/gate"
	internalhttp "powgate/internal/httputil"
	"powgate/internal/render"

	"github.com/rs/zerolog"
)

const challengeOpen = `<script id="pow-challenge" type="application/json">`

// mockHandler builds the full gate stack from YAML with origin as the
// default upstream.
func mockHandler(t *testing.T, origin, yamlCfg string) *Handler {
	t.Helper()
	cfg, err := config.Parse([]byte(yamlCfg))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.Gate.Secret = "supersecretkeythatisatleast16byteslong"
	cfg.Gate.DifficultyBits = "8"
	if origin != "" {
		cfg.Proxy.Origin = origin
	}
	cfg.Proxy.TimeoutMs = 1000
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	mod, routes, err := cfg.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	scheme, err := challenge.NewScheme(mod.Secret())
	if err != nil {
		t.Fatalf("NewScheme failed: %v", err)
	}
	page, err := render.NewPage(nil, cfg.Gate.CookieName)
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	engine, err := gate.NewEngine(mod, scheme, page)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	h, err := NewHandler(cfg.Proxy, routes, engine)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	t.Cleanup(func() { h.Shutdown(context.Background()) })
	return h
}

func okUpstream(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("X-Seen-Host", r.Host)
		w.Header().Set("X-Seen-XFF", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Seen-Request-ID", r.Header.Get("X-Request-ID"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("upstream response"))
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func challengePayload(t *testing.T, body string) []byte {
	t.Helper()
	i := strings.Index(body, challengeOpen)
	if i < 0 {
		t.Fatalf("challenge script not found in body")
	}
	rest := body[i+len(challengeOpen):]
	j := strings.Index(rest, "</script>")
	if j < 0 {
		t.Fatalf("unterminated challenge script")
	}
	return []byte(rest[:j])
}

func TestHandler_ServeHTTP_ProxyToOrigin(t *testing.T) {
	upstream := okUpstream(t, nil)
	h := mockHandler(t, upstream.URL, "gate:\n  variant: opt_in\n")

	req := httptest.NewRequest("GET", "http://app.example.com/data", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	w := httptest.NewRecorder()

	mw := internalhttp.RequestIDMiddleware(zerolog.Nop(), nil)
	mw(h).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	if w.Body.String() != "upstream response" {
		t.Errorf("expected 'upstream response', got %q", w.Body.String())
	}
	if got := w.Header().Get("X-Seen-Host"); got != "app.example.com" {
		t.Errorf("origin saw host %q", got)
	}
	// No trusted proxies: the spoofed header is replaced by the peer address.
	if got := w.Header().Get("X-Seen-XFF"); got != "192.0.2.1" {
		t.Errorf("origin saw X-Forwarded-For %q", got)
	}
	if got := w.Header().Get("X-Seen-Request-ID"); got == "" || got != w.Header().Get("X-Request-ID") {
		t.Errorf("request id not propagated: %q", got)
	}
}

func TestHandler_ServeHTTP_Challenge(t *testing.T) {
	var hits atomic.Int32
	upstream := okUpstream(t, &hits)
	h := mockHandler(t, upstream.URL, "gate:\n  variant: opt_in\n  enable: on\n")

	req := httptest.NewRequest("GET", "/app", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 challenge page, got %d", w.Code)
	}
	if hits.Load() != 0 {
		t.Error("upstream hit despite challenge")
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("content type %q", ct)
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("missing X-Frame-Options")
	}
	challengePayload(t, w.Body.String())
}

func TestHandler_ServeHTTP_SolvedChallengePassesThrough(t *testing.T) {
	var hits atomic.Int32
	upstream := okUpstream(t, &hits)
	h := mockHandler(t, upstream.URL, "gate:\n  variant: opt_in\n  enable: on\n")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/app", nil))
	payload := challengePayload(t, w.Body.String())

	cred, err := challenge.Solve(payload, 1<<20)
	if err != nil {
		t.Fatalf("Solve failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/app", nil)
	req.Header.Set("Cookie", "other=1; pow="+cred)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK || w.Body.String() != "upstream response" {
		t.Fatalf("expected proxied response, got %d %q", w.Code, w.Body.String())
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("expected one upstream hit, got %d", n)
	}

	// A corrupted credential gets a fresh challenge.
	req = httptest.NewRequest("GET", "/app", nil)
	flip := byte('A')
	if cred[0] == 'A' {
		flip = 'B'
	}
	req.Header.Set("Cookie", "pow="+string(flip)+cred[1:])
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), challengeOpen) {
		t.Error("expected challenge page for corrupted credential")
	}
}

func TestHandler_ServeHTTP_WritesAreNotGated(t *testing.T) {
	var hits atomic.Int32
	upstream := okUpstream(t, &hits)
	h := mockHandler(t, upstream.URL, "gate:\n  variant: opt_in\n  enable: on\n")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/form", strings.NewReader("a=1")))

	if w.Code != http.StatusOK || hits.Load() != 1 {
		t.Errorf("expected POST to reach upstream, got %d (hits %d)", w.Code, hits.Load())
	}
}

func TestHandler_ServeHTTP_RouteOrigins(t *testing.T) {
	var apiHits, webHits atomic.Int32
	api := okUpstream(t, &apiHits)
	web := okUpstream(t, &webHits)
	h := mockHandler(t, web.URL, `
gate:
  variant: mode
  mode: inclusion
routes:
  - prefix: /api
    origin: `+api.URL+`
    enable: on
`)

	// Inclusion mode: /api is excluded from the gate, everything else is gated.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/items", nil))
	if w.Body.String() != "upstream response" || apiHits.Load() != 1 {
		t.Errorf("expected /api proxied to api origin, got %q (hits %d)", w.Body.String(), apiHits.Load())
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/home", nil))
	if webHits.Load() != 0 || !strings.Contains(w.Body.String(), challengeOpen) {
		t.Errorf("expected /home to be challenged, web hits %d", webHits.Load())
	}
}

func TestHandler_ServeHTTP_NoOrigin(t *testing.T) {
	h := mockHandler(t, "", "gate:\n  variant: opt_in\n")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHandler_ServeHTTP_UpstreamDown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	origin := "http://" + addr
	h := mockHandler(t, origin, "gate:\n  variant: opt_in\nproxy:\n  circuit_breaker:\n    failure_threshold: 2\n")
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503 for refused connection, got %d", w.Code)
		}
	}
	if st := h.breakers.Get(origin).State(); st != circuitbreaker.StateOpen {
		t.Fatalf("expected breaker open after repeated failures, got %v", st)
	}

	// Open breaker answers without dialing.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from open breaker, got %d", w.Code)
	}
}

func TestNewHandler_InvalidOrigin(t *testing.T) {
	cfg, _ := config.Parse([]byte("gate:\n  secret: k\nroutes:\n  - prefix: /x\n    origin: \"ftp://nope\"\n"))
	mod, routes, err := cfg.Build()
	if err != nil {
		t.Fatal(err)
	}
	scheme, _ := challenge.NewScheme(mod.Secret())
	page, _ := render.NewPage(nil, "pow")
	engine, _ := gate.NewEngine(mod, scheme, page)

	if _, err := NewHandler(cfg.Proxy, routes, engine); err == nil {
		t.Error("expected error for non-http origin")
	}
	if _, err := NewHandler(cfg.Proxy, nil, engine); err == nil {
		t.Error("expected error for nil route table")
	}
}

func TestProxyCache(t *testing.T) {
	h := mockHandler(t, "http://127.0.0.1:1", "gate:\n  variant: opt_in\n")
	now := time.Unix(1700000000, 0)
	h.now = func() time.Time { return now }

	p1 := h.getOrCreateProxy("http://127.0.0.1:1")
	if p1 == nil || h.getOrCreateProxy("http://127.0.0.1:1") != p1 {
		t.Fatal("expected cache hit for same origin")
	}

	now = now.Add(proxyCacheTTL)
	if h.getOrCreateProxy("http://127.0.0.1:1") == p1 {
		t.Error("expected expired proxy to be recreated")
	}

	if h.getOrCreateProxy("://bad") != nil {
		t.Error("expected nil proxy for unparsable origin")
	}
}

func TestProxyCache_Eviction(t *testing.T) {
	h := mockHandler(t, "http://127.0.0.1:1", "gate:\n  variant: opt_in\n")

	first := "http://127.0.0.1:10000"
	h.getOrCreateProxy(first)
	for i := 1; i <= maxProxyCacheSize; i++ {
		h.getOrCreateProxy("http://127.0.0.1:" + strconv.Itoa(10000+i))
	}
	if len(h.proxies) != maxProxyCacheSize {
		t.Errorf("cache size %d, want %d", len(h.proxies), maxProxyCacheSize)
	}
	if _, ok := h.proxies[first]; ok {
		t.Error("least recently used origin was not evicted")
	}
}
