package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"

	"powgate/internal/util"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Context keys for request metadata
type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	trustedProxiesKey
)

// Buffer pool for JSON encoding
var bufferPool = sync.Pool{
	New: func() interface{} {
		return &bytes.Buffer{}
	},
}

// GenerateRequestID creates a new random request ID
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds request ID to context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey).(string); ok {
		return reqID
	}
	return ""
}

// WithLogger adds logger to context
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// GetLogger retrieves logger from context
func GetLogger(ctx context.Context) *zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zerolog.Logger); ok {
		return logger
	}
	nopLogger := zerolog.Nop()
	return &nopLogger
}

// WithTrustedProxies adds trusted proxy CIDRs to context
func WithTrustedProxies(ctx context.Context, trustedProxies []*net.IPNet) context.Context {
	return context.WithValue(ctx, trustedProxiesKey, trustedProxies)
}

// GetTrustedProxies retrieves trusted proxy CIDRs from context
func GetTrustedProxies(ctx context.Context) []*net.IPNet {
	if proxies, ok := ctx.Value(trustedProxiesKey).([]*net.IPNet); ok {
		return proxies
	}
	return nil
}

// RequestIDMiddleware extracts or generates request ID and adds it to context and headers
func RequestIDMiddleware(logger zerolog.Logger, trustedProxies []*net.IPNet) func(http.Handler) http.Handler {
	return RequestIDMiddlewareWithIPKey(logger, trustedProxies, nil)
}

// RequestIDMiddlewareWithIPKey is RequestIDMiddleware that, with a non-empty
// ipKey, logs util.AnonymizeIP of the client address instead of the address.
func RequestIDMiddlewareWithIPKey(logger zerolog.Logger, trustedProxies []*net.IPNet, ipKey []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" || len(requestID) > 128 {
				requestID = GenerateRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := WithTrustedProxies(r.Context(), trustedProxies)
			clientIP := ClientIPFromHeadersWithTrustedProxies(r, trustedProxies)
			if len(ipKey) > 0 {
				clientIP = util.AnonymizeIP(clientIP, ipKey)
			}
			reqLogger := logger.With().
				Str("request_id", requestID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("client_ip", clientIP).
				Logger()

			ctx = WithRequestID(ctx, requestID)
			ctx = WithLogger(ctx, &reqLogger)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromHeaders extracts the client IP using trusted proxies from context.
func ClientIPFromHeaders(r *http.Request) string {
	return ClientIPFromHeadersWithTrustedProxies(r, GetTrustedProxies(r.Context()))
}

// ClientIPFromHeadersWithTrustedProxies only honours X-Forwarded-For when the
// immediate peer is a trusted proxy. With no trusted proxies configured the
// peer address is used as-is.
func ClientIPFromHeadersWithTrustedProxies(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}
	remoteIP := net.ParseIP(remoteHost)
	if remoteIP == nil {
		return ""
	}

	isTrusted := false
	for _, ipNet := range trustedProxies {
		if ipNet.Contains(remoteIP) {
			isTrusted = true
			break
		}
	}
	if isTrusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			cand := strings.TrimSpace(strings.Split(xff, ",")[0])
			if ip := net.ParseIP(cand); ip != nil {
				return ip.String()
			}
		}
	}
	return remoteIP.String()
}

// WriteJSON writes a JSON response with proper headers.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufferPool.Put(buf)
	}()

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		log.Error().Err(err).Msg("json encode failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(buf.Bytes())
}
