// Package httptransport builds the HTTP servers every ridesync binary listens on.
package httptransport

import (
	"log"
	"net/http"
	"time"
)

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	headerTimeout       = 5 * time.Second
)

// ServerConfig contains tunables for the HTTP server. Zero timeouts fall back
// to defaults.
type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// Streaming drops the read and write deadlines so long-lived connections
	// such as the relay WebSocket survive. Header reads stay bounded.
	Streaming bool
}

// NewServer creates *http.Server with provided handler.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: headerTimeout,
		IdleTimeout:       orDefault(cfg.IdleTimeout, defaultIdleTimeout),
	}
	if !cfg.Streaming {
		srv.ReadTimeout = orDefault(cfg.ReadTimeout, defaultReadTimeout)
		srv.WriteTimeout = orDefault(cfg.WriteTimeout, defaultWriteTimeout)
	}
	return srv
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// RequestLogger logs method, path and latency of every request. The
// ResponseWriter is passed through untouched so handlers can hijack it.
func RequestLogger(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}
