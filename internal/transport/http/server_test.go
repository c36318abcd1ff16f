package httptransport

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewServerDefaults(t *testing.T) {
	srv := NewServer(ServerConfig{Address: ":0", WriteTimeout: 3 * time.Second}, http.NotFoundHandler())
	require.Equal(t, defaultReadTimeout, srv.ReadTimeout)
	require.Equal(t, 3*time.Second, srv.WriteTimeout)
	require.Equal(t, defaultIdleTimeout, srv.IdleTimeout)
	require.Equal(t, headerTimeout, srv.ReadHeaderTimeout)
}

func TestStreamingServerHasNoDeadlines(t *testing.T) {
	srv := NewServer(ServerConfig{Address: ":0", ReadTimeout: time.Second, Streaming: true}, http.NotFoundHandler())
	require.Zero(t, srv.ReadTimeout)
	require.Zero(t, srv.WriteTimeout)
	require.Equal(t, headerTimeout, srv.ReadHeaderTimeout)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := RequestLogger(log.New(&buf, "", 0), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Contains(t, buf.String(), "POST /sync")
}
