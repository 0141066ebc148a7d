package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sprout/internal/adapter"
	"sprout/internal/message"
	"sprout/internal/security"
)

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))
}

func TestRequestIDPreservesIncoming(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client-supplied", GetRequestID(r))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "client-supplied")
	h.ServeHTTP(httptest.NewRecorder(), req)
}

func TestRecovererTurnsPanicInto500(t *testing.T) {
	h := RequestID(Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

type wsTestKeys struct{ key string }

func (k wsTestKeys) DeviceKeys(context.Context, string, string) (*security.DeviceKeys, error) {
	return &security.DeviceKeys{Active: k.key}, nil
}

// Апгрейд идёт сквозь statusWriter: без делегирующего Hijack gorilla
// отвергает соединение.
func TestLoggerMWSupportsWebSocketUpgrade(t *testing.T) {
	ws := adapter.NewWebSocket(func(context.Context, message.Telemetry) error { return nil })
	auth := security.NewAuthenticator(wsTestKeys{key: "DK_mw"})

	h := RequestID(Recoverer(LoggerMW(auth.Middleware(http.HandlerFunc(ws.Handler)))))
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer func() { _ = ws.Close() }()

	ts := time.Now().UnixMilli()
	hdr := http.Header{}
	hdr.Set(security.HeaderDeviceID, "dev-1")
	hdr.Set(security.HeaderTenantID, "tn-1")
	hdr.Set(security.HeaderTimestamp, strconv.FormatInt(ts, 10))
	hdr.Set(security.HeaderSignature, security.SignRequest("DK_mw", "", ts))

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), hdr)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestLoggerMWPassesThrough(t *testing.T) {
	h := RequestID(LoggerMW(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "short and stout", rec.Body.String())
}
