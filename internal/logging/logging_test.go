package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger.Store(zap.New(core))
	t.Cleanup(InitNop)
	return logs
}

func TestInitRejectsBadConfig(t *testing.T) {
	t.Cleanup(InitNop)

	assert.Error(t, Init(Config{Level: "loud"}))
	assert.Error(t, Init(Config{Format: "xml"}))
	assert.NoError(t, Init(Config{Level: "debug", Format: "console", OutputPath: "stderr"}))
}

func TestMiddlewareRequestID(t *testing.T) {
	observe(t)

	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WithContext(r.Context()).Info("inside")
		seen = w.Header().Get(RequestIDHeader)
	}))

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"generated", "", false},
		{"kept", "abc-123", true},
		{"too long", strings.Repeat("a", 65), false},
		{"bad characters", "a b\nc", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			id := rec.Header().Get(RequestIDHeader)
			require.NotEmpty(t, id)
			assert.Equal(t, id, seen)
			if tt.keep {
				assert.Equal(t, tt.header, id)
			} else {
				assert.NotEqual(t, tt.header, id)
			}
		})
	}
}

func TestMiddlewareLevelFollowsStatus(t *testing.T) {
	tests := []struct {
		path   string
		status int
		level  zapcore.Level
	}{
		{"/ok", http.StatusOK, zapcore.InfoLevel},
		{"/missing", http.StatusNotFound, zapcore.WarnLevel},
		{"/broken", http.StatusServiceUnavailable, zapcore.ErrorLevel},
		{"/health", http.StatusOK, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			logs := observe(t)
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path+"?file=a.txt", nil))

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			fields := entries[0].ContextMap()
			assert.Equal(t, int64(tt.status), fields["status"])
			assert.Equal(t, "a.txt", fields["target"])
			assert.NotEmpty(t, fields["request_id"])
		})
	}
}

func TestWithContextFallsBack(t *testing.T) {
	logs := observe(t)

	WithContext(context.Background()).Info("plain")
	tagged := WithContext(NewContext(context.Background(), zap.String("k", "v")))
	tagged.Info("tagged")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ContextMap())
	assert.Equal(t, "v", entries[1].ContextMap()["k"])
}
