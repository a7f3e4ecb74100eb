package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cauce-dev/cauce-hub/internal/auth"
	"github.com/cauce-dev/cauce-hub/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:                      ":0",
		PathPrefix:                "/cauce/v1",
		WebSocketEnabled:          true,
		SSEEnabled:                true,
		PollingEnabled:            true,
		WebhookEnabled:            true,
		SessionTTL:                time.Minute,
		MaxPayloadBytes:           1 << 20,
		MaxSubscriptionsPerClient: 10,
		MaxTopicsPerSubscription:  5,
		RedeliveryEnabled:         false,
		RedeliveryInitialDelay:    time.Second,
		RedeliveryMaxDelay:        time.Minute,
		RedeliveryMultiplier:      2,
		RedeliveryMaxAttempts:     5,
		MaxPendingPerSub:          100,
		PendingOverflowPolicy:     "drop_oldest",
		DeadLetterRetention:       time.Hour,
		DeadLetterTopicTemplate:   "cauce.dead_letter",
		SweepInterval:             time.Minute,
		MaxAuthFails:              3,
		LongPollTimeout:           time.Second,
		WebhookTimeout:            time.Second,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, err := New(testConfig(), zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.httpd.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status        string         `json:"status"`
		Version       string         `json:"version"`
		Sessions      int            `json:"sessions"`
		Subscriptions int            `json:"subscriptions"`
		System        map[string]any `json:"system"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Version)
	assert.Zero(t, body.Sessions)
	assert.Contains(t, body.System, "uptime_seconds")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, err := New(testConfig(), zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.httpd.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cauce_")
}

func TestTransportsMountedUnderPrefix(t *testing.T) {
	srv, err := New(testConfig(), zerolog.Nop())
	require.NoError(t, err)

	// hello over the polling transport proves the prefix routing works
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cauce/v1/hello",
		strings.NewReader(`{"protocol_version":"1.0","client_id":"test-client","client_type":"agent"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.httpd.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDisabledTransportsNotMounted(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocketEnabled = false
	cfg.SSEEnabled = false
	srv, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	for _, path := range []string{"/cauce/v1/ws", "/cauce/v1/sse"} {
		rec := httptest.NewRecorder()
		srv.httpd.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	// polling stays up
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/cauce/v1/hello",
		strings.NewReader(`{"protocol_version":"1.0","client_id":"test-client","client_type":"agent"}`))
	srv.httpd.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildValidator(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		v, err := buildValidator(&config.Config{})
		require.NoError(t, err)
		_, ok := v.(auth.AllowAll)
		assert.True(t, ok)
	})

	t.Run("enabled without methods", func(t *testing.T) {
		_, err := buildValidator(&config.Config{AuthEnabled: true})
		assert.Error(t, err)
	})

	t.Run("jwt and api keys", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "keys.json")
		require.NoError(t, os.WriteFile(path,
			[]byte(`{"secret-1":{"principal":"adapter-email","capabilities":["publish"]}}`), 0o600))

		v, err := buildValidator(&config.Config{
			AuthEnabled: true,
			JWTSecret:   "s3cret",
			APIKeysFile: path,
		})
		require.NoError(t, err)

		info, err := v.Validate(context.Background(), auth.Credentials{APIKey: "secret-1"})
		require.NoError(t, err)
		assert.Equal(t, "adapter-email", info.Principal)
		assert.Equal(t, []string{"publish"}, info.Capabilities)
	})

	t.Run("api keys file missing", func(t *testing.T) {
		_, err := buildValidator(&config.Config{
			AuthEnabled: true,
			APIKeysFile: "/does/not/exist.json",
		})
		assert.Error(t, err)
	})
}
