package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return slog.New(slog.NewJSONHandler(buf, nil)), buf
}

func TestSecureLogger_RedactsSensitiveQuery(t *testing.T) {
	logger, buf := captureLogger()
	handler := SecureLogger(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req := httptest.NewRequest("POST", "/auth/refresh?refresh_token=abc123&v=2", nil)
	req.RemoteAddr = "192.0.2.50:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "/auth/refresh?refresh_token=[REDACTED]&v=2", entry["path"])
	assert.Equal(t, float64(401), entry["status"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "192.0.2.50", entry["client_ip"])
	assert.NotContains(t, buf.String(), "abc123")
}

func TestSecureLogger_KeepsHarmlessQuery(t *testing.T) {
	logger, buf := captureLogger()
	handler := SecureLogger(logger, nil)(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/admin/audit/stats?days=7", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "/admin/audit/stats?days=7", entry["path"])
	assert.Equal(t, "INFO", entry["level"])
}
