package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(upstreamURL string) *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:0",
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   time.Second,
		},
		Upstream: testUpstreamConfig(upstreamURL),
		Relay: RelayConfig{
			DefaultFilename:       DefaultFilename,
			ResponseHeaderTimeout: 5 * time.Second,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Log:       LogConfig{Level: "debug", Format: "console"},
	}
}

func newTestServer(t *testing.T, upstreamURL string, keys ...string) *Server {
	return NewServer(testConfig(upstreamURL), Deps{
		Credentials: NewCredentialSet(keys),
		Logger:      zaptest.NewLogger(t),
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error
}

func TestHandleExtractSuccess(t *testing.T) {
	_, upstream := newFakeExtractionAPI(t, map[string]cannedReply{
		"limited": {status: http.StatusTooManyRequests},
		"good":    jsonOK(okPayload),
	})
	srv := newTestServer(t, upstream.URL, "limited", "good")

	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"url":"https://video.example/1"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.JSONEq(t, okPayload, rec.Body.String())
}

func TestHandleExtractMissingURL(t *testing.T) {
	api, upstream := newFakeExtractionAPI(t, map[string]cannedReply{"good": jsonOK(okPayload)})
	srv := newTestServer(t, upstream.URL, "good")

	for _, body := range []string{`{}`, `{"url":""}`, ``} {
		req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.Equal(t, msgMissingURL, decodeError(t, rec))
	}
	assert.Empty(t, api.Calls())
}

func TestHandleExtractInvalidJSON(t *testing.T) {
	srv := newTestServer(t, "http://upstream.invalid", "good")

	req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"url":`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid JSON", decodeError(t, rec))
}

func TestHandleExtractErrorStatuses(t *testing.T) {
	for _, tc := range []struct {
		name       string
		keys       []string
		replies    map[string]cannedReply
		wantStatus int
		wantError  string
	}{
		{
			name:       "no credentials",
			keys:       nil,
			wantStatus: http.StatusInternalServerError,
			wantError:  msgConfiguration,
		},
		{
			name: "content error forwarded verbatim",
			keys: []string{"a", "b"},
			replies: map[string]cannedReply{
				"a": {status: http.StatusBadRequest, contentType: "application/json", body: `{"message":"Invalid video URL"}`},
				"b": jsonOK(okPayload),
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid video URL",
		},
		{
			name: "exhausted reports last status",
			keys: []string{"a", "b"},
			replies: map[string]cannedReply{
				"a": {status: http.StatusTooManyRequests},
				"b": {status: http.StatusForbidden},
			},
			wantStatus: http.StatusForbidden,
			wantError:  "Key limit reached or invalid (403)",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, upstream := newFakeExtractionAPI(t, tc.replies)
			srv := newTestServer(t, upstream.URL, tc.keys...)

			req := httptest.NewRequest(http.MethodPost, "/api/download", strings.NewReader(`{"url":"https://video.example/1"}`))
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantError, decodeError(t, rec))
		})
	}
}

func TestHandleExtractWrongMethod(t *testing.T) {
	srv := newTestServer(t, "http://upstream.invalid", "k")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/download", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleProxyDownload(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("0123456789"))
	}))
	defer media.Close()
	srv := newTestServer(t, "http://upstream.invalid")

	q := url.Values{"url": {media.URL + "/file"}, "filename": {"video-1.mp4"}}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy-download?"+q.Encode(), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="video-1.mp4"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "0123456789", rec.Body.String())
}

func TestHandleProxyDownloadUpstreamFailure(t *testing.T) {
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("partial bytes that must not be relayed"))
	}))
	defer media.Close()
	srv := newTestServer(t, "http://upstream.invalid")

	q := url.Values{"url": {media.URL}}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy-download?"+q.Encode(), nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "Failed to fetch video: 404 Not Found", decodeError(t, rec))
}

func TestHandleProxyDownloadMissingURL(t *testing.T) {
	var hits int32
	media := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer media.Close()
	srv := newTestServer(t, "http://upstream.invalid")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy-download?filename=a.mp4", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgMissingURL, decodeError(t, rec))
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestHandleHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, "http://upstream.invalid", "k1", "k2")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.Credentials)
	assert.Equal(t, "disabled", health.Redis)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics struct {
		Counters    map[string]int64 `json:"counters"`
		Credentials int              `json:"credentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, 2, metrics.Credentials)
	assert.Contains(t, metrics.Counters, string(statExtractions))
}

func TestHealthDegradedWithoutCredentials(t *testing.T) {
	srv := newTestServer(t, "http://upstream.invalid")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
}

func TestRunExtractPrintsPayload(t *testing.T) {
	_, upstream := newFakeExtractionAPI(t, map[string]cannedReply{"good": jsonOK(okPayload)})
	d, _ := newTestDispatcher(t, upstream.URL, "good")

	var out strings.Builder
	require.NoError(t, runExtract(context.Background(), d, "https://video.example/1", &out))
	assert.JSONEq(t, okPayload, out.String())
}

func TestRunExtractPrintsError(t *testing.T) {
	d, _ := newTestDispatcher(t, "http://upstream.invalid")

	var out strings.Builder
	err := runExtract(context.Background(), d, "https://video.example/1", &out)
	require.Error(t, err)
	assert.JSONEq(t, `{"error":"Server configuration error"}`, out.String())
}
