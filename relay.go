package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultContentType = "application/octet-stream"
	relayBufferSize    = 32 * 1024
)

// Relay fetches media from a direct URL and hands the live body to the
// caller without buffering it.
type Relay struct {
	httpClient      *http.Client
	defaultFilename string
	stats           *Stats
	log             *zap.Logger
}

func NewRelay(httpClient *http.Client, cfg RelayConfig, stats *Stats, log *zap.Logger) *Relay {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	filename := cfg.DefaultFilename
	if filename == "" {
		filename = DefaultFilename
	}
	return &Relay{
		httpClient:      httpClient,
		defaultFilename: filename,
		stats:           stats,
		log:             log.Named("relay"),
	}
}

// newRelayHTTPClient has no overall timeout because media bodies are
// unbounded; only the wait for response headers is limited.
func newRelayHTTPClient(cfg RelayConfig) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout
	return &http.Client{Transport: t}
}

// Open issues a single GET to mediaURL bound to ctx. On success the caller
// owns the returned stream and must Close it; on failure nothing is left open.
func (rl *Relay) Open(ctx context.Context, mediaURL, filename string) (*RelayStream, error) {
	if strings.TrimSpace(mediaURL) == "" {
		return nil, ErrMissingURL
	}
	if filename == "" {
		filename = rl.defaultFilename
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		rl.stats.Inc(statRelayFailed)
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := rl.httpClient.Do(req)
	if err != nil {
		rl.stats.Inc(statRelayFailed)
		rl.log.Error("media fetch failed", zap.Error(err))
		return nil, fmt.Errorf("fetching media: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		rl.stats.Inc(statRelayFailed)
		rl.log.Warn("media host returned failure", zap.Int("status", resp.StatusCode))
		return nil, &RelayFailedError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultContentType
	}
	rl.stats.Inc(statRelays)
	return &RelayStream{
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		Filename:      filename,
		body:          resp.Body,
		stats:         rl.stats,
	}, nil
}

// RelayStream is an open media body. Close is safe to call more than once.
type RelayStream struct {
	ContentType   string
	ContentLength int64
	Filename      string

	body      io.ReadCloser
	stats     *Stats
	closeOnce sync.Once
	closeErr  error
}

func (s *RelayStream) Read(p []byte) (int, error) { return s.body.Read(p) }

func (s *RelayStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}

// ContentDisposition is the attachment directive for the stream's filename.
func (s *RelayStream) ContentDisposition() string {
	return fmt.Sprintf("attachment; filename=\"%s\"", sanitizeFilename(s.Filename))
}

// Serve sets the transport headers on w and copies the body through. The
// upstream body is released on every return path, including a copy error
// caused by the client going away.
func (s *RelayStream) Serve(w http.ResponseWriter) (int64, error) {
	defer s.Close()

	h := w.Header()
	h.Set("Content-Type", s.ContentType)
	h.Set("Content-Disposition", s.ContentDisposition())
	if s.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(s.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.CopyBuffer(w, s.body, make([]byte, relayBufferSize))
	s.stats.Add(statBytesRelayed, n)
	return n, err
}

var filenameReplacer = strings.NewReplacer(`"`, "", "\r", "", "\n", "", `\`, "")

func sanitizeFilename(name string) string {
	name = filenameReplacer.Replace(name)
	if name == "" {
		return DefaultFilename
	}
	return name
}
