package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxUpstreamBody bounds how much of an extraction response is read.
const maxUpstreamBody = 10 * 1024 * 1024

// upstreamResponse is one decoded answer from the extraction API.
type upstreamResponse struct {
	StatusCode int
	Body       map[string]json.RawMessage
}

func (r *upstreamResponse) ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// message returns the body's "message" field when it is a string.
func (r *upstreamResponse) message() string {
	raw, ok := r.Body["message"]
	if !ok {
		return ""
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ""
	}
	return msg
}

// rotationStatusError is an upstream status that retires the credential for
// this request: rate limited or not authorised.
type rotationStatusError struct {
	StatusCode int
}

func (e *rotationStatusError) Error() string {
	return fmt.Sprintf("Key limit reached or invalid (%d)", e.StatusCode)
}

func isRotationStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// UpstreamClient talks to the third-party extraction API.
type UpstreamClient struct {
	httpClient *http.Client
	endpoint   string
	host       string
	keyHeader  string
	hostHeader string
}

// newUpstreamHTTPClient is shared by all dispatches. Deadlines come from the
// per-attempt context, not from the client.
func newUpstreamHTTPClient() *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxIdleConnsPerHost = 20
	t.IdleConnTimeout = 30 * time.Second
	return &http.Client{Transport: t}
}

func NewUpstreamClient(httpClient *http.Client, cfg UpstreamConfig) *UpstreamClient {
	if httpClient == nil {
		httpClient = newUpstreamHTTPClient()
	}
	return &UpstreamClient{
		httpClient: httpClient,
		endpoint:   cfg.Endpoint,
		host:       cfg.Host,
		keyHeader:  cfg.KeyHeader,
		hostHeader: cfg.HostHeader,
	}
}

// Extract performs one POST with the given credential. A rotation status is
// returned as *rotationStatusError without reading the body; any other
// status is decoded and returned to the caller for classification.
func (c *UpstreamClient) Extract(ctx context.Context, cred Credential, sourceURL string) (*upstreamResponse, error) {
	form := url.Values{"url": {sourceURL}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(c.keyHeader, cred.Secret())
	if c.hostHeader != "" && c.host != "" {
		req.Header.Set(c.hostHeader, c.host)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if isRotationStatus(resp.StatusCode) {
		return nil, &rotationStatusError{StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	body, err := decodeUpstreamBody(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return nil, err
	}
	return &upstreamResponse{StatusCode: resp.StatusCode, Body: body}, nil
}

var errMalformedJSON = errors.New("malformed JSON response")

// decodeUpstreamBody decodes a response body in two explicit branches. A body
// declared as JSON must decode as a JSON object. Any other body is tried as
// JSON and otherwise wrapped as {"message": text}.
func decodeUpstreamBody(contentType string, raw []byte) (map[string]json.RawMessage, error) {
	if isJSONContentType(contentType) {
		body, err := decodeJSONObject(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformedJSON, err)
		}
		return body, nil
	}
	if body, err := decodeJSONObject(raw); err == nil {
		return body, nil
	}
	text, _ := json.Marshal(string(raw))
	return map[string]json.RawMessage{"message": text}, nil
}

func decodeJSONObject(raw []byte) (map[string]json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(raw), &body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, errors.New("response is not a JSON object")
	}
	return body, nil
}

func isJSONContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// exposedMedias filters the payload's medias array down to entries that
// carry a url and returns the rewritten payload alongside the typed variants.
// Entries are otherwise forwarded untouched.
func exposedMedias(body map[string]json.RawMessage) (json.RawMessage, []MediaVariant, error) {
	variants := []MediaVariant{}
	if rawMedias, ok := body["medias"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(rawMedias, &items); err == nil {
			kept := make([]json.RawMessage, 0, len(items))
			for _, item := range items {
				v, ok := parseMediaVariant(item)
				if !ok {
					continue
				}
				kept = append(kept, item)
				variants = append(variants, v)
			}
			filtered, err := json.Marshal(kept)
			if err != nil {
				return nil, nil, err
			}
			body["medias"] = filtered
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	return payload, variants, nil
}

// parseMediaVariant reads the fields a variant is known by. Only url is
// required; quality and extension are kept when they are strings.
func parseMediaVariant(raw json.RawMessage) (MediaVariant, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return MediaVariant{}, false
	}
	var v MediaVariant
	if err := json.Unmarshal(fields["url"], &v.URL); err != nil || v.URL == "" {
		return MediaVariant{}, false
	}
	v.Quality = optionalString(fields["quality"])
	v.Extension = optionalString(fields["extension"])
	return v, true
}

func optionalString(raw json.RawMessage) *string {
	if raw == nil || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}
