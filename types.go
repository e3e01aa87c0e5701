package main

import "encoding/json"

// MediaVariant is one downloadable rendition returned by the extraction API.
// Fields are passed through as received.
type MediaVariant struct {
	URL       string  `json:"url"`
	Quality   *string `json:"quality,omitempty"`
	Extension *string `json:"extension,omitempty"`
}

// ExtractionResult is a successful dispatch.
type ExtractionResult struct {
	// Payload is the upstream object, forwarded to the caller. Its medias
	// array only contains entries with a url.
	Payload    json.RawMessage
	Medias     []MediaVariant
	Attempts   int
	Credential string
}

// Request is the body of POST /api/download.
type Request struct {
	URL string `json:"url"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthStatus struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Credentials int    `json:"credentials"`
	Redis       string `json:"redis"`
}
