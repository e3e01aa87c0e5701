package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"
)

const (
	msgMissingURL       = "URL is required"
	msgConfiguration    = "Server configuration error"
	msgExhausted        = "All API keys exhausted or failed"
	msgUpstreamRejected = "Failed to fetch video data"
	msgInternal         = "Internal Server Error"
)

// ErrMissingURL is returned before any network call when the caller did not
// supply a URL.
var ErrMissingURL = errors.New("url is required")

// ConfigurationError means no credentials are provisioned.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// UpstreamRejectedError is a content error from the extraction API. It is
// tied to the request rather than the credential and is never rotated.
type UpstreamRejectedError struct {
	Status  int
	Message string
}

func (e *UpstreamRejectedError) Error() string {
	return fmt.Sprintf("upstream rejected request: status=%d message=%q", e.Status, e.Message)
}

// AttemptError captures one failed credential attempt.
type AttemptError struct {
	Credential string
	Status     int
	Err        error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("credential %s: status=%d: %v", e.Credential, e.Status, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// CredentialsExhaustedError is returned when every credential was rotated
// past. LastStatus and LastMessage describe the final attempt.
type CredentialsExhaustedError struct {
	LastStatus  int
	LastMessage string
	Attempts    *multierror.Error
}

func (e *CredentialsExhaustedError) Error() string {
	n := 0
	if e.Attempts != nil {
		n = len(e.Attempts.Errors)
	}
	return fmt.Sprintf("all credentials exhausted after %d attempt(s): status=%d message=%q", n, e.LastStatus, e.LastMessage)
}

func (e *CredentialsExhaustedError) Unwrap() error {
	if e.Attempts == nil {
		return nil
	}
	return e.Attempts.ErrorOrNil()
}

// RelayFailedError is a non-2xx answer from the media host.
type RelayFailedError struct {
	StatusCode int
	Status     string
}

func (e *RelayFailedError) Error() string {
	return fmt.Sprintf("Failed to fetch video: %s", e.statusText())
}

func (e *RelayFailedError) statusText() string {
	if e.Status != "" {
		return e.Status
	}
	if text := http.StatusText(e.StatusCode); text != "" {
		return fmt.Sprintf("%d %s", e.StatusCode, text)
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// httpStatusFor maps a terminal outcome to the status and user-visible
// message sent to the caller. Unknown errors never leak their text.
func httpStatusFor(err error) (int, string) {
	var (
		cfgErr      *ConfigurationError
		rejectedErr *UpstreamRejectedError
		exhausted   *CredentialsExhaustedError
		relayErr    *RelayFailedError
	)
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrMissingURL):
		return http.StatusBadRequest, msgMissingURL
	case errors.As(err, &cfgErr):
		return http.StatusInternalServerError, msgConfiguration
	case errors.As(err, &rejectedErr):
		msg := rejectedErr.Message
		if msg == "" {
			msg = msgUpstreamRejected
		}
		return statusOr500(rejectedErr.Status), msg
	case errors.As(err, &exhausted):
		msg := exhausted.LastMessage
		if msg == "" {
			msg = msgExhausted
		}
		return statusOr500(exhausted.LastStatus), msg
	case errors.As(err, &relayErr):
		return http.StatusInternalServerError, relayErr.Error()
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

func statusOr500(status int) int {
	if status < 400 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}
