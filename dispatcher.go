package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// extractor is the single-attempt upstream call the dispatcher rotates over.
type extractor interface {
	Extract(ctx context.Context, cred Credential, sourceURL string) (*upstreamResponse, error)
}

// Dispatcher resolves a source URL into media variants, rotating through the
// credential set when a key is rate limited or rejected.
type Dispatcher struct {
	creds          *CredentialSet
	upstream       extractor
	attemptTimeout time.Duration
	stats          *Stats
	log            *zap.Logger
}

func NewDispatcher(creds *CredentialSet, upstream extractor, attemptTimeout time.Duration, stats *Stats, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		creds:          creds,
		upstream:       upstream,
		attemptTimeout: attemptTimeout,
		stats:          stats,
		log:            log.Named("dispatcher"),
	}
}

// lastFailure is the most recent rotation-eligible failure of one dispatch.
type lastFailure struct {
	status  int
	message string
}

// Dispatch tries each credential in priority order, one at a time, and stops
// at the first success or content error. Only 429, 401 and 403 responses and
// transport failures move on to the next credential.
func (d *Dispatcher) Dispatch(ctx context.Context, sourceURL string) (*ExtractionResult, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, ErrMissingURL
	}
	d.stats.Inc(statExtractions)

	creds := d.creds.All()
	if len(creds) == 0 {
		d.log.Error("no upstream credentials configured")
		d.stats.Inc(statConfigErrors)
		return nil, &ConfigurationError{Message: "no upstream credentials configured"}
	}

	var (
		last     *lastFailure
		attempts *multierror.Error
	)
	for i, cred := range creds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("dispatch aborted after %d attempt(s): %w", i, err)
		}

		resp, err := d.attempt(ctx, cred, sourceURL)
		if err != nil {
			last = d.recordFailure(cred, err)
			attempts = multierror.Append(attempts, &AttemptError{Credential: cred.Source, Status: last.status, Err: err})
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dispatch aborted after %d attempt(s): %w", i+1, ctx.Err())
			}
			if i < len(creds)-1 {
				d.stats.Inc(statRotations)
			}
			continue
		}

		if !resp.ok() {
			msg := resp.message()
			if msg == "" {
				msg = msgUpstreamRejected
			}
			d.log.Info("upstream rejected request",
				zap.String("credential", cred.Source),
				zap.String("key", cred.Redacted()),
				zap.Int("status", resp.StatusCode),
				zap.String("message", msg),
			)
			d.stats.Inc(statRejections)
			return nil, &UpstreamRejectedError{Status: resp.StatusCode, Message: msg}
		}

		payload, medias, err := exposedMedias(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("encoding upstream payload: %w", err)
		}
		d.log.Info("extraction succeeded",
			zap.String("credential", cred.Source),
			zap.String("key", cred.Redacted()),
			zap.Int("attempt", i+1),
			zap.Int("medias", len(medias)),
		)
		d.stats.Inc(statSuccesses)
		return &ExtractionResult{
			Payload:    payload,
			Medias:     medias,
			Attempts:   i + 1,
			Credential: cred.Source,
		}, nil
	}

	d.stats.Inc(statExhaustions)
	exhausted := &CredentialsExhaustedError{
		LastStatus:  http.StatusInternalServerError,
		LastMessage: msgExhausted,
		Attempts:    attempts,
	}
	if last != nil {
		exhausted.LastStatus = last.status
		exhausted.LastMessage = last.message
	}
	d.log.Warn("all credentials exhausted",
		zap.Int("credentials", len(creds)),
		zap.Int("last_status", exhausted.LastStatus),
	)
	return nil, exhausted
}

func (d *Dispatcher) attempt(ctx context.Context, cred Credential, sourceURL string) (*upstreamResponse, error) {
	if d.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
	}
	return d.upstream.Extract(ctx, cred, sourceURL)
}

// recordFailure logs a rotation-eligible failure and converts it to the
// status and message reported if no later credential succeeds.
func (d *Dispatcher) recordFailure(cred Credential, err error) *lastFailure {
	var rotErr *rotationStatusError
	if errors.As(err, &rotErr) {
		d.log.Warn("credential rejected, rotating to next key",
			zap.String("credential", cred.Source),
			zap.String("key", cred.Redacted()),
			zap.Int("status", rotErr.StatusCode),
		)
		return &lastFailure{status: rotErr.StatusCode, message: rotErr.Error()}
	}

	d.log.Error("attempt failed",
		zap.String("credential", cred.Source),
		zap.String("key", cred.Redacted()),
		zap.Error(err),
	)
	return &lastFailure{
		status:  http.StatusInternalServerError,
		message: fmt.Sprintf("upstream request failed: %v", err),
	}
}
