// Package fetch issues logical requests against target resources, applying
// timeout, retry-with-backoff and ordered fallback across alternate
// endpoints and transport strategies.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"harvester/internal/domain"
	"harvester/internal/monitoring"
)

// ErrNoResponse marks a browser-driven attempt that observed no intercepted
// response at all, as opposed to an HTTP-level error. JSON decoding failures
// of an intercepted textual response are treated the same way.
var ErrNoResponse = errors.New("no intercepted response")

// Request describes one logical request, minus the endpoint; the executor
// picks endpoints from the policy.
type Request struct {
	Query url.Values

	// Headers derives the header set from the current session so a fresh
	// session after a credential rejection is picked up automatically.
	Headers func(s *domain.Session) http.Header
}

// Response is a resolved request.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport issues a single attempt against one endpoint.
type Transport interface {
	Do(ctx context.Context, endpoint string, req *Request, sess *domain.Session) (*Response, error)
}

// SessionSource supplies sessions and accepts invalidations after
// credential rejections.
type SessionSource interface {
	Acquire(ctx context.Context) (*domain.Session, error)
	Invalidate()
}

// Policy parameterizes retry and fallback behavior for one resource.
type Policy struct {
	Endpoints    []string // primary first, then alternates
	BrowserFirst bool     // resource requires full browser fidelity
	MaxRetries   int      // credential-rejection retries per endpoint
	ConnRetries  int      // connection-error retries per strategy
	BackoffUnit  time.Duration
	RejectedWait time.Duration
}

// Executor runs requests under a policy. It returns either a resolved
// response or an explicit failure, never partially-parsed garbage.
type Executor struct {
	sessions SessionSource
	browser  Transport // nil when no browser transport is wired
	direct   Transport
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(sessions SessionSource, browser, direct Transport, m *monitoring.Metrics, logger *zap.Logger) *Executor {
	return &Executor{
		sessions: sessions,
		browser:  browser,
		direct:   direct,
		metrics:  m,
		logger:   logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Execute runs the request against each endpoint in policy order until one
// resolves.
func (e *Executor) Execute(ctx context.Context, pol Policy, req *Request) (*Response, error) {
	var lastErr error
	for i, endpoint := range pol.Endpoints {
		resp, err := e.executeEndpoint(ctx, pol, endpoint, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if i+1 < len(pol.Endpoints) {
			e.logger.Warn("endpoint exhausted, escalating to alternate",
				zap.String("endpoint", endpoint), zap.Error(err))
		}
	}
	return nil, fmt.Errorf("%w: %w", domain.ErrExhaustedRetries, lastErr)
}

func (e *Executor) executeEndpoint(ctx context.Context, pol Policy, endpoint string, req *Request) (*Response, error) {
	for attempt := 0; ; attempt++ {
		sess, err := e.sessions.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := e.attempt(ctx, pol, endpoint, req, sess)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode == http.StatusForbidden:
			e.metrics.IncFetchErrors("credential_rejected")
			e.sessions.Invalidate()
			if attempt >= pol.MaxRetries {
				return nil, fmt.Errorf("%w: endpoint %s", domain.ErrCredentialRejected, endpoint)
			}
			e.logger.Warn("credentials rejected, retrying with fresh session",
				zap.String("endpoint", endpoint), zap.Int("attempt", attempt+1))
			if err := e.sleep(ctx, pol.RejectedWait); err != nil {
				return nil, err
			}
		case resp.StatusCode != http.StatusOK:
			e.metrics.IncFetchErrors("http_status")
			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
		default:
			return resp, nil
		}
	}
}

// attempt applies the transport strategy order: browser interception first
// when the resource demands browser fidelity, falling through to the direct
// strategy exactly once when no response was observed.
func (e *Executor) attempt(ctx context.Context, pol Policy, endpoint string, req *Request, sess *domain.Session) (*Response, error) {
	if pol.BrowserFirst && e.browser != nil {
		resp, err := e.withBackoff(ctx, e.browser, pol, endpoint, req, sess)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNoResponse) {
			return nil, err
		}
		e.logger.Warn("no intercepted response, falling back to direct transport",
			zap.String("endpoint", endpoint), zap.Error(err))
	}
	return e.withBackoff(ctx, e.direct, pol, endpoint, req, sess)
}

// withBackoff retries connection-level failures with 2^attempt backoff
// before letting the error escalate to an alternate endpoint.
func (e *Executor) withBackoff(ctx context.Context, t Transport, pol Policy, endpoint string, req *Request, sess *domain.Session) (*Response, error) {
	var lastErr error
	for i := 0; i <= pol.ConnRetries; i++ {
		resp, err := t.Do(ctx, endpoint, req, sess)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrTransport) {
			return nil, err
		}
		e.metrics.IncFetchErrors("transport")
		if i < pol.ConnRetries {
			backoff := pol.BackoffUnit << i
			e.logger.Warn("connection error, backing off",
				zap.String("endpoint", endpoint),
				zap.Duration("backoff", backoff), zap.Error(err))
			if serr := e.sleep(ctx, backoff); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, lastErr
}
