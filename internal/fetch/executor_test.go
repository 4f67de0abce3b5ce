package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"harvester/internal/domain"
	"harvester/internal/monitoring"
)

var testMetrics = monitoring.NewMetrics()

// fakeSessions mimics the provider's cache-until-invalidated behavior and
// counts actual acquisitions.
type fakeSessions struct {
	acquisitions int
	cached       *domain.Session
	err          error
}

func (f *fakeSessions) Acquire(ctx context.Context) (*domain.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.cached == nil {
		f.acquisitions++
		f.cached = &domain.Session{
			Cookies:   map[string]string{"_abck": "tok"},
			UserAgent: "ua",
		}
	}
	return f.cached, nil
}

func (f *fakeSessions) Invalidate() { f.cached = nil }

type scriptedTransport struct {
	calls     int
	responses []func() (*Response, error)
}

func (s *scriptedTransport) Do(ctx context.Context, endpoint string, req *Request, sess *domain.Session) (*Response, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i]()
}

func newTestExecutor(sessions SessionSource, browser, direct Transport) (*Executor, *[]time.Duration) {
	e := NewExecutor(sessions, browser, direct, testMetrics, zap.NewNop())
	var slept []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return e, &slept
}

func ok(body string) func() (*Response, error) {
	return func() (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
}

func connRefused() (*Response, error) {
	return nil, fmt.Errorf("%w: connect: connection refused", domain.ErrTransport)
}

func forbidden() (*Response, error) {
	return &Response{StatusCode: http.StatusForbidden}, nil
}

func TestBackoffBeforeThirdAttemptSucceeds(t *testing.T) {
	direct := &scriptedTransport{responses: []func() (*Response, error){
		connRefused, connRefused, ok(`{"ok":true}`),
	}}
	e, slept := newTestExecutor(&fakeSessions{}, nil, direct)

	unit := time.Second
	resp, err := e.Execute(context.Background(), Policy{
		Endpoints:   []string{"https://api.example.com/sr"},
		ConnRetries: 3,
		BackoffUnit: unit,
	}, &Request{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, direct.calls)

	// 2^0 + 2^1 units of backoff before the successful third attempt.
	var total time.Duration
	for _, d := range *slept {
		total += d
	}
	require.GreaterOrEqual(t, total, 3*unit)
	require.Equal(t, []time.Duration{unit, 2 * unit}, *slept)
}

func TestCredentialRejectionTriggersReacquisition(t *testing.T) {
	direct := &scriptedTransport{responses: []func() (*Response, error){
		forbidden, forbidden,
	}}
	sessions := &fakeSessions{}
	e, _ := newTestExecutor(sessions, nil, direct)

	_, err := e.Execute(context.Background(), Policy{
		Endpoints:  []string{"https://api.example.com/sr"},
		MaxRetries: 1,
	}, &Request{})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrExhaustedRetries)
	require.ErrorIs(t, err, domain.ErrCredentialRejected)

	// Two consecutive 403s at maxRetries=1 mean exactly two acquisitions.
	require.Equal(t, 2, sessions.acquisitions)
}

func TestBrowserStrategyFallsThroughToDirectOnce(t *testing.T) {
	browser := &scriptedTransport{responses: []func() (*Response, error){
		func() (*Response, error) { return nil, fmt.Errorf("%w: timeout", ErrNoResponse) },
	}}
	direct := &scriptedTransport{responses: []func() (*Response, error){
		ok(`{"result":{}}`),
	}}
	e, _ := newTestExecutor(&fakeSessions{}, browser, direct)

	resp, err := e.Execute(context.Background(), Policy{
		Endpoints:    []string{"https://api.example.com/sr"},
		BrowserFirst: true,
	}, &Request{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, browser.calls)
	require.Equal(t, 1, direct.calls)
}

func TestBrowserHTTPErrorDoesNotFallThrough(t *testing.T) {
	// An intercepted 500 is an HTTP error, not a missing response; the
	// direct strategy must not be consulted.
	browser := &scriptedTransport{responses: []func() (*Response, error){
		func() (*Response, error) { return &Response{StatusCode: http.StatusInternalServerError}, nil },
	}}
	direct := &scriptedTransport{responses: []func() (*Response, error){ok(`{}`)}}
	e, _ := newTestExecutor(&fakeSessions{}, browser, direct)

	_, err := e.Execute(context.Background(), Policy{
		Endpoints:    []string{"https://api.example.com/sr"},
		BrowserFirst: true,
	}, &Request{})
	require.Error(t, err)
	require.Equal(t, 0, direct.calls)
}

func TestAlternateEndpointAfterTransportExhaustion(t *testing.T) {
	var endpoints []string
	direct := transportFunc(func(ctx context.Context, endpoint string, req *Request, sess *domain.Session) (*Response, error) {
		endpoints = append(endpoints, endpoint)
		if endpoint == "https://primary.example.com" {
			return connRefused()
		}
		return ok(`{"ok":true}`)()
	})
	e, _ := newTestExecutor(&fakeSessions{}, nil, direct)

	resp, err := e.Execute(context.Background(), Policy{
		Endpoints:   []string{"https://primary.example.com", "https://alternate.example.com"},
		ConnRetries: 1,
		BackoffUnit: time.Millisecond,
	}, &Request{})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// Primary tried ConnRetries+1 times before the alternate resolved it.
	require.Equal(t, []string{
		"https://primary.example.com",
		"https://primary.example.com",
		"https://alternate.example.com",
	}, endpoints)
}

func TestAcquisitionFailureAborts(t *testing.T) {
	sessions := &fakeSessions{err: domain.ErrAcquisitionTimeout}
	direct := &scriptedTransport{responses: []func() (*Response, error){ok(`{}`)}}
	e, _ := newTestExecutor(sessions, nil, direct)

	_, err := e.Execute(context.Background(), Policy{
		Endpoints: []string{"https://api.example.com/sr"},
	}, &Request{})
	require.Error(t, err)
	require.True(t, errors.Is(err, domain.ErrAcquisitionTimeout) || errors.Is(err, domain.ErrExhaustedRetries))
	require.Equal(t, 0, direct.calls)
}

type transportFunc func(ctx context.Context, endpoint string, req *Request, sess *domain.Session) (*Response, error)

func (f transportFunc) Do(ctx context.Context, endpoint string, req *Request, sess *domain.Session) (*Response, error) {
	return f(ctx, endpoint, req, sess)
}
