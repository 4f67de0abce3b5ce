package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"harvester/internal/domain"
)

// DirectTransport issues plain HTTP requests with the session-derived
// headers. It is the fallback when browser fidelity is not required or the
// browser strategy observed nothing.
type DirectTransport struct {
	client *resty.Client
}

func NewDirectTransport(timeout time.Duration) *DirectTransport {
	return &DirectTransport{
		client: resty.New().SetTimeout(timeout),
	}
}

// Client exposes the underlying resty client for test transports.
func (t *DirectTransport) Client() *resty.Client {
	return t.client
}

func (t *DirectTransport) Do(ctx context.Context, endpoint string, req *Request, sess *domain.Session) (*Response, error) {
	r := t.client.R().SetContext(ctx)
	if req.Headers != nil {
		for name, values := range req.Headers(sess) {
			for _, v := range values {
				r.SetHeader(name, v)
			}
		}
	}
	if len(req.Query) > 0 {
		r.SetQueryParamsFromValues(req.Query)
	}

	resp, err := r.Get(endpoint)
	if err != nil {
		// DNS failures, connect timeouts and context deadlines all classify
		// as connection-level errors for backoff purposes.
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return &Response{StatusCode: resp.StatusCode(), Body: resp.Body()}, nil
}
