package fetch

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"harvester/internal/domain"
)

func TestDirectTransportSendsSessionHeaders(t *testing.T) {
	transport := NewDirectTransport(5 * time.Second)
	httpmock.ActivateNonDefault(transport.Client().GetClient())
	defer httpmock.DeactivateAndReset()

	var got *http.Request
	httpmock.RegisterResponder("GET", "https://api.example.com/sr",
		func(r *http.Request) (*http.Response, error) {
			got = r
			return httpmock.NewStringResponse(200, `{"result":{"products":[]}}`), nil
		})

	sess := &domain.Session{
		Cookies:   map[string]string{"_abck": "a", "bm_sz": "b"},
		UserAgent: "test-agent",
	}
	req := &Request{
		Query: url.Values{"q": {"telefon"}, "page": {"1"}},
		Headers: func(s *domain.Session) http.Header {
			h := http.Header{}
			h.Set("User-Agent", s.UserAgent)
			h.Set("Cookie", s.CookieHeader())
			return h
		},
	}

	resp, err := transport.Do(context.Background(), "https://api.example.com/sr", req, sess)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"result":{"products":[]}}`, string(resp.Body))

	require.NotNil(t, got)
	require.Equal(t, "test-agent", got.Header.Get("User-Agent"))
	require.Contains(t, got.Header.Get("Cookie"), "_abck=a")
	require.Equal(t, "telefon", got.URL.Query().Get("q"))
	require.Equal(t, "1", got.URL.Query().Get("page"))
}

func TestDirectTransportWrapsConnectionErrors(t *testing.T) {
	transport := NewDirectTransport(200 * time.Millisecond)
	// Unroutable without a mock, so the request fails at the connection.
	_, err := transport.Do(context.Background(), "http://127.0.0.1:1", &Request{}, &domain.Session{})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrTransport)
}
