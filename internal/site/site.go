// Package site holds the per-marketplace adapters. An adapter knows how to
// compose API requests for its marketplace, decode the response envelopes
// into pages, and normalize raw items into domain records. Everything else
// (retries, pagination, sinks) is generic and lives outside this package.
package site

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/fetch"
	"harvester/internal/paginate"
)

// Renderer produces fully rendered page HTML for resources whose data only
// exists after client-side rendering.
type Renderer interface {
	Render(ctx context.Context, pageURL string, opts fetch.RenderOptions) (string, error)
}

// Adapter is one marketplace.
type Adapter interface {
	Name() string

	// ValidateURL rejects URLs that do not belong to this marketplace.
	ValidateURL(raw string) error

	SearchPager() paginate.Options
	ReviewPager() paginate.Options

	// FetchSearchPage fetches one listing page for the given search URL.
	FetchSearchPage(ctx context.Context, rawURL string, index int) (*paginate.Page, error)
	ParseProduct(raw json.RawMessage) (*domain.Product, error)

	// FetchReviewPage fetches one review page for a listed product.
	FetchReviewPage(ctx context.Context, p *domain.Product, index int) (*paginate.Page, error)
	ParseReview(raw json.RawMessage) (*domain.Review, error)

	// Enrich fills the product's Properties from its detail page.
	Enrich(ctx context.Context, p *domain.Product) error
}

// executor is satisfied by *fetch.Executor; narrowed for tests.
type executor interface {
	Execute(ctx context.Context, pol fetch.Policy, req *fetch.Request) (*fetch.Response, error)
}

// Registry maps route names to adapters.
type Registry map[string]Adapter

func (r Registry) Lookup(name string) (Adapter, error) {
	a, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown site %q", domain.ErrNotFound, name)
	}
	return a, nil
}

func validatePrefix(raw, base string) error {
	if raw == "" || !strings.HasPrefix(raw, base) {
		return fmt.Errorf("%w: url must start with %s", domain.ErrMalformed, base)
	}
	return nil
}

func pagerOptions(cfg *config.Config, startIndex, pageSize int) paginate.Options {
	return paginate.Options{
		StartIndex: startIndex,
		PageSize:   pageSize,
		MaxPages:   cfg.MaxPages,
		MinWait:    time.Duration(cfg.MinWait) * time.Second,
		MaxWait:    time.Duration(cfg.MaxWait) * time.Second,
	}
}

func requestPolicy(cfg *config.Config, endpoints []string, browserFirst bool) fetch.Policy {
	return fetch.Policy{
		Endpoints:    endpoints,
		BrowserFirst: browserFirst,
		MaxRetries:   cfg.MaxRetries,
		ConnRetries:  cfg.ConnRetries,
		BackoffUnit:  time.Second,
		RejectedWait: time.Duration(cfg.RejectedWait) * time.Second,
	}
}
