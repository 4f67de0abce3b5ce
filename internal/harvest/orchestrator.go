// Package harvest coordinates whole harvesting runs: listing pagination,
// per-product enrichment and review pagination, and delivery into either a
// streaming CSV file or an aggregated JSON result.
package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/monitoring"
	"harvester/internal/paginate"
	"harvester/internal/sink"
	"harvester/internal/site"
)

// aggregateWorkers bounds concurrent per-product pipelines in JSON mode.
const aggregateWorkers = 4

type Orchestrator struct {
	cfg     *config.Config
	metrics *monitoring.Metrics
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(cfg *config.Config, m *monitoring.Metrics, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Search fetches and normalizes a single listing page.
func (o *Orchestrator) Search(ctx context.Context, a site.Adapter, rawURL string, index int) (*domain.HarvestResult, error) {
	if err := a.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if index < a.SearchPager().StartIndex {
		index = a.SearchPager().StartIndex
	}

	page, err := a.FetchSearchPage(ctx, rawURL, index)
	if err != nil {
		return nil, err
	}
	o.metrics.IncPagesFetched(a.Name(), string(domain.JobSearchListing))

	products := o.parseProducts(a, page.Items)
	o.metrics.AddItemsHarvested(a.Name(), string(domain.JobSearchListing), len(products))

	result := &domain.HarvestResult{
		Success:       true,
		Kind:          domain.JobSearchListing,
		TotalProducts: len(products),
		TotalPages:    o.declaredPages(a, page),
	}
	for _, p := range products {
		result.Products = append(result.Products, &domain.ProductReviews{Product: p})
	}
	return result, nil
}

// Reviews harvests every product on the listing plus all their reviews.
// With exportCSV the run streams rows to a file product by product;
// otherwise products are processed concurrently and aggregated in memory,
// joined back in listing order.
func (o *Orchestrator) Reviews(ctx context.Context, a site.Adapter, rawURL string, exportCSV bool) (*domain.HarvestResult, error) {
	if err := a.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	products, listing, err := o.listProducts(ctx, a, rawURL)
	if err != nil {
		return nil, err
	}

	result := &domain.HarvestResult{
		Success:       true,
		Kind:          domain.JobReviewSet,
		TotalProducts: len(products),
		TotalPages:    listing.Pages,
	}
	if listing.State == paginate.CompletedPartial {
		result.Partial = true
		result.Reason = listing.Reason
	}
	if len(products) == 0 {
		return result, nil
	}

	if exportCSV {
		return o.streamToCSV(ctx, a, products, result)
	}
	return o.aggregate(ctx, a, products, result)
}

// listProducts drives the listing pagination and normalizes every item.
func (o *Orchestrator) listProducts(ctx context.Context, a site.Adapter, rawURL string) ([]*domain.Product, paginate.Outcome, error) {
	var products []*domain.Product

	ctrl := paginate.NewController(a.SearchPager(), o.logger)
	outcome, err := ctrl.Run(ctx,
		func(ctx context.Context, index int) (*paginate.Page, error) {
			return a.FetchSearchPage(ctx, rawURL, index)
		},
		func(page *paginate.Page) error {
			o.metrics.IncPagesFetched(a.Name(), string(domain.JobSearchListing))
			products = append(products, o.parseProducts(a, page.Items)...)
			return nil
		})
	if err != nil {
		return nil, outcome, fmt.Errorf("listing: %w", err)
	}

	o.logger.Info("listing complete",
		zap.String("site", a.Name()),
		zap.Int("products", len(products)),
		zap.Int("pages", outcome.Pages),
		zap.String("state", string(outcome.State)))
	return products, outcome, nil
}

func (o *Orchestrator) parseProducts(a site.Adapter, items []json.RawMessage) []*domain.Product {
	products := make([]*domain.Product, 0, len(items))
	for _, raw := range items {
		p, err := a.ParseProduct(raw)
		if err != nil {
			o.logger.Warn("skipping unparseable listing item",
				zap.String("site", a.Name()), zap.Error(err))
			continue
		}
		products = append(products, p)
	}
	return products
}

// streamToCSV processes products strictly one at a time and appends each
// review page to the file as soon as it arrives, so a crash mid-run leaves
// everything harvested so far on disk.
func (o *Orchestrator) streamToCSV(ctx context.Context, a site.Adapter, products []*domain.Product, result *domain.HarvestResult) (*domain.HarvestResult, error) {
	writer, err := sink.NewCSV(o.cfg.DownloadsDir, a.Name())
	if err != nil {
		return nil, err
	}
	defer writer.Close()
	result.CSVFile = writer.Path()

	for i, p := range products {
		if i > 0 {
			if err := o.interProductWait(ctx); err != nil {
				result.Partial = true
				result.Reason = "run canceled"
				return result, nil
			}
		}

		o.enrich(ctx, a, p)

		wroteRows := false
		pr := o.productReviews(ctx, a, p, func(reviews []*domain.Review) error {
			if len(reviews) == 0 {
				return nil
			}
			wroteRows = true
			return writer.Append(p, reviews)
		})
		if !wroteRows {
			// A product with no harvestable reviews still appears once.
			if err := writer.Append(p, nil); err != nil {
				return nil, err
			}
		}
		if pr.Error != "" {
			o.logger.Warn("product finished with errors",
				zap.String("product", p.ContentID), zap.String("error", pr.Error))
		}
		if ctx.Err() != nil {
			result.Partial = true
			result.Reason = "run canceled"
			return result, nil
		}
	}
	return result, nil
}

// aggregate fans the per-product pipelines out and joins the results back
// in listing order.
func (o *Orchestrator) aggregate(ctx context.Context, a site.Adapter, products []*domain.Product, result *domain.HarvestResult) (*domain.HarvestResult, error) {
	results := make([]*domain.ProductReviews, len(products))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(aggregateWorkers)
	for i, p := range products {
		g.Go(func() error {
			o.enrich(gctx, a, p)
			results[i] = o.productReviews(gctx, a, p, nil)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		result.Partial = true
		result.Reason = "run canceled"
	}

	collector := sink.NewCollector()
	for _, pr := range results {
		if pr != nil {
			collector.Add(pr)
		}
	}
	result.Products = collector.Items()
	return result, nil
}

// productReviews paginates one product's reviews. Failures never abort the
// whole run: a product whose first review page cannot be fetched is kept
// with zero reviews and an error annotation.
func (o *Orchestrator) productReviews(ctx context.Context, a site.Adapter, p *domain.Product, onPage func([]*domain.Review) error) *domain.ProductReviews {
	pr := &domain.ProductReviews{Product: p}

	ctrl := paginate.NewController(a.ReviewPager(), o.logger)
	outcome, err := ctrl.Run(ctx,
		func(ctx context.Context, index int) (*paginate.Page, error) {
			return a.FetchReviewPage(ctx, p, index)
		},
		func(page *paginate.Page) error {
			o.metrics.IncPagesFetched(a.Name(), string(domain.JobReviewSet))
			reviews := make([]*domain.Review, 0, len(page.Items))
			for _, raw := range page.Items {
				r, err := a.ParseReview(raw)
				if err != nil {
					o.logger.Warn("skipping unparseable review",
						zap.String("product", p.ContentID), zap.Error(err))
					continue
				}
				reviews = append(reviews, r)
			}
			pr.Reviews = append(pr.Reviews, reviews...)
			if onPage != nil {
				return onPage(reviews)
			}
			return nil
		})
	if err != nil {
		pr.Error = err.Error()
	} else if outcome.State == paginate.CompletedPartial {
		o.logger.Info("review pagination ended early",
			zap.String("product", p.ContentID), zap.String("reason", outcome.Reason))
	}

	pr.TotalReviews = len(pr.Reviews)
	o.metrics.AddItemsHarvested(a.Name(), string(domain.JobReviewSet), pr.TotalReviews)
	return pr
}

func (o *Orchestrator) enrich(ctx context.Context, a site.Adapter, p *domain.Product) {
	if err := a.Enrich(ctx, p); err != nil {
		o.metrics.IncFetchErrors("extract")
		o.logger.Warn("product enrichment failed, continuing with empty properties",
			zap.String("product", p.ContentID), zap.Error(err))
		p.Properties = nil
	}
}

// interProductWait pauses a randomized interval between products. The wait
// is mandatory in streaming mode: back-to-back product pipelines against
// the same session trip the rate detectors.
func (o *Orchestrator) interProductWait(ctx context.Context) error {
	max := time.Duration(o.cfg.MaxWait) * time.Second
	if max <= 0 {
		return nil
	}
	d := time.Duration(o.cfg.MinWait) * time.Second
	if spread := max - d; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	return o.sleep(ctx, d)
}

func (o *Orchestrator) declaredPages(a site.Adapter, page *paginate.Page) int {
	if page.TotalPages > 0 {
		return page.TotalPages
	}
	if size := a.SearchPager().PageSize; size > 0 && page.TotalCount > 0 {
		return (page.TotalCount + size - 1) / size
	}
	if page.HasTotal {
		return 1
	}
	return 0
}
