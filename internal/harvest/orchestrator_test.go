package harvest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/monitoring"
	"harvester/internal/paginate"
)

var testMetrics = monitoring.NewMetrics()

// fakeAdapter serves listings and reviews from memory. Listing items are
// {"id":...} blobs; review items are {"c":...} blobs.
type fakeAdapter struct {
	searchPages [][]string          // page -> product ids, 1-based
	reviews     map[string][]string // product id -> review comments
	failReviews map[string]bool     // product id -> fail first review page
	enrichErr   error
	enriched    []string

	reviewFetches int
}

func (f *fakeAdapter) Name() string                 { return "fake" }
func (f *fakeAdapter) ValidateURL(raw string) error { return nil }

func (f *fakeAdapter) SearchPager() paginate.Options {
	return paginate.Options{StartIndex: 1, PageSize: 2, MaxPages: 10}
}

func (f *fakeAdapter) ReviewPager() paginate.Options {
	return paginate.Options{StartIndex: 0, PageSize: 2, MaxPages: 10}
}

func (f *fakeAdapter) FetchSearchPage(ctx context.Context, rawURL string, index int) (*paginate.Page, error) {
	page := &paginate.Page{Index: index, HasTotal: true}
	total := 0
	for _, ids := range f.searchPages {
		total += len(ids)
	}
	page.TotalCount = total
	if index-1 < len(f.searchPages) {
		for _, id := range f.searchPages[index-1] {
			page.Items = append(page.Items, json.RawMessage(fmt.Sprintf(`{"id":%q}`, id)))
		}
	}
	return page, nil
}

func (f *fakeAdapter) ParseProduct(raw json.RawMessage) (*domain.Product, error) {
	var item struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &domain.Product{Name: item.ID, ContentID: item.ID}, nil
}

func (f *fakeAdapter) FetchReviewPage(ctx context.Context, p *domain.Product, index int) (*paginate.Page, error) {
	f.reviewFetches++
	if f.failReviews[p.ContentID] {
		return nil, fmt.Errorf("%w: reviews unavailable", domain.ErrExhaustedRetries)
	}
	comments := f.reviews[p.ContentID]
	page := &paginate.Page{Index: index, TotalCount: len(comments), HasTotal: true}
	size := f.ReviewPager().PageSize
	start := index * size
	for i := start; i < start+size && i < len(comments); i++ {
		page.Items = append(page.Items, json.RawMessage(fmt.Sprintf(`{"c":%q}`, comments[i])))
	}
	return page, nil
}

func (f *fakeAdapter) ParseReview(raw json.RawMessage) (*domain.Review, error) {
	var item struct {
		C string `json:"c"`
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &domain.Review{Comment: item.C}, nil
}

func (f *fakeAdapter) Enrich(ctx context.Context, p *domain.Product) error {
	f.enriched = append(f.enriched, p.ContentID)
	if f.enrichErr != nil {
		return f.enrichErr
	}
	p.Properties = []domain.Property{{Name: "k", Value: "v-" + p.ContentID}}
	return nil
}

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := &config.Config{DownloadsDir: t.TempDir(), MaxPages: 100}
	o := NewOrchestrator(cfg, testMetrics, zap.NewNop())
	o.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return o
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestStreamingKeepsProductRowsGrouped(t *testing.T) {
	a := &fakeAdapter{
		searchPages: [][]string{{"A", "B"}, {"C"}},
		reviews: map[string][]string{
			"A": {"A-1", "A-2", "A-3"},
			"B": {"B-1"},
			"C": {"C-1", "C-2"},
		},
	}
	o := newOrchestrator(t)

	result, err := o.Reviews(context.Background(), a, "https://example.com/sr?q=x", true)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 3, result.TotalProducts)
	require.NotEmpty(t, result.CSVFile)
	require.Empty(t, result.Products)

	rows := readCSV(t, result.CSVFile)
	require.Len(t, rows, 7) // header + 3 + 1 + 2 reviews

	var owners []string
	for _, row := range rows[1:] {
		owners = append(owners, row[0])
	}
	// Sequential streaming: all of A's rows land before any of B's, and
	// B's before C's.
	require.Equal(t, []string{"A", "A", "A", "B", "C", "C"}, owners)
}

func TestStreamingWritesProductRowWhenNoReviews(t *testing.T) {
	a := &fakeAdapter{
		searchPages: [][]string{{"A"}},
		reviews:     map[string][]string{},
	}
	o := newOrchestrator(t)

	result, err := o.Reviews(context.Background(), a, "https://example.com/sr?q=x", true)
	require.NoError(t, err)

	// A declared zero total means the single probe request settles it.
	require.Equal(t, 1, a.reviewFetches)

	rows := readCSV(t, result.CSVFile)
	require.Len(t, rows, 2)
	require.Equal(t, "A", rows[1][0])
	require.Empty(t, rows[1][6]) // no reviewer
	require.Contains(t, rows[1][11], "v-A")
}

func TestReviewPageFailureKeepsProductWithAnnotation(t *testing.T) {
	a := &fakeAdapter{
		searchPages: [][]string{{"A", "B"}},
		reviews:     map[string][]string{"B": {"B-1"}},
		failReviews: map[string]bool{"A": true},
	}
	o := newOrchestrator(t)

	result, err := o.Reviews(context.Background(), a, "https://example.com/sr?q=x", false)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Products, 2)

	failed := result.Products[0]
	require.Equal(t, "A", failed.Product.ContentID)
	require.Empty(t, failed.Reviews)
	require.NotEmpty(t, failed.Error)

	ok := result.Products[1]
	require.Equal(t, "B", ok.Product.ContentID)
	require.Len(t, ok.Reviews, 1)
	require.Empty(t, ok.Error)
}

func TestAggregatedJoinsInListingOrder(t *testing.T) {
	a := &fakeAdapter{
		searchPages: [][]string{{"A", "B"}, {"C", "D"}},
		reviews: map[string][]string{
			"A": {"A-1"}, "B": {"B-1"}, "C": {"C-1"}, "D": {"D-1"},
		},
	}
	o := newOrchestrator(t)

	result, err := o.Reviews(context.Background(), a, "https://example.com/sr?q=x", false)
	require.NoError(t, err)
	require.Len(t, result.Products, 4)
	for i, want := range []string{"A", "B", "C", "D"} {
		require.Equal(t, want, result.Products[i].Product.ContentID)
		require.Equal(t, 1, result.Products[i].TotalReviews)
	}
}

func TestEnrichmentFailureKeepsProduct(t *testing.T) {
	a := &fakeAdapter{
		searchPages: [][]string{{"A"}},
		reviews:     map[string][]string{"A": {"A-1"}},
		enrichErr:   fmt.Errorf("%w: no detail page", domain.ErrNotFound),
	}
	o := newOrchestrator(t)

	result, err := o.Reviews(context.Background(), a, "https://example.com/sr?q=x", false)
	require.NoError(t, err)
	require.Len(t, result.Products, 1)
	require.Empty(t, result.Products[0].Product.Properties)
	require.Len(t, result.Products[0].Reviews, 1)
}

func TestSearchReturnsSinglePage(t *testing.T) {
	a := &fakeAdapter{searchPages: [][]string{{"A", "B"}, {"C"}}}
	o := newOrchestrator(t)

	result, err := o.Search(context.Background(), a, "https://example.com/sr?q=x", 1)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, domain.JobSearchListing, result.Kind)
	require.Equal(t, 2, result.TotalProducts)
	require.Equal(t, 2, result.TotalPages) // 3 products / page size 2
	require.Equal(t, "A", result.Products[0].Product.Name)
	require.Empty(t, result.Products[0].Reviews)
	require.Empty(t, a.enriched)
}
