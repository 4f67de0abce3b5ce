package site

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/extract"
	"harvester/internal/fetch"
	"harvester/internal/paginate"
)

// contentIDPattern extracts the numeric content id embedded in product URLs,
// e.g. /marka/urun-adi-p-123456.
var contentIDPattern = regexp.MustCompile(`-p-(\d+)`)

// trendyolSearchDefaults are the query parameters the storefront always
// sends alongside a search; the API rejects requests without them.
var trendyolSearchDefaults = map[string]string{
	"os":                          "1",
	"culture":                     "tr-TR",
	"userGenderId":                "1",
	"pId":                         "0",
	"isLegalRequirementConfirmed": "false",
	"searchStrategyType":          "DEFAULT",
	"productStampType":            "TypeA",
	"scoringAlgorithmId":          "2",
	"fixSlotProductAdsIncluded":   "true",
	"channelId":                   "1",
}

const detailRetries = 3

// blockMarkers indicate the detail page served an interstitial instead of
// product content.
var blockMarkers = []string{"Cloudflare", "Checking your browser", "Attention Required!"}

// Trendyol adapts the Trendyol search, review and product-detail surfaces.
// Search and review APIs sit behind bot detection that inspects TLS and
// header fingerprints, so both resources prefer the browser strategy.
type Trendyol struct {
	cfg      *config.Config
	exec     executor
	sessions fetch.SessionSource
	renderer Renderer
	logger   *zap.Logger

	sleep func(d time.Duration)
}

func NewTrendyol(cfg *config.Config, exec executor, sessions fetch.SessionSource, renderer Renderer, logger *zap.Logger) *Trendyol {
	return &Trendyol{
		cfg:      cfg,
		exec:     exec,
		sessions: sessions,
		renderer: renderer,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

func (t *Trendyol) Name() string { return "trendyol" }

func (t *Trendyol) ValidateURL(raw string) error {
	return validatePrefix(raw, t.cfg.TrendyolBaseURL)
}

func (t *Trendyol) SearchPager() paginate.Options {
	return pagerOptions(t.cfg, 1, t.cfg.TrendyolPageSize)
}

func (t *Trendyol) ReviewPager() paginate.Options {
	// The review API declares totalPages directly; page size is irrelevant.
	return pagerOptions(t.cfg, 0, 0)
}

type trendyolSearchEnvelope struct {
	Result struct {
		Products   []json.RawMessage `json:"products"`
		TotalCount int               `json:"totalCount"`
	} `json:"result"`
}

func (t *Trendyol) FetchSearchPage(ctx context.Context, rawURL string, index int) (*paginate.Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: search url: %v", domain.ErrMalformed, err)
	}

	params := url.Values{}
	for key, values := range parsed.Query() {
		if len(values) > 0 {
			params.Set(key, values[0])
		}
	}
	params.Set("pi", strconv.Itoa(index))
	if q := params.Get("q"); q != "" {
		params.Set("qt", q)
		params.Set("st", q)
	}
	for key, value := range trendyolSearchDefaults {
		if params.Get(key) == "" {
			params.Set(key, value)
		}
	}

	pol := requestPolicy(t.cfg, []string{t.cfg.TrendyolSearchURL, t.cfg.TrendyolAltSearchURL}, true)
	resp, err := t.exec.Execute(ctx, pol, &fetch.Request{
		Query:   params,
		Headers: t.apiHeaders,
	})
	if err != nil {
		if t.renderer == nil {
			return nil, err
		}
		t.logger.Warn("search endpoints exhausted, scraping rendered page",
			zap.Int("index", index), zap.Error(err))
		page, scrapeErr := t.scrapeSearchPage(ctx, parsed, index)
		if scrapeErr != nil {
			return nil, fmt.Errorf("%w; rendered page: %v", err, scrapeErr)
		}
		return page, nil
	}

	var env trendyolSearchEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: search envelope: %v", domain.ErrMalformed, err)
	}
	return &paginate.Page{
		Index:      index,
		Items:      env.Result.Products,
		TotalCount: env.Result.TotalCount,
		HasTotal:   true,
	}, nil
}

// scrapeSearchPage is the last-ditch listing strategy: render the storefront
// search page itself and read the listing from the search state it embeds.
func (t *Trendyol) scrapeSearchPage(ctx context.Context, searchURL *url.URL, index int) (*paginate.Page, error) {
	sess, err := t.sessions.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	pageURL := *searchURL
	q := pageURL.Query()
	q.Set("pi", strconv.Itoa(index))
	pageURL.RawQuery = q.Encode()

	htmlContent, err := t.renderer.Render(ctx, pageURL.String(), fetch.RenderOptions{
		Headers:   t.detailHeaders(sess),
		ScrollBy:  900,
		SettleMin: 2 * time.Second,
		SettleMax: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	raw, err := extract.WindowVar(htmlContent, "__SEARCH_APP_INITIAL_STATE__")
	if err != nil {
		return nil, err
	}
	var state struct {
		Products struct {
			Products   []json.RawMessage `json:"products"`
			TotalCount int               `json:"totalCount"`
		} `json:"products"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: search state: %v", domain.ErrMalformed, err)
	}
	return &paginate.Page{
		Index:      index,
		Items:      state.Products.Products,
		TotalCount: state.Products.TotalCount,
		HasTotal:   true,
	}, nil
}

type trendyolProduct struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	MerchantID int64  `json:"merchantId"`
	Variants   []struct {
		CampaignID int64 `json:"campaignId"`
	} `json:"variants"`
}

func (t *Trendyol) ParseProduct(raw json.RawMessage) (*domain.Product, error) {
	var item trendyolProduct
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: product item: %v", domain.ErrMalformed, err)
	}

	match := contentIDPattern.FindStringSubmatch(item.URL)
	if match == nil {
		return nil, fmt.Errorf("%w: content id in product url %q", domain.ErrNotFound, item.URL)
	}

	p := &domain.Product{
		Name:       item.Name,
		URL:        t.cfg.TrendyolBaseURL + item.URL,
		ContentID:  match[1],
		MerchantID: strconv.FormatInt(item.MerchantID, 10),
	}
	if len(item.Variants) > 0 && item.Variants[0].CampaignID > 0 {
		p.SecondaryID = strconv.FormatInt(item.Variants[0].CampaignID, 10)
	}
	return p, nil
}

type trendyolReviewEnvelope struct {
	Result struct {
		ProductReviews struct {
			Content    []json.RawMessage `json:"content"`
			TotalPages int               `json:"totalPages"`
		} `json:"productReviews"`
	} `json:"result"`
}

// FetchReviewPage fetches one review page. The API accepts two parameter
// methods; when the primary sellerId+contentId pair yields nothing on the
// first page and a campaign id is known, the adapter switches the product to
// the merchantId+boutiqueId pair for the rest of its pages.
func (t *Trendyol) FetchReviewPage(ctx context.Context, p *domain.Product, index int) (*paginate.Page, error) {
	page, err := t.fetchReviewPage(ctx, p, index, p.UseAltReviewParams)
	if err == nil && len(page.Items) > 0 {
		return page, nil
	}

	if index == 0 && !p.UseAltReviewParams && p.SecondaryID != "" {
		t.logger.Info("primary review parameters returned nothing, trying alternate",
			zap.String("contentId", p.ContentID), zap.String("boutiqueId", p.SecondaryID))
		alt, altErr := t.fetchReviewPage(ctx, p, index, true)
		if altErr == nil && len(alt.Items) > 0 {
			p.UseAltReviewParams = true
			return alt, nil
		}
	}
	return page, err
}

func (t *Trendyol) fetchReviewPage(ctx context.Context, p *domain.Product, index int, alt bool) (*paginate.Page, error) {
	params := url.Values{
		"page":      {strconv.Itoa(index)},
		"order":     {"DESC"},
		"orderBy":   {"Score"},
		"channelId": {"1"},
	}
	if alt {
		params.Set("merchantId", p.MerchantID)
		params.Set("boutiqueId", p.SecondaryID)
	} else {
		params.Set("sellerId", p.MerchantID)
		params.Set("contentId", p.ContentID)
	}

	pol := requestPolicy(t.cfg, []string{t.cfg.TrendyolReviewURL, t.cfg.TrendyolAltReviewURL}, true)
	resp, err := t.exec.Execute(ctx, pol, &fetch.Request{
		Query:   params,
		Headers: t.apiHeaders,
	})
	if err != nil {
		return nil, err
	}

	var env trendyolReviewEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: review envelope: %v", domain.ErrMalformed, err)
	}
	return &paginate.Page{
		Index:      index,
		Items:      env.Result.ProductReviews.Content,
		TotalPages: env.Result.ProductReviews.TotalPages,
		HasTotal:   true,
	}, nil
}

type trendyolReview struct {
	UserFullName     string  `json:"userFullName"`
	LastModifiedDate string  `json:"lastModifiedDate"`
	Rate             float64 `json:"rate"`
	Comment          string  `json:"comment"`
	ReviewLikeCount  int     `json:"reviewLikeCount"`
}

func (t *Trendyol) ParseReview(raw json.RawMessage) (*domain.Review, error) {
	var item trendyolReview
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: review item: %v", domain.ErrMalformed, err)
	}
	name := item.UserFullName
	if name == "" {
		name = "Anonim"
	}
	return &domain.Review{
		DisplayName: name,
		Date:        item.LastModifiedDate,
		Rating:      item.Rate,
		Comment:     item.Comment,
		LikeCount:   item.ReviewLikeCount,
	}, nil
}

// Enrich renders the product detail page and reads the JSON-LD Product
// block's additionalProperty list. Interstitial block pages are retried a
// few times with a randomized pause.
func (t *Trendyol) Enrich(ctx context.Context, p *domain.Product) error {
	sess, err := t.sessions.Acquire(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < detailRetries; attempt++ {
		if attempt > 0 {
			t.sleep(time.Duration(2+rand.Intn(4)) * time.Second)
		}

		htmlContent, err := t.renderer.Render(ctx, p.URL, fetch.RenderOptions{
			Headers:   t.detailHeaders(sess),
			ScrollBy:  900,
			SettleMin: 2 * time.Second,
			SettleMax: 5 * time.Second,
		})
		if err != nil {
			lastErr = err
			continue
		}
		if blockedPage(htmlContent) {
			t.logger.Warn("detail page served a block interstitial, retrying",
				zap.String("url", p.URL), zap.Int("attempt", attempt+1))
			lastErr = fmt.Errorf("%w: block interstitial on %s", domain.ErrCredentialRejected, p.URL)
			continue
		}
		return t.parseDetail(htmlContent, p)
	}
	return lastErr
}

func (t *Trendyol) parseDetail(htmlContent string, p *domain.Product) error {
	raw, err := extract.JSONLD(htmlContent, "Product")
	if err == nil {
		var detail struct {
			AdditionalProperty []domain.Property `json:"additionalProperty"`
		}
		if err := json.Unmarshal(raw, &detail); err != nil {
			return fmt.Errorf("%w: product json-ld: %v", domain.ErrMalformed, err)
		}
		p.Properties = detail.AdditionalProperty
		return nil
	}

	// Some renders omit JSON-LD; the window state at least confirms the
	// page carried product data, with no property list to harvest.
	if _, err := extract.WindowVar(htmlContent, "__PRODUCT_DETAIL_APP_INITIAL_STATE__"); err == nil {
		t.logger.Warn("json-ld missing, window state present without properties",
			zap.String("url", p.URL))
		return nil
	}
	return fmt.Errorf("%w: product data on %s", domain.ErrNotFound, p.URL)
}

func blockedPage(htmlContent string) bool {
	for _, marker := range blockMarkers {
		if strings.Contains(htmlContent, marker) {
			return true
		}
	}
	return false
}

func (t *Trendyol) apiHeaders(sess *domain.Session) http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "tr,en;q=0.9,en-GB;q=0.8,en-US;q=0.7")
	h.Set("Origin", t.cfg.TrendyolBaseURL)
	h.Set("Cookie", "platform=web; countryCode=TR; language=tr")
	if sess != nil && sess.UserAgent != "" {
		h.Set("User-Agent", sess.UserAgent)
	}
	return h
}

func (t *Trendyol) detailHeaders(sess *domain.Session) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "tr,en;q=0.9,en-GB;q=0.8,en-US;q=0.7")
	h.Set("Cookie", "platform=web; countryCode=TR; language=tr")
	if sess != nil && sess.UserAgent != "" {
		h.Set("User-Agent", sess.UserAgent)
	}
	return h
}
