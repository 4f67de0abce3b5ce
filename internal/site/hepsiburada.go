package site

import (
	"context"
	"encoding/json"
	"fmt"
	stdhtml "html"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/extract"
	"harvester/internal/fetch"
	"harvester/internal/paginate"
)

// reduxStoreReady guards against reading the detail page before its data
// script is populated.
const reduxStoreReady = `(() => {
	const el = document.getElementById('reduxStore');
	return el && el.textContent.length > 5000;
})()`

// Hepsiburada adapts the Hepsiburada search, review and product-detail
// surfaces. Its APIs accept direct requests as long as the Akamai sensor
// cookies and matching user agent from an acquired session are presented.
type Hepsiburada struct {
	cfg      *config.Config
	exec     executor
	sessions fetch.SessionSource
	renderer Renderer
	logger   *zap.Logger
}

func NewHepsiburada(cfg *config.Config, exec executor, sessions fetch.SessionSource, renderer Renderer, logger *zap.Logger) *Hepsiburada {
	return &Hepsiburada{
		cfg:      cfg,
		exec:     exec,
		sessions: sessions,
		renderer: renderer,
		logger:   logger,
	}
}

func (h *Hepsiburada) Name() string { return "hepsiburada" }

func (h *Hepsiburada) ValidateURL(raw string) error {
	return validatePrefix(raw, h.cfg.HepsiburadaBaseURL)
}

func (h *Hepsiburada) SearchPager() paginate.Options {
	return pagerOptions(h.cfg, 1, h.cfg.HepsiburadaSearchPageSize)
}

func (h *Hepsiburada) ReviewPager() paginate.Options {
	return pagerOptions(h.cfg, 0, h.cfg.HepsiburadaReviewPageSize)
}

type hepsiburadaSearchEnvelope struct {
	Products []json.RawMessage `json:"products"`
	LastPage int               `json:"lastPage"`
}

func (h *Hepsiburada) FetchSearchPage(ctx context.Context, rawURL string, index int) (*paginate.Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: search url: %v", domain.ErrMalformed, err)
	}
	query := parsed.Query().Get("q")
	if query == "" {
		return nil, fmt.Errorf("%w: search query 'q' missing from url", domain.ErrMalformed)
	}

	params := url.Values{
		"pageType": {"Search"},
		"size":     {strconv.Itoa(h.cfg.HepsiburadaSearchPageSize)},
		"page":     {strconv.Itoa(index)},
		"q":        {query},
	}

	pol := requestPolicy(h.cfg, []string{h.cfg.HepsiburadaSearchURL}, false)
	resp, err := h.exec.Execute(ctx, pol, &fetch.Request{
		Query:   params,
		Headers: h.apiHeaders(h.cfg.HepsiburadaBaseURL + "/"),
	})
	if err != nil {
		return nil, err
	}

	var env hepsiburadaSearchEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: search envelope: %v", domain.ErrMalformed, err)
	}
	return &paginate.Page{
		Index:      index,
		Items:      env.Products,
		TotalPages: env.LastPage,
		HasTotal:   true,
	}, nil
}

type hepsiburadaProduct struct {
	VariantList []struct {
		SKU     string `json:"sku"`
		Name    string `json:"name"`
		URL     string `json:"url"`
		Listing struct {
			PriceInfo struct {
				Price float64 `json:"price"`
			} `json:"priceInfo"`
		} `json:"listing"`
	} `json:"variantList"`
}

func (h *Hepsiburada) ParseProduct(raw json.RawMessage) (*domain.Product, error) {
	var item hepsiburadaProduct
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: product item: %v", domain.ErrMalformed, err)
	}
	if len(item.VariantList) == 0 || item.VariantList[0].SKU == "" {
		return nil, fmt.Errorf("%w: sku in product item", domain.ErrNotFound)
	}

	variant := item.VariantList[0]
	return &domain.Product{
		Name:      variant.Name,
		URL:       h.absoluteURL(variant.URL),
		ContentID: variant.SKU,
		Price:     variant.Listing.PriceInfo.Price,
	}, nil
}

// The review API has shipped two envelope shapes; both are still observed
// depending on the product.
type hepsiburadaReviewEnvelope struct {
	TotalItemCount int `json:"totalItemCount"`
	Data           struct {
		ApprovedUserContent *struct {
			ApprovedUserContentList []json.RawMessage `json:"approvedUserContentList"`
		} `json:"approvedUserContent"`
		ApprovedUserContents *struct {
			UserContents []json.RawMessage `json:"userContents"`
			ListCount    int               `json:"listCount"`
		} `json:"approvedUserContents"`
	} `json:"data"`
}

func (h *Hepsiburada) FetchReviewPage(ctx context.Context, p *domain.Product, index int) (*paginate.Page, error) {
	size := h.cfg.HepsiburadaReviewPageSize
	params := url.Values{
		"sku":                           {p.ContentID},
		"from":                          {strconv.Itoa(index * size)},
		"size":                          {strconv.Itoa(size)},
		"includeSiblingVariantContents": {"true"},
		"includeSummary":                {"true"},
	}

	referer := fmt.Sprintf("%s/product-p-%s-yorumlari", h.cfg.HepsiburadaBaseURL, p.ContentID)
	pol := requestPolicy(h.cfg, []string{h.cfg.HepsiburadaReviewURL}, false)
	resp, err := h.exec.Execute(ctx, pol, &fetch.Request{
		Query:   params,
		Headers: h.apiHeaders(referer),
	})
	if err != nil {
		return nil, err
	}

	var env hepsiburadaReviewEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: review envelope: %v", domain.ErrMalformed, err)
	}

	// Both formats declare a total; zero means the product genuinely has
	// no reviews and pagination must stop after this page.
	page := &paginate.Page{Index: index}
	switch {
	case env.Data.ApprovedUserContent != nil:
		page.Items = env.Data.ApprovedUserContent.ApprovedUserContentList
		page.TotalCount = env.TotalItemCount
		page.HasTotal = true
	case env.Data.ApprovedUserContents != nil:
		page.Items = env.Data.ApprovedUserContents.UserContents
		page.TotalCount = env.Data.ApprovedUserContents.ListCount
		page.HasTotal = true
	}
	return page, nil
}

type hepsiburadaReview struct {
	Star      float64 `json:"star"`
	CreatedAt string  `json:"createdAt"`
	Review    struct {
		Content string `json:"content"`
	} `json:"review"`
	Customer struct {
		Name        string `json:"name"`
		Surname     string `json:"surname"`
		DisplayName string `json:"displayName"`
	} `json:"customer"`
	Media []struct {
		FullMediaURL string `json:"fullMediaUrl"`
	} `json:"media"`
}

func (h *Hepsiburada) ParseReview(raw json.RawMessage) (*domain.Review, error) {
	var item hepsiburadaReview
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("%w: review item: %v", domain.ErrMalformed, err)
	}

	name := item.Customer.DisplayName
	if name == "" {
		name = strings.TrimSpace(item.Customer.Name + " " + item.Customer.Surname)
	}

	var media []string
	for _, m := range item.Media {
		if m.FullMediaURL == "" {
			continue
		}
		// The media CDN appends a ":webp" variant marker to raw URLs.
		media = append(media, strings.TrimSuffix(m.FullMediaURL, ":webp"))
	}

	return &domain.Review{
		DisplayName: name,
		Date:        item.CreatedAt,
		Rating:      item.Star,
		Comment:     item.Review.Content,
		MediaURLs:   media,
	}, nil
}

type hepsiburadaFeatureGroup struct {
	Properties []struct {
		Name     string `json:"name"`
		Property string `json:"property"`
	} `json:"properties"`
}

// Enrich renders the product detail page and pulls the feature groups out
// of the embedded redux store. The store is a JS-flavored blob, so the
// "expends" list is cut out by bracket counting and parsed leniently.
func (h *Hepsiburada) Enrich(ctx context.Context, p *domain.Product) error {
	sess, err := h.sessions.Acquire(ctx)
	if err != nil {
		return err
	}

	htmlContent, err := h.renderer.Render(ctx, p.URL, fetch.RenderOptions{
		Headers:  h.pageHeaders(sess),
		ScrollBy: 1000,
		WaitExpr: reduxStoreReady,
	})
	if err != nil {
		return err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return fmt.Errorf("%w: detail page html: %v", domain.ErrMalformed, err)
	}

	script := doc.Find("script#reduxStore").First().Text()
	if script == "" {
		h.logger.Warn("reduxStore script missing, trying initial-state script",
			zap.String("url", p.URL))
		script = doc.Find("script#product-detail-app-initial-state").First().Text()
	}
	if script == "" {
		return fmt.Errorf("%w: product state script on %s", domain.ErrNotFound, p.URL)
	}

	var groups []hepsiburadaFeatureGroup
	if err := extract.BalancedValue(stdhtml.UnescapeString(script), "expends", &groups); err != nil {
		return fmt.Errorf("feature list: %w", err)
	}

	var props []domain.Property
	for _, group := range groups {
		for _, prop := range group.Properties {
			if prop.Name == "" {
				continue
			}
			props = append(props, domain.Property{Name: prop.Name, Value: prop.Property})
		}
	}
	p.Properties = props
	return nil
}

func (h *Hepsiburada) absoluteURL(path string) string {
	if path == "" || strings.HasPrefix(path, h.cfg.HepsiburadaBaseURL) {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return h.cfg.HepsiburadaBaseURL + path
}

func (h *Hepsiburada) apiHeaders(referer string) func(*domain.Session) http.Header {
	return func(sess *domain.Session) http.Header {
		hd := http.Header{}
		hd.Set("Accept", "application/json, text/plain, */*")
		hd.Set("Accept-Language", "tr,en;q=0.9")
		hd.Set("Origin", h.cfg.HepsiburadaBaseURL)
		hd.Set("Referer", referer)
		hd.Set("X-Client-Id", h.cfg.HepsiburadaClientID)
		if sess != nil {
			hd.Set("User-Agent", sess.UserAgent)
			hd.Set("Cookie", sess.CookieHeader())
		}
		return hd
	}
}

func (h *Hepsiburada) pageHeaders(sess *domain.Session) http.Header {
	hd := http.Header{}
	hd.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hd.Set("Accept-Language", "tr,en;q=0.9")
	if sess != nil {
		hd.Set("User-Agent", sess.UserAgent)
		hd.Set("Cookie", sess.CookieHeader())
	}
	return hd
}
