package domain

import "time"

// JobKind identifies what a HarvestJob collects.
type JobKind string

const (
	JobSearchListing JobKind = "search_listing"
	JobReviewSet     JobKind = "review_set"
	JobProductDetail JobKind = "product_detail"
)

// Session is an acquired cookie set plus the user agent that matches its
// fingerprint. It is immutable once issued; a replacement invalidates it.
type Session struct {
	Cookies    map[string]string
	UserAgent  string
	AcquiredAt time.Time
}

// CookieHeader renders the cookie set as a single Cookie header value.
func (s *Session) CookieHeader() string {
	if s == nil || len(s.Cookies) == 0 {
		return ""
	}
	out := ""
	for name, value := range s.Cookies {
		if out != "" {
			out += "; "
		}
		out += name + "=" + value
	}
	return out
}

// Property is one name/value product attribute.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Product is a normalized listing item.
type Product struct {
	Name        string     `json:"name"`
	URL         string     `json:"url"`
	ContentID   string     `json:"contentId"` // content id or SKU, per site
	MerchantID  string     `json:"merchantId"`
	SecondaryID string     `json:"secondaryId,omitempty"` // e.g. boutique/campaign id
	Price       float64    `json:"price,omitempty"`
	Properties  []Property `json:"properties,omitempty"`

	// UseAltReviewParams records that the primary review parameter method
	// returned nothing for this product and the alternate one is in effect.
	UseAltReviewParams bool `json:"-"`
}

// Review is a normalized customer review.
type Review struct {
	DisplayName string   `json:"displayName"`
	Date        string   `json:"date"`
	Rating      float64  `json:"rating"`
	Comment     string   `json:"comment"`
	LikeCount   int      `json:"likeCount"`
	MediaURLs   []string `json:"mediaUrls,omitempty"`
}

// ProductReviews joins a product with its accumulated reviews.
type ProductReviews struct {
	Product      *Product  `json:"product"`
	Reviews      []*Review `json:"reviews"`
	TotalReviews int       `json:"totalReviews"`
	Error        string    `json:"error,omitempty"`
}

// HarvestResult is the terminal state of one HarvestJob.
type HarvestResult struct {
	Success       bool              `json:"success"`
	Kind          JobKind           `json:"kind"`
	TotalProducts int               `json:"totalProducts"`
	TotalPages    int               `json:"totalPages"`
	Partial       bool              `json:"partial,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Products      []*ProductReviews `json:"data,omitempty"`
	CSVFile       string            `json:"csv_file,omitempty"`
	Error         string            `json:"error,omitempty"`
}
