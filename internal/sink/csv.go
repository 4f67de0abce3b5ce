// Package sink persists harvested records: a streaming CSV writer for
// export runs and an in-memory collector for JSON responses.
package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"harvester/internal/domain"
)

// headers defines the CSV column order.
var headers = []string{
	"product_name",
	"product_url",
	"content_id",
	"merchant_id",
	"secondary_id",
	"price",
	"customer_display_name",
	"review_date",
	"rating",
	"comment",
	"like_count",
	"product_properties",
	"media_urls",
}

var commentCleaner = strings.NewReplacer("\n", " ", "\r", " ")

// CSVWriter appends review rows to a timestamped file under dir. The header
// is written once when the file is empty; rows from concurrent producers
// are serialized under the mutex so a product's rows stay contiguous.
type CSVWriter struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewCSV creates the downloads directory if needed and opens a fresh
// timestamped CSV file for the given site.
func NewCSV(dir, site string) (*CSVWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating downloads dir: %w", err)
	}

	name := fmt.Sprintf("%s_reviews_%s.csv", site, time.Now().Format("2006-01-02-15-04-05"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening csv file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing csv header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing csv header: %w", err)
		}
	}

	return &CSVWriter{file: f, path: path}, nil
}

// Path returns the absolute location of the file being written.
func (w *CSVWriter) Path() string { return w.path }

// Append writes one row per review. A product with no reviews still gets a
// single row carrying its identity and properties.
func (w *CSVWriter) Append(p *domain.Product, reviews []*domain.Review) error {
	props := "[]"
	if len(p.Properties) > 0 {
		b, err := json.Marshal(p.Properties)
		if err != nil {
			return fmt.Errorf("encoding product properties: %w", err)
		}
		props = string(b)
	}

	records := make([][]string, 0, len(reviews))
	if len(reviews) == 0 {
		records = append(records, []string{
			p.Name, p.URL, p.ContentID, p.MerchantID, p.SecondaryID,
			formatPrice(p.Price),
			"", "", "", "", "", props, "[]",
		})
	}
	for _, r := range reviews {
		media := "[]"
		if len(r.MediaURLs) > 0 {
			b, err := json.Marshal(r.MediaURLs)
			if err != nil {
				return fmt.Errorf("encoding media urls: %w", err)
			}
			media = string(b)
		}
		records = append(records, []string{
			p.Name, p.URL, p.ContentID, p.MerchantID, p.SecondaryID,
			formatPrice(p.Price),
			r.DisplayName,
			r.Date,
			strconv.FormatFloat(r.Rating, 'f', -1, 64),
			commentCleaner.Replace(r.Comment),
			strconv.Itoa(r.LikeCount),
			props,
			media,
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cw := csv.NewWriter(w.file)
	for _, record := range records {
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("writing csv rows: %w", err)
	}
	return nil
}

func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

func formatPrice(p float64) string {
	if p == 0 {
		return ""
	}
	return strconv.FormatFloat(p, 'f', -1, 64)
}
