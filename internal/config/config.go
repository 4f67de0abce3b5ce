package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application. It is constructed
// once at process start and treated as read-only afterwards.
type Config struct {
	ServerPort   string `mapstructure:"SERVER_PORT"`
	DownloadsDir string `mapstructure:"DOWNLOADS_DIR"`

	// Browser / session acquisition
	CDPURL            string `mapstructure:"CDP_URL"`
	ChromePath        string `mapstructure:"CHROME_PATH"` // overrides per-OS candidates
	ChromeUserDataDir string `mapstructure:"CHROME_USER_DATA_DIR"`
	ChromeWarmupWait  int    `mapstructure:"CHROME_WARMUP_WAIT"` // seconds before first CDP attach
	WarmupURL         string `mapstructure:"WARMUP_URL"`
	SessionCookies    []string

	// Request execution
	RequestTimeout int `mapstructure:"REQUEST_TIMEOUT"` // seconds
	MaxRetries     int `mapstructure:"MAX_RETRIES"`     // credential-rejection retries
	ConnRetries    int `mapstructure:"CONN_RETRIES"`    // connection-error retries per endpoint
	RejectedWait   int `mapstructure:"REJECTED_WAIT"`   // seconds to wait after a 403

	// Pagination
	MaxPages int `mapstructure:"MAX_PAGES"`
	MinWait  int `mapstructure:"MIN_WAIT"` // seconds, inter-page / inter-product lower bound
	MaxWait  int `mapstructure:"MAX_WAIT"` // seconds, upper bound

	// Trendyol
	TrendyolBaseURL      string `mapstructure:"TRENDYOL_BASE_URL"`
	TrendyolSearchURL    string `mapstructure:"TRENDYOL_SEARCH_URL"`
	TrendyolAltSearchURL string `mapstructure:"TRENDYOL_ALT_SEARCH_URL"`
	TrendyolReviewURL    string `mapstructure:"TRENDYOL_REVIEW_URL"`
	TrendyolAltReviewURL string `mapstructure:"TRENDYOL_ALT_REVIEW_URL"`
	TrendyolPageSize     int    `mapstructure:"TRENDYOL_PAGE_SIZE"`

	// Hepsiburada
	HepsiburadaBaseURL        string `mapstructure:"HEPSIBURADA_BASE_URL"`
	HepsiburadaSearchURL      string `mapstructure:"HEPSIBURADA_SEARCH_URL"`
	HepsiburadaReviewURL      string `mapstructure:"HEPSIBURADA_REVIEW_URL"`
	HepsiburadaClientID       string `mapstructure:"HEPSIBURADA_CLIENT_ID"`
	HepsiburadaSearchPageSize int    `mapstructure:"HEPSIBURADA_SEARCH_PAGE_SIZE"`
	HepsiburadaReviewPageSize int    `mapstructure:"HEPSIBURADA_REVIEW_PAGE_SIZE"`
}

// Load reads configuration from file or environment variables.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// Attempt to read the .env file, but don't fail if it's not present.
	// This allows configuration purely through environment variables.
	_ = viper.ReadInConfig()

	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DOWNLOADS_DIR", filepath.Join(cwd, "downloads"))

	viper.SetDefault("CDP_URL", "http://localhost:9222")
	viper.SetDefault("CHROME_USER_DATA_DIR", filepath.Join(home, "chrome-debug-profile"))
	viper.SetDefault("CHROME_WARMUP_WAIT", 5)
	viper.SetDefault("WARMUP_URL", "https://www.hepsiburada.com/ara?q=telefon")

	viper.SetDefault("REQUEST_TIMEOUT", 30)
	viper.SetDefault("MAX_RETRIES", 2)
	viper.SetDefault("CONN_RETRIES", 3)
	viper.SetDefault("REJECTED_WAIT", 3)

	viper.SetDefault("MAX_PAGES", 100)
	viper.SetDefault("MIN_WAIT", 1)
	viper.SetDefault("MAX_WAIT", 3)

	viper.SetDefault("TRENDYOL_BASE_URL", "https://www.trendyol.com")
	viper.SetDefault("TRENDYOL_SEARCH_URL", "https://apigw.trendyol.com/discovery-web-searchgw-service/v2/api/infinite-scroll/sr")
	viper.SetDefault("TRENDYOL_ALT_SEARCH_URL", "https://public-mdc.trendyol.com/discovery-web-searchgw-service/v2/api/infinite-scroll/sr")
	viper.SetDefault("TRENDYOL_REVIEW_URL", "https://apigw.trendyol.com/discovery-web-websfxsocialreviewrating-santral/product-reviews-detailed")
	viper.SetDefault("TRENDYOL_ALT_REVIEW_URL", "https://apigw.trendyol.com/discovery-web-socialgw-service/api/review/products")
	viper.SetDefault("TRENDYOL_PAGE_SIZE", 24)

	viper.SetDefault("HEPSIBURADA_BASE_URL", "https://www.hepsiburada.com")
	viper.SetDefault("HEPSIBURADA_SEARCH_URL", "https://blackgate.hepsiburada.com/moriaapi/api/product")
	viper.SetDefault("HEPSIBURADA_REVIEW_URL", "https://user-content-gw-hermes.hepsiburada.com/queryapi/v2/ApprovedUserContents")
	viper.SetDefault("HEPSIBURADA_CLIENT_ID", "MoriaDesktop")
	viper.SetDefault("HEPSIBURADA_SEARCH_PAGE_SIZE", 36)
	viper.SetDefault("HEPSIBURADA_REVIEW_PAGE_SIZE", 100)

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Anti-bot sensor cookie allow-list. Order matters: acquisition is only
	// considered valid when the first two are present.
	cfg.SessionCookies = []string{"_abck", "bm_sz", "bm_sv", "ak_bmsc", "hbus_sessionId"}

	return &cfg, nil
}
