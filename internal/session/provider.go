// Package session obtains and refreshes browsing sessions able to pass the
// target sites' bot-detection checks. It owns a long-lived connection to a
// remote-debugging browser and the single page reused for warm-up runs.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpstorage "github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"harvester/internal/config"
	"harvester/internal/domain"
	"harvester/internal/monitoring"
)

// chromeCandidates lists likely browser binaries per platform; the first
// existing one is launched when no browser is already listening.
var chromeCandidates = map[string][]string{
	"darwin": {
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	},
	"linux": {
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/opt/google/chrome/google-chrome",
		"/usr/bin/chromium",
	},
	"windows": {
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
	},
}

const consentSelector = `#onetrust-accept-btn-handler`

// Provider acquires sessions on demand. The browser connection and its
// reused page are process-wide resources kept alive across calls.
type Provider struct {
	cfg     *config.Config
	metrics *monitoring.Metrics
	logger  *zap.Logger

	// group coalesces concurrent acquisitions: two jobs asking at once must
	// not race navigations on the one shared page.
	group singleflight.Group

	mu        sync.Mutex
	current   *domain.Session
	allocCtx  context.Context
	allocStop context.CancelFunc
	pageCtx   context.Context
	pageStop  context.CancelFunc
}

func NewProvider(cfg *config.Config, m *monitoring.Metrics, logger *zap.Logger) *Provider {
	return &Provider{cfg: cfg, metrics: m, logger: logger}
}

// Current returns the cached session, or nil when none has been issued.
func (p *Provider) Current() *domain.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Invalidate discards the cached session. The next Acquire performs a full
// acquisition; staleness is only ever detected by request failure.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}

// Acquire returns the cached session or performs a full acquisition run.
// Callers arriving while an acquisition is in flight share its result.
func (p *Provider) Acquire(ctx context.Context) (*domain.Session, error) {
	if s := p.Current(); s != nil {
		return s, nil
	}
	v, err, _ := p.group.Do("acquire", func() (any, error) {
		return p.acquire(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

// NewTab opens a fresh tab on the shared browser for response interception.
// The caller must cancel the returned context when done.
func (p *Provider) NewTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	p.mu.Lock()
	alloc := p.allocCtx
	p.mu.Unlock()
	if alloc == nil || alloc.Err() != nil {
		if _, err := p.Acquire(ctx); err != nil {
			return nil, nil, err
		}
		p.mu.Lock()
		alloc = p.allocCtx
		p.mu.Unlock()
		if alloc == nil {
			return nil, nil, domain.ErrNoBrowser
		}
	}
	tabCtx, cancel := chromedp.NewContext(alloc)
	return tabCtx, cancel, nil
}

// Close releases the CDP connection. The browser process itself is left
// running; it may belong to an interactive user.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

func (p *Provider) teardownLocked() {
	if p.pageStop != nil {
		p.pageStop()
	}
	if p.allocStop != nil {
		p.allocStop()
	}
	p.pageCtx, p.pageStop = nil, nil
	p.allocCtx, p.allocStop = nil, nil
	p.current = nil
}

func (p *Provider) acquire(ctx context.Context) (*domain.Session, error) {
	pageCtx, err := p.page(ctx)
	if err != nil {
		return nil, err
	}

	warmCtx, cancel := context.WithTimeout(pageCtx, 90*time.Second)
	defer cancel()

	if err := chromedp.Run(warmCtx, chromedp.Navigate(p.cfg.WarmupURL)); err != nil {
		p.dropConnection()
		return nil, fmt.Errorf("%w: warm-up navigation: %v", domain.ErrAcquisitionTimeout, err)
	}

	// The consent dialog does not always appear; its absence is not an error.
	consentCtx, consentCancel := context.WithTimeout(warmCtx, 10*time.Second)
	_ = chromedp.Run(consentCtx,
		chromedp.Click(consentSelector, chromedp.ByQuery, chromedp.NodeVisible),
	)
	consentCancel()

	// The sensor only issues valid verification cookies after it has
	// observed pointer and scroll motion.
	var userAgent string
	var cookies []*network.Cookie
	actions := []chromedp.Action{
		chromedp.Evaluate(`window.scrollBy(0, 4900)`, nil),
		chromedp.Sleep(randomBetween(time.Second, 3*time.Second)),
	}
	for i := 0; i < 1+rand.Intn(2); i++ {
		delta := rand.Intn(1001) - 500
		actions = append(actions,
			chromedp.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, delta), nil),
			chromedp.Sleep(randomBetween(500*time.Millisecond, 1500*time.Millisecond)),
		)
	}
	actions = append(actions,
		chromedp.Sleep(randomBetween(2*time.Second, 4*time.Second)),
		// The runtime user agent must match the cookie fingerprint, so it
		// is read from the page instead of being configured.
		chromedp.Evaluate(`navigator.userAgent`, &userAgent),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = cdpstorage.GetCookies().Do(ctx)
			return err
		}),
	)
	if err := chromedp.Run(warmCtx, actions...); err != nil {
		p.dropConnection()
		return nil, fmt.Errorf("%w: warm-up interactions: %v", domain.ErrAcquisitionTimeout, err)
	}

	jar := make(map[string]string)
	allowed := make(map[string]bool, len(p.cfg.SessionCookies))
	for _, name := range p.cfg.SessionCookies {
		allowed[name] = true
	}
	for _, c := range cookies {
		if allowed[c.Name] {
			jar[c.Name] = c.Value
		}
	}

	// Acquisition is only valid when the two primary sensor cookies exist.
	for _, name := range p.cfg.SessionCookies[:2] {
		if _, ok := jar[name]; !ok {
			p.logger.Warn("sensor cookie missing after warm-up", zap.String("cookie", name))
			return nil, fmt.Errorf("%w: sensor cookie %s missing", domain.ErrAcquisitionTimeout, name)
		}
	}

	sess := &domain.Session{
		Cookies:    jar,
		UserAgent:  userAgent,
		AcquiredAt: time.Now(),
	}
	p.mu.Lock()
	p.current = sess
	p.mu.Unlock()

	p.metrics.IncSessionsAcquired()
	p.logger.Info("session acquired",
		zap.Int("cookies", len(jar)), zap.String("user_agent", userAgent))
	return sess, nil
}

// dropConnection forgets the CDP attachment after an unrecoverable
// connection error so the next call re-attaches.
func (p *Provider) dropConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardownLocked()
}

// page returns the long-lived warm-up page, connecting to the browser and
// launching one first when necessary.
func (p *Provider) page(ctx context.Context) (context.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pageCtx != nil && p.pageCtx.Err() == nil {
		return p.pageCtx, nil
	}
	p.teardownLocked()

	if !p.debuggerReachable() {
		if err := p.launchBrowser(); err != nil {
			return nil, err
		}
		p.logger.Info("browser launched, waiting before attach",
			zap.Int("seconds", p.cfg.ChromeWarmupWait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(p.cfg.ChromeWarmupWait) * time.Second):
		}
	}

	allocCtx, allocStop := chromedp.NewRemoteAllocator(context.Background(), p.cfg.CDPURL)

	// Reuse an existing page if the browser context already has one, to
	// avoid disrupting an interactive window.
	probeCtx, probeStop := chromedp.NewContext(allocCtx)
	targets, err := chromedp.Targets(probeCtx)
	if err != nil {
		probeStop()
		allocStop()
		return nil, fmt.Errorf("%w: %v", domain.ErrNoBrowser, err)
	}

	pageCtx, pageStop := probeCtx, probeStop
	for _, t := range targets {
		if t.Type == "page" {
			probeStop()
			pageCtx, pageStop = chromedp.NewContext(allocCtx, chromedp.WithTargetID(t.TargetID))
			break
		}
	}

	p.allocCtx, p.allocStop = allocCtx, allocStop
	p.pageCtx, p.pageStop = pageCtx, pageStop
	return p.pageCtx, nil
}

func (p *Provider) debuggerReachable() bool {
	u, err := url.Parse(p.cfg.CDPURL)
	if err != nil {
		return false
	}
	conn, err := net.DialTimeout("tcp", u.Host, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (p *Provider) launchBrowser() error {
	path := p.cfg.ChromePath
	if path == "" {
		for _, candidate := range chromeCandidates[runtime.GOOS] {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return fmt.Errorf("%w: no chrome binary found for %s", domain.ErrNoBrowser, runtime.GOOS)
	}

	u, err := url.Parse(p.cfg.CDPURL)
	if err != nil {
		return fmt.Errorf("%w: bad CDP url: %v", domain.ErrNoBrowser, err)
	}

	cmd := exec.Command(path,
		fmt.Sprintf("--remote-debugging-port=%s", u.Port()),
		fmt.Sprintf("--user-data-dir=%s", p.cfg.ChromeUserDataDir),
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: starting %s: %v", domain.ErrNoBrowser, path, err)
	}
	// The browser outlives us; do not reap it.
	_ = cmd.Process.Release()
	return nil
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
