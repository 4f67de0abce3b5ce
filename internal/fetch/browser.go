package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"harvester/internal/domain"
)

// TabSource opens fresh tabs on the shared browser.
type TabSource interface {
	NewTab(ctx context.Context) (context.Context, context.CancelFunc, error)
}

// BrowserTransport navigates to a composed URL inside the shared browser and
// intercepts the matching network response. It is used for resources whose
// server inspects browser-level signals a plain client cannot replicate.
type BrowserTransport struct {
	tabs    TabSource
	timeout time.Duration
	logger  *zap.Logger
}

func NewBrowserTransport(tabs TabSource, timeout time.Duration, logger *zap.Logger) *BrowserTransport {
	return &BrowserTransport{tabs: tabs, timeout: timeout, logger: logger}
}

type intercepted struct {
	status int
	body   []byte
	err    error
}

func (t *BrowserTransport) Do(ctx context.Context, endpoint string, req *Request, sess *domain.Session) (*Response, error) {
	tabCtx, closeTab, err := t.tabs.NewTab(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer closeTab()

	fullURL := endpoint
	if len(req.Query) > 0 {
		fullURL += "?" + req.Query.Encode()
	}

	// Awaitable future fulfilled by the first response matching the target
	// endpoint; resolution or timeout, never a silent hang.
	done := make(chan intercepted, 1)
	var matchedID network.RequestID
	var matchedStatus int

	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			if matchedID == "" && strings.HasPrefix(e.Response.URL, endpoint) {
				matchedID = e.RequestID
				matchedStatus = int(e.Response.Status)
				if matchedStatus != http.StatusOK {
					// Body of an error response is not needed; resolve now.
					select {
					case done <- intercepted{status: matchedStatus}:
					default:
					}
				}
			}
		case *network.EventLoadingFinished:
			if matchedID == "" || e.RequestID != matchedID {
				return
			}
			id, status := matchedID, matchedStatus
			go func() {
				var body []byte
				err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(cctx context.Context) error {
					var err error
					body, err = network.GetResponseBody(id).Do(cctx)
					return err
				}))
				select {
				case done <- intercepted{status: status, body: body, err: err}:
				default:
				}
			}()
		}
	})

	runCtx, cancel := context.WithTimeout(tabCtx, t.timeout)
	defer cancel()

	actions := []chromedp.Action{network.Enable()}
	if req.Headers != nil {
		if hdrs := cdpHeaders(req.Headers(sess)); len(hdrs) > 0 {
			actions = append(actions, network.SetExtraHTTPHeaders(hdrs))
		}
	}
	actions = append(actions, chromedp.Navigate(fullURL))

	if err := chromedp.Run(runCtx, actions...); err != nil {
		return nil, fmt.Errorf("%w: navigate %s: %v", ErrNoResponse, endpoint, err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: response body: %v", ErrNoResponse, r.err)
		}
		if r.status == http.StatusOK && !json.Valid(r.body) {
			return nil, fmt.Errorf("%w: intercepted body is not valid JSON", ErrNoResponse)
		}
		return &Response{StatusCode: r.status, Body: r.body}, nil
	case <-runCtx.Done():
		return nil, fmt.Errorf("%w: timed out waiting for %s", ErrNoResponse, endpoint)
	}
}

// RenderOptions configures a rendered-page fetch.
type RenderOptions struct {
	Headers   http.Header
	ScrollBy  int
	WaitExpr  string // JS predicate polled until truthy; best effort
	SettleMin time.Duration
	SettleMax time.Duration
}

// Render navigates to pageURL in a fresh tab and returns the rendered HTML.
// Used for resources whose data only exists after client-side rendering.
func (t *BrowserTransport) Render(ctx context.Context, pageURL string, opts RenderOptions) (string, error) {
	tabCtx, closeTab, err := t.tabs.NewTab(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer closeTab()

	runCtx, cancel := context.WithTimeout(tabCtx, t.timeout)
	defer cancel()

	actions := []chromedp.Action{network.Enable()}
	if hdrs := cdpHeaders(opts.Headers); len(hdrs) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(hdrs))
	}
	actions = append(actions, chromedp.Navigate(pageURL))
	if opts.ScrollBy != 0 {
		actions = append(actions, chromedp.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, opts.ScrollBy), nil))
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return "", fmt.Errorf("%w: navigate %s: %v", domain.ErrTransport, pageURL, err)
	}

	if opts.WaitExpr != "" {
		// The predicate guards against reading the page before its data
		// script is populated; a slow page is not fatal.
		waitCtx, waitCancel := context.WithTimeout(runCtx, 20*time.Second)
		if err := chromedp.Run(waitCtx, chromedp.Poll(opts.WaitExpr, nil)); err != nil {
			t.logger.Warn("render wait condition not met, continuing",
				zap.String("url", pageURL), zap.Error(err))
		}
		waitCancel()
	}

	if opts.SettleMax > 0 {
		settle := opts.SettleMin
		if opts.SettleMax > opts.SettleMin {
			settle += time.Duration(rand.Int63n(int64(opts.SettleMax - opts.SettleMin)))
		}
		if err := chromedp.Run(runCtx, chromedp.Sleep(settle)); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrTransport, err)
		}
	}

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("%w: reading page content: %v", domain.ErrTransport, err)
	}
	return html, nil
}

func cdpHeaders(h http.Header) network.Headers {
	if len(h) == 0 {
		return nil
	}
	out := make(network.Headers, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}
