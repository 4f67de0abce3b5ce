// Package paginate drives repeated fetches of a paged resource and decides
// when to stop, using either a declared total or an empty-page streak
// heuristic when no reliable total exists.
package paginate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Page is one fetched result page.
type Page struct {
	Index int
	Items []json.RawMessage

	// TotalCount is the declared total item count, or <= 0 when the
	// response carries none.
	TotalCount int

	// TotalPages is a directly declared page count; some endpoints report
	// this instead of an item count. <= 0 when absent.
	TotalPages int

	// HasTotal marks that the response declared a total at all. A declared
	// zero is a real answer and must not fall through to the streak
	// heuristic the way a missing total does.
	HasTotal bool
}

// Fetcher retrieves the page at the given index.
type Fetcher func(ctx context.Context, index int) (*Page, error)

// Visit consumes a page in arrival order. Returning an error aborts the run.
type Visit func(page *Page) error

// State is the terminal condition of a run.
type State string

const (
	Completed        State = "completed"
	CompletedPartial State = "completed_partial"
	Failed           State = "failed"
)

// Outcome describes how a run ended.
type Outcome struct {
	State  State
	Pages  int // pages visited
	Items  int // items accumulated across visited pages
	Reason string
}

// Options configures a controller for one resource.
type Options struct {
	StartIndex int // 0 or 1, per the target's indexing convention
	PageSize   int
	MaxPages   int           // hard cap regardless of declared totals
	MinWait    time.Duration // inter-page wait lower bound
	MaxWait    time.Duration // inter-page wait upper bound
}

// Controller drives pagination for one resource. It is not restartable:
// running it again re-triggers network fetches.
type Controller struct {
	opts   Options
	logger *zap.Logger

	// sleep is swappable so tests do not wait out randomized intervals.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewController(opts Options, logger *zap.Logger) *Controller {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1
	}
	return &Controller{
		opts:   opts,
		logger: logger,
		sleep:  sleepCtx,
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

// Run fetches pages strictly in increasing index order, handing each to
// visit. Failure to obtain the first page fails the whole run; later
// failures stop it early with a partial outcome.
func (c *Controller) Run(ctx context.Context, fetch Fetcher, visit Visit) (Outcome, error) {
	first, err := fetch(ctx, c.opts.StartIndex)
	if err != nil {
		return Outcome{State: Failed}, fmt.Errorf("page %d: %w", c.opts.StartIndex, err)
	}

	totalPages := c.declaredPages(first)
	capped := totalPages <= 0 // no declared total: only the cap or the streak stops us
	if totalPages > c.opts.MaxPages {
		totalPages = c.opts.MaxPages
		capped = true
	}

	out := Outcome{State: Completed}
	if err := c.consume(first, visit, &out); err != nil {
		return Outcome{State: Failed}, err
	}

	lastIndex := c.opts.StartIndex + c.opts.MaxPages - 1
	if totalPages > 0 {
		lastIndex = c.opts.StartIndex + totalPages - 1
	}

	for index := c.opts.StartIndex + 1; index <= lastIndex; index++ {
		if err := c.wait(ctx); err != nil {
			return out, err
		}

		page, err := fetch(ctx, index)
		if err != nil {
			c.logger.Warn("page fetch failed, stopping early",
				zap.Int("index", index), zap.Error(err))
			out.State = CompletedPartial
			out.Reason = fmt.Sprintf("page %d failed: %v", index, err)
			return out, nil
		}

		if len(page.Items) == 0 && totalPages <= 0 {
			// No declared total to trust: decide via the streak heuristic.
			if c.streakExhausted(ctx, fetch, index) {
				out.State = CompletedPartial
				out.Reason = "empty page streak"
				return out, nil
			}
		}

		if err := c.consume(page, visit, &out); err != nil {
			return out, err
		}
	}

	if capped {
		out.State = CompletedPartial
		out.Reason = "hard page cap reached"
	}
	return out, nil
}

// declaredPages derives the page count a first response claims, clamped to
// at least 1. A declared total of zero still counts the page already
// fetched, so the run ends after it. Returns 0 when nothing is declared.
func (c *Controller) declaredPages(first *Page) int {
	if first.TotalPages > 0 {
		return first.TotalPages
	}
	if first.TotalCount > 0 {
		n := (first.TotalCount + c.opts.PageSize - 1) / c.opts.PageSize
		if n < 1 {
			n = 1
		}
		return n
	}
	if first.HasTotal {
		return 1
	}
	return 0
}

// streakExhausted re-probes up to 4 of the pages immediately before index.
// When the current page plus the probes yield at least 5 empties, the
// resource is considered exhausted. A single transient empty response is
// therefore not enough to terminate, at a bounded re-fetch cost.
func (c *Controller) streakExhausted(ctx context.Context, fetch Fetcher, index int) bool {
	empty := 1 // the current page
	for back := 1; back <= 4; back++ {
		probe := index - back
		if probe < c.opts.StartIndex {
			break
		}
		page, err := fetch(ctx, probe)
		if err != nil || len(page.Items) == 0 {
			empty++
		}
	}
	if empty >= 5 {
		c.logger.Info("empty page streak confirmed, stopping",
			zap.Int("index", index), zap.Int("empty_probes", empty))
		return true
	}
	return false
}

func (c *Controller) consume(page *Page, visit Visit, out *Outcome) error {
	if err := visit(page); err != nil {
		return err
	}
	out.Pages++
	out.Items += len(page.Items)
	return nil
}

// wait sleeps a randomized interval within [MinWait, MaxWait]. The wait is
// mandatory: skipping it materially increases credential rejection.
func (c *Controller) wait(ctx context.Context) error {
	if c.opts.MaxWait <= 0 {
		return nil
	}
	d := c.opts.MinWait
	if spread := c.opts.MaxWait - c.opts.MinWait; spread > 0 {
		d += time.Duration(rand.Int63n(int64(spread)))
	}
	return c.sleep(ctx, d)
}
