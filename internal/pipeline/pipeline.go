// Package pipeline runs the admission-controlled fetch/extract fan-out and
// aggregates every page's records into one RunResult.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/quote-harvester/internal/admission"
	"github.com/JakeFAU/quote-harvester/internal/crawler"
	"github.com/JakeFAU/quote-harvester/internal/metrics"
	"github.com/JakeFAU/quote-harvester/internal/queue/memory"
)

// Coordinator spawns one task per page, bounds fetch concurrency with an
// admission controller shared by every run, and collects outcomes over a
// bounded queue drained by a single consumer.
type Coordinator struct {
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	admission *admission.Controller
	clock     crawler.Clock
	idGen     crawler.IDGenerator
	cfg       Config
	base      *url.URL
	logger    *zap.Logger

	// onCollect, when set, runs on the consumer goroutine for each outcome.
	onCollect func(crawler.PageOutcome)
}

// New constructs a Coordinator.
func New(
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	cfg Config,
	clock crawler.Clock,
	idGen crawler.IDGenerator,
	logger *zap.Logger,
) (*Coordinator, error) {
	if fetcher == nil {
		return nil, errors.New("pipeline requires a fetcher")
	}
	if extractor == nil {
		return nil, errors.New("pipeline requires an extractor")
	}
	if clock == nil || idGen == nil {
		return nil, errors.New("pipeline requires a clock and id generator")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	base, err := crawler.ParseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if err := cfg.plan().Validate(); err != nil {
		return nil, fmt.Errorf("invalid default plan: %w", err)
	}
	metrics.Init()
	return &Coordinator{
		fetcher:   fetcher,
		extractor: extractor,
		admission: admission.New(cfg.Concurrency, admission.WithObserver(metrics.SetInFlight)),
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		base:      base,
		logger:    logger,
	}, nil
}

// DefaultPlan returns the page range and failure mode from configuration.
func (c *Coordinator) DefaultPlan() Plan {
	return c.cfg.plan()
}

// Concurrency returns the admission limit.
func (c *Coordinator) Concurrency() int {
	return c.admission.Limit()
}

// Run executes the default plan.
func (c *Coordinator) Run(ctx context.Context) (crawler.RunResult, error) {
	return c.RunPlan(ctx, c.DefaultPlan())
}

// RunPlan fetches and extracts every page in plan and returns once all page
// tasks have finished and the collector has been drained.
//
// In FailurePartial mode page failures are reported in the result and the
// returned error is nil unless ctx ends. In FailureFast mode the first page
// failure cancels the remaining tasks and is returned as a *crawler.RunError
// together with whatever was collected before the abort.
func (c *Coordinator) RunPlan(ctx context.Context, plan Plan) (crawler.RunResult, error) {
	if plan.FailureMode == "" {
		plan.FailureMode = c.cfg.FailureMode
	}
	// Callers may tighten the page limit but never raise it.
	if plan.MaxPages <= 0 || plan.MaxPages > c.cfg.MaxPages {
		plan.MaxPages = c.cfg.MaxPages
	}
	if err := plan.Validate(); err != nil {
		return crawler.RunResult{}, fmt.Errorf("invalid plan: %w", err)
	}
	mode, _ := ParseFailureMode(string(plan.FailureMode))

	runID, err := c.idGen.NewID()
	if err != nil {
		return crawler.RunResult{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := c.logger.With(zap.String("run_id", runID))
	result := crawler.RunResult{
		RunID:     runID,
		StartedAt: c.clock.Now(),
		Records:   []crawler.Record{},
		Pages:     make([]crawler.PageOutcome, 0, min(plan.Pages(), c.admission.Limit())),
	}
	logger.Info("harvest run started",
		zap.String("base_url", c.base.String()),
		zap.Int("first_page", plan.FirstPage),
		zap.Int("last_page", plan.LastPage),
		zap.Int("concurrency", c.admission.Limit()),
		zap.String("failure_mode", string(mode)),
	)

	collector := memory.NewQueue[crawler.PageOutcome](c.admission.Limit())
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		collector.Drain(func(outcome crawler.PageOutcome) {
			result.Records = append(result.Records, outcome.Records...)
			result.Pages = append(result.Pages, outcome)
			if c.onCollect != nil {
				c.onCollect(outcome)
			}
		})
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	// The consumer drains until Close, so a send can only block on a full
	// queue, never on an absent reader; it must not be cut short by a
	// fail-fast cancel or the failing page itself would go unreported.
	sendCtx := context.WithoutCancel(groupCtx)
	for page := plan.FirstPage; page < plan.LastPage; page++ {
		group.Go(func() error {
			pageLogger := logger.With(zap.Int("page", page))
			outcome, permit := c.processPage(groupCtx, pageLogger, page)
			c.deliver(sendCtx, pageLogger, collector.Enqueue, outcome)
			permit.Release()
			if mode == FailureFast && outcome.Status == crawler.PageStatusFailed {
				return outcome.Err
			}
			return nil
		})
	}
	waitErr := group.Wait()
	collector.Close()
	<-drained

	sort.SliceStable(result.Pages, func(i, j int) bool {
		return result.Pages[i].Page < result.Pages[j].Page
	})
	result.FinishedAt = c.clock.Now()

	return result, c.finishRun(ctx, logger, result, waitErr)
}

func (c *Coordinator) finishRun(
	ctx context.Context,
	logger *zap.Logger,
	result crawler.RunResult,
	waitErr error,
) error {
	counts := result.Counts()
	fields := []zap.Field{
		zap.Int("records", len(result.Records)),
		zap.Int("pages_delivered", counts[crawler.PageStatusDelivered]),
		zap.Int("pages_empty", counts[crawler.PageStatusEmpty]),
		zap.Int("pages_failed", counts[crawler.PageStatusFailed]),
		zap.Int("pages_canceled", counts[crawler.PageStatusCanceled]),
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
	}

	switch {
	case waitErr != nil:
		metrics.ObserveRun("aborted")
		logger.Error("harvest run aborted", append(fields, zap.Error(waitErr))...)
		return &crawler.RunError{RunID: result.RunID, Err: waitErr}
	case ctx.Err() != nil:
		metrics.ObserveRun("canceled")
		logger.Warn("harvest run canceled", append(fields, zap.Error(ctx.Err()))...)
		return fmt.Errorf("run %s canceled: %w", result.RunID, ctx.Err())
	case result.Partial():
		metrics.ObserveRun("partial")
		logger.Warn("harvest run finished with failed pages", append(fields, zap.Error(result.Err()))...)
		return nil
	default:
		metrics.ObserveRun("ok")
		logger.Info("harvest run finished", fields...)
		return nil
	}
}
