package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/admission"
	"github.com/JakeFAU/quote-harvester/internal/crawler"
	"github.com/JakeFAU/quote-harvester/internal/metrics"
)

// taskState is a page task's position in its lifecycle.
type taskState string

const (
	stateScheduled        taskState = "scheduled"
	stateWaitingForPermit taskState = "waiting_for_permit"
	stateFetching         taskState = "fetching"
	stateParsing          taskState = "parsing"
	stateDelivered        taskState = "delivered"
	stateFailed           taskState = "failed"
	stateCanceled         taskState = "canceled"
)

// processPage walks one page through permit → fetch → parse. The returned
// permit (nil if none was granted) must be released by the caller after the
// outcome has been delivered.
func (c *Coordinator) processPage(
	ctx context.Context,
	logger *zap.Logger,
	page int,
) (crawler.PageOutcome, *admission.Permit) {
	start := time.Now()
	outcome := crawler.PageOutcome{Page: page}
	finish := func(status crawler.PageStatus, err error) crawler.PageOutcome {
		outcome.Status = status
		outcome.Duration = time.Since(start)
		if err != nil {
			outcome.Err = &crawler.PageError{Page: page, Err: err}
			outcome.ErrorText = err.Error()
		}
		return outcome
	}

	c.transition(logger, stateScheduled)
	pageURL, err := crawler.PageURL(c.base, c.cfg.PagePath, page)
	if err != nil {
		c.transition(logger, stateFailed, zap.Error(err))
		return finish(crawler.PageStatusFailed, err), nil
	}
	outcome.URL = pageURL

	c.transition(logger, stateWaitingForPermit)
	permit, err := c.admission.Acquire(ctx)
	if err != nil {
		c.transition(logger, stateCanceled, zap.Error(err))
		return finish(crawler.PageStatusCanceled, err), nil
	}
	// A permit can be granted in the same instant the run is canceled.
	if err := ctx.Err(); err != nil {
		c.transition(logger, stateCanceled, zap.Error(err))
		return finish(crawler.PageStatusCanceled, err), permit
	}

	c.transition(logger, stateFetching)
	fetchStart := time.Now()
	resp, err := c.fetcher.Fetch(ctx, crawler.FetchRequest{Page: page, URL: pageURL})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			metrics.ObserveFetch("canceled", time.Since(fetchStart))
			c.transition(logger, stateCanceled, zap.Error(err))
			return finish(crawler.PageStatusCanceled, err), permit
		}
		metrics.ObserveFetch("error", time.Since(fetchStart))
		c.transition(logger, stateFailed, zap.Error(err))
		return finish(crawler.PageStatusFailed, err), permit
	}
	metrics.ObserveFetch("ok", time.Since(fetchStart))

	c.transition(logger, stateParsing, zap.Int("bytes", len(resp.Body)))
	extraction, err := c.extractor.Extract(resp.Body)
	if err != nil {
		c.transition(logger, stateFailed, zap.Error(err))
		return finish(crawler.PageStatusFailed, err), permit
	}
	for _, m := range extraction.Malformed {
		logger.Warn("skipping malformed record container", zap.String("url", pageURL), zap.Error(m))
	}

	outcome.Records = extraction.Records
	outcome.Count = len(extraction.Records)
	outcome.Malformed = len(extraction.Malformed)
	status := crawler.PageStatusDelivered
	if outcome.Count == 0 {
		status = crawler.PageStatusEmpty
	}
	return finish(status, nil), permit
}

// deliver hands an outcome to the collector. A closed collector or a
// canceled send only happens during shutdown and is not an error.
func (c *Coordinator) deliver(
	ctx context.Context,
	logger *zap.Logger,
	send func(context.Context, crawler.PageOutcome) error,
	outcome crawler.PageOutcome,
) {
	if err := send(ctx, outcome); err != nil {
		logger.Debug("collector unavailable; dropping page outcome", zap.Error(err))
		return
	}
	if outcome.Status == crawler.PageStatusDelivered || outcome.Status == crawler.PageStatusEmpty {
		c.transition(logger, stateDelivered, zap.Int("records", outcome.Count))
	}
	metrics.ObservePage(outcome.URL, string(outcome.Status), outcome.Count, outcome.Malformed)
}

func (c *Coordinator) transition(logger *zap.Logger, state taskState, fields ...zap.Field) {
	metrics.ObserveTransition(string(state))
	logger.Debug("page task "+string(state), fields...)
}
