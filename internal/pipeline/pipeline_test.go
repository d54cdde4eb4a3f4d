package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/quote-harvester/internal/crawler"
	"github.com/JakeFAU/quote-harvester/internal/extract"
)

const testBase = "https://quotes.test/"

// quotesPage renders n well-formed quote containers for page p.
func quotesPage(p, n int) []byte {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b,
			`<div class="quote"><span class="text">q%d-%d</span><small class="author">a%d</small>`+
				`<a class="tag">t1</a><a class="tag">t2</a></div>`,
			p, i, p)
	}
	b.WriteString("</body></html>")
	return []byte(b.String())
}

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[int][]byte
	errs     map[int]error
	delay    time.Duration
	block    map[int]bool
	calls    atomic.Int64
	inFlight atomic.Int64
	peak     atomic.Int64
	limit    int64
	overrun  atomic.Bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if f.limit > 0 && n > f.limit {
		f.overrun.Store(true)
	}
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}

	f.mu.Lock()
	body, hasBody := f.pages[req.Page]
	err := f.errs[req.Page]
	blocked := f.block[req.Page]
	f.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return crawler.FetchResponse{}, fmt.Errorf("fake fetch canceled: %w", ctx.Err())
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return crawler.FetchResponse{}, fmt.Errorf("fake fetch canceled: %w", ctx.Err())
		case <-time.After(f.delay):
		}
	}
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if !hasBody {
		body = []byte("<html><body><p>No quotes found!</p></body></html>")
	}
	return crawler.FetchResponse{Page: req.Page, URL: req.URL, StatusCode: http.StatusOK, Body: body}, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	next atomic.Int64
	err  error
}

func (g *fakeIDGen) NewID() (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("run-%d", g.next.Add(1)), nil
}

func newCoordinator(t *testing.T, fetcher crawler.Fetcher, cfg Config) *Coordinator {
	t.Helper()
	ex, err := extract.New(extract.DefaultRules())
	require.NoError(t, err)
	if cfg.BaseURL == "" {
		cfg.BaseURL = testBase
	}
	c, err := New(fetcher, ex, cfg, &fakeClock{now: time.Unix(100, 0)}, &fakeIDGen{}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestRunNeverExceedsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	const limit = 3
	f := &fakeFetcher{delay: 5 * time.Millisecond, limit: limit}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 41, Concurrency: limit})

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Pages, 40)
	require.False(t, f.overrun.Load(), "fetcher saw more than %d concurrent calls", limit)
	require.LessOrEqual(t, f.peak.Load(), int64(limit))
	require.Equal(t, int64(40), f.calls.Load())
}

func TestRunCollectsEveryRecord(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[int][]byte{}}
	want := 0
	for p := 1; p < 20; p++ {
		f.pages[p] = quotesPage(p, p%4+1)
		want += p%4 + 1
	}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 20, Concurrency: 8})

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Records, want)
	require.Len(t, result.Pages, 19)
	require.False(t, result.Partial())
	require.Equal(t, "run-1", result.RunID)
	require.Equal(t, time.Unix(100, 0), result.StartedAt)

	for i, page := range result.Pages {
		require.Equal(t, i+1, page.Page, "pages are reported in index order")
		require.Equal(t, crawler.PageStatusDelivered, page.Status)
		require.Equal(t, fmt.Sprintf("%spage/%d/", testBase, page.Page), page.URL)
		require.Len(t, page.Records, page.Count)
	}
	require.Equal(t, []string{"t1", "t2"}, result.Records[0].Tags)
}

func TestRunPartialFailureKeepsOtherPages(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		pages: map[int][]byte{1: quotesPage(1, 2), 2: quotesPage(2, 2), 4: quotesPage(4, 2)},
		errs: map[int]error{
			3: &crawler.HTTPStatusError{URL: testBase + "page/3/", StatusCode: http.StatusInternalServerError},
		},
	}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 5, Concurrency: 2})

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Records, 6)
	require.True(t, result.Partial())

	failed := result.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, 3, failed[0].Page)
	require.Contains(t, failed[0].ErrorText, "unexpected status 500")

	var statusErr *crawler.HTTPStatusError
	require.ErrorAs(t, result.Err(), &statusErr)
	var pageErr *crawler.PageError
	require.ErrorAs(t, failed[0].Err, &pageErr)
	require.Equal(t, 3, pageErr.Page)
}

func TestRunDistinguishesEmptyFromFailed(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		pages: map[int][]byte{1: quotesPage(1, 1)},
		errs:  map[int]error{3: &crawler.TransportError{URL: "x", Err: errors.New("refused")}},
	}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 4})

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.PageStatusDelivered, result.Pages[0].Status)
	require.Equal(t, crawler.PageStatusEmpty, result.Pages[1].Status)
	require.NoError(t, result.Pages[1].Err)
	require.Equal(t, crawler.PageStatusFailed, result.Pages[2].Status)
}

func TestRunReportsMalformedContainers(t *testing.T) {
	t.Parallel()

	body := []byte(`<div class="quote"><span class="text">ok</span><small class="author">a</small></div>` +
		`<div class="quote"><span class="text">no author</span></div>`)
	f := &fakeFetcher{pages: map[int][]byte{1: body}}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 2})

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	require.Equal(t, 1, result.Pages[0].Malformed)
	require.Equal(t, crawler.PageStatusDelivered, result.Pages[0].Status)
}

func TestRunFailFastCancelsRemainingPages(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{
		pages: map[int][]byte{1: quotesPage(1, 3)},
		errs: map[int]error{
			2: &crawler.HTTPStatusError{URL: testBase + "page/2/", StatusCode: http.StatusBadGateway},
		},
		block: map[int]bool{3: true, 4: true, 5: true, 6: true},
	}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 7, Concurrency: 6, FailureMode: FailureFast})

	done := make(chan struct{})
	var (
		result crawler.RunResult
		err    error
	)
	go func() {
		result, err = c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fail-fast run did not abort")
	}

	var runErr *crawler.RunError
	require.ErrorAs(t, err, &runErr)
	require.Equal(t, result.RunID, runErr.RunID)
	var statusErr *crawler.HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.StatusCode)

	require.Len(t, result.Pages, 6)
	counts := result.Counts()
	require.Equal(t, 1, counts[crawler.PageStatusFailed])
	require.GreaterOrEqual(t, counts[crawler.PageStatusCanceled], 4)
	require.Equal(t, 5, counts[crawler.PageStatusCanceled]+counts[crawler.PageStatusDelivered])
}

func TestRunFailFastWithoutFailuresSucceeds(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[int][]byte{1: quotesPage(1, 2), 2: quotesPage(2, 2)}}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 3, FailureMode: FailureFast})

	result, err := c.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Records, 4)
}

func TestRunPlanOverridesFailureMode(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{errs: map[int]error{1: errors.New("boom")}}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 2})

	_, err := c.RunPlan(context.Background(), Plan{FirstPage: 1, LastPage: 2, FailureMode: FailureFast})
	require.ErrorContains(t, err, "boom")

	result, err := c.RunPlan(context.Background(), Plan{FirstPage: 1, LastPage: 2})
	require.NoError(t, err)
	require.True(t, result.Partial())
}

func TestRunCallerCancellation(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{block: map[int]bool{}}
	for p := 1; p < 30; p++ {
		f.block[p] = true
	}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 30, Concurrency: 4})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	done := make(chan struct{})
	var (
		result crawler.RunResult
		err    error
	)
	go func() {
		result, err = c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, result.Pages, 29)
	require.Equal(t, 29, result.Counts()[crawler.PageStatusCanceled])
	require.LessOrEqual(t, f.calls.Load(), int64(4), "no new fetches once canceled")
	require.Empty(t, result.Records)
}

func TestRunEmptyRangeDrainsImmediately(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 20})

	result, err := c.RunPlan(context.Background(), Plan{FirstPage: 5, LastPage: 5})
	require.NoError(t, err)
	require.Empty(t, result.Records)
	require.Empty(t, result.Pages)
	require.Zero(t, f.calls.Load())
}

func TestRunIsRepeatable(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{pages: map[int][]byte{1: quotesPage(1, 3), 2: quotesPage(2, 3)}}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 3})

	first, err := c.Run(context.Background())
	require.NoError(t, err)
	second, err := c.Run(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, first.Records, second.Records)
	require.NotEqual(t, first.RunID, second.RunID)
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, &fakeFetcher{}, Config{FirstPage: 1, LastPage: 2})

	_, err := c.RunPlan(context.Background(), Plan{FirstPage: 0, LastPage: 3})
	require.ErrorContains(t, err, "first page must be >= 1")
	_, err = c.RunPlan(context.Background(), Plan{FirstPage: 4, LastPage: 3})
	require.ErrorContains(t, err, "must be >= first page")
	_, err = c.RunPlan(context.Background(), Plan{FirstPage: 1, LastPage: 3, FailureMode: "sometimes"})
	require.ErrorContains(t, err, "unknown failure mode")
}

func TestRunRejectsOversizedPageRange(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 2, MaxPages: 10})
	ctx := context.Background()

	_, err := c.RunPlan(ctx, Plan{FirstPage: 1, LastPage: math.MaxInt})
	require.ErrorContains(t, err, "more than the limit of 10")
	_, err = c.RunPlan(ctx, Plan{FirstPage: 1, LastPage: 50, MaxPages: 1000})
	require.ErrorContains(t, err, "more than the limit of 10", "a plan cannot raise the configured limit")
	_, err = c.RunPlan(ctx, Plan{FirstPage: 1, LastPage: 6, MaxPages: 3})
	require.ErrorContains(t, err, "more than the limit of 3")
	require.Zero(t, f.calls.Load())

	result, err := c.RunPlan(ctx, Plan{FirstPage: 1, LastPage: 11})
	require.NoError(t, err)
	require.Len(t, result.Pages, 10)

	require.ErrorContains(t, Plan{FirstPage: 1, LastPage: math.MaxInt}.Validate(), "limit of 1000")

	ex, err := extract.New(extract.DefaultRules())
	require.NoError(t, err)
	_, err = New(f, ex, Config{BaseURL: testBase, FirstPage: 1, LastPage: 5000}, &fakeClock{}, &fakeIDGen{}, nil)
	require.ErrorContains(t, err, "invalid default plan")
}

// Not parallel: it asserts exact deltas on process-wide collectors.
func TestFetchDurationLabelsOutcomes(t *testing.T) {
	f := &fakeFetcher{
		pages: map[int][]byte{3: quotesPage(3, 1)},
		errs:  map[int]error{1: &crawler.HTTPStatusError{URL: "u", StatusCode: http.StatusBadGateway}},
		block: map[int]bool{2: true},
	}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 4, Concurrency: 3})

	before := map[string]uint64{}
	for _, outcome := range []string{"ok", "error", "canceled"} {
		before[outcome] = fetchSamples(t, outcome)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for f.calls.Load() < 3 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	result, err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, map[crawler.PageStatus]int{
		crawler.PageStatusDelivered: 1,
		crawler.PageStatusFailed:    1,
		crawler.PageStatusCanceled:  1,
	}, result.Counts())

	require.Equal(t, before["ok"]+1, fetchSamples(t, "ok"))
	require.Equal(t, before["error"]+1, fetchSamples(t, "error"))
	require.Equal(t, before["canceled"]+1, fetchSamples(t, "canceled"))
}

func TestSlowCollectorBackpressuresProducers(t *testing.T) {
	t.Parallel()

	const limit = 2
	f := &fakeFetcher{limit: limit}
	c := newCoordinator(t, f, Config{FirstPage: 1, LastPage: 11, Concurrency: limit})
	gate := make(chan struct{})
	c.onCollect = func(crawler.PageOutcome) { <-gate }

	var (
		result crawler.RunResult
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, runErr = c.Run(context.Background())
	}()

	// One outcome held by the consumer, limit buffered, and limit producers
	// blocked on send while still holding their permits.
	const settled = 1 + 2*limit
	require.Eventually(t, func() bool {
		return f.calls.Load() == settled && c.admission.InFlight() == limit
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(settled), f.calls.Load(), "no fetch starts while every permit waits on the collector")
	require.Equal(t, limit, c.admission.InFlight())

	close(gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after the collector resumed")
	}
	require.NoError(t, runErr)
	require.Len(t, result.Pages, 10)
	require.Equal(t, int64(10), f.calls.Load())
	require.False(t, f.overrun.Load())
	require.Zero(t, c.admission.InFlight())
}

func fetchSamples(t *testing.T, outcome string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "harvester_fetch_duration_seconds" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "outcome" && label.GetValue() == outcome {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestRunIDGenerationFailure(t *testing.T) {
	t.Parallel()

	ex, err := extract.New(extract.DefaultRules())
	require.NoError(t, err)
	c, err := New(&fakeFetcher{}, ex, Config{BaseURL: testBase, FirstPage: 1, LastPage: 2},
		&fakeClock{}, &fakeIDGen{err: errors.New("entropy")}, nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.ErrorContains(t, err, "generate run id")
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	ex, err := extract.New(extract.DefaultRules())
	require.NoError(t, err)
	clock := &fakeClock{}
	ids := &fakeIDGen{}

	_, err = New(nil, ex, Config{BaseURL: testBase, FirstPage: 1, LastPage: 2}, clock, ids, nil)
	require.ErrorContains(t, err, "fetcher")
	_, err = New(&fakeFetcher{}, nil, Config{BaseURL: testBase, FirstPage: 1, LastPage: 2}, clock, ids, nil)
	require.ErrorContains(t, err, "extractor")
	_, err = New(&fakeFetcher{}, ex, Config{BaseURL: "ftp://x", FirstPage: 1, LastPage: 2}, clock, ids, nil)
	require.ErrorContains(t, err, "scheme")
	_, err = New(&fakeFetcher{}, ex, Config{BaseURL: testBase}, clock, ids, nil)
	require.ErrorContains(t, err, "first page")

	c, err := New(&fakeFetcher{}, ex, Config{BaseURL: testBase, FirstPage: 1, LastPage: 2}, clock, ids, nil)
	require.NoError(t, err)
	require.Equal(t, 8, c.Concurrency())
	require.Equal(t, FailurePartial, c.DefaultPlan().FailureMode)
}

func TestParseFailureMode(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]FailureMode{
		"":          FailurePartial,
		"partial":   FailurePartial,
		"fail-fast": FailureFast,
		"FAIL_FAST": FailureFast,
		" failfast": FailureFast,
	} {
		got, err := ParseFailureMode(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseFailureMode("retry")
	require.Error(t, err)
}
