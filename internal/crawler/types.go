package crawler

import (
	"errors"
	"time"
)

// Record is one extracted quote.
type Record struct {
	Text   string   `json:"text"`
	Author string   `json:"author"`
	Tags   []string `json:"tags"`
}

// Extraction is the output of parsing one page of markup.
type Extraction struct {
	Records []Record
	// Malformed holds one *MalformedMarkupError per skipped container.
	Malformed []error
}

// PageStatus represents the terminal state of a page task.
type PageStatus string

// Page status values reported in a RunResult.
const (
	PageStatusDelivered PageStatus = "delivered"
	PageStatusEmpty     PageStatus = "empty"
	PageStatusFailed    PageStatus = "failed"
	PageStatusCanceled  PageStatus = "canceled"
)

// FetchRequest captures everything needed to fetch one listing page.
type FetchRequest struct {
	Page int
	URL  string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	Page       int
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// PageOutcome is delivered by every page task, successful or not.
type PageOutcome struct {
	Page      int           `json:"page"`
	URL       string        `json:"url"`
	Status    PageStatus    `json:"status"`
	Records   []Record      `json:"-"`
	Count     int           `json:"records"`
	Malformed int           `json:"malformed"`
	Err       error         `json:"-"`
	ErrorText string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// RunResult is the aggregated output of one pipeline run.
type RunResult struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Records    []Record      `json:"records"`
	Pages      []PageOutcome `json:"pages"`
}

// Failed returns the outcomes of pages that could not be fetched or parsed.
func (r RunResult) Failed() []PageOutcome {
	var out []PageOutcome
	for _, p := range r.Pages {
		if p.Status == PageStatusFailed {
			out = append(out, p)
		}
	}
	return out
}

// Partial reports whether any page failed or was canceled.
func (r RunResult) Partial() bool {
	for _, p := range r.Pages {
		if p.Status == PageStatusFailed || p.Status == PageStatusCanceled {
			return true
		}
	}
	return false
}

// Err joins the errors of all failed pages, or returns nil.
func (r RunResult) Err() error {
	var errs []error
	for _, p := range r.Failed() {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	return errors.Join(errs...)
}

// Counts tallies page outcomes by status.
func (r RunResult) Counts() map[PageStatus]int {
	counts := make(map[PageStatus]int, 4)
	for _, p := range r.Pages {
		counts[p.Status]++
	}
	return counts
}

// RunSummary is the record-free view of a run used for listings.
type RunSummary struct {
	RunID      string             `json:"run_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Records    int                `json:"records"`
	Pages      map[PageStatus]int `json:"pages"`
	Partial    bool               `json:"partial"`
}

// Summary condenses r into a RunSummary.
func (r RunResult) Summary() RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Records:    len(r.Records),
		Pages:      r.Counts(),
		Partial:    r.Partial(),
	}
}
