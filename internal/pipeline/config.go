package pipeline

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/quote-harvester/internal/admission"
	"github.com/JakeFAU/quote-harvester/internal/crawler"
)

// FailureMode decides what a page failure does to the rest of the run.
type FailureMode string

// Supported failure modes.
const (
	// FailurePartial records failed pages and keeps going.
	FailurePartial FailureMode = "partial"
	// FailureFast cancels the run on the first failed page.
	FailureFast FailureMode = "fail-fast"
)

// DefaultMaxPages caps the page range of a plan when no limit is configured.
const DefaultMaxPages = 1000

// ParseFailureMode accepts the config spelling of a FailureMode.
func ParseFailureMode(raw string) (FailureMode, error) {
	switch FailureMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FailurePartial:
		return FailurePartial, nil
	case FailureFast, "failfast", "fail_fast":
		return FailureFast, nil
	default:
		return "", fmt.Errorf("unknown failure mode %q (want %q or %q)", raw, FailurePartial, FailureFast)
	}
}

// Config holds the settings for the Coordinator. It is decoupled from Viper
// so the pipeline can be built and tested independently.
type Config struct {
	BaseURL     string
	PagePath    string
	FirstPage   int
	LastPage    int
	Concurrency int
	MaxPages    int
	FailureMode FailureMode
}

// Plan is the per-run part of the configuration: the page range
// [FirstPage, LastPage) and the failure policy. MaxPages bounds the range;
// zero means DefaultMaxPages.
type Plan struct {
	FirstPage   int
	LastPage    int
	MaxPages    int
	FailureMode FailureMode
}

// Validate checks the page range and failure mode.
func (p Plan) Validate() error {
	if p.FirstPage < 1 {
		return fmt.Errorf("first page must be >= 1, got %d", p.FirstPage)
	}
	if p.LastPage < p.FirstPage {
		return fmt.Errorf("last page (%d) must be >= first page (%d)", p.LastPage, p.FirstPage)
	}
	limit := p.MaxPages
	if limit <= 0 {
		limit = DefaultMaxPages
	}
	if p.Pages() > limit {
		return fmt.Errorf("page range [%d,%d) spans %d pages, more than the limit of %d",
			p.FirstPage, p.LastPage, p.Pages(), limit)
	}
	if _, err := ParseFailureMode(string(p.FailureMode)); err != nil {
		return err
	}
	return nil
}

// Pages returns the number of page tasks the plan schedules.
func (p Plan) Pages() int {
	return p.LastPage - p.FirstPage
}

func (c Config) plan() Plan {
	return Plan{
		FirstPage:   c.FirstPage,
		LastPage:    c.LastPage,
		MaxPages:    c.MaxPages,
		FailureMode: c.FailureMode,
	}
}

func (c Config) withDefaults() Config {
	if c.PagePath == "" {
		c.PagePath = crawler.DefaultPagePath
	}
	if c.Concurrency <= 0 {
		c.Concurrency = admission.DefaultLimit
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.FailureMode == "" {
		c.FailureMode = FailurePartial
	}
	return c
}
