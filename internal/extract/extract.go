// Package extract turns listing-page markup into Records using CSS selector
// rules compiled once at construction.
package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/JakeFAU/quote-harvester/internal/crawler"
)

// Rules maps each semantic field to a CSS selector.
type Rules struct {
	Container string `mapstructure:"container"`
	Text      string `mapstructure:"text"`
	Author    string `mapstructure:"author"`
	Tag       string `mapstructure:"tag"`
}

// DefaultRules matches the quotes.toscrape.com listing layout.
func DefaultRules() Rules {
	return Rules{
		Container: ".quote",
		Text:      ".text",
		Author:    ".author",
		Tag:       ".tag",
	}
}

// Extractor implements crawler.Extractor. It holds only compiled selectors
// and is safe for concurrent use.
type Extractor struct {
	rules     Rules
	container cascadia.Selector
	text      cascadia.Selector
	author    cascadia.Selector
	tag       cascadia.Selector
}

// New compiles rules into an Extractor.
func New(rules Rules) (*Extractor, error) {
	e := &Extractor{rules: rules}
	fields := []struct {
		name string
		raw  string
		dst  *cascadia.Selector
	}{
		{"container", rules.Container, &e.container},
		{"text", rules.Text, &e.text},
		{"author", rules.Author, &e.author},
		{"tag", rules.Tag, &e.tag},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			return nil, fmt.Errorf("selector %s must be set", f.name)
		}
		sel, err := cascadia.Compile(f.raw)
		if err != nil {
			return nil, fmt.Errorf("compile %s selector %q: %w", f.name, f.raw, err)
		}
		*f.dst = sel
	}
	return e, nil
}

// Rules returns the selector rules the Extractor was built from.
func (e *Extractor) Rules() Rules {
	return e.rules
}

// Extract returns one Record per well-formed container. Containers missing
// text or author are skipped and reported in Extraction.Malformed.
func (e *Extractor) Extract(markup []byte) (crawler.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return crawler.Extraction{}, fmt.Errorf("parse markup: %w", err)
	}

	var out crawler.Extraction
	doc.FindMatcher(e.container).Each(func(i int, container *goquery.Selection) {
		record, missing := e.extractOne(container)
		if missing != "" {
			out.Malformed = append(out.Malformed, &crawler.MalformedMarkupError{Index: i, Field: missing})
			return
		}
		out.Records = append(out.Records, record)
	})
	return out, nil
}

func (e *Extractor) extractOne(container *goquery.Selection) (crawler.Record, string) {
	text := container.FindMatcher(e.text).First()
	if text.Length() == 0 {
		return crawler.Record{}, "text"
	}
	author := container.FindMatcher(e.author).First()
	if author.Length() == 0 {
		return crawler.Record{}, "author"
	}
	tags := container.FindMatcher(e.tag).Map(func(_ int, s *goquery.Selection) string {
		return strings.TrimSpace(s.Text())
	})
	if tags == nil {
		tags = []string{}
	}
	return crawler.Record{
		Text:   strings.TrimSpace(text.Text()),
		Author: strings.TrimSpace(author.Text()),
		Tags:   tags,
	}, ""
}
