package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultPagePath is the listing page template joined onto the base URL.
const DefaultPagePath = "page/%d/"

// ParseBaseURL validates a base URL and guarantees a trailing slash so page
// paths resolve beneath it rather than replacing its last segment.
func ParseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q: missing host", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.Fragment = ""
	return u, nil
}

// PageURL resolves the page path template for page n against base.
func PageURL(base *url.URL, template string, n int) (string, error) {
	if base == nil {
		return "", errors.New("base url is nil")
	}
	if n <= 0 {
		return "", fmt.Errorf("page index must be positive, got %d", n)
	}
	if template == "" {
		template = DefaultPagePath
	}
	ref, err := url.Parse(fmt.Sprintf(template, n))
	if err != nil {
		return "", fmt.Errorf("parse page path: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
