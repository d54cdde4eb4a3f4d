package crawler

import (
	"context"
	"time"
)

// Fetcher fetches a listing page and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor turns one page of markup into Records.
type Extractor interface {
	Extract(markup []byte) (Extraction, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
