// Package source adapts the transports a download can read from to the
// ranged reads chunk downloaders need.
package source

import (
	"context"
	"fmt"
	"io"

	"github.com/tanq16/chunkwise/internal/utils"
)

// Descriptor is what a source knows about its resource before transfer.
// Length is -1 when the size is unknown.
type Descriptor struct {
	Locator       string
	Length        int64
	SupportsRange bool
	FileName      string
}

type Source interface {
	Describe(ctx context.Context) (Descriptor, error)
	// OpenRange opens [start, end]; a negative end reads to the end.
	OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error)
	Close() error
}

type Config struct {
	HTTP      utils.HTTPClientConfig `yaml:"http"`
	S3Profile string                 `yaml:"s3Profile"`
}

// Open picks the adapter for locator by its scheme.
func Open(ctx context.Context, locator string, cfg Config) (Source, error) {
	switch kind := utils.DetermineDownloadType(locator); kind {
	case "http":
		return NewHTTP(locator, cfg.HTTP), nil
	case "s3":
		return NewS3(ctx, locator, cfg.S3Profile)
	case "blob":
		return OpenBlob(ctx, locator)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", kind)
	}
}

func rangeHeader(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
