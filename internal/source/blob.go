package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

// Blob reads an object from any bucket gocloud.dev can open.
type Blob struct {
	bucket *blob.Bucket
	key    string
	owned  bool
}

// NewBlob wraps an open bucket; closing the source leaves it open.
func NewBlob(bucket *blob.Bucket, key string) *Blob {
	return &Blob{bucket: bucket, key: key}
}

// OpenBlob opens the bucket named by locator. The object key is the URL
// path; for file:// locators the bucket is the parent directory.
func OpenBlob(ctx context.Context, locator string) (*Blob, error) {
	bucketURL, key, err := parseBlobURL(locator)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("error opening bucket %s: %v", bucketURL, err)
	}
	return &Blob{bucket: bucket, key: key, owned: true}, nil
}

func (b *Blob) Describe(ctx context.Context) (Descriptor, error) {
	attrs, err := b.bucket.Attributes(ctx, b.key)
	if err != nil {
		return Descriptor{}, fmt.Errorf("error getting blob attributes: %v", err)
	}
	log.Debug().Str("op", "source/blob").Str("key", b.key).Int64("size", attrs.Size).Msg("Blob described")
	return Descriptor{
		Locator:       b.key,
		Length:        attrs.Size,
		SupportsRange: attrs.Size > 0,
		FileName:      path.Base(b.key),
	}, nil
}

func (b *Blob) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	length := int64(-1)
	if end >= 0 {
		length = end - start + 1
	}
	r, err := b.bucket.NewRangeReader(ctx, b.key, start, length, nil)
	if err != nil {
		return nil, fmt.Errorf("error reading blob range: %v", err)
	}
	return r, nil
}

func (b *Blob) Close() error {
	if !b.owned {
		return nil
	}
	return b.bucket.Close()
}

func parseBlobURL(locator string) (string, string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %v", err)
	}
	if u.Scheme == "" {
		return "", "", fmt.Errorf("unsupported locator: %s", locator)
	}
	var key string
	if u.Scheme == "file" {
		key = path.Base(u.Path)
		u.Path = path.Dir(u.Path)
	} else {
		key = strings.TrimPrefix(u.Path, "/")
		u.Path = ""
	}
	if key == "" || key == "." || key == "/" {
		return "", "", fmt.Errorf("missing object key in %s", locator)
	}
	return u.String(), key, nil
}
