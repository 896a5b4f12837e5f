package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/chunkwise/internal/utils"
)

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

type HTTP struct {
	url    string
	client *utils.ChunkwiseHTTPClient
}

func NewHTTP(link string, cfg utils.HTTPClientConfig) *HTTP {
	return &HTTP{url: link, client: utils.NewChunkwiseHTTPClient(cfg)}
}

// Describe sends a HEAD request. Servers that reject HEAD are probed with a
// one byte ranged GET instead.
func (h *HTTP) Describe(ctx context.Context) (Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.url, nil)
	if err != nil {
		return Descriptor{}, fmt.Errorf("error creating request: %v", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return Descriptor{}, fmt.Errorf("error checking URL: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return h.probe(ctx)
	}
	if err := statusError(resp); err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		Locator:  resp.Request.URL.String(),
		Length:   resp.ContentLength,
		FileName: fileNameFrom(resp),
	}
	d.SupportsRange = resp.Header.Get("Accept-Ranges") == "bytes" && d.Length > 0
	log.Debug().Str("op", "source/http").Str("url", d.Locator).Int64("size", d.Length).Bool("rangeSupported", d.SupportsRange).Msg("Resource described")
	return d, nil
}

func (h *HTTP) probe(ctx context.Context) (Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return Descriptor{}, fmt.Errorf("error creating request: %v", err)
	}
	req.Header.Set("Range", rangeHeader(0, 0))
	resp, err := h.client.Do(req)
	if err != nil {
		return Descriptor{}, fmt.Errorf("error probing URL: %v", err)
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{Locator: resp.Request.URL.String(), Length: resp.ContentLength, FileName: fileNameFrom(resp)}
	if resp.StatusCode == http.StatusPartialContent {
		if total := contentRangeTotal(resp.Header.Get("Content-Range")); total > 0 {
			d.Length = total
			d.SupportsRange = true
		}
	}
	return d, nil
}

// OpenRange requires a 206 answer for ranged requests; a 200 is accepted
// only when the range starts at zero.
func (h *HTTP) OpenRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %v", err)
	}
	ranged := start > 0 || end >= 0
	if ranged {
		req.Header.Set("Range", rangeHeader(start, end))
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusPartialContent && ranged:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK && start == 0:
		return resp.Body, nil
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: server answered 200 for %s", utils.ErrRangeRequestsNotSupported, rangeHeader(start, end))
	}
	resp.Body.Close()
	if err := statusError(resp); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}

func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("URL not found (404)")
	case resp.StatusCode >= 400:
		return fmt.Errorf("server returned error: %d", resp.StatusCode)
	}
	return nil
}

func fileNameFrom(resp *http.Response) string {
	if contentDisposition := resp.Header.Get("Content-Disposition"); contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return filenameRegex.ReplaceAllString(fn, "_")
			} else if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
				unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
				return filenameRegex.ReplaceAllString(unescaped, "_")
			}
		}
	}
	if name := path.Base(resp.Request.URL.Path); name != "/" && name != "." {
		return name
	}
	return ""
}

// contentRangeTotal parses the total out of "bytes a-b/total".
func contentRangeTotal(header string) int64 {
	_, total, ok := strings.Cut(header, "/")
	if !ok || total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
