package transport

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/mkdlm/rangedl/internal/dlm"
)

const defaultUserAgent = "rangedl/1.0"

// HTTPFetcher implements dlm.Fetcher over HTTP and HTTPS, using range
// requests to stream partial content and the post-redirect URL, filename
// and size it reports from the response headers.
type HTTPFetcher struct{}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher() *HTTPFetcher { return &HTTPFetcher{} }

func (f *HTTPFetcher) client(src *dlm.Source, maxRedirects int) *http.Client {
	dialer := &net.Dialer{Timeout: src.ConnectTimeout()}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:       http.ProxyFromEnvironment,
			DialContext: dialer.DialContext,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if maxRedirects == 0 {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirects {
				return fmt.Errorf("transport: stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}
}

func applyHeaders(req *http.Request, src *dlm.Source) {
	ua := src.UserAgent()
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	if ref := src.Referrer(); ref != "" {
		req.Header.Set("Referer", ref)
	}
	if cs := src.CookieString(); cs != "" {
		req.Header.Set("Cookie", strings.ReplaceAll(cs, ";", "; "))
	}
}

// FetchInfo issues a small ranged GET (many CDNs only advertise
// Accept-Ranges on GET, never HEAD) to learn the post-redirect URL, the
// Content-Disposition filename if any, and the total size either from
// Content-Range or, failing that, a HEAD fallback.
func (f *HTTPFetcher) FetchInfo(ctx context.Context, src *dlm.Source) (realURL, filename string, filesize int64, err error) {
	client := f.client(src, src.MaxRedirects())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL(), nil)
	if err != nil {
		return "", "", 0, err
	}
	applyHeaders(req, src)
	req.Header.Set("Range", "bytes=0-1")

	resp, err := client.Do(req)
	if err != nil {
		return "", "", 0, &dlm.TransportError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	realURL = src.URL()
	if resp.Request != nil && resp.Request.URL != nil {
		realURL = resp.Request.URL.String()
	}
	filename = filenameFromHeaders(resp.Header, realURL)

	filesize = dlm.Unknown
	switch resp.StatusCode {
	case http.StatusPartialContent:
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			filesize = total
		}
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			filesize = resp.ContentLength
		}
	default:
		return "", "", 0, &dlm.TransportError{Err: fmt.Errorf("unexpected status probing info: %s", resp.Status)}
	}

	if filesize == dlm.Unknown {
		if size, herr := f.headFilesize(ctx, client, realURL, src); herr == nil {
			filesize = size
		}
	}

	return realURL, filename, filesize, nil
}

func (f *HTTPFetcher) headFilesize(ctx context.Context, client *http.Client, realURL string, src *dlm.Source) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, realURL, nil)
	if err != nil {
		return 0, err
	}
	applyHeaders(req, src)
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("transport: HEAD did not report a length")
	}
	return resp.ContentLength, nil
}

// FetchData streams chunk's bytes starting at its current write position.
// Data requests never follow redirects: the info probe already resolved
// src to its real URL.
func (f *HTTPFetcher) FetchData(ctx context.Context, src *dlm.Source, chunk *dlm.Chunk, tf *dlm.TargetFile, dl *dlm.Download) error {
	client := f.client(src, 0)

	start := chunk.Offset() + chunk.Loaded()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL(), nil)
	if err != nil {
		return err
	}
	applyHeaders(req, src)
	if start > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	}

	resp, err := client.Do(req)
	if err != nil {
		return &dlm.TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if start > 0 {
			return dlm.ErrRangeNotSupported
		}
	default:
		return &dlm.TransportError{Err: fmt.Errorf("unexpected status fetching data: %s", resp.Status)}
	}

	return streamInto(ctx, resp.Body, tf, chunk, dl)
}

// filenameFromHeaders extracts a filename from Content-Disposition,
// falling back to the last path segment of the resolved URL.
func filenameFromHeaders(h http.Header, fallbackURL string) string {
	if cd := h.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if fallbackURL == "" {
		return ""
	}
	return path.Base(fallbackURL)
}

// parseContentRangeTotal parses the total size out of a "bytes a-b/total"
// Content-Range header value.
func parseContentRangeTotal(cr string) (int64, bool) {
	idx := strings.LastIndex(cr, "/")
	if idx < 0 || idx == len(cr)-1 {
		return 0, false
	}
	total, err := strconv.ParseInt(cr[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}
