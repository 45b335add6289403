// Package media downloads remote creatives under a hard byte cap.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
)

// DefaultCap keeps a base64-encoded payload under a 20 MiB inline request.
const DefaultCap int64 = 14 << 20

// SkipReason explains why a download was not performed.
type SkipReason string

// Skip reasons.
const (
	ReasonTooLarge             SkipReason = "file_too_large"
	ReasonMissingContentLength SkipReason = "missing_content_length"
)

// Media is the result of FetchWithCap. Data is nil when Skipped is true.
type Media struct {
	Data     []byte
	MIMEType string
	Size     int64
	Skipped  bool
	Reason   SkipReason
}

// Fetcher performs capped downloads.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// Config controls the Fetcher.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// New constructs a Fetcher. A nil client gets a default one.
func New(client *http.Client, cfg Config) *Fetcher {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "adintel/1.0"
	}
	return &Fetcher{client: client, userAgent: ua}
}

// FetchWithCap downloads url if its declared size is within capBytes. The
// size comes from HEAD, or from the GET headers when the server refuses
// HEAD. A missing or oversized Content-Length is reported as a skip, not an
// error, and nothing is downloaded. The body is read through a cap+1 limit so an
// under-reporting server cannot push more than capBytes into memory.
func (f *Fetcher) FetchWithCap(ctx context.Context, url string, capBytes int64) (Media, error) {
	if capBytes <= 0 {
		capBytes = DefaultCap
	}

	head, err := f.do(ctx, http.MethodHead, url)
	if err != nil {
		return Media{}, err
	}
	_ = head.Body.Close()

	headless := false
	switch {
	case head.StatusCode == http.StatusMethodNotAllowed || head.StatusCode == http.StatusNotImplemented:
		// Fall through to a GET and gate on its headers instead.
		headless = true
	case head.StatusCode < 200 || head.StatusCode > 299:
		return Media{}, fmt.Errorf("head %s: unexpected status %d", url, head.StatusCode)
	default:
		if m, skip := gate(head.ContentLength, capBytes); skip {
			return m, nil
		}
	}

	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		return Media{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Media{}, fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	// Once HEAD declared an in-cap size, a chunked or compressed GET is read
	// through the limit below instead of being gated again.
	if headless {
		if m, skip := gate(resp.ContentLength, capBytes); skip {
			return m, nil
		}
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, capBytes+1))
	if err != nil {
		return Media{}, fmt.Errorf("read %s: %w", url, err)
	}
	if n > capBytes {
		return Media{Skipped: true, Reason: ReasonTooLarge, Size: n}, nil
	}
	data := buf.Bytes()
	return Media{
		Data:     data,
		MIMEType: mimeType(resp.Header.Get("Content-Type"), data),
		Size:     n,
	}, nil
}

func (f *Fetcher) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", strings.ToLower(method), err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(method), url, err)
	}
	return resp, nil
}

// gate reports a skip when the declared length is unknown or over the cap.
func gate(contentLength, capBytes int64) (Media, bool) {
	if contentLength < 0 {
		return Media{Skipped: true, Reason: ReasonMissingContentLength}, true
	}
	if contentLength > capBytes {
		return Media{Skipped: true, Reason: ReasonTooLarge, Size: contentLength}, true
	}
	return Media{}, false
}

func mimeType(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
