package media

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchWithCapSkipsOversizedWithoutDownloading(t *testing.T) {
	t.Parallel()

	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(20<<20))
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, err := New(srv.Client(), Config{}).FetchWithCap(context.Background(), srv.URL+"/big.mp4", DefaultCap)
	require.NoError(t, err)
	require.True(t, m.Skipped)
	require.Equal(t, ReasonTooLarge, m.Reason)
	require.Nil(t, m.Data)
	require.Zero(t, gets.Load(), "oversized media must never be downloaded")
}

func TestFetchWithCapSkipsMissingContentLength(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		t.Errorf("unexpected %s", r.Method)
	}))
	defer srv.Close()

	m, err := New(srv.Client(), Config{}).FetchWithCap(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	require.True(t, m.Skipped)
	require.Equal(t, ReasonMissingContentLength, m.Reason)
}

func TestFetchWithCapDownloads(t *testing.T) {
	t.Parallel()

	body := []byte("\x89PNG\r\n\x1a\nfakeimage")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	}))
	defer srv.Close()

	m, err := New(srv.Client(), Config{}).FetchWithCap(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	require.False(t, m.Skipped)
	require.Equal(t, body, m.Data)
	require.Equal(t, "image/png", m.MIMEType)
	require.Equal(t, int64(len(body)), m.Size)
}

func TestFetchWithCapFallsBackWhenHeadUnsupported(t *testing.T) {
	t.Parallel()

	body := bytes.Repeat([]byte("a"), 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := New(srv.Client(), Config{})
	m, err := f.FetchWithCap(context.Background(), srv.URL, 1024)
	require.NoError(t, err)
	require.Equal(t, body, m.Data)
	require.Equal(t, "text/plain", m.MIMEType)

	m, err = f.FetchWithCap(context.Background(), srv.URL, 32)
	require.NoError(t, err)
	require.True(t, m.Skipped)
	require.Equal(t, ReasonTooLarge, m.Reason)
}

// chunkedServer declares declared bytes on HEAD and streams actual bytes on
// GET without a Content-Length, the way CDNs serve chunked or gzipped media.
func chunkedServer(t *testing.T, declared, actual int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(declared))
			return
		}
		half := actual / 2
		_, _ = w.Write(bytes.Repeat([]byte("x"), half))
		w.(http.Flusher).Flush()
		_, _ = w.Write(bytes.Repeat([]byte("x"), actual-half))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchWithCapReadsChunkedGetAfterHead(t *testing.T) {
	t.Parallel()

	srv := chunkedServer(t, 1000, 1000)
	m, err := New(srv.Client(), Config{}).FetchWithCap(context.Background(), srv.URL, 4096)
	require.NoError(t, err)
	require.False(t, m.Skipped)
	require.Equal(t, int64(1000), m.Size)
	require.Len(t, m.Data, 1000)
	require.Equal(t, "image/jpeg", m.MIMEType)
}

func TestFetchWithCapAbortsChunkedGetPastCap(t *testing.T) {
	t.Parallel()

	srv := chunkedServer(t, 10, 4096)
	m, err := New(srv.Client(), Config{}).FetchWithCap(context.Background(), srv.URL, 100)
	require.NoError(t, err)
	require.True(t, m.Skipped)
	require.Equal(t, ReasonTooLarge, m.Reason)
	require.Equal(t, int64(101), m.Size)
}

func TestFetchWithCapErrorsOnBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := New(srv.Client(), Config{}).FetchWithCap(context.Background(), srv.URL, 1024)
	require.Error(t, err)
}

// lyingTransport declares a small Content-Length but streams a larger body.
type lyingTransport struct {
	declared int64
	actual   int
}

func (l lyingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"video/mp4"}},
		ContentLength: l.declared,
		Body:          io.NopCloser(bytes.NewReader(make([]byte, l.actual))),
		Request:       r,
	}, nil
}

func TestFetchWithCapAbortsStreamPastCap(t *testing.T) {
	t.Parallel()

	client := &http.Client{Transport: lyingTransport{declared: 10, actual: 4096}}
	m, err := New(client, Config{}).FetchWithCap(context.Background(), "https://cdn.example.com/v.mp4", 100)
	require.NoError(t, err)
	require.True(t, m.Skipped)
	require.Equal(t, ReasonTooLarge, m.Reason)
	require.Nil(t, m.Data)
	require.Equal(t, int64(101), m.Size)
}
