package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/icechunk-go/icechunk/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPFetcherFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil, nil)
	data, err := f.Fetch(context.Background(), srv.URL, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestHTTPFetcherFetchRangeSendsHeader(t *testing.T) {
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abc"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil, nil)
	data, err := f.FetchRange(context.Background(), srv.URL, RangeOptions{Offset: 10, Length: 5})
	require.NoError(t, err)
	assert.Equal(t, "bytes=10-14", gotRange)
	assert.Equal(t, "abc", string(data))
}

func TestHTTPFetcherNonOKStatusIsIOError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(nil, nil)
	_, err := f.Fetch(context.Background(), srv.URL, FetchOptions{})
	require.True(t, core.IsIOError(err), "expected IOError, got %v", err)

	ioErr := err.(*core.IOError)
	assert.Equal(t, http.StatusNotFound, ioErr.Status)
}

func TestHTTPFetcherCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewHTTPFetcher(nil, nil)
	_, err := f.Fetch(ctx, srv.URL, FetchOptions{})
	assert.True(t, core.IsCancelledError(err), "expected CancelledError, got %v", err)
}

func TestFileFetcherFetch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f := NewFileFetcher()
	data, err := f.Fetch(context.Background(), "file://"+path, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestFileFetcherFetchRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunk.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f := NewFileFetcher()
	data, err := f.FetchRange(context.Background(), "file://"+path, RangeOptions{Offset: 2, Length: 3})
	require.NoError(t, err)
	assert.Equal(t, "234", string(data))
}

func TestFileFetcherRejectsNonFileScheme(t *testing.T) {
	f := NewFileFetcher()
	_, err := f.Fetch(context.Background(), "https://example.com/x", FetchOptions{})
	assert.True(t, core.IsFormatError(err), "expected FormatError, got %v", err)
}
