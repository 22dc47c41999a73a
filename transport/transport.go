// Package transport provides the Fetcher abstraction the store facade
// issues all I/O through: full-object GET and byte-range GET, with
// context cancellation and errors normalised to core.IOError/
// core.CancelledError (spec §5, §6).
//
// Grounded on the teacher's net/http usage in server/http_server.go and
// server/app_server.go (slog-annotated, context-aware handlers); this
// package turns that server-side idiom around into an outbound client,
// since the teacher never needed one itself.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/icechunk-go/icechunk/core"
)

// FetchOptions carries request headers alongside the caller's
// cancellation context.
type FetchOptions struct {
	Headers map[string]string
}

// RangeOptions extends FetchOptions with the byte range to request.
type RangeOptions struct {
	FetchOptions
	Offset uint64
	Length uint64
}

// Fetcher is the transport interface the core depends on (spec §6): it
// never retries and never interprets status codes beyond mapping them
// to core.IOError.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) ([]byte, error)
	FetchRange(ctx context.Context, url string, opts RangeOptions) ([]byte, error)
}

// HTTPFetcher is the production Fetcher, backed by net/http.
type HTTPFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPFetcher builds an HTTPFetcher. A nil client defaults to
// http.DefaultClient; a nil logger defaults to a discard logger, the
// same fallback the teacher's server constructors use when no logger is
// supplied.
func NewHTTPFetcher(client *http.Client, logger *slog.Logger) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	return &HTTPFetcher{client: client, logger: logger.With("component", "HTTPFetcher")}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) ([]byte, error) {
	return f.do(ctx, url, opts.Headers, nil)
}

func (f *HTTPFetcher) FetchRange(ctx context.Context, url string, opts RangeOptions) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", opts.Offset, opts.Offset+opts.Length-1)
	headers := make(map[string]string, len(opts.Headers)+1)
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers["Range"] = rangeHeader
	return f.do(ctx, url, headers, []int{http.StatusPartialContent})
}

func (f *HTTPFetcher) do(ctx context.Context, url string, headers map[string]string, extraOK []int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &core.CancelledError{Err: ctx.Err()}
		}
		return nil, &core.IOError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if !isOKStatus(resp.StatusCode, extraOK) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		f.logger.Warn("non-ok response", "url", url, "status", resp.StatusCode, "body", string(body))
		return nil, &core.IOError{Status: resp.StatusCode, StatusText: resp.Status, URL: url}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &core.CancelledError{Err: ctx.Err()}
		}
		return nil, &core.IOError{URL: url, Err: err}
	}
	return data, nil
}

func isOKStatus(status int, extraOK []int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	for _, ok := range extraOK {
		if status == ok {
			return true
		}
	}
	return false
}

// FileFetcher serves file:// URLs from the local filesystem. The
// icechunk-cat command uses it for file:// repository roots, and the
// store facade's own tests use it as a Fetcher that doesn't require a
// running HTTP server; spec.md's transport
// interface is defined abstractly enough that a second implementation
// is a natural, low-risk way to exercise it (SPEC_FULL.md §6.2).
type FileFetcher struct{}

func NewFileFetcher() *FileFetcher { return &FileFetcher{} }

func (f *FileFetcher) Fetch(ctx context.Context, url string, opts FetchOptions) ([]byte, error) {
	path, err := filePathFromURL(url)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &core.CancelledError{Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.IOError{URL: url, Err: err}
	}
	return data, nil
}

func (f *FileFetcher) FetchRange(ctx context.Context, url string, opts RangeOptions) ([]byte, error) {
	path, err := filePathFromURL(url)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &core.CancelledError{Err: err}
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, &core.IOError{URL: url, Err: err}
	}
	defer file.Close()

	buf := make([]byte, opts.Length)
	n, err := file.ReadAt(buf, int64(opts.Offset))
	if err != nil && err != io.EOF {
		return nil, &core.IOError{URL: url, Err: err}
	}
	return buf[:n], nil
}

func filePathFromURL(url string) (string, error) {
	const prefix = "file://"
	if !strings.HasPrefix(url, prefix) {
		return "", core.NewFormatError(core.FormatRef, "FileFetcher requires a file:// url, got: "+url)
	}
	return strings.TrimPrefix(url, prefix), nil
}
