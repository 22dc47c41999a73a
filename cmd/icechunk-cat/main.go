// Command icechunk-cat opens an Icechunk repository and prints one
// key's resolved bytes to stdout: a zarr.json metadata document or raw
// chunk data.
//
// Grounded on the teacher's cmd/server/main.go: flag parsing, a
// createLogger factory built from LoggingConfig, otel tracer-provider
// setup via the tracing package, an optional debug HTTP server, and
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/icechunk-go/icechunk/config"
	"github.com/icechunk-go/icechunk/debugserver"
	"github.com/icechunk-go/icechunk/store"
	"github.com/icechunk-go/icechunk/tracing"
	"github.com/icechunk-go/icechunk/transport"
	"golang.org/x/term"
)

// readToken prompts for a bearer token on the terminal without echoing
// it, the same way the teacher's cmd/user-admin prompts for a password
// (golang.org/x/term.ReadPassword over the stdin file descriptor).
func readToken() (string, error) {
	fmt.Fprint(os.Stderr, "Bearer token: ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// logLevels maps the LoggingConfig.Level strings accepted in config
// files to slog's level type. An empty string means "info".
var logLevels = map[string]slog.Level{
	"":      slog.LevelInfo,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// openLogSink resolves LoggingConfig.Output/File into a writer. stdout
// is reserved for the fetched key's bytes, so "stdout" in config maps
// to stderr here rather than os.Stdout.
func openLogSink(cfg config.LoggingConfig) (io.Writer, io.Closer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return os.Stderr, nil, nil
	case "none":
		return io.Discard, nil, nil
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is %q but no file path was given", cfg.Output)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.File, err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("unrecognised log output %q", cfg.Output)
	}
}

func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, ok := logLevels[strings.ToLower(cfg.Level)]
	if !ok {
		return nil, nil, fmt.Errorf("unrecognised log level %q", cfg.Level)
	}

	sink, closer, err := openLogSink(cfg)
	if err != nil {
		return nil, nil, err
	}

	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})
	return slog.New(handler), closer, nil
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	root := flag.String("root", "", "repository root URL (file://, https://, ...)")
	key := flag.String("key", "zarr.json", "Zarr key to fetch (e.g. zarr.json, arr/c/0/0)")
	ref := flag.String("ref", "", "branch name (defaults to the config's default branch)")
	tag := flag.String("tag", "", "tag name")
	snapshotID := flag.String("snapshot", "", "explicit snapshot id")
	debug := flag.Bool("debug", false, "start the debug HTTP server (pprof, /metrics, statsviz)")
	askToken := flag.Bool("ask-token", false, "prompt for a bearer token on the terminal instead of reading one from config")
	flag.Parse()

	if *root == "" {
		fmt.Fprintln(os.Stderr, "icechunk-cat: -root is required")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	var debugSrv *debugserver.Server
	var systemCollector *debugserver.SystemCollector
	if *debug || cfg.Debug.Enabled {
		debugSrv = debugserver.New(cfg.Debug, logger)
		go func() {
			if err := debugSrv.Start(); err != nil {
				logger.Error("debug server exited with error", "error", err)
			}
		}()
		systemCollector = debugserver.NewSystemCollector(2*time.Second, logger)
		systemCollector.Start()
	}

	tracerCleanup, err := tracing.Init(cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to initialise tracing", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-quit
		logger.Info("shutdown signal received")
		cancel()
	}()

	headers := cfg.Transport.ExtraHeaders
	if *askToken {
		token, err := readToken()
		if err != nil {
			logger.Error("failed to read token", "error", err)
			os.Exit(1)
		}
		headers = cloneHeaders(headers)
		headers["Authorization"] = "Bearer " + token
	}

	var fetcher transport.Fetcher
	if strings.HasPrefix(*root, "file://") {
		fetcher = transport.NewFileFetcher()
	} else {
		httpClient := &http.Client{Timeout: cfg.Transport.Timeout(logger)}
		fetcher = transport.NewHTTPFetcher(httpClient, logger)
	}

	s, err := store.Open(ctx, *root, fetcher, cfg, store.Options{
		Snapshot: *snapshotID,
		Tag:      *tag,
		Ref:      *ref,
		Headers:  headers,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		exit(1, tracerCleanup, debugSrv, systemCollector)
	}

	if *debug || cfg.Debug.Enabled {
		debugserver.PublishManifestCacheHitRate("icechunk_manifest_cache_hit_rate", s.ManifestCache())
		debugserver.PublishBufferPoolMetrics("icechunk_envelope_buffer_pool")
	}

	data, err := s.Get(ctx, *key)
	if err != nil {
		logger.Error("failed to get key", "key", *key, "error", err)
		exit(1, tracerCleanup, debugSrv, systemCollector)
	}
	if data == nil {
		logger.Warn("key not found", "key", *key)
		exit(1, tracerCleanup, debugSrv, systemCollector)
	}

	os.Stdout.Write(data)
	exit(0, tracerCleanup, debugSrv, systemCollector)
}

func exit(code int, tracerCleanup func(), debugSrv *debugserver.Server, systemCollector *debugserver.SystemCollector) {
	tracerCleanup()
	if systemCollector != nil {
		systemCollector.Stop()
	}
	if debugSrv != nil {
		debugSrv.Stop()
	}
	os.Exit(code)
}
