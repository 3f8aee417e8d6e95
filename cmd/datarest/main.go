// Package main is the entry point for the datarest server.
//
// datarest stores REST datasets in a document store, applies line
// transactions and bulk uploads, keeps the revision history of lines and
// propagates writes to the search index in the background. Configuration is
// read from CLI flags, a .env file and config.yaml in the data directory.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/datarest/internal/boltstore"
	"github.com/maruel/datarest/internal/config"
	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	"github.com/maruel/datarest/internal/jsonldb"
	"github.com/maruel/datarest/internal/rest"
	"github.com/maruel/datarest/internal/server"
	"github.com/maruel/datarest/internal/server/ratelimit"
	"github.com/maruel/datarest/internal/syncsvc"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "datarest: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	httpAddr := flag.String("http", "localhost:8080", "Address to listen on (e.g., localhost:8080, :8080, 0.0.0.0:8080)")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	engine := flag.String("engine", "", "Document store engine (jsonl, bolt); overrides config.yaml")
	flag.Parse()
	if len(flag.Args()) > 0 {
		return fmt.Errorf("unknown arguments: %v", flag.Args())
	}

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	slog.SetDefault(newLogger(ll))

	if err := os.MkdirAll(*dataDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	env, err := loadDotEnv(*dataDir)
	if err != nil {
		return err
	}
	cfg, err := config.Load(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", config.FileName, err)
	}

	// Override with .env file values if not explicitly set via flags
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if !set["http"] {
		if v := env["HTTP"]; v != "" {
			*httpAddr = v
		}
	}
	if !set["log-level"] {
		if v := env["LOG_LEVEL"]; v != "" {
			*logLevel = v
		}
	}
	if !set["engine"] {
		*engine = env["ENGINE"]
	}
	if *engine != "" {
		cfg.Engine = *engine
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}

	// Normalize addr: ":8080" becomes "localhost:8080"
	addr := *httpAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}

	store, err := openStore(cfg.Engine, *dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.ErrorContext(ctx, "Failed to close store", "err", err)
		}
	}()
	secret, err := cfg.Secret()
	if err != nil {
		return err
	}

	datasets := dataset.NewService(store)
	eng := rest.NewEngine(store, datasets, rest.Options{
		MaxBulkOps:         cfg.MaxBulkOps,
		MaxErrorsInSummary: cfg.MaxErrorsInSummary,
		YieldEvery:         cfg.YieldEvery,
		AttachmentsDir:     cfg.AttachmentsPath(*dataDir),
	})
	syncer := syncsvc.New(eng, datasets, store, nil, syncsvc.DiscardIndexer{}, syncsvc.Options{
		Debounce:    cfg.Sync.Debounce,
		Interval:    cfg.Sync.Interval,
		TTLInterval: cfg.Sync.TTLInterval,
		MaxRetries:  cfg.Sync.MaxRetries,
		Concurrency: cfg.Sync.Concurrency,
	})
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		if err := syncer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "Sync service stopped", "err", err)
		}
	}()
	defer func() {
		stop()
		<-syncDone
	}()

	limits := ratelimit.NewConfig(cfg.RateLimits.WritePerMin, cfg.RateLimits.BulkPerMin)
	defer limits.Close()

	// Watch own executable for modifications (for development restarts)
	if err := watchExecutable(ctx, stop); err != nil {
		return fmt.Errorf("failed to watch executable: %w", err)
	}

	buildVersion := readBuildInfo().version
	httpServer := &http.Server{
		Addr: addr,
		Handler: server.NewRouter(datasets, eng, syncer, &server.Config{
			Version:             buildVersion,
			JWTSecret:           secret,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
			MaxBulkBodyBytes:    cfg.MaxBulkBodyBytes,
			RateLimits:          limits,
		}),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Run server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "Starting server", "addr", addr, "engine", cfg.Engine, "version", buildVersion)
		serverErr <- httpServer.ListenAndServe()
	}()

	// Wait for either context cancellation or server error
	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		// Graceful shutdown
		slog.InfoContext(ctx, "Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.InfoContext(ctx, "Server stopped")
	}
	return nil
}

func openStore(engine, dataDir string) (docstore.Store, error) {
	switch engine {
	case config.EngineBolt:
		s, err := boltstore.Open(filepath.Join(dataDir, "datarest.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return s, nil
	case config.EngineJSONL:
		s, err := jsonldb.Open(filepath.Join(dataDir, "db"))
		if err != nil {
			return nil, fmt.Errorf("failed to open jsonl store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
}

func newLogger(ll *slog.LevelVar) *slog.Logger {
	// systemd timestamps journal entries itself.
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	return slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			if isZero(a.Value) {
				return slog.Attr{}
			}
			return a
		},
	}))
}

// isZero reports attributes not worth printing.
func isZero(v slog.Value) bool {
	switch v.Kind() {
	case slog.KindString:
		return v.String() == ""
	case slog.KindBool:
		return !v.Bool()
	case slog.KindInt64:
		return v.Int64() == 0
	case slog.KindUint64:
		return v.Uint64() == 0
	case slog.KindFloat64:
		return v.Float64() == 0
	case slog.KindDuration:
		return v.Duration() == 0
	case slog.KindTime:
		return v.Time().IsZero()
	case slog.KindAny:
		return v.Any() == nil
	default:
		return false
	}
}

type buildInfo struct {
	version   string
	goVersion string
	revision  string
	dirty     bool
}

func readBuildInfo() buildInfo {
	b := buildInfo{version: "unknown", goVersion: "unknown", revision: "unknown"}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	b.version = info.Main.Version
	if b.version == "" || b.version == "(devel)" {
		b.version = "dev"
	}
	b.goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			b.revision = setting.Value
		case "vcs.modified":
			b.dirty = setting.Value == "true"
		}
	}
	return b
}

func printVersion() {
	b := readBuildInfo()
	fmt.Printf("datarest %s\n  Go version: %s\n  Revision:   %s\n", b.version, b.goVersion, b.revision)
	if b.dirty {
		fmt.Println("  Modified:   true")
	}
}

// loadDotEnv reads KEY=value lines of the .env file of dataDir. A missing
// file is not an error. Values may be double quoted.
func loadDotEnv(dataDir string) (map[string]string, error) {
	env := make(map[string]string)
	f, err := os.Open(filepath.Join(dataDir, ".env")) //nolint:gosec // G304: path is constructed from dataDir flag, not user input
	if errors.Is(err, os.ErrNotExist) {
		return env, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		switch {
		case strings.HasPrefix(val, `"`):
			if val, err = strconv.Unquote(val); err != nil {
				return nil, fmt.Errorf(".env: invalid quoted value for %s: %w", key, err)
			}
		case strings.ContainsRune(val, '\''):
			return nil, fmt.Errorf(".env: single quotes are not supported: %s", line)
		}
		env[key] = val
	}
	return env, sc.Err()
}

// watchExecutable watches the current executable for modifications and calls
// onChange once when it is replaced.
func watchExecutable(ctx context.Context, onChange func()) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(exe); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Chmod) {
					slog.InfoContext(ctx, "Executable modified, initiating shutdown")
					onChange()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "Error watching executable", "err", err)
			}
		}
	}()
	return nil
}
