// Package main provides the sealml server. It loads configuration, resolves
// the protection key, opens the artifact index and blob directory, and serves
// the HTTP API until SIGINT or SIGTERM.
//
// The application flow:
//  1. Parse flags and load layered configuration.
//  2. Create the data directory and its blobs subdirectory.
//  3. Open sqlite, build the key store, protector, trainer and artifact store.
//  4. Start the metrics manager and the janitor.
//  5. Serve HTTP; on a signal, drain requests and stop background work.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/pflag"

	"github.com/haukened/sealml/internal/app"
	"github.com/haukened/sealml/internal/archive"
	"github.com/haukened/sealml/internal/cipher"
	"github.com/haukened/sealml/internal/config"
	"github.com/haukened/sealml/internal/httpx"
	"github.com/haukened/sealml/internal/janitor"
	"github.com/haukened/sealml/internal/keystore"
	"github.com/haukened/sealml/internal/metrics"
	"github.com/haukened/sealml/internal/protect"
	"github.com/haukened/sealml/internal/regress"
	"github.com/haukened/sealml/internal/store"
	"github.com/haukened/sealml/internal/store/filesystem"
	"github.com/haukened/sealml/internal/store/sqlite"
)

const shutdownTimeout = 15 * time.Second

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func loadConfig(args []string) (*config.Config, error) {
	fs := pflag.NewFlagSet("sealml", pflag.ContinueOnError)
	config.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.LoadWithFlags(fs)
}

// ensureDataDir creates dir and its blobs subdirectory, owner-only.
func ensureDataDir(cfg *config.Config) (string, error) {
	st, err := os.Stat(cfg.DataDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return "", fmt.Errorf("create data directory: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("stat data directory: %w", err)
	case !st.IsDir():
		return "", fmt.Errorf("data path %s is not a directory", cfg.DataDir)
	}
	blobDir := cfg.BlobDir()
	if err := os.MkdirAll(blobDir, 0o700); err != nil {
		return "", fmt.Errorf("create blobs directory: %w", err)
	}
	return blobDir, nil
}

func openDatabase(dsn string) (*sql.DB, *sqlite.Index, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	idx, err := sqlite.New(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return db, idx, nil
}

// buildProtector resolves the scheme and key store. The key is resolved
// eagerly so problems surface at startup; a failure is reported but not
// fatal, and protect/unprotect requests fail until it is fixed.
func buildProtector(cfg *config.Config, logger *slog.Logger) (*protect.Protector, *keystore.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scheme, err := cipher.New(cfg.Scheme, logger)
	if err != nil {
		return nil, nil, err
	}
	keys, err := keystore.New(cfg.KeyPath(), scheme,
		keystore.WithSource(keystore.EnvSource{Name: cfg.KeyEnv}),
		keystore.WithSource(keystore.FileSource{Path: cfg.KeySecretFile}),
		keystore.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	if _, err := keys.Key(); err != nil {
		logger.Error("key unavailable, protection requests will fail", "error", err, "path", keys.Path())
	}
	prot, err := protect.New(keys, scheme,
		protect.WithCodec(archive.Codec{MaxEntrySize: cfg.MaxBytes}),
		protect.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return prot, keys, nil
}

func buildService(cfg *config.Config, st app.ArtifactStore, prot app.Protector, trainer app.Trainer, rec app.Recorder, logger *slog.Logger) *app.Service {
	return &app.Service{
		Store:            st,
		Protector:        prot,
		Trainer:          trainer,
		Clock:            realClock{},
		Metrics:          rec,
		Logger:           logger,
		MaxBytes:         cfg.MaxBytes,
		MinRetention:     cfg.MinRetention,
		MaxRetention:     cfg.MaxRetention,
		DefaultRetention: cfg.DefaultRetention,
	}
}

// readiness reports whether the database, blob directory and key are usable.
func readiness(db *sql.DB, blobDir string, keys protect.KeyProvider) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		if _, err := os.ReadDir(blobDir); err != nil {
			return err
		}
		if _, err := keys.Key(); err != nil {
			return err
		}
		return nil
	}
}

func newServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)

	blobDir, err := ensureDataDir(cfg)
	if err != nil {
		return err
	}
	db, idx, err := openDatabase(cfg.SQLiteDSN())
	if err != nil {
		return err
	}
	defer db.Close()
	blobs, err := filesystem.New(blobDir)
	if err != nil {
		return fmt.Errorf("init blob storage: %w", err)
	}

	prot, keys, err := buildProtector(cfg, logger)
	if err != nil {
		return err
	}
	trainer, err := regress.NewTrainer(cfg.ModelPath(), cfg.TargetColumn, logger)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}

	mgr := metrics.New(db, metrics.Config{FlushInterval: cfg.MetricsFlush, Logger: logger})
	if err := mgr.InitSchema(ctx); err != nil {
		return fmt.Errorf("init metrics schema: %w", err)
	}
	mgr.Start(ctx)
	defer mgr.Stop(context.Background())

	st := store.New(idx, blobs, realClock{}, cfg.InlineMax, logger)
	svc := buildService(cfg, st, prot, trainer, mgr, logger)

	jan := janitor.New(st, mgr, janitor.Config{Interval: cfg.JanitorInterval, Logger: logger})
	jan.Start(ctx)
	defer jan.Stop()

	h := httpx.New(svc, cfg.MaxBytes, readiness(db, blobDir, keys))
	h.Logger = logger
	h.Metrics = metrics.Handler(mgr, cfg.MetricsToken)
	if cfg.MetricsToken == "" {
		logger.Warn("metrics endpoint is not protected by a token")
	}
	srv := newServer(cfg, h.Router())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Addr, "pid", os.Getpid(), "scheme", prot.Scheme())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	memguard.Purge()
	if err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
