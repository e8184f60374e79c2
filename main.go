package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ubl-network/ubl-gate/pkg/casstore"
	"github.com/ubl-network/ubl-gate/pkg/config"
	"github.com/ubl-network/ubl-gate/pkg/gateway"
	"github.com/ubl-network/ubl-gate/pkg/pipeline"
	"github.com/ubl-network/ubl-gate/pkg/server"
	"github.com/ubl-network/ubl-gate/pkg/sign"
)

func main() {
	var (
		manifestDir = flag.String("manifests", "", "directory of YAML pipeline manifests (overrides UBL_MANIFEST_DIR)")
		showHelp    = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info("starting ubl-gate", "service", cfg.ServiceName, "listen_addr", cfg.ListenAddr, "dev_mode", cfg.DevMode)

	blobs, err := casstore.Open(cfg.DataDir, cfg.TipStoreKind, 4096)
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}
	defer blobs.Close()

	tips, err := casstore.OpenTipStore(cfg.DataDir, cfg.TipStoreKind)
	if err != nil {
		logger.Error("failed to open tip store", "error", err)
		os.Exit(1)
	}
	defer tips.Close()

	keys, err := loadKeyRingStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize signing keys", "error", err)
		os.Exit(1)
	}

	manifestSource := cfg.ManifestDir
	if *manifestDir != "" {
		manifestSource = *manifestDir
	}
	manifests, err := loadManifests(manifestSource, logger)
	if err != nil {
		logger.Error("failed to load pipeline manifests", "error", err)
		os.Exit(1)
	}

	tokens := gateway.NewTokenStore(cfg.DevToken)

	srv := server.New(&server.Server{
		Cfg:       cfg,
		Blobs:     blobs,
		Tips:      tips,
		Keys:      keys,
		Idemp:     gateway.NewIdempotencyStore(cfg.IdempotencyCap, cfg.IdempotencyTTL),
		Limiter:   gateway.NewRateLimiter(float64(cfg.RateLimitBurst), cfg.RateLimitRefillPerSec()),
		Tokens:    tokens,
		Locks:     gateway.NewTenantLocks(),
		Manifests: manifests,
		Logger:    logger,
		Metrics:   server.NewMetrics(),
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	logger.Info("ubl-gate stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// loadKeyRingStore builds the global signing keyring: an ephemeral key in
// dev mode, or the configured key file in production. Validate() already
// guarantees Ed25519KeyPath is set whenever DevMode is false.
func loadKeyRingStore(cfg *config.Config, logger *slog.Logger) (*sign.KeyRingStore, error) {
	if cfg.Ed25519KeyPath == "" {
		logger.Warn("no signing key configured, generating an ephemeral dev key")
		return sign.DevKeyRingStore(), nil
	}

	kr := sign.NewKeyRing()
	const kid = "default#1"
	if _, err := os.Stat(cfg.Ed25519KeyPath); errors.Is(err, os.ErrNotExist) {
		logger.Info("generating new signing key", "path", cfg.Ed25519KeyPath)
		if _, err := kr.Generate(kid); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		if err := kr.SaveToFile(kid, cfg.Ed25519KeyPath); err != nil {
			return nil, fmt.Errorf("save signing key: %w", err)
		}
	} else {
		logger.Info("loading signing key", "path", cfg.Ed25519KeyPath)
		if err := kr.LoadFromFile(kid, cfg.Ed25519KeyPath); err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
	}
	kr.ActiveKid = kid
	return sign.NewKeyRingStore(kr), nil
}

// loadManifests reads every *.yaml/*.yml file in dir as a pipeline manifest,
// keyed by its file name without extension. An app with no matching manifest
// falls back to the "" (default) entry, which must always be present.
func loadManifests(dir string, logger *slog.Logger) (map[string]*pipeline.Manifest, error) {
	out := map[string]*pipeline.Manifest{}

	if dir == "" {
		logger.Warn("no manifest directory configured, using a permissive built-in default manifest")
		out[""] = defaultManifest()
		return out, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read manifest directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := ""
		for i := len(name) - 1; i >= 0 && name[i] != '.'; i-- {
			ext = string(name[i]) + ext
		}
		if ext != "yaml" && ext != "yml" {
			continue
		}
		path := dir + "/" + name
		m, err := pipeline.LoadManifestFile(path)
		if err != nil {
			return nil, fmt.Errorf("load manifest %s: %w", path, err)
		}
		key := name[:len(name)-len(ext)-1]
		out[key] = m
		logger.Info("loaded pipeline manifest", "app", key, "path", path)
	}
	if _, ok := out[""]; !ok {
		out[""] = defaultManifest()
	}
	return out, nil
}

// defaultManifest is a pass-through pipeline: it binds nothing, applies no
// policy rule beyond the implicit allow, and has no render mappings, so its
// render output is always an empty object. It exists so a freshly started gateway
// with no manifest directory configured still answers /v1/execute.
func defaultManifest() *pipeline.Manifest {
	return &pipeline.Manifest{
		Name:           "default",
		ParseGrammar:   pipeline.Grammar{Inputs: nil},
		ParseMappings:  nil,
		RenderGrammar:  pipeline.Grammar{Inputs: nil},
		RenderMappings: nil,
	}
}
