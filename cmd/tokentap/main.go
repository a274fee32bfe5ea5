package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tokentap/tokentap/internal/api"
	"github.com/tokentap/tokentap/internal/config"
	"github.com/tokentap/tokentap/internal/pricing"
	"github.com/tokentap/tokentap/internal/provider"
	"github.com/tokentap/tokentap/internal/proxy"
	"github.com/tokentap/tokentap/internal/redact"
	"github.com/tokentap/tokentap/internal/security"
	"github.com/tokentap/tokentap/internal/sink"
	"github.com/tokentap/tokentap/internal/store"
	tokentaptls "github.com/tokentap/tokentap/internal/tls"
)

var (
	version = "dev"
	commit  = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "run" {
		handleRunCommand(os.Args[2:])
		return
	}

	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	apiAddr := flag.String("api-listen", "localhost:9091", "Admin API listen address")
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show CA certificate path and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tokentap %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Proxy.Listen = *listenAddr
	}

	configDir, err := config.ConfigDir()
	if err != nil {
		slog.Error("failed to get config directory", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		slog.Error("failed to create config directory", "error", err)
		os.Exit(1)
	}

	certsDir := filepath.Join(configDir, "certs")
	ca, err := tokentaptls.LoadOrCreateCA(certsDir)
	if err != nil {
		slog.Error("failed to load/create CA", "error", err)
		os.Exit(1)
	}
	slog.Info("CA loaded", "path", filepath.Join(certsDir, "ca.crt"))

	if *showCA {
		fmt.Printf("CA certificate: %s\n", filepath.Join(certsDir, "ca.crt"))
		fmt.Println("\nTo trust this CA:")
		fmt.Println("  macOS: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + filepath.Join(certsDir, "ca.crt"))
		fmt.Println("  Linux: sudo cp " + filepath.Join(certsDir, "ca.crt") + " /usr/local/share/ca-certificates/tokentap.crt && sudo update-ca-certificates")
		fmt.Println("  Windows: certutil -addstore -f \"ROOT\" " + filepath.Join(certsDir, "ca.crt"))
		os.Exit(0)
	}

	certCache := tokentaptls.NewCertCache(ca, 1000)

	redactor, err := redact.New(&cfg.Redaction)
	if err != nil {
		slog.Error("failed to create redactor", "error", err)
		os.Exit(1)
	}

	providersPath := filepath.Join(configDir, "providers.json")
	if err := provider.EnsurePrimaryConfig(providersPath); err != nil {
		slog.Error("failed to write default provider config", "error", err)
		os.Exit(1)
	}
	overridePath := filepath.Join(configDir, "providers.override.json")
	providers, err := provider.Load(providersPath, overridePath)
	if err != nil {
		slog.Error("failed to load provider config", "error", err)
		os.Exit(1)
	}

	stateDir := filepath.Join(configDir, "security")
	gate, err := security.Load(stateDir, logger)
	if err != nil {
		slog.Error("failed to initialize security gate", "error", err)
		os.Exit(1)
	}

	dataStore, err := store.Open(cfg.Persistence.DBPath, store.Options{
		EventTTLDays:   cfg.Retention.EventsTTLDays,
		DropLogTTLDays: cfg.Retention.DropLogTTLDays,
	})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer dataStore.Close()
	slog.Info("database opened", "path", cfg.Persistence.DBPath)

	pricingSource := pricing.NewSource(pricing.Config{
		CacheDir: filepath.Join(configDir, "pricing"),
		TTL:      24 * time.Hour,
		Logger:   logger,
	})
	if err := pricingSource.Load(context.Background()); err != nil {
		slog.Warn("pricing source unavailable, falling back to provider flat rates only", "error", err)
	}

	eventSink := sink.New(dataStore, sink.DefaultCapacity, sink.DefaultWorkers, logger)

	mitmProxy, err := proxy.NewMITMProxy(proxy.MITMProxyConfig{
		Config:        cfg,
		Logger:        logger,
		CA:            ca,
		CertCache:     certCache,
		Redactor:      redactor,
		Providers:     providers,
		Security:      gate,
		Store:         dataStore,
		Sink:          eventSink,
		PricingSource: pricingSource,
	})
	if err != nil {
		slog.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	adminServer := api.NewServer(dataStore, gate, logger)
	apiListener, actualAPIAddr, err := listenWithFallback(*apiAddr, 5)
	if err != nil {
		slog.Error("failed to bind admin API", "error", err)
		os.Exit(1)
	}
	httpAdminServer := &http.Server{Handler: adminServer.Handler()}
	go func() {
		if err := httpAdminServer.Serve(apiListener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin API server error", "error", err)
		}
	}()

	stateStore, err := NewFileStateStore()
	if err != nil {
		slog.Error("failed to create state store", "error", err)
		os.Exit(1)
	}
	if err := stateStore.Write(ServerState{
		ProxyAddr: cfg.Proxy.ListenAddr(),
		APIAddr:   actualAPIAddr,
		CAPath:    filepath.Join(certsDir, "ca.crt"),
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}); err != nil {
		slog.Warn("failed to write server state", "error", err)
	}
	defer stateStore.Delete()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, reloading provider config")
				if err := mitmProxy.Reload(); err != nil {
					slog.Error("reload failed", "error", err)
				}
				continue
			}
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
			return
		}
	}()

	slog.Info("starting tokentap proxy",
		"listen", cfg.Proxy.ListenAddr(),
		"api", actualAPIAddr,
		"ca", filepath.Join(certsDir, "ca.crt"),
	)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Proxy:  http://%s\n", cfg.Proxy.ListenAddr())
	fmt.Fprintf(os.Stderr, "  API:    http://%s\n", actualAPIAddr)
	fmt.Fprintf(os.Stderr, "  CA:     %s\n", filepath.Join(certsDir, "ca.crt"))
	fmt.Fprintf(os.Stderr, "  DB:     %s\n", cfg.Persistence.DBPath)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Configure your client to use this proxy.\n")
	fmt.Fprintf(os.Stderr, "  Trust the CA certificate to intercept HTTPS traffic.\n")
	fmt.Fprintf(os.Stderr, "\n")

	serveErr := mitmProxy.Serve(ctx)
	if serveErr != nil && serveErr != context.Canceled {
		slog.Error("proxy error", "error", serveErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpAdminServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("admin API shutdown error", "error", err)
	}
	eventSink.Drain(shutdownCtx)

	if serveErr != nil && serveErr != context.Canceled {
		os.Exit(1)
	}
	slog.Info("tokentap shutdown complete")
}
