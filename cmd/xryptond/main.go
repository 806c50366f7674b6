// Package main is the entrypoint for the xryptond server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cordx56/xrypton-go/internal/auth"
	"github.com/cordx56/xrypton-go/internal/blobstore"
	"github.com/cordx56/xrypton-go/internal/cache"
	"github.com/cordx56/xrypton-go/internal/config"
	"github.com/cordx56/xrypton-go/internal/dnsresolver"
	"github.com/cordx56/xrypton-go/internal/federation"
	"github.com/cordx56/xrypton-go/internal/noncestore"
	"github.com/cordx56/xrypton-go/internal/push"
	"github.com/cordx56/xrypton-go/internal/server"
	"github.com/cordx56/xrypton-go/internal/store/sqlite"
	"github.com/cordx56/xrypton-go/internal/wot"

	// Register cache drivers
	_ "github.com/cordx56/xrypton-go/internal/cache/loader"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		Logger:     bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("effective configuration",
		"database_url", cfg.DatabaseURL,
		"listen_addr", cfg.ListenAddr,
		"server_hostname", cfg.ServerHostname,
		"federation_allow_http", cfg.FederationAllowHTTP,
	)

	db := sqlite.New(cfg.DatabaseURL)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Init(ctx); err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	dnsCache, err := cache.NewFromConfig(cfg.CacheDriver, map[string]any{cfg.CacheDriver: cfg.CacheSettings})
	if err != nil {
		logger.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer dnsCache.Close()

	dns := dnsresolver.New(dnsresolver.NewMiekgLookup(), dnsCache, logger)
	nonces := noncestore.New(db, logger)
	stopSweeper := nonces.StartSweeper(ctx)
	defer stopSweeper()

	federationClientCfg := federation.DefaultClientConfig()
	federationClientCfg.AllowHTTP = cfg.FederationAllowHTTP
	federationClient := federation.NewClient(federationClientCfg)

	resolver := federation.New(db, nonces, dns, federationClient, cfg.ServerHostname, server.APIPrefix, logger)
	proxy := federation.NewProxy(federationClient, server.APIPrefix)

	authenticator := auth.New(db, nonces, resolver, cfg.ServerHostname, logger)
	wotService := wot.New(db, db, db, nonces, logger)
	pushService := push.New(db, db, proxy, push.VAPIDConfig{
		Subscriber: "mailto:admin@" + cfg.ServerHostname,
		PublicKey:  cfg.VAPIDPublicKey,
		PrivateKey: cfg.VAPIDPrivateKey,
	}, cfg.ServerHostname, logger)

	blobDir := cfg.S3Bucket
	if blobDir == "" {
		blobDir = "blobs"
	}
	blobs, err := blobstore.NewFileStore(blobDir)
	if err != nil {
		logger.Error("failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Deps{
		Store:      db,
		Auth:       authenticator,
		Resolver:   resolver,
		Proxy:      proxy,
		WoT:        wotService,
		Push:       pushService,
		Blobs:      blobs,
		SelfHost:   cfg.ServerHostname,
		ListenAddr: cfg.ListenAddr,
		Logger:     logger,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("server started, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
