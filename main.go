package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"intraday-core/internal/api"
	cfgstore "intraday-core/internal/config"
	"intraday-core/internal/diag"
	"intraday-core/internal/feed"
	"intraday-core/internal/market"
	"intraday-core/internal/strategy"
	"intraday-core/pkg/config"
	"intraday-core/pkg/db"
	"intraday-core/pkg/kite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("starting intraday-core on port %s (dry_run=%v)", cfg.Port, cfg.DryRun)

	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		log.Printf("timezone %s unavailable, using local: %v", cfg.MarketTimezone, err)
		loc = time.Local
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations failed: %v", err)
	}

	// Base strategy parameters: compiled defaults layered with the YAML
	// file, environment toggles winning over both.
	base, err := strategy.LoadBase(cfg.StrategyConfigPath)
	if err != nil {
		log.Fatalf("strategy defaults load failed: %v", err)
	}
	base["dry_run"] = cfg.DryRun
	if cfg.Exchange != "" {
		base["exchange"] = cfg.Exchange
	}

	store, err := cfgstore.NewStore(ctx, base, strategy.StructuralKeys, database)
	if err != nil {
		log.Fatalf("config store init failed: %v", err)
	}

	broker := kite.NewClient(cfg.KiteAPIKey)
	if err := broker.LoadAccessToken(cfg.AccessTokenPath); err != nil {
		log.Printf("access token load failed: %v", err)
	}

	recorder := diag.NewRecorder(diag.DefaultCapacity)

	manager := feed.NewManager(feed.Options{
		Broker:   broker,
		Store:    store,
		Recorder: recorder,
		Trades:   database,
		Location: loc,
		NewConn: func() (market.Conn, error) {
			if broker.AccessToken == "" {
				return nil, kite.ErrNotAuthenticated
			}
			return kite.NewTicker(cfg.KiteAPIKey, broker.AccessToken), nil
		},
		Stream: market.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			ChunkSize:      cfg.SubscribeChunkSize,
			ChunkPause:     cfg.SubscribeChunkPause,
			Reconnect: market.ReconnectPolicy{
				MaxRetries: cfg.ReconnectMaxRetries,
				MinDelay:   cfg.ReconnectMinDelay,
				MaxDelay:   cfg.ReconnectMaxDelay,
			},
		},
	})

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	server := api.NewServer(
		manager,
		store,
		recorder,
		database,
		api.SystemMeta{
			DryRun:   cfg.DryRun,
			Exchange: cfg.Exchange,
			Version:  buildVersion,
		},
		cfg.JWTSecret,
		cfg.OperatorKey,
	)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	manager.StopFeed()
}
