package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"tokenmeter/internal/chain"
	"tokenmeter/internal/config"
	"tokenmeter/internal/httpapi"
	"tokenmeter/internal/ledger"
	"tokenmeter/internal/meter"
	"tokenmeter/internal/oracle"
	"tokenmeter/internal/settlement"
	"tokenmeter/internal/stats"
	"tokenmeter/internal/storage"
	"tokenmeter/internal/utils"
	"tokenmeter/internal/verifier"
)

func main() {
	// .env is optional; deployment environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := utils.ParseLogLevel(cfg.LogLevel)
	logger := utils.NewLogger("meterd", level)

	db, err := storage.NewDB(storage.DBConfig{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store := storage.NewStore(db)

	// Stats counters are optional; without Redis the ledger answers
	// aggregate queries from the database.
	var statsSvc *stats.Service
	if cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		defer rdb.Close()

		statsSvc = stats.NewService(rdb, store, 5*time.Minute, utils.NewLogger("stats", level))
		statsSvc.StartReconcileLoop()
		defer statsSvc.StopReconcileLoop()
	}

	rpcManager := chain.NewManager(chain.Config{
		PrimaryEndpoint:   cfg.Chain.RPCEndpoint,
		FallbackEndpoints: cfg.Chain.FallbackEndpoints,
		RequestTimeout:    cfg.Chain.RequestTimeout,
		MaxRetries:        cfg.Chain.MaxRetries,
		RetryBackoff:      cfg.Chain.RetryBackoff,
	}, utils.NewLogger("chain", level))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	rpcManager.StartHealthMonitoring(rootCtx, cfg.Chain.HealthCheckEvery)
	defer rpcManager.StopHealthMonitoring()

	priceClient := oracle.NewPriceClient(cfg.Oracle.PriceServiceURL, cfg.Oracle.PriceAPIKey, cfg.Oracle.RequestTimeout)
	priceOracle := oracle.New(oracle.Config{
		TokenMint:   cfg.Oracle.TokenMint,
		TWAPWindow:  cfg.Oracle.TWAPWindow,
		Freshness:   cfg.Oracle.Freshness,
		BurnFloor:   decimal.NewFromFloat(cfg.Oracle.BurnFloor),
		BurnCeiling: decimal.NewFromFloat(cfg.Oracle.BurnCeiling),
	}, priceClient, utils.NewLogger("oracle", level))

	priceOracle.StartRefreshLoop(rootCtx, cfg.Oracle.RefreshInterval)
	defer priceOracle.StopRefreshLoop()

	var statsSink ledger.StatsSink
	if statsSvc != nil {
		statsSink = statsSvc
	}
	balances := ledger.New(store, priceOracle, statsSink, utils.NewLogger("ledger", level))

	depositVerifier := verifier.New(rpcManager, utils.NewLogger("verifier", level))

	engine := settlement.NewEngine(rpcManager, balances, settlement.Config{
		Mint:             cfg.Oracle.TokenMint,
		Treasury:         cfg.Settlement.TreasuryAddress,
		CustodialKey:     cfg.Settlement.CustodialKey,
		LegacyKeyDerive:  cfg.Settlement.LegacyKeyDerive,
		BatchSize:        cfg.Settlement.BatchSize,
		ConfirmTimeout:   cfg.Settlement.ConfirmTimeout,
		ConfirmPollEvery: cfg.Settlement.ConfirmPollEvery,
	}, utils.NewLogger("settlement", level))

	engine.StartScheduler(settlement.SchedulerConfig{
		Interval:   cfg.Settlement.Interval,
		CheckEvery: cfg.Settlement.Interval / 6,
		Threshold:  decimal.NewFromFloat(cfg.Settlement.ThresholdTokens),
	})
	defer engine.StopScheduler()

	depositAddress := cfg.Settlement.DepositAddress
	if depositAddress == "" {
		depositAddress = engine.CustodialAddress()
	}
	core := meter.New(meter.Config{
		Mint:           cfg.Oracle.TokenMint,
		DepositAddress: depositAddress,
	}, balances, depositVerifier, priceOracle, engine, utils.NewLogger("meter", level))

	handler := httpapi.NewHandler(core, priceOracle, utils.NewLogger("httpapi", level))
	mux := httpapi.NewRouter(handler, db)

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("metering API listening", "addr", addr,
			"mint", cfg.Oracle.TokenMint,
			"rpc", rpcManager.Endpoint(),
			"settlementInterval", cfg.Settlement.Interval)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shut down", "error", err)
	}

	if statsSvc != nil {
		// Final reconcile so the counters match the database on restart.
		if err := statsSvc.Reconcile(shutdownCtx); err != nil {
			logger.Warn("final stats reconcile failed", "error", err)
		}
	}

	rootCancel()
}
