// Package settlementd wires the reward debt settlement daemon: periodic
// aggregation of pending reward entries, batched on-chain allocation,
// verification, and ledger reconciliation, plus an admin HTTP surface.
package settlementd

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"commitpay/announce"
	"commitpay/chain"
	"commitpay/config"
	"commitpay/ledger"
	"commitpay/observability/logging"
	telemetry "commitpay/observability/otel"
	"commitpay/settlement"
)

// Main initialises and runs the settlement daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/settlementd/config.yaml", "path to settlementd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("COMMITPAY_ENV"))
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Environment != "" {
		env = cfg.Environment
	}
	logger := logging.Setup("settlementd", env, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "settlementd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	store := ledger.NewStore(db)

	client, err := chain.Dial(cfg.Chain.RPC)
	if err != nil {
		return fmt.Errorf("dial chain rpc: %w", err)
	}
	defer client.Close()

	signerKey, err := gethcrypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.SignerKey, "0x"))
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}
	if !common.IsHexAddress(cfg.Chain.VaultAddress) {
		return fmt.Errorf("invalid vault address %q", cfg.Chain.VaultAddress)
	}
	vault := common.HexToAddress(cfg.Chain.VaultAddress)

	allocator, err := chain.NewAllocator(chain.AllocatorConfig{
		Client:         client,
		Vault:          vault,
		SignerKey:      signerKey,
		ChainID:        new(big.Int).SetUint64(cfg.Chain.ChainID),
		TokenDecimals:  cfg.Chain.TokenDecimals,
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
		PollInterval:   cfg.Chain.PollInterval.Duration,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("init allocator: %w", err)
	}
	verifier, err := chain.NewVerifier(client, vault, logger)
	if err != nil {
		return fmt.Errorf("init verifier: %w", err)
	}

	announcer := announce.New(announce.Config{
		URL:           cfg.Announce.URL,
		Secret:        cfg.Announce.Secret,
		RatePerMinute: cfg.Announce.RatePerMinute,
		QueueCapacity: cfg.Announce.QueueCapacity,
		Logger:        logger,
	})

	reconciler, err := settlement.NewReconciler(settlement.Config{
		Store:             store,
		Allocator:         allocator,
		Verifier:          verifier,
		Announcer:         announcer,
		VerifyConcurrency: cfg.Settlement.VerifyConcurrency,
		StuckThreshold:    cfg.Settlement.StuckThreshold,
		LeaseTTL:          cfg.Settlement.LeaseTTL.Duration,
		ReportDir:         cfg.Settlement.ReportDir,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("init reconciler: %w", err)
	}
	scheduler := settlement.NewScheduler(settlement.SchedulerConfig{
		Reconciler: reconciler,
		Interval:   cfg.Settlement.Interval.Duration,
		Logger:     logger,
	})

	server := NewServer(ServerConfig{
		Store:          store,
		Trigger:        reconciler,
		Rewards:        verifier,
		BearerToken:    cfg.Admin.BearerToken,
		StuckThreshold: cfg.Settlement.StuckThreshold,
		TokenDecimals:  cfg.Chain.TokenDecimals,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go announcer.Run(stopCtx)
	go scheduler.Start(stopCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening", "addr", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
