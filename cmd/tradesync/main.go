package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bitvelo/tradesync/internal/activity"
	"github.com/bitvelo/tradesync/internal/admin"
	"github.com/bitvelo/tradesync/internal/audit"
	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/internal/config"
	"github.com/bitvelo/tradesync/internal/ledger"
	"github.com/bitvelo/tradesync/internal/pricefeed"
	"github.com/bitvelo/tradesync/internal/profile"
	"github.com/bitvelo/tradesync/internal/settlement"
	"github.com/bitvelo/tradesync/internal/transport"
	"github.com/bitvelo/tradesync/pkg/logger"
	"github.com/bitvelo/tradesync/pkg/models"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Open the local database
	db, err := gorm.Open(sqlite.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}

	profileStore, err := profile.NewStore(db, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create profile store", zap.Error(err))
	}
	auditStore, err := audit.NewStore(db)
	if err != nil {
		zapLogger.Fatal("Failed to create audit store", zap.Error(err))
	}

	// Core state
	eventBus := bus.New(zapLogger)
	accountLedger := ledger.New(zapLogger)
	if err := profileStore.LoadBalances(accountLedger); err != nil {
		zapLogger.Fatal("Failed to restore balances", zap.Error(err))
	}

	engine := settlement.New(accountLedger, eventBus, nil, zapLogger)
	engine.Attach(eventBus)

	overrideSvc := admin.NewService(engine, profileStore, auditStore, zapLogger)

	recorder := activity.NewRecorder(zapLogger, cfg.Activity.Capacity)
	recorder.Attach(eventBus)

	prices := pricefeed.NewService(zapLogger)
	prices.Attach(eventBus)

	profileStore.Attach(eventBus)

	// Apply server-pushed wallet updates through the ledger
	eventBus.On(transport.TypeWalletUpdate, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.WalletUpdatePayload)
		if !ok {
			return
		}
		if _, err := accountLedger.Mutate(p.Bucket, p.Asset, p.Amount, ledger.Op(p.Op)); err != nil {
			zapLogger.Warn("wallet update rejected",
				zap.String("bucket", string(p.Bucket)),
				zap.String("asset", p.Asset),
				zap.Error(err))
			return
		}
		amount := p.Amount
		eventBus.Emit("wallet_applied", models.ActivityRecord{
			Type:        "wallet_update",
			Description: p.Op + " " + p.Amount.String() + " " + p.Asset,
			Amount:      &amount,
		})
	})

	// Server-initiated overrides of in-flight trades go through the
	// audited path
	eventBus.On(transport.TypeAdminAction, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.AdminActionPayload)
		if !ok || p.Action != "override" {
			return
		}
		outcome := models.TradeResult{Success: true}
		payout := p.Payout
		if p.Win {
			outcome.Profit = &payout
		} else {
			outcome.Loss = &payout
		}
		if _, err := overrideSvc.Override(p.TradeID, outcome, p.AdminID); err != nil {
			zapLogger.Warn("admin override rejected",
				zap.String("trade_id", p.TradeID.String()),
				zap.Error(err))
		}
	})

	// Hand inbound trade requests to the engine
	eventBus.On(transport.TypeTrade, func(evt bus.Event) {
		p, ok := evt.Payload.(transport.TradePayload)
		if !ok {
			return
		}
		if _, err := engine.Execute(p.TradeRequest); err != nil {
			zapLogger.Warn("inbound trade rejected", zap.Error(err))
		}
	})

	// Transport
	tcfg := transport.DefaultConfig(cfg.Server.URL)
	tcfg.BaseDelay = cfg.Transport.BaseDelay
	tcfg.MaxAttempts = cfg.Transport.MaxAttempts
	tcfg.HeartbeatInterval = cfg.Transport.HeartbeatInterval
	tcfg.WriteTimeout = cfg.Transport.WriteTimeout
	tcfg.HandshakeTimeout = cfg.Transport.HandshakeTimeout
	client := transport.NewClient(tcfg, eventBus, zapLogger)
	client.OnStateChange(func(st transport.Status) {
		zapLogger.Info("connection state changed", zap.String("status", st.String()))
	})
	client.Connect()

	// Persist balances periodically
	snapshotTicker := time.NewTicker(time.Minute)
	defer snapshotTicker.Stop()
	go func() {
		for range snapshotTicker.C {
			if err := profileStore.SaveBalances(accountLedger); err != nil {
				zapLogger.Error("balance snapshot failed", zap.Error(err))
			}
		}
	}()

	zapLogger.Info("tradesync started", zap.String("server", cfg.Server.URL))

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down...")
	client.Disconnect()
	if err := profileStore.SaveBalances(accountLedger); err != nil {
		zapLogger.Error("final balance snapshot failed", zap.Error(err))
	}
	zapLogger.Info("Shutdown complete")
}
