package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"giftvault/booking"
	"giftvault/cardvendor"
	"giftvault/config"
	"giftvault/inventory"
	"giftvault/ledger"
	"giftvault/models"
	"giftvault/observability"
	"giftvault/observability/logging"
	"giftvault/replenish"
	"giftvault/server"
	"giftvault/settlement"
	"giftvault/sweeper"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("giftvaultd", cfg.Environment)

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	metrics := observability.Engine()
	store := inventory.NewStore(db)
	ledgerClient := ledger.NewClient(ledger.Config{
		URL:     cfg.Ledger.URL,
		Timeout: cfg.Ledger.Timeout.Duration,
	})
	vendorClient := cardvendor.NewClient(cardvendor.Config{
		BaseURL: cfg.Vendor.URL,
		APIKey:  cfg.Vendor.APIKey,
		Timeout: cfg.Vendor.Timeout.Duration,
	})

	booker, err := booking.New(booking.Config{
		DB:          db,
		Store:       store,
		Cooldown:    cfg.Booking.Cooldown.Duration,
		OrderTTL:    cfg.Sweep.OrderTTL.Duration,
		Environment: cfg.Environment,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("booking init error: %v", err)
	}
	engine, err := settlement.New(settlement.Config{
		DB:      db,
		Store:   store,
		Ledger:  ledgerClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("settlement init error: %v", err)
	}
	sweep, err := sweeper.New(sweeper.Config{
		DB:       db,
		Store:    store,
		OrderTTL: cfg.Sweep.OrderTTL.Duration,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf("sweeper init error: %v", err)
	}
	trigger, err := replenish.New(replenish.Config{
		DB:      db,
		Store:   store,
		Vendor:  vendorClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf("replenish init error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweeper.NewScheduler(sweeper.SchedulerConfig{
		Sweeper:  sweep,
		Interval: cfg.Sweep.Interval.Duration,
		Logger:   logger,
	}).Start(ctx)
	go replenish.NewScheduler(replenish.SchedulerConfig{
		Trigger:  trigger,
		Interval: cfg.Replenish.Interval.Duration,
		Logger:   logger,
	}).Start(ctx)

	srv := server.New(server.Config{
		DB:          db,
		Store:       store,
		Booker:      booker,
		Settlement:  engine,
		Sweeper:     sweep,
		Replenisher: trigger,
		Ledger:      ledgerClient,
	})

	logger.Info("starting giftvaultd", "listen", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// openDatabase selects the driver from the DSN: postgres URLs go to the
// postgres driver, anything else is treated as a sqlite path.
func openDatabase(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return gorm.Open(postgres.Open(trimmed), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
}
