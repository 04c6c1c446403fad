package replenish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"giftvault/inventory"
	"giftvault/models"
	"giftvault/observability"
)

// Vendor is the external gift-card supplier. PurchaseBatch may return fewer
// codes than requested; calls are slow and must never run under a DB lock.
type Vendor interface {
	PurchaseBatch(ctx context.Context, merchantCode, templateID string, batchSize int, denomination int64) ([]string, error)
}

// Config captures the dependencies required to construct a Trigger.
type Config struct {
	DB      *gorm.DB
	Store   *inventory.Store
	Vendor  Vendor
	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
}

// Trigger watches per-offer inventory levels and restocks from the vendor
// when the available count drops below the offer's configured threshold.
type Trigger struct {
	db      *gorm.DB
	store   *inventory.Store
	vendor  Vendor
	log     *slog.Logger
	metrics *observability.EngineMetrics

	// inflight holds one entry per offer with a purchase in progress, so
	// frequent threshold re-checks never stack vendor calls.
	inflight sync.Map
}

// New constructs a configured replenishment trigger.
func New(cfg Config) (*Trigger, error) {
	if cfg.DB == nil {
		return nil, errors.New("replenish: db is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("replenish: inventory store is required")
	}
	if cfg.Vendor == nil {
		return nil, errors.New("replenish: vendor client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		db:      cfg.DB,
		store:   cfg.Store,
		vendor:  cfg.Vendor,
		log:     logger,
		metrics: cfg.Metrics,
	}, nil
}

// MaybeReplenish restocks the offer if its available count is below the
// configured threshold. Offers without a rule, offers at or above threshold,
// and offers with a purchase already in flight are all no-ops. A vendor
// shortfall commits the returned codes and leaves the rest to the next pass.
func (t *Trigger) MaybeReplenish(ctx context.Context, offerID uuid.UUID) error {
	var rule models.ReplenishmentRule
	err := t.db.WithContext(ctx).First(&rule, "offer_id = ?", offerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return fmt.Errorf("replenish: load rule: %w", err)
	}
	if rule.BatchSize <= 0 || rule.MinimumThreshold <= 0 {
		return nil
	}

	available, err := t.store.AvailableCount(ctx, offerID)
	if err != nil {
		return err
	}
	if available >= int64(rule.MinimumThreshold) {
		return nil
	}

	if _, busy := t.inflight.LoadOrStore(offerID, struct{}{}); busy {
		return nil
	}
	defer t.inflight.Delete(offerID)

	// Re-check under the guard: a purchase that completed while we raced
	// for the slot may already have refilled the pool.
	available, err = t.store.AvailableCount(ctx, offerID)
	if err != nil {
		return err
	}
	if available >= int64(rule.MinimumThreshold) {
		return nil
	}

	started := time.Now()
	codes, err := t.vendor.PurchaseBatch(ctx, rule.MerchantCode, rule.TemplateID, rule.BatchSize, rule.Denomination)
	if err != nil {
		t.metrics.ObserveVendorCall("error", time.Since(started))
		return fmt.Errorf("replenish: vendor purchase: %w", err)
	}
	if len(codes) < rule.BatchSize {
		// Shortfall is not retried within this call; the next scheduled
		// pass re-evaluates the threshold.
		t.metrics.ObserveVendorCall("shortfall", time.Since(started))
		t.log.Warn("vendor returned short batch",
			"offer_id", offerID.String(),
			"requested", rule.BatchSize,
			"received", len(codes),
		)
	} else {
		t.metrics.ObserveVendorCall("ok", time.Since(started))
	}
	if len(codes) == 0 {
		return nil
	}

	goods, err := t.store.InsertBatch(ctx, offerID, models.KindVendorCard, codes)
	if err != nil {
		return err
	}
	t.metrics.SetInventory(offerID.String(), string(models.GoodAvailable), available+int64(len(goods)))
	t.log.Info("inventory replenished", "offer_id", offerID.String(), "added", len(goods))
	return nil
}

// ReplenishAll evaluates every offer that has a rule. Used by the scheduler.
func (t *Trigger) ReplenishAll(ctx context.Context) error {
	var offerIDs []uuid.UUID
	err := t.db.WithContext(ctx).Model(&models.ReplenishmentRule{}).
		Pluck("offer_id", &offerIDs).Error
	if err != nil {
		return fmt.Errorf("replenish: list rules: %w", err)
	}
	var lastErr error
	for _, offerID := range offerIDs {
		if err := t.MaybeReplenish(ctx, offerID); err != nil {
			lastErr = err
			t.log.Error("replenish pass failed", "offer_id", offerID.String(), "error", err.Error())
		}
	}
	return lastErr
}
