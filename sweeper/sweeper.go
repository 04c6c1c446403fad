package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giftvault/inventory"
	"giftvault/models"
	"giftvault/observability"
)

// Config captures the dependencies required to construct a Sweeper.
type Config struct {
	DB *gorm.DB
	// Store releases reclaimed goods back to the pool.
	Store *inventory.Store
	// OrderTTL is how long a pending order may stay unpaid before its good
	// is reclaimed.
	OrderTTL time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observability.EngineMetrics
}

// Sweeper reclaims goods whose order was never settled within the TTL. Any
// number of callers may invoke it concurrently; each stale order is released
// at most once, and a redemption that commits first always wins.
type Sweeper struct {
	db      *gorm.DB
	store   *inventory.Store
	ttl     time.Duration
	now     func() time.Time
	log     *slog.Logger
	metrics *observability.EngineMetrics
}

// New constructs a configured sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.DB == nil {
		return nil, errors.New("sweeper: db is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("sweeper: inventory store is required")
	}
	if cfg.OrderTTL <= 0 {
		return nil, errors.New("sweeper: order ttl must be positive")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		db:      cfg.DB,
		store:   cfg.Store,
		ttl:     cfg.OrderTTL,
		now:     now,
		log:     logger,
		metrics: cfg.Metrics,
	}, nil
}

// Sweep scans pending orders older than the TTL and releases their goods.
// It returns the number of goods actually released in this pass. A failure
// on one order does not abort the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)

	var candidates []string
	err := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("status = ? AND created_at < ?", models.OrderPending, cutoff).
		Order("created_at ASC").
		Pluck("id", &candidates).Error
	if err != nil {
		return 0, fmt.Errorf("sweeper: scan stale orders: %w", err)
	}

	released := 0
	var lastErr error
	for _, orderID := range candidates {
		ok, err := s.expire(ctx, orderID, cutoff)
		if err != nil {
			lastErr = err
			s.log.Error("sweep release failed", "order_id", orderID, "error", err.Error())
			continue
		}
		if ok {
			released++
		}
	}
	s.metrics.AddReleased(released)
	if released > 0 {
		s.log.Info("unclaimed orders released", "count", released)
	}
	return released, lastErr
}

// expire performs the conditional transition for one stale order. The order
// row is re-read under lock so a redemption or a concurrent sweep that
// committed between the scan and this call turns the release into a no-op.
func (s *Sweeper) expire(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&order, "id = ?", orderID).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return fmt.Errorf("sweeper: lock order: %w", err)
		}
		if order.Status != models.OrderPending || !order.CreatedAt.Before(cutoff) {
			return nil
		}

		ok, err := s.store.WithTx(tx).Release(ctx, order.GoodID, order.ID)
		if err != nil {
			return err
		}
		if !ok {
			// The good is no longer allocated to this order; leave the
			// order untouched rather than guessing at a terminal state.
			return nil
		}

		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderPending).
			Updates(map[string]any{"status": models.OrderExpired, "updated_at": s.now()})
		if res.Error != nil {
			return fmt.Errorf("sweeper: expire order: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sweeper: order %s changed state mid-release", order.ID)
		}

		event := models.Event{
			ID:        uuid.New(),
			OrderID:   &order.ID,
			GoodID:    &order.GoodID,
			Actor:     "sweeper",
			Action:    "order.expired",
			Details:   fmt.Sprintf("booked_at=%s", order.CreatedAt.UTC().Format(time.RFC3339)),
			CreatedAt: s.now(),
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("sweeper: append event: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}
