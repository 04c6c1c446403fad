package booking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giftvault/inventory"
	"giftvault/models"
	"giftvault/observability"
)

var (
	// ErrOfferNotFound indicates the requested offer does not exist.
	ErrOfferNotFound = errors.New("booking: offer not found")
	// ErrOfferInactive indicates the offer exists but is not bookable.
	ErrOfferInactive = errors.New("booking: offer inactive")
	// ErrOrdersCooldown indicates the user already holds a recent pending
	// order and must wait for the cooldown window to elapse.
	ErrOrdersCooldown = errors.New("booking: cooldown active")
)

// Receipt is handed to the client after a successful booking. The memo must
// be embedded in the on-chain payment so settlement can correlate it.
type Receipt struct {
	OrderID          string    `json:"order_id"`
	Memo             string    `json:"memo"`
	Price            int64     `json:"price"`
	ReceivingAddress string    `json:"receiving_address"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Config captures the dependencies required to construct a Booker.
type Config struct {
	DB       *gorm.DB
	Store    *inventory.Store
	Cooldown time.Duration
	OrderTTL time.Duration
	// Environment tags memo tokens so payments from staging deployments
	// can never settle production orders.
	Environment string
	Now         func() time.Time
	Logger      *slog.Logger
	Metrics     *observability.EngineMetrics
}

// Booker allocates exactly one available good per successful booking request.
type Booker struct {
	db       *gorm.DB
	store    *inventory.Store
	cooldown time.Duration
	orderTTL time.Duration
	env      string
	now      func() time.Time
	log      *slog.Logger
	metrics  *observability.EngineMetrics
}

// New constructs a configured booker.
func New(cfg Config) (*Booker, error) {
	if cfg.DB == nil {
		return nil, errors.New("booking: db is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("booking: inventory store is required")
	}
	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		return nil, errors.New("booking: environment tag is required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	orderTTL := cfg.OrderTTL
	if orderTTL <= 0 {
		orderTTL = 15 * time.Minute
	}
	return &Booker{
		db:       cfg.DB,
		store:    cfg.Store,
		cooldown: cfg.Cooldown,
		orderTTL: orderTTL,
		env:      env,
		now:      now,
		log:      logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Book reserves one available good for the user and returns the pending
// order receipt. The cooldown check, reservation, and order creation commit
// as one unit: a cooldown rejection reserves nothing, and no two orders ever
// reference the same good.
func (b *Booker) Book(ctx context.Context, offerID uuid.UUID, userID string) (*Receipt, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("booking: user id required")
	}

	var receipt *Receipt
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var offer models.Offer
		if err := tx.First(&offer, "id = ?", offerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOfferNotFound
			}
			return fmt.Errorf("booking: load offer: %w", err)
		}
		if !offer.IsActive {
			return ErrOfferInactive
		}

		now := b.now()
		if b.cooldown > 0 {
			// Holding the user's slot row serialises the cooldown read
			// against other bookings by the same user, across every process
			// sharing the database. A concurrent booker blocks here until
			// the first order commits and then sees it in the count.
			if err := lockUserSlot(tx, userID, now); err != nil {
				return err
			}
			var recent int64
			err := tx.Model(&models.Order{}).
				Where("user_id = ? AND status = ? AND created_at > ?", userID, models.OrderPending, now.Add(-b.cooldown)).
				Count(&recent).Error
			if err != nil {
				return fmt.Errorf("booking: cooldown check: %w", err)
			}
			if recent > 0 {
				return ErrOrdersCooldown
			}
		}

		orderID, err := newToken(16)
		if err != nil {
			return err
		}
		memoSuffix, err := newToken(8)
		if err != nil {
			return err
		}
		memo := b.env + "-" + memoSuffix

		good, err := b.store.WithTx(tx).ReserveOne(ctx, offerID, orderID)
		if err != nil {
			return err
		}

		order := models.Order{
			ID:        orderID,
			OfferID:   offerID,
			UserID:    userID,
			GoodID:    good.ID,
			Status:    models.OrderPending,
			Price:     offer.Price,
			Memo:      memo,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("booking: create order: %w", err)
		}

		event := models.Event{
			ID:        uuid.New(),
			OrderID:   &order.ID,
			GoodID:    &good.ID,
			Actor:     userID,
			Action:    "order.booked",
			Details:   fmt.Sprintf("offer=%s price=%d", offerID, offer.Price),
			CreatedAt: now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("booking: append event: %w", err)
		}

		receipt = &Receipt{
			OrderID:          order.ID,
			Memo:             memo,
			Price:            offer.Price,
			ReceivingAddress: offer.ReceivingAddress,
			ExpiresAt:        now.Add(b.orderTTL),
		}
		return nil
	})
	if err != nil {
		b.metrics.ObserveBooking(outcomeLabel(err))
		return nil, err
	}
	b.metrics.ObserveBooking("ok")
	b.log.Info("order booked", "order_id", receipt.OrderID, "offer_id", offerID.String(), "user_id", userID)
	return receipt, nil
}

// lockUserSlot takes the per-user row lock inside the booking transaction.
// The slot row is created on first use; the insert-conflict clause makes the
// ensure step race-free.
func lockUserSlot(tx *gorm.DB, userID string, now time.Time) error {
	slot := models.UserSlot{UserID: userID, CreatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&slot).Error; err != nil {
		return fmt.Errorf("booking: ensure user slot: %w", err)
	}
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&slot, "user_id = ?", userID).Error
	if err != nil {
		return fmt.Errorf("booking: lock user slot: %w", err)
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, inventory.ErrNoGoods):
		return "no_goods"
	case errors.Is(err, ErrOrdersCooldown):
		return "cooldown"
	case errors.Is(err, ErrOfferInactive), errors.Is(err, ErrOfferNotFound):
		return "rejected"
	default:
		return "error"
	}
}

// newToken returns a collision-resistant random hex token.
func newToken(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("booking: token entropy: %w", err)
	}
	return common.Bytes2Hex(buf), nil
}
