package settlement

import (
	"context"
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
	"giftvault/ledger"
	"giftvault/models"
	"giftvault/observability"
	"giftvault/observability/logging"
)

var (
	// ErrPaymentMismatch indicates the claimed payment does not correlate to
	// any pending order, or its address or amount differ. The order stays
	// pending so a correct retry can still succeed before the sweeper
	// reclaims it.
	ErrPaymentMismatch = errors.New("settlement: payment mismatch")
	// ErrPaymentNotFound indicates the ledger has no record of the hash.
	ErrPaymentNotFound = errors.New("settlement: payment not found")
)

// errReplay aborts the commit transaction when another worker settled the
// same hash first; the caller then returns the recorded outcome.
var errReplay = errors.New("settlement: tx hash already recorded")

// Ledger is the external blockchain collaborator settlement consumes.
type Ledger interface {
	GetTransaction(ctx context.Context, hash common.Hash) (*ledger.TransactionDetail, error)
}

// RedeemedGood is the payload returned for a settled payment. Repeat calls
// with the same tx hash return it unchanged.
type RedeemedGood struct {
	OrderID string    `json:"order_id"`
	OfferID uuid.UUID `json:"offer_id"`
	Code    string    `json:"code"`
	Amount  int64     `json:"amount"`
}

// Config captures the dependencies required to construct an Engine.
type Config struct {
	DB      *gorm.DB
	Store   *inventory.Store
	Ledger  Ledger
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.EngineMetrics
}

// Engine validates external payments against pending orders and transitions
// the bound good to redeemed, exactly once per tx hash.
type Engine struct {
	db      *gorm.DB
	store   *inventory.Store
	ledger  Ledger
	now     func() time.Time
	log     *slog.Logger
	metrics *observability.EngineMetrics
}

// New constructs a configured settlement engine.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil {
		return nil, errors.New("settlement: db is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("settlement: inventory store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("settlement: ledger client is required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:      cfg.DB,
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		now:     now,
		log:     logger,
		metrics: cfg.Metrics,
	}, nil
}

// Redeem settles the payment identified by txHash. Side effects happen at
// most once per hash: the transactions table insert, guarded by the tx hash
// primary key, commits in the same database transaction as the good and
// order mutations, so a crash can never be observed as a partial state.
func (e *Engine) Redeem(ctx context.Context, txHash string) (*RedeemedGood, error) {
	trimmed := strings.TrimSpace(txHash)
	if trimmed == "" {
		return nil, fmt.Errorf("settlement: tx hash required")
	}
	hash := common.HexToHash(trimmed)
	key := hash.Hex()

	// Idempotency fast path: an already-recorded hash replays the original
	// outcome without touching the ledger or mutating state.
	if payload, ok, err := e.replay(ctx, key); err != nil {
		return nil, err
	} else if ok {
		e.metrics.ObserveRedemption("duplicate")
		return payload, nil
	}

	payment, err := e.ledger.GetTransaction(ctx, hash)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			e.metrics.ObserveRedemption("not_found")
			return nil, ErrPaymentNotFound
		}
		e.metrics.ObserveRedemption("error")
		return nil, fmt.Errorf("settlement: ledger lookup: %w", err)
	}

	var payload *RedeemedGood
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&order, "memo = ?", payment.Memo).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPaymentMismatch
			}
			return fmt.Errorf("settlement: locate order: %w", err)
		}
		switch order.Status {
		case models.OrderPending:
		case models.OrderExpired:
			// The sweeper reclaimed this order before the payment landed.
			return ErrPaymentMismatch
		default:
			// A concurrent call holding the same hash committed while we
			// waited on the row lock; fall through to the replay path.
			return errReplay
		}

		var offer models.Offer
		if err := tx.First(&offer, "id = ?", order.OfferID).Error; err != nil {
			return fmt.Errorf("settlement: load offer: %w", err)
		}
		if common.HexToAddress(offer.ReceivingAddress) != payment.Destination {
			return ErrPaymentMismatch
		}
		if order.Price != payment.Amount {
			return ErrPaymentMismatch
		}

		now := e.now()
		record := models.Transaction{
			TxHash:             key,
			UserID:             order.UserID,
			CounterpartAddress: payment.Destination.Hex(),
			Amount:             payment.Amount,
			Direction:          models.DirectionIncoming,
			OrderID:            order.ID,
			GoodID:             order.GoodID,
			Memo:               order.Memo,
			RecordedAt:         now,
		}
		// Insert-conflict guard, not client behaviour, enforces exactly-once.
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			return fmt.Errorf("settlement: record transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errReplay
		}

		applied, err := e.store.WithTx(tx).MarkRedeemed(ctx, order.GoodID, order.ID, order.UserID)
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("settlement: good %s no longer bound to order %s", order.GoodID, order.ID)
		}

		res = tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", order.ID, models.OrderPending).
			Updates(map[string]any{"status": models.OrderRedeemed, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("settlement: close order: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("settlement: order %s left pending state mid-settlement", order.ID)
		}

		event := models.Event{
			ID:        uuid.New(),
			OrderID:   &order.ID,
			GoodID:    &order.GoodID,
			Actor:     order.UserID,
			Action:    "order.redeemed",
			Details:   fmt.Sprintf("tx=%s amount=%d", key, payment.Amount),
			CreatedAt: now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("settlement: append event: %w", err)
		}

		good, err := e.store.WithTx(tx).Get(ctx, order.GoodID)
		if err != nil {
			return err
		}
		payload = &RedeemedGood{
			OrderID: order.ID,
			OfferID: order.OfferID,
			Code:    good.SecretValue,
			Amount:  payment.Amount,
		}
		return nil
	})
	if errors.Is(err, errReplay) {
		recorded, ok, replayErr := e.replay(ctx, key)
		if replayErr != nil {
			return nil, replayErr
		}
		if !ok {
			// The order was redeemed, but by a different hash. This payment
			// has nothing it can settle.
			e.metrics.ObserveRedemption("mismatch")
			return nil, ErrPaymentMismatch
		}
		e.metrics.ObserveRedemption("duplicate")
		return recorded, nil
	}
	if err != nil {
		e.metrics.ObserveRedemption(outcomeLabel(err))
		return nil, err
	}
	e.metrics.ObserveRedemption("ok")
	// Masked here, not in the handler: the code must stay out of sinks even
	// when the engine runs with an injected logger.
	e.log.Info("payment settled",
		"tx_hash", key,
		"order_id", payload.OrderID,
		"amount", payload.Amount,
		logging.MaskField("code", payload.Code),
	)
	return payload, nil
}

// replay returns the recorded outcome for an already-settled hash.
func (e *Engine) replay(ctx context.Context, key string) (*RedeemedGood, bool, error) {
	var record models.Transaction
	err := e.db.WithContext(ctx).First(&record, "tx_hash = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("settlement: lookup transaction: %w", err)
	}
	good, err := e.store.Get(ctx, record.GoodID)
	if err != nil {
		return nil, false, err
	}
	var order models.Order
	if err := e.db.WithContext(ctx).First(&order, "id = ?", record.OrderID).Error; err != nil {
		return nil, false, fmt.Errorf("settlement: load order: %w", err)
	}
	return &RedeemedGood{
		OrderID: record.OrderID,
		OfferID: order.OfferID,
		Code:    good.SecretValue,
		Amount:  record.Amount,
	}, true, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrPaymentMismatch):
		return "mismatch"
	case errors.Is(err, ErrPaymentNotFound):
		return "not_found"
	default:
		return "error"
	}
}
