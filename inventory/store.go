package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giftvault/models"
)

var (
	// ErrNoGoods indicates no available good exists for the requested offer.
	ErrNoGoods = errors.New("inventory: no goods available")
	// ErrGoodNotFound indicates the referenced good does not exist.
	ErrGoodNotFound = errors.New("inventory: good not found")
)

// Store provides the durable goods pool. Every state transition is an atomic
// conditional update so that concurrent callers targeting the same offer hand
// each available good to exactly one caller.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a store backed by the provided database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a store view scoped to the supplied transaction handle so
// callers can compose inventory transitions with their own writes.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// AvailableCount returns the number of unallocated goods for the offer.
func (s *Store) AvailableCount(ctx context.Context, offerID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Good{}).
		Where("offer_id = ? AND state = ?", offerID, models.GoodAvailable).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("inventory: count available: %w", err)
	}
	return count, nil
}

// TotalCount returns the number of goods ever created for the offer,
// including redeemed ones.
func (s *Store) TotalCount(ctx context.Context, offerID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Good{}).
		Where("offer_id = ?", offerID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("inventory: count total: %w", err)
	}
	return count, nil
}

// Report summarises the goods pool for one offer.
type Report struct {
	Total       int64 `json:"total"`
	Unallocated int64 `json:"unallocated"`
	Allocated   int64 `json:"allocated"`
	Redeemed    int64 `json:"redeemed"`
}

// Report returns per-state counts for operational visibility. The counts
// always satisfy total = unallocated + allocated + redeemed.
func (s *Store) Report(ctx context.Context, offerID uuid.UUID) (Report, error) {
	rows := []struct {
		State models.GoodState
		N     int64
	}{}
	err := s.db.WithContext(ctx).Model(&models.Good{}).
		Select("state, COUNT(*) AS n").
		Where("offer_id = ?", offerID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return Report{}, fmt.Errorf("inventory: report: %w", err)
	}
	report := Report{}
	for _, row := range rows {
		switch row.State {
		case models.GoodAvailable:
			report.Unallocated = row.N
		case models.GoodAllocated:
			report.Allocated = row.N
		case models.GoodRedeemed:
			report.Redeemed = row.N
		}
		report.Total += row.N
	}
	return report, nil
}

// ReserveOne atomically flips one available good to allocated and binds it to
// the supplied order. Callers running inside a transaction should use WithTx
// so the reservation commits together with the order row.
//
// SKIP LOCKED keeps concurrent bookers for the same offer off each other's
// candidate row on postgres: without it every waiter queues on the oldest
// available row and, after the winner commits, requalifies to an empty
// LIMIT-1 result even though later goods remain.
func (s *Store) ReserveOne(ctx context.Context, offerID uuid.UUID, orderID string) (*models.Good, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("inventory: order id required")
	}
	for {
		var good models.Good
		err := s.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("offer_id = ? AND state = ?", offerID, models.GoodAvailable).
			Order("created_at ASC").
			First(&good).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNoGoods
			}
			return nil, fmt.Errorf("inventory: select available: %w", err)
		}
		// The state predicate doubles as a compare-and-swap, covering drivers
		// that do not honour the locking clause: if another worker allocated
		// this row between the select and the update, zero rows match and the
		// loser moves on to the next candidate. Progress holds because a
		// failed swap means the row left the available state and the next
		// select excludes it.
		res := s.db.WithContext(ctx).Model(&models.Good{}).
			Where("id = ? AND state = ?", good.ID, models.GoodAvailable).
			Updates(map[string]any{
				"state":          models.GoodAllocated,
				"bound_order_id": orderID,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("inventory: allocate: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		good.State = models.GoodAllocated
		good.BoundOrderID = &orderID
		return &good, nil
	}
}

// Release returns an allocated good to the pool, succeeding only while the
// good is still bound to the supplied order. A redemption that committed
// first makes this a no-op and the caller must not count it as released.
func (s *Store) Release(ctx context.Context, goodID uuid.UUID, orderID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Good{}).
		Where("id = ? AND state = ? AND bound_order_id = ?", goodID, models.GoodAllocated, orderID).
		Updates(map[string]any{
			"state":          models.GoodAvailable,
			"bound_order_id": nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("inventory: release: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkRedeemed moves an allocated good to its terminal state, bound to the
// paying user. It succeeds only while the good is still allocated to the
// supplied order; a good never transitions backward from redeemed.
func (s *Store) MarkRedeemed(ctx context.Context, goodID uuid.UUID, orderID, userID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, fmt.Errorf("inventory: user id required")
	}
	res := s.db.WithContext(ctx).Model(&models.Good{}).
		Where("id = ? AND state = ? AND bound_order_id = ?", goodID, models.GoodAllocated, orderID).
		Updates(map[string]any{
			"state":       models.GoodRedeemed,
			"redeemed_by": userID,
		})
	if res.Error != nil {
		return false, fmt.Errorf("inventory: mark redeemed: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Get loads a single good by id.
func (s *Store) Get(ctx context.Context, goodID uuid.UUID) (*models.Good, error) {
	var good models.Good
	if err := s.db.WithContext(ctx).First(&good, "id = ?", goodID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGoodNotFound
		}
		return nil, fmt.Errorf("inventory: load good: %w", err)
	}
	return &good, nil
}

// InsertBatch creates new available goods for the offer, one per secret code.
// Replenishment only creates goods; it never mutates existing ones.
func (s *Store) InsertBatch(ctx context.Context, offerID uuid.UUID, kind models.GoodKind, codes []string) ([]models.Good, error) {
	goods := make([]models.Good, 0, len(codes))
	now := time.Now().UTC()
	for _, code := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		goods = append(goods, models.Good{
			ID:          uuid.New(),
			OfferID:     offerID,
			Kind:        kind,
			SecretValue: code,
			State:       models.GoodAvailable,
			CreatedAt:   now,
		})
	}
	if len(goods) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).Create(&goods).Error; err != nil {
		return nil, fmt.Errorf("inventory: insert batch: %w", err)
	}
	return goods, nil
}
