package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GoodState represents a state in the inventory lifecycle.
type GoodState string

// All inventory states.
const (
	GoodAvailable GoodState = "AVAILABLE"
	GoodAllocated GoodState = "ALLOCATED"
	GoodRedeemed  GoodState = "REDEEMED"
)

// GoodKind distinguishes hand-loaded codes from vendor-purchased cards.
type GoodKind string

const (
	KindCode       GoodKind = "CODE"
	KindVendorCard GoodKind = "VENDOR_CARD"
)

// OrderStatus represents a state in the order workflow.
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderRedeemed OrderStatus = "REDEEMED"
	OrderExpired  OrderStatus = "EXPIRED"
)

// TxDirection marks whether value moved toward or away from the service.
type TxDirection string

const (
	DirectionIncoming TxDirection = "IN"
	DirectionOutgoing TxDirection = "OUT"
)

// Offer is a purchasable product definition. Price and receiving address are
// immutable once goods are attached; only IsActive may change.
type Offer struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title            string    `gorm:"size:128"`
	Price            int64     `gorm:"not null"`
	ReceivingAddress string    `gorm:"size:64;index"`
	IsActive         bool      `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Good is a single redeemable inventory unit belonging to one Offer.
// An allocated good always carries the pending order it is bound to, a
// redeemed good always carries the paying user, and a good never leaves
// GoodRedeemed.
type Good struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	OfferID      uuid.UUID `gorm:"type:uuid;index:idx_goods_offer_state"`
	Kind         GoodKind  `gorm:"size:16"`
	SecretValue  string    `gorm:"size:512"`
	State        GoodState `gorm:"size:16;index:idx_goods_offer_state"`
	BoundOrderID *string   `gorm:"size:64;index"`
	RedeemedBy   *string   `gorm:"size:64"`
	CreatedAt    time.Time
}

// Order is a time-bounded reservation of one good by one user, pending payment.
// The primary key is an opaque random token handed to the client.
type Order struct {
	ID        string      `gorm:"primaryKey;size:64"`
	OfferID   uuid.UUID   `gorm:"type:uuid;index"`
	UserID    string      `gorm:"size:64;index:idx_orders_user_status"`
	GoodID    uuid.UUID   `gorm:"type:uuid;index"`
	Status    OrderStatus `gorm:"size:16;index:idx_orders_user_status"`
	Price     int64       `gorm:"not null"`
	Memo      string      `gorm:"size:80;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is the durable settlement ledger. TxHash is the primary
// idempotency key: it is inserted at most once, and any later redemption
// presenting the same hash replays the recorded outcome.
type Transaction struct {
	TxHash             string      `gorm:"primaryKey;size:80"`
	UserID             string      `gorm:"size:64;index"`
	CounterpartAddress string      `gorm:"size:64"`
	Amount             int64       `gorm:"not null"`
	Direction          TxDirection `gorm:"size:8"`
	OrderID            string      `gorm:"size:64;index"`
	GoodID             uuid.UUID   `gorm:"type:uuid"`
	Memo               string      `gorm:"size:80"`
	RecordedAt         time.Time
}

// ReplenishmentRule drives vendor restocking for one offer.
type ReplenishmentRule struct {
	OfferID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	MerchantCode     string    `gorm:"size:64"`
	TemplateID       string    `gorm:"size:64"`
	BatchSize        int       `gorm:"not null"`
	MinimumThreshold int       `gorm:"not null"`
	Denomination     int64     `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Event is the append-only audit trail for goods and orders.
type Event struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrderID   *string   `gorm:"size:64;index"`
	GoodID    *uuid.UUID
	Actor     string `gorm:"size:64"`
	Action    string `gorm:"size:64"`
	Details   string `gorm:"type:text"`
	CreatedAt time.Time
}

// UserSlot is a lock anchor, one row per user. Booking locks it so the
// cooldown check and the order insert serialise across processes sharing
// the database, not just across goroutines in one of them.
type UserSlot struct {
	UserID    string `gorm:"primaryKey;size:64"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP surface.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Offer{},
		&Good{},
		&Order{},
		&Transaction{},
		&ReplenishmentRule{},
		&Event{},
		&UserSlot{},
		&IdempotencyKey{},
	)
}
