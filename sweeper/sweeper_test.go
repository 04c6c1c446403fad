package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"giftvault/booking"
	"giftvault/inventory"
	"giftvault/models"
)

type fixture struct {
	db      *gorm.DB
	store   *inventory.Store
	booker  *booking.Booker
	offerID uuid.UUID
	clock   time.Time
}

func setup(t *testing.T, codes ...string) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access pool: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	offer := models.Offer{
		ID:               uuid.New(),
		Title:            "gift card",
		Price:            1000,
		ReceivingAddress: "0x00000000000000000000000000000000000000aa",
		IsActive:         true,
	}
	if err := db.Create(&offer).Error; err != nil {
		t.Fatalf("create offer: %v", err)
	}
	store := inventory.NewStore(db)
	if len(codes) > 0 {
		if _, err := store.InsertBatch(context.Background(), offer.ID, models.KindCode, codes); err != nil {
			t.Fatalf("insert goods: %v", err)
		}
	}
	f := &fixture{db: db, store: store, offerID: offer.ID, clock: time.Now().UTC()}
	f.booker, err = booking.New(booking.Config{
		DB:          db,
		Store:       store,
		Environment: "test",
		Now:         func() time.Time { return f.clock },
	})
	if err != nil {
		t.Fatalf("new booker: %v", err)
	}
	return f
}

func (f *fixture) sweeper(t *testing.T, ttl time.Duration) *Sweeper {
	t.Helper()
	s, err := New(Config{
		DB:       f.db,
		Store:    f.store,
		OrderTTL: ttl,
		Now:      func() time.Time { return f.clock },
	})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return s
}

func (f *fixture) book(t *testing.T, user string) *booking.Receipt {
	t.Helper()
	receipt, err := f.booker.Book(context.Background(), f.offerID, user)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return receipt
}

func TestSweepReleasesOnlyStaleOrders(t *testing.T) {
	f := setup(t, "A", "B")
	stale := f.book(t, "user-stale")

	// Advance past the TTL, then book a fresh order inside the window.
	f.clock = f.clock.Add(20 * time.Minute)
	fresh := f.book(t, "user-fresh")

	s := f.sweeper(t, 15*time.Minute)
	released, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 release got %d", released)
	}

	var staleOrder, freshOrder models.Order
	if err := f.db.First(&staleOrder, "id = ?", stale.OrderID).Error; err != nil {
		t.Fatalf("load stale order: %v", err)
	}
	if staleOrder.Status != models.OrderExpired {
		t.Fatalf("stale order should be expired, got %s", staleOrder.Status)
	}
	if err := f.db.First(&freshOrder, "id = ?", fresh.OrderID).Error; err != nil {
		t.Fatalf("load fresh order: %v", err)
	}
	if freshOrder.Status != models.OrderPending {
		t.Fatalf("fresh order should stay pending, got %s", freshOrder.Status)
	}

	var good models.Good
	if err := f.db.First(&good, "id = ?", staleOrder.GoodID).Error; err != nil {
		t.Fatalf("load released good: %v", err)
	}
	if good.State != models.GoodAvailable {
		t.Fatalf("released good should be available, got %s", good.State)
	}
	if good.BoundOrderID != nil {
		t.Fatalf("released good should be unbound")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := setup(t, "A")
	f.book(t, "user-1")
	f.clock = f.clock.Add(time.Hour)

	s := f.sweeper(t, 15*time.Minute)
	if released, err := s.Sweep(context.Background()); err != nil || released != 1 {
		t.Fatalf("first sweep: released=%d err=%v", released, err)
	}
	if released, err := s.Sweep(context.Background()); err != nil || released != 0 {
		t.Fatalf("second sweep must be a no-op: released=%d err=%v", released, err)
	}

	count, err := f.store.AvailableCount(context.Background(), f.offerID)
	if err != nil {
		t.Fatalf("count available: %v", err)
	}
	if count != 1 {
		t.Fatalf("pool should hold exactly 1 good, got %d", count)
	}
	var events int64
	if err := f.db.Model(&models.Event{}).Where("action = ?", "order.expired").Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected 1 expiry event got %d", events)
	}
}

func TestSweepSkipsRedeemedGood(t *testing.T) {
	f := setup(t, "A")
	receipt := f.book(t, "user-1")

	// A settlement committed while the order row itself still says pending.
	var order models.Order
	if err := f.db.First(&order, "id = ?", receipt.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	ok, err := f.store.MarkRedeemed(context.Background(), order.GoodID, order.ID, "user-1")
	if err != nil || !ok {
		t.Fatalf("mark redeemed: ok=%v err=%v", ok, err)
	}

	f.clock = f.clock.Add(time.Hour)
	s := f.sweeper(t, 15*time.Minute)
	released, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if released != 0 {
		t.Fatalf("redeemed good must never be released, got %d", released)
	}

	var good models.Good
	if err := f.db.First(&good, "id = ?", order.GoodID).Error; err != nil {
		t.Fatalf("load good: %v", err)
	}
	if good.State != models.GoodRedeemed {
		t.Fatalf("good should stay redeemed, got %s", good.State)
	}
}

func TestSweptGoodIsBookableAgain(t *testing.T) {
	f := setup(t, "A")
	first := f.book(t, "user-1")
	f.clock = f.clock.Add(time.Hour)

	s := f.sweeper(t, 15*time.Minute)
	if released, err := s.Sweep(context.Background()); err != nil || released != 1 {
		t.Fatalf("sweep: released=%d err=%v", released, err)
	}

	second := f.book(t, "user-2")
	if second.OrderID == first.OrderID {
		t.Fatalf("expected a fresh order id")
	}
	var order models.Order
	if err := f.db.First(&order, "id = ?", second.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	var good models.Good
	if err := f.db.First(&good, "id = ?", order.GoodID).Error; err != nil {
		t.Fatalf("load good: %v", err)
	}
	if good.State != models.GoodAllocated || good.BoundOrderID == nil || *good.BoundOrderID != order.ID {
		t.Fatalf("recycled good not bound to new order: %+v", good)
	}
}
