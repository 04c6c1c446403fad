package settlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"giftvault/booking"
	"giftvault/inventory"
	"giftvault/ledger"
	"giftvault/models"
)

const receivingAddress = "0x00000000000000000000000000000000000000aa"

type fakeLedger struct {
	mu  sync.Mutex
	txs map[common.Hash]*ledger.TransactionDetail
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{txs: map[common.Hash]*ledger.TransactionDetail{}}
}

func (f *fakeLedger) add(hash common.Hash, memo string, amount int64, destination string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[hash] = &ledger.TransactionDetail{
		Hash:        hash,
		Destination: common.HexToAddress(destination),
		Amount:      amount,
		Memo:        memo,
	}
}

func (f *fakeLedger) GetTransaction(_ context.Context, hash common.Hash) (*ledger.TransactionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	detail, ok := f.txs[hash]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return detail, nil
}

type fixture struct {
	db      *gorm.DB
	store   *inventory.Store
	booker  *booking.Booker
	engine  *Engine
	ledger  *fakeLedger
	offerID uuid.UUID
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
		Price:            2500,
		ReceivingAddress: receivingAddress,
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

	booker, err := booking.New(booking.Config{
		DB:          db,
		Store:       store,
		Environment: "test",
	})
	if err != nil {
		t.Fatalf("new booker: %v", err)
	}
	fl := newFakeLedger()
	engine, err := New(Config{DB: db, Store: store, Ledger: fl})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &fixture{db: db, store: store, booker: booker, engine: engine, ledger: fl, offerID: offer.ID}
}

func (f *fixture) book(t *testing.T, user string) *booking.Receipt {
	t.Helper()
	receipt, err := f.booker.Book(context.Background(), f.offerID, user)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return receipt
}

func hashFor(seed string) common.Hash {
	return common.BytesToHash([]byte(seed))
}

func TestRedeemHappyPath(t *testing.T) {
	f := setup(t, "SECRET-1")
	receipt := f.book(t, "user-1")
	hash := hashFor("tx-1")
	f.ledger.add(hash, receipt.Memo, receipt.Price, receivingAddress)

	payload, err := f.engine.Redeem(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if payload.Code != "SECRET-1" {
		t.Fatalf("expected secret payload got %q", payload.Code)
	}
	if payload.OrderID != receipt.OrderID {
		t.Fatalf("payload references wrong order")
	}

	var order models.Order
	if err := f.db.First(&order, "id = ?", receipt.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != models.OrderRedeemed {
		t.Fatalf("expected redeemed order got %s", order.Status)
	}
	var good models.Good
	if err := f.db.First(&good, "id = ?", order.GoodID).Error; err != nil {
		t.Fatalf("load good: %v", err)
	}
	if good.State != models.GoodRedeemed {
		t.Fatalf("expected redeemed good got %s", good.State)
	}
	if good.RedeemedBy == nil || *good.RedeemedBy != "user-1" {
		t.Fatalf("good not bound to paying user")
	}
	var txCount int64
	if err := f.db.Model(&models.Transaction{}).Count(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 1 {
		t.Fatalf("expected 1 transaction row got %d", txCount)
	}
}

func TestRedeemExactlyOnce(t *testing.T) {
	f := setup(t, "SECRET-1")
	receipt := f.book(t, "user-1")
	hash := hashFor("tx-1")
	f.ledger.add(hash, receipt.Memo, receipt.Price, receivingAddress)

	first, err := f.engine.Redeem(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	second, err := f.engine.Redeem(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if *first != *second {
		t.Fatalf("replay diverged: %+v vs %+v", first, second)
	}

	var txCount int64
	if err := f.db.Model(&models.Transaction{}).Count(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 1 {
		t.Fatalf("expected 1 transaction row got %d", txCount)
	}
	var events int64
	if err := f.db.Model(&models.Event{}).Where("action = ?", "order.redeemed").Count(&events).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected 1 redemption event got %d", events)
	}
}

func TestRedeemConcurrentDuplicates(t *testing.T) {
	f := setup(t, "SECRET-1")
	receipt := f.book(t, "user-1")
	hash := hashFor("tx-1")
	f.ledger.add(hash, receipt.Memo, receipt.Price, receivingAddress)

	var wg sync.WaitGroup
	payloads := make(chan *RedeemedGood, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, err := f.engine.Redeem(context.Background(), hash.Hex())
			if err != nil {
				t.Errorf("concurrent redeem: %v", err)
				return
			}
			payloads <- payload
		}()
	}
	wg.Wait()
	close(payloads)

	var first *RedeemedGood
	for payload := range payloads {
		if first == nil {
			first = payload
			continue
		}
		if *first != *payload {
			t.Fatalf("concurrent replays diverged: %+v vs %+v", first, payload)
		}
	}
	var txCount int64
	if err := f.db.Model(&models.Transaction{}).Count(&txCount).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if txCount != 1 {
		t.Fatalf("expected 1 transaction row got %d", txCount)
	}
}

func TestRedeemMismatchLeavesOrderPending(t *testing.T) {
	f := setup(t, "SECRET-1")
	receipt := f.book(t, "user-1")

	cases := []struct {
		name        string
		memo        string
		amount      int64
		destination string
	}{
		{"unknown memo", "test-ffffffffffffffff", receipt.Price, receivingAddress},
		{"wrong amount", receipt.Memo, receipt.Price + 1, receivingAddress},
		{"wrong address", receipt.Memo, receipt.Price, "0x00000000000000000000000000000000000000bb"},
	}
	for i, tc := range cases {
		hash := hashFor(fmt.Sprintf("bad-tx-%d", i))
		f.ledger.add(hash, tc.memo, tc.amount, tc.destination)
		if _, err := f.engine.Redeem(context.Background(), hash.Hex()); !errors.Is(err, ErrPaymentMismatch) {
			t.Fatalf("%s: expected mismatch got %v", tc.name, err)
		}
	}

	var order models.Order
	if err := f.db.First(&order, "id = ?", receipt.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if order.Status != models.OrderPending {
		t.Fatalf("mismatch must leave order pending, got %s", order.Status)
	}

	// A correct retry still succeeds.
	hash := hashFor("good-tx")
	f.ledger.add(hash, receipt.Memo, receipt.Price, receivingAddress)
	if _, err := f.engine.Redeem(context.Background(), hash.Hex()); err != nil {
		t.Fatalf("retry redeem: %v", err)
	}
}

func TestRedeemNeverLogsSecret(t *testing.T) {
	f := setup(t, "SECRET-PLUM")
	receipt := f.book(t, "user-1")
	hash := hashFor("tx-1")
	f.ledger.add(hash, receipt.Memo, receipt.Price, receivingAddress)

	// A plain injected logger, not the service's redacting handler: the
	// engine itself must keep the code out of the line.
	var sink bytes.Buffer
	engine, err := New(Config{
		DB:     f.db,
		Store:  f.store,
		Ledger: f.ledger,
		Logger: slog.New(slog.NewJSONHandler(&sink, nil)),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	payload, err := engine.Redeem(context.Background(), hash.Hex())
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if payload.Code != "SECRET-PLUM" {
		t.Fatalf("unexpected payload %q", payload.Code)
	}
	if strings.Contains(sink.String(), "SECRET-PLUM") {
		t.Fatalf("secret leaked into log output: %s", sink.String())
	}
	if !strings.Contains(sink.String(), "payment settled") {
		t.Fatalf("expected settlement log line, got: %s", sink.String())
	}
}

func TestRedeemUnknownHash(t *testing.T) {
	f := setup(t, "SECRET-1")
	f.book(t, "user-1")

	_, err := f.engine.Redeem(context.Background(), hashFor("missing").Hex())
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected payment not found got %v", err)
	}
}

func TestRedeemAfterSweepStyleExpiry(t *testing.T) {
	f := setup(t, "SECRET-1")
	receipt := f.book(t, "user-1")

	// Simulate a sweep that expired the order before the payment arrived.
	now := time.Now().UTC()
	if err := f.db.Model(&models.Order{}).Where("id = ?", receipt.OrderID).
		Updates(map[string]any{"status": models.OrderExpired, "updated_at": now}).Error; err != nil {
		t.Fatalf("expire order: %v", err)
	}
	var order models.Order
	if err := f.db.First(&order, "id = ?", receipt.OrderID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if _, err := f.store.Release(context.Background(), order.GoodID, order.ID); err != nil {
		t.Fatalf("release good: %v", err)
	}

	hash := hashFor("late-tx")
	f.ledger.add(hash, receipt.Memo, receipt.Price, receivingAddress)
	if _, err := f.engine.Redeem(context.Background(), hash.Hex()); !errors.Is(err, ErrPaymentMismatch) {
		t.Fatalf("expected mismatch for late payment on expired order, got %v", err)
	}
}
