package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"settlecore/models"
	"settlecore/outbox"
	"settlecore/status"
	"settlecore/store"
)

func setupEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fixture struct {
	db       *gorm.DB
	engine   *Engine
	now      time.Time
	merchant *models.Merchant
	user     *models.User
	offer    *models.MerchantOffer
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupEngineTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	eng := New(db, slog.Default(),
		WithMockMode(true),
		WithClock(func() time.Time { return now }),
	)

	merchant := models.Merchant{
		ID:          uuid.New(),
		DisplayName: "Atlas OTC",
		Balance:     decimal.RequireFromString("500"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&merchant).Error; err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	user := models.User{
		ID:          uuid.New(),
		DisplayName: "Dana",
		Balance:     decimal.RequireFromString("300"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	offer := models.MerchantOffer{
		ID:              uuid.New(),
		MerchantID:      merchant.ID,
		CryptoCurrency:  "USDC",
		AvailableAmount: decimal.RequireFromString("1000"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.Create(&offer).Error; err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return &fixture{db: db, engine: eng, now: now, merchant: &merchant, user: &user, offer: &offer}
}

func (f *fixture) seedOrder(t *testing.T, s status.Status) *models.Order {
	t.Helper()
	order := models.Order{
		ID:                    uuid.New(),
		UserID:                f.user.ID,
		MerchantID:            f.merchant.ID,
		OfferID:               f.offer.ID,
		Side:                  models.SideBuy,
		PaymentMethod:         models.PaymentBank,
		CryptoAmount:          decimal.RequireFromString("100"),
		CryptoCurrency:        "USDC",
		FiatAmount:            decimal.RequireFromString("100"),
		FiatCurrency:          "USD",
		Status:                s,
		OrderVersion:          1,
		ProtocolFeeAmount:     decimal.RequireFromString("1"),
		ProtocolFeePercentage: decimal.RequireFromString("0.01"),
		SpreadPreference:      models.SpreadBest,
		MaxExtensions:         models.DefaultMaxExtensions,
		CreatedAt:             f.now,
		UpdatedAt:             f.now,
	}
	if err := f.db.Create(&order).Error; err != nil {
		t.Fatalf("create order: %v", err)
	}
	return &order
}

func (f *fixture) merchantRow(t *testing.T) *models.Merchant {
	t.Helper()
	var m models.Merchant
	if err := f.db.First(&m, "id = ?", f.merchant.ID).Error; err != nil {
		t.Fatalf("reload merchant: %v", err)
	}
	return &m
}

func (f *fixture) userRow(t *testing.T) *models.User {
	t.Helper()
	var u models.User
	if err := f.db.First(&u, "id = ?", f.user.ID).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	return &u
}

func (f *fixture) outboxRows(t *testing.T, orderID uuid.UUID) []models.OutboxNotification {
	t.Helper()
	var rows []models.OutboxNotification
	if err := f.db.Where("order_id = ?", orderID).Find(&rows).Error; err != nil {
		t.Fatalf("load outbox: %v", err)
	}
	return rows
}

func findOutboxRow(rows []models.OutboxNotification, eventType string) *models.OutboxNotification {
	for i := range rows {
		if rows[i].EventType == eventType {
			return &rows[i]
		}
	}
	return nil
}

func merchantActor(f *fixture) status.Actor {
	return status.Actor{Kind: status.ActorMerchant, ID: f.merchant.ID.String()}
}

func userActor(f *fixture) status.Actor {
	return status.Actor{Kind: status.ActorUser, ID: f.user.ID.String()}
}

func TestEscrowLockDebitsFunderAndEnqueuesNotification(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	result, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"})
	if err != nil {
		t.Fatalf("escrow lock: %v", err)
	}

	got := result.Order
	if got.Status != status.Escrowed {
		t.Fatalf("expected escrowed, got %s", got.Status)
	}
	if got.OrderVersion != 2 {
		t.Fatalf("expected version 2, got %d", got.OrderVersion)
	}
	if got.EscrowTxHash != "0xlock" {
		t.Fatalf("escrow tx hash not recorded")
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(f.now.Add(120*time.Minute)) {
		t.Fatalf("expected expiry 120m out, got %v", got.ExpiresAt)
	}
	if !got.HasEscrowDebit() || got.EscrowDebitedEntityType != models.EntityMerchant {
		t.Fatalf("debit triple not recorded: %+v", got)
	}

	m := f.merchantRow(t)
	if !m.Balance.Equal(decimal.RequireFromString("400")) {
		t.Fatalf("expected merchant balance 400, got %s", m.Balance)
	}
	if !m.LockedInEscrow.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected locked 100, got %s", m.LockedInEscrow)
	}

	var entries int64
	if err := f.db.Model(&models.LedgerEntry{}).
		Where("related_order_id = ? AND entry_type = ?", order.ID, models.EntryEscrowLock).
		Count(&entries).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entries != 1 {
		t.Fatalf("expected 1 escrow_lock entry, got %d", entries)
	}

	rows := f.outboxRows(t, order.ID)
	if len(rows) != 1 || rows[0].EventType != outbox.EventOrderEscrowed {
		t.Fatalf("expected one ORDER_ESCROWED row, got %+v", rows)
	}
	if rows[0].Status != models.OutboxPending {
		t.Fatalf("outbox row must start pending, got %s", rows[0].Status)
	}
}

func TestEscrowLockSellOrderDebitsUser(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)
	order.Side = models.SideSell
	if err := f.db.Save(order).Error; err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, userActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}

	u := f.userRow(t)
	if !u.Balance.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("expected user balance 200, got %s", u.Balance)
	}
	if !u.LockedInEscrow.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("expected user locked 100, got %s", u.LockedInEscrow)
	}
}

func TestEscrowLockDebitsActingUser(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	result, err := f.engine.EscrowLock(context.Background(), order.ID, userActor(f), EscrowRefs{TxHash: "0xlock"})
	if err != nil {
		t.Fatalf("escrow lock: %v", err)
	}

	// A buy order funded by the user: the acting party pays, not the party
	// the order side would suggest.
	u := f.userRow(t)
	if !u.Balance.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("expected acting user debited to 200, got %s", u.Balance)
	}
	m := f.merchantRow(t)
	if !m.Balance.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("merchant must be untouched, got %s", m.Balance)
	}
	got := result.Order
	if got.EscrowDebitedEntityType != models.EntityUser || got.EscrowDebitedEntityID != f.user.ID.String() {
		t.Fatalf("debit triple must record the acting user, got %s %s", got.EscrowDebitedEntityType, got.EscrowDebitedEntityID)
	}
}

func TestEscrowLockSystemActorInfersFunderFromSide(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)
	order.Side = models.SideSell
	if err := f.db.Save(order).Error; err != nil {
		t.Fatalf("save: %v", err)
	}

	system := status.Actor{Kind: status.ActorSystem}
	if _, err := f.engine.EscrowLock(context.Background(), order.ID, system, EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}

	u := f.userRow(t)
	if !u.Balance.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("sell order locked by the system debits the user, got %s", u.Balance)
	}
}

func TestEscrowLockTwiceFails(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	_, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xother"})
	if !errors.Is(err, store.ErrAlreadyEscrowed) {
		t.Fatalf("expected ErrAlreadyEscrowed, got %v", err)
	}

	m := f.merchantRow(t)
	if !m.Balance.Equal(decimal.RequireFromString("400")) {
		t.Fatalf("second lock must not debit again, got %s", m.Balance)
	}
}

func TestEscrowLockInsufficientBalanceRollsBack(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)
	order.CryptoAmount = decimal.RequireFromString("10000")
	if err := f.db.Save(order).Error; err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"})
	if err == nil {
		t.Fatal("expected insufficient balance error")
	}

	reloaded, loadErr := f.engine.Load(context.Background(), order.ID)
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if reloaded.Status != status.Pending || reloaded.EscrowTxHash != "" {
		t.Fatalf("failed lock must leave the order untouched: %s %q", reloaded.Status, reloaded.EscrowTxHash)
	}
	if len(f.outboxRows(t, order.ID)) != 0 {
		t.Fatal("failed lock must not enqueue notifications")
	}
}

func TestReleaseSettlesFeeAndStats(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	result, err := f.engine.Release(context.Background(), order.ID, userActor(f), "0xrelease")
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	got := result.Order
	if got.Status != status.Completed {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ReleaseTxHash != "0xrelease" {
		t.Fatalf("release hash not recorded")
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	// Buy order: the user receives the escrowed amount net of the 1% fee.
	u := f.userRow(t)
	if !u.Balance.Equal(decimal.RequireFromString("399")) {
		t.Fatalf("expected user balance 399, got %s", u.Balance)
	}
	m := f.merchantRow(t)
	if !m.LockedInEscrow.IsZero() {
		t.Fatalf("merchant locked must clear, got %s", m.LockedInEscrow)
	}
	if u.TotalTrades != 1 || m.TotalTrades != 1 {
		t.Fatalf("trade stats not incremented: user=%d merchant=%d", u.TotalTrades, m.TotalTrades)
	}

	var platform models.PlatformBalance
	if err := f.db.First(&platform, "key = ?", models.PlatformBalanceKey).Error; err != nil {
		t.Fatalf("platform row: %v", err)
	}
	if !platform.Balance.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("expected platform balance 1, got %s", platform.Balance)
	}

	var feeAudits int64
	if err := f.db.Model(&models.PlatformFeeTransaction{}).Where("order_id = ?", order.ID).Count(&feeAudits).Error; err != nil {
		t.Fatalf("count audits: %v", err)
	}
	if feeAudits != 1 {
		t.Fatalf("expected 1 fee audit, got %d", feeAudits)
	}

	rows := f.outboxRows(t, order.ID)
	if len(rows) != 2 || findOutboxRow(rows, outbox.EventOrderCompleted) == nil {
		t.Fatalf("expected ORDER_COMPLETED row, got %+v", rows)
	}
}

func TestReleaseTwiceFails(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	if _, err := f.engine.Release(context.Background(), order.ID, userActor(f), "0xrelease"); err != nil {
		t.Fatalf("release: %v", err)
	}
	_, err := f.engine.Release(context.Background(), order.ID, userActor(f), "0xagain")
	if !errors.Is(err, store.ErrAlreadyReleased) {
		t.Fatalf("expected ErrAlreadyReleased, got %v", err)
	}

	u := f.userRow(t)
	if !u.Balance.Equal(decimal.RequireFromString("399")) {
		t.Fatalf("second release must not credit again, got %s", u.Balance)
	}
}

func TestConcurrentReleaseSettlesOnce(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}

	// One connection makes both writers contend on the order row instead of
	// on the sqlite file lock.
	sqlDB, err := f.db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	errs := make(chan error, 2)
	for _, hash := range []string{"0xrel-a", "0xrel-b"} {
		go func(hash string) {
			_, err := f.engine.Release(context.Background(), order.ID, userActor(f), hash)
			errs <- err
		}(hash)
	}

	var succeeded, lost int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			succeeded++
		case errors.Is(err, store.ErrAlreadyReleased):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || lost != 1 {
		t.Fatalf("want exactly one winner, got %d ok / %d already released", succeeded, lost)
	}

	u := f.userRow(t)
	if !u.Balance.Equal(decimal.RequireFromString("399")) {
		t.Fatalf("recipient must be credited exactly once, got %s", u.Balance)
	}
	var completed int64
	if err := f.db.Model(&models.OutboxNotification{}).
		Where("order_id = ? AND event_type = ?", order.ID, outbox.EventOrderCompleted).
		Count(&completed).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if completed != 1 {
		t.Fatalf("want one ORDER_COMPLETED row, got %d", completed)
	}
}

func TestRefundCreditsOriginalFunder(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	result, err := f.engine.Refund(context.Background(), order.ID, userActor(f), "buyer walked away")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}

	got := result.Order
	if got.Status != status.Cancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.RefundTxHash != "mock-refund-"+order.ID.String() {
		t.Fatalf("unexpected refund hash %q", got.RefundTxHash)
	}
	if got.CancelledBy != string(status.ActorUser) || got.CancellationReason != "buyer walked away" {
		t.Fatalf("cancellation fields not recorded: %q %q", got.CancelledBy, got.CancellationReason)
	}

	m := f.merchantRow(t)
	if !m.Balance.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("refund must restore merchant balance, got %s", m.Balance)
	}
	if !m.LockedInEscrow.IsZero() {
		t.Fatalf("locked must clear, got %s", m.LockedInEscrow)
	}

	var refunds int64
	if err := f.db.Model(&models.LedgerEntry{}).
		Where("related_order_id = ? AND entry_type = ?", order.ID, models.EntryEscrowRefund).
		Count(&refunds).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if refunds != 1 {
		t.Fatalf("expected 1 escrow_refund entry, got %d", refunds)
	}

	rows := f.outboxRows(t, order.ID)
	if len(rows) != 2 || findOutboxRow(rows, outbox.EventOrderCancelled) == nil {
		t.Fatalf("expected ORDER_CANCELLED row, got %+v", rows)
	}
}

func TestCancelSimpleRestoresOfferLiquidity(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	result, err := f.engine.CancelSimple(context.Background(), order.ID, userActor(f), "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Order.Status != status.Cancelled {
		t.Fatalf("expected cancelled, got %s", result.Order.Status)
	}
	if result.Order.RefundTxHash != "" {
		t.Fatal("simple cancel must not fabricate a refund hash")
	}

	var offer models.MerchantOffer
	if err := f.db.First(&offer, "id = ?", f.offer.ID).Error; err != nil {
		t.Fatalf("reload offer: %v", err)
	}
	if !offer.AvailableAmount.Equal(decimal.RequireFromString("1100")) {
		t.Fatalf("expected liquidity restored to 1100, got %s", offer.AvailableAmount)
	}
}

func TestPatchStatusDeniedByActor(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	_, err := f.engine.PatchStatus(context.Background(), order.ID, status.Accepted, userActor(f), nil)
	var denied *status.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denied.Reason != status.DenialActor {
		t.Fatalf("expected actor denial, got %s", denied.Reason)
	}
}

func TestPatchStatusNoOpIsIdempotent(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Escrowed)

	result, err := f.engine.PatchStatus(context.Background(), order.ID, status.Escrowed, userActor(f), nil)
	if err != nil {
		t.Fatalf("no-op patch: %v", err)
	}
	if result.Order.OrderVersion != 1 {
		t.Fatalf("no-op must not bump version, got %d", result.Order.OrderVersion)
	}
	if len(result.Notifications) != 0 {
		t.Fatal("no-op must not enqueue notifications")
	}
}

func TestPatchStatusCompleteRequiresRelease(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	_, err := f.engine.PatchStatus(context.Background(), order.ID, status.Completed, userActor(f), nil)
	if !errors.Is(err, ErrCannotCompleteWithoutRelease) {
		t.Fatalf("expected ErrCannotCompleteWithoutRelease, got %v", err)
	}
}

func TestPatchStatusCancelWithEscrowRefunds(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	result, err := f.engine.PatchStatus(context.Background(), order.ID, status.Cancelled, userActor(f), map[string]string{"reason": "dispute settled"})
	if err != nil {
		t.Fatalf("patch cancel: %v", err)
	}
	if result.Order.RefundTxHash == "" {
		t.Fatal("cancel of an escrowed order must refund")
	}
	m := f.merchantRow(t)
	if !m.Balance.Equal(decimal.RequireFromString("500")) {
		t.Fatalf("expected merchant made whole, got %s", m.Balance)
	}
}

func TestPatchStatusAcceptedReassignsMerchantAndSetsExpiry(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)
	other := uuid.New()

	result, err := f.engine.PatchStatus(context.Background(), order.ID, status.Accepted,
		status.Actor{Kind: status.ActorMerchant, ID: other.String()},
		map[string]string{"wallet_address": "wallet-1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	got := result.Order
	if got.MerchantID != other {
		t.Fatalf("first acceptance must reassign the merchant, got %s", got.MerchantID)
	}
	if got.AcceptorWalletAddress != "wallet-1" {
		t.Fatalf("acceptor wallet not recorded")
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(f.now.Add(120*time.Minute)) {
		t.Fatalf("acceptance must reset expiry, got %v", got.ExpiresAt)
	}
}

func TestExtendCapsAtMaxExtensions(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Escrowed)
	expires := f.now.Add(10 * time.Minute)
	order.ExpiresAt = &expires
	if err := f.db.Save(order).Error; err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 0; i < models.DefaultMaxExtensions; i++ {
		if _, err := f.engine.Extend(context.Background(), order.ID, userActor(f)); err != nil {
			t.Fatalf("extend %d: %v", i+1, err)
		}
	}
	_, err := f.engine.Extend(context.Background(), order.ID, userActor(f))
	if !errors.Is(err, ErrMaxExtensions) {
		t.Fatalf("expected ErrMaxExtensions, got %v", err)
	}

	reloaded, loadErr := f.engine.Load(context.Background(), order.ID)
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if reloaded.ExtensionCount != models.DefaultMaxExtensions {
		t.Fatalf("expected %d extensions, got %d", models.DefaultMaxExtensions, reloaded.ExtensionCount)
	}
	// Three escrowed-state extensions push the deadline out 90 minutes.
	want := expires.Add(90 * time.Minute)
	if reloaded.ExpiresAt == nil || !reloaded.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %v", want, reloaded.ExpiresAt)
	}
}

func TestCreateReservesOfferLiquidity(t *testing.T) {
	f := setupFixture(t)

	order, err := f.engine.Create(context.Background(), CreateParams{
		UserID:         f.user.ID,
		MerchantID:     f.merchant.ID,
		OfferID:        f.offer.ID,
		Side:           models.SideBuy,
		PaymentMethod:  models.PaymentBank,
		CryptoAmount:   decimal.RequireFromString("250"),
		CryptoCurrency: "USDC",
		FiatAmount:     decimal.RequireFromString("250"),
		FiatCurrency:   "USD",
		Rate:           decimal.RequireFromString("1"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if order.Status != status.Pending || order.OrderVersion != 1 {
		t.Fatalf("unexpected new order state: %s v%d", order.Status, order.OrderVersion)
	}
	if !order.ProtocolFeeAmount.Equal(decimal.RequireFromString("1.25")) {
		t.Fatalf("expected default best-spread fee 1.25, got %s", order.ProtocolFeeAmount)
	}
	if order.ExpiresAt == nil || !order.ExpiresAt.Equal(f.now.Add(15*time.Minute)) {
		t.Fatalf("new orders get a 15m deadline, got %v", order.ExpiresAt)
	}

	var offer models.MerchantOffer
	if err := f.db.First(&offer, "id = ?", f.offer.ID).Error; err != nil {
		t.Fatalf("reload offer: %v", err)
	}
	if !offer.AvailableAmount.Equal(decimal.RequireFromString("750")) {
		t.Fatalf("expected liquidity 750, got %s", offer.AvailableAmount)
	}

	_, err = f.engine.Create(context.Background(), CreateParams{
		UserID:         f.user.ID,
		MerchantID:     f.merchant.ID,
		OfferID:        f.offer.ID,
		Side:           models.SideBuy,
		PaymentMethod:  models.PaymentBank,
		CryptoAmount:   decimal.RequireFromString("800"),
		CryptoCurrency: "USDC",
		FiatAmount:     decimal.RequireFromString("800"),
		FiatCurrency:   "USD",
	})
	if !errors.Is(err, ErrOfferExhausted) {
		t.Fatalf("expected ErrOfferExhausted, got %v", err)
	}
}

func TestEventsRecordEveryTransition(t *testing.T) {
	f := setupFixture(t)
	order := f.seedOrder(t, status.Pending)

	if _, err := f.engine.EscrowLock(context.Background(), order.ID, merchantActor(f), EscrowRefs{TxHash: "0xlock"}); err != nil {
		t.Fatalf("escrow lock: %v", err)
	}
	if _, err := f.engine.Release(context.Background(), order.ID, userActor(f), "0xrelease"); err != nil {
		t.Fatalf("release: %v", err)
	}

	var events []models.OrderEvent
	if err := f.db.Where("order_id = ?", order.ID).Find(&events).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	byType := map[string]models.OrderEvent{}
	for _, ev := range events {
		byType[ev.EventType] = ev
	}
	escrowedEv, ok := byType["status_changed_to_escrowed"]
	if !ok || escrowedEv.OldStatus != status.Pending || escrowedEv.NewStatus != status.Escrowed {
		t.Fatalf("unexpected escrow event: %+v", escrowedEv)
	}
	completedEv, ok := byType["status_changed_to_completed"]
	if !ok || completedEv.OldStatus != status.Escrowed || completedEv.NewStatus != status.Completed {
		t.Fatalf("unexpected completion event: %+v", completedEv)
	}
}
