package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/storage/memory"
)

func newOrder(id, holdID string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:             id,
		UserID:         "user-1",
		HoldID:         holdID,
		IdempotencyKey: "key-" + id,
		Quantity:       1000,
		Charge:         decimal.NewFromInt(25),
		Status:         domain.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestOrderRepository_UniqueHold(t *testing.T) {
	store := memory.NewStore()
	repo := memory.NewOrderRepository(store)
	ctx := context.Background()

	if err := repo.Create(ctx, newOrder("order-1", "hold-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, newOrder("order-2", "hold-1")); !errors.Is(err, domain.ErrOrderAlreadyExists) {
		t.Fatalf("expected ErrOrderAlreadyExists for duplicate hold, got %v", err)
	}

	found, err := repo.FindByHoldID(ctx, "hold-1")
	if err != nil {
		t.Fatalf("find by hold failed: %v", err)
	}
	if found.ID != "order-1" {
		t.Fatalf("expected order-1, got %s", found.ID)
	}

	byKey, err := repo.FindByIdempotencyKey(ctx, "user-1", "key-order-1")
	if err != nil || byKey.ID != "order-1" {
		t.Fatalf("expected order-1 by key, got %v / %v", byKey.ID, err)
	}
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	store := memory.NewStore()
	repo := memory.NewOrderRepository(store)
	ctx := context.Background()

	order := newOrder("order-1", "hold-1")
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	order.Status = domain.OrderStatusProcessing
	if err := repo.Save(ctx, order); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Повторное сохранение со старой версией должно конфликтовать.
	if err := repo.Save(ctx, order); !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, _ := repo.FindByID(ctx, order.ID)
	if stored.Version != 1 {
		t.Fatalf("expected version 1, got %d", stored.Version)
	}
}

func TestOrderRepository_FindNeedingStatusRefresh(t *testing.T) {
	store := memory.NewStore()
	repo := memory.NewOrderRepository(store)
	ctx := context.Background()
	now := time.Now().UTC()
	recent := now.Add(-time.Minute)
	stale := now.Add(-time.Hour)

	pending := newOrder("pending", "h1")
	submittedStale := newOrder("stale", "h2")
	submittedStale.Status = domain.OrderStatusProcessing
	submittedStale.ProviderOrderID = "ext-2"
	submittedStale.LastStatusCheckAt = &stale
	submittedRecent := newOrder("recent", "h3")
	submittedRecent.Status = domain.OrderStatusInProgress
	submittedRecent.ProviderOrderID = "ext-3"
	submittedRecent.LastStatusCheckAt = &recent
	completed := newOrder("completed", "h4")
	completed.Status = domain.OrderStatusCompleted
	completed.ProviderOrderID = "ext-4"

	for _, o := range []domain.Order{pending, submittedStale, submittedRecent, completed} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create %s failed: %v", o.ID, err)
		}
	}

	orders, err := repo.FindNeedingStatusRefresh(ctx, now.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "stale" {
		t.Fatalf("expected only stale order, got %+v", orders)
	}

	found, err := repo.FindByProviderOrderID(ctx, "", "ext-3")
	if err != nil || found.ID != "recent" {
		t.Fatalf("expected recent by provider id, got %v / %v", found.ID, err)
	}
}

func TestHoldRepository_IdempotencyAndExpiry(t *testing.T) {
	store := memory.NewStore()
	repo := memory.NewHoldRepository(store)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := domain.Hold{ID: "h1", UserID: "user-1", Amount: decimal.NewFromInt(5), Status: domain.HoldStatusHeld, IdempotencyKey: "k1", ExpiresAt: now.Add(-time.Minute)}
	active := domain.Hold{ID: "h2", UserID: "user-1", Amount: decimal.NewFromInt(7), Status: domain.HoldStatusHeld, IdempotencyKey: "k2", ExpiresAt: now.Add(time.Minute)}
	released := domain.Hold{ID: "h3", UserID: "user-1", Amount: decimal.NewFromInt(9), Status: domain.HoldStatusReleased, ExpiresAt: now.Add(-time.Hour)}

	for _, h := range []domain.Hold{expired, active, released} {
		if err := repo.Create(ctx, h); err != nil {
			t.Fatalf("create %s failed: %v", h.ID, err)
		}
	}

	dup := active
	dup.ID = "h4"
	if err := repo.Create(ctx, dup); !errors.Is(err, domain.ErrHoldAlreadyExists) {
		t.Fatalf("expected ErrHoldAlreadyExists, got %v", err)
	}

	otherUser := active
	otherUser.ID = "h5"
	otherUser.UserID = "user-2"
	if err := repo.Create(ctx, otherUser); err != nil {
		t.Fatalf("same key for another user must be allowed: %v", err)
	}

	found, err := repo.FindByIdempotencyKey(ctx, "user-1", "k2")
	if err != nil || found.ID != "h2" {
		t.Fatalf("expected h2 by key, got %v / %v", found.ID, err)
	}

	list, err := repo.FindExpired(ctx, now, domain.HoldCursor{}, 10)
	if err != nil {
		t.Fatalf("find expired failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "h1" {
		t.Fatalf("expected only h1 expired, got %+v", list)
	}
	if rest, _ := repo.FindExpired(ctx, now, domain.CursorOf(list[0]), 10); len(rest) != 0 {
		t.Fatalf("expected nothing after cursor, got %+v", rest)
	}

	sum, _ := repo.SumHeldByUser(ctx, "user-1")
	if !sum.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("expected held sum 12, got %s", sum)
	}
}

func TestOutboxRepository_PendingLifecycle(t *testing.T) {
	store := memory.NewStore()
	repo := memory.NewOutboxRepository(store)
	ctx := context.Background()

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateID: "order-1", EventType: domain.EventOrderCreated})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateID: "order-2", EventType: domain.EventOrderCreated}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	stats, _ := repo.Stats(ctx)
	if stats.PendingCount != 2 {
		t.Fatalf("expected 2 pending, got %d", stats.PendingCount)
	}

	if err := repo.MarkSent(ctx, first.ID); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	pending, _ := repo.PullPending(ctx, 10)
	if len(pending) != 1 || pending[0].AggregateID != "order-2" {
		t.Fatalf("expected order-2 pending, got %+v", pending)
	}
	if err := repo.MarkFailed(ctx, "missing"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish, got %v", err)
	}

	// Отправленное сообщение не возвращается в failed.
	if err := repo.MarkFailed(ctx, first.ID); err != nil {
		t.Fatalf("repeated mark failed: %v", err)
	}
	stats, _ = repo.Stats(ctx)
	if stats.PendingCount != 1 {
		t.Fatalf("expected 1 pending after repeated mark, got %d", stats.PendingCount)
	}
}
