package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

func TestHoldRepository_PostgresLifecycle(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := NewHoldRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	seedUserForIntegrationTest(t, store, "user-holds", decimal.Zero)
	hold := seedHoldForIntegrationTest(t, store, "hold-a", "user-holds", "key-a", decimal.RequireFromString("12.5"), now.Add(time.Hour))
	seedHoldForIntegrationTest(t, store, "hold-b", "user-holds", "key-b", decimal.RequireFromString("7.5"), now.Add(time.Hour))

	dup := hold
	dup.ID = "hold-dup"
	if err := repo.Create(ctx, dup); !errors.Is(err, domain.ErrHoldAlreadyExists) {
		t.Fatalf("expected ErrHoldAlreadyExists for reused key, got %v", err)
	}

	byKey, err := repo.FindByIdempotencyKey(ctx, "user-holds", "key-a")
	if err != nil || byKey.ID != hold.ID {
		t.Fatalf("find by key: hold=%+v err=%v", byKey, err)
	}

	sum, err := repo.SumHeldByUser(ctx, "user-holds")
	if err != nil {
		t.Fatalf("sum held: %v", err)
	}
	if !sum.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected held sum 20, got %s", sum)
	}

	capturedAt := now
	hold.Status = domain.HoldStatusCaptured
	hold.ReferenceType = domain.ReferenceTypeOrder
	hold.ReferenceID = "order-a"
	hold.CapturedAt = &capturedAt
	if err := repo.Save(ctx, hold); err != nil {
		t.Fatalf("save hold: %v", err)
	}
	if err := repo.Save(ctx, hold); !errors.Is(err, domain.ErrHoldVersionConflict) {
		t.Fatalf("expected ErrHoldVersionConflict, got %v", err)
	}

	stored, err := repo.FindByID(ctx, hold.ID)
	if err != nil {
		t.Fatalf("find hold: %v", err)
	}
	if stored.Status != domain.HoldStatusCaptured || stored.CapturedAt == nil || stored.Version != 1 {
		t.Fatalf("unexpected stored hold: %+v", stored)
	}

	sum, err = repo.SumHeldByUser(ctx, "user-holds")
	if err != nil {
		t.Fatalf("sum held after capture: %v", err)
	}
	if !sum.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("expected held sum 7.5 after capture, got %s", sum)
	}
}

func TestHoldRepository_PostgresFindExpired(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	repo := NewHoldRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	seedUserForIntegrationTest(t, store, "user-expiry", decimal.Zero)
	seedHoldForIntegrationTest(t, store, "hold-old", "user-expiry", "k1", decimal.NewFromInt(1), now.Add(-2*time.Hour))
	seedHoldForIntegrationTest(t, store, "hold-older", "user-expiry", "k2", decimal.NewFromInt(1), now.Add(-3*time.Hour))
	seedHoldForIntegrationTest(t, store, "hold-live", "user-expiry", "k3", decimal.NewFromInt(1), now.Add(time.Hour))

	expired, err := repo.FindExpired(ctx, now, domain.HoldCursor{}, 10)
	if err != nil {
		t.Fatalf("find expired: %v", err)
	}
	if len(expired) != 2 || expired[0].ID != "hold-older" || expired[1].ID != "hold-old" {
		t.Fatalf("unexpected expired holds: %+v", expired)
	}

	limited, err := repo.FindExpired(ctx, now, domain.HoldCursor{}, 1)
	if err != nil {
		t.Fatalf("find expired with limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "hold-older" {
		t.Fatalf("expected hold-older with limit, got %+v", limited)
	}

	next, err := repo.FindExpired(ctx, now, domain.CursorOf(limited[0]), 10)
	if err != nil {
		t.Fatalf("find expired after cursor: %v", err)
	}
	if len(next) != 1 || next[0].ID != "hold-old" {
		t.Fatalf("expected hold-old after cursor, got %+v", next)
	}
}

func TestUserRepository_PostgresLockAndList(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	users := NewUserRepository(store)
	tx := NewTransactor(store)

	seedUserForIntegrationTest(t, store, "user-a", decimal.NewFromInt(10))
	seedUserForIntegrationTest(t, store, "user-b", decimal.Zero)

	if err := users.Create(ctx, domain.User{ID: "user-c", Email: "USER-A@example.com"}); !errors.Is(err, domain.ErrUserAlreadyExists) {
		t.Fatalf("expected ErrUserAlreadyExists for duplicate email, got %v", err)
	}
	if _, err := users.LockForUpdate(ctx, "user-a"); err == nil {
		t.Fatal("expected error for lock outside of transaction")
	}

	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		user, err := users.LockForUpdate(ctx, "user-a")
		if err != nil {
			return err
		}
		user.Balance = user.Balance.Sub(decimal.NewFromInt(4))
		return users.Save(ctx, user)
	})
	if err != nil {
		t.Fatalf("update within tx: %v", err)
	}

	user, err := users.FindByEmail(ctx, "User-A@Example.com")
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if !user.Balance.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected balance 6, got %s", user.Balance)
	}

	ids, err := users.ListIDs(ctx, "user-a", 10)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != "user-b" {
		t.Fatalf("unexpected ids after user-a: %v", ids)
	}
}

func TestTransactor_PostgresRollbackOnError(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	users := NewUserRepository(store)
	tx := NewTransactor(store)

	seedUserForIntegrationTest(t, store, "user-rollback", decimal.NewFromInt(10))

	boom := errors.New("boom")
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		user, err := users.LockForUpdate(ctx, "user-rollback")
		if err != nil {
			return err
		}
		user.Balance = decimal.Zero
		if err := users.Save(ctx, user); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	user, err := users.FindByID(ctx, "user-rollback")
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	if !user.Balance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("rollback should restore balance, got %s", user.Balance)
	}
}
