package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

type txKey struct{}

type memTx struct {
	undo           []func()
	insertedOrders []string
	held           map[string]struct{}
	order          []string
}

func txFromContext(ctx context.Context) *memTx {
	tx, _ := ctx.Value(txKey{}).(*memTx)
	return tx
}

type transactor struct {
	store *Store
}

// NewTransactor создаёт in-memory реализацию domain.Transactor.
func NewTransactor(store *Store) domain.Transactor {
	return &transactor{store: store}
}

func (t *transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}
	return t.run(ctx, fn)
}

func (t *transactor) WithinNewTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.run(ctx, fn)
}

func (t *transactor) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	tx := &memTx{held: make(map[string]struct{})}
	txCtx := context.WithValue(ctx, txKey{}, tx)

	defer func() {
		if p := recover(); p != nil {
			t.store.rollback(tx)
			t.store.releaseLocks(tx)
			panic(p)
		}
		if err != nil {
			t.store.rollback(tx)
		} else {
			t.store.commit(tx)
		}
		t.store.releaseLocks(tx)
	}()

	return fn(txCtx)
}

// keyLocks: карта мьютексов по ключу с поддержкой отмены через context.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (l *keyLocks) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *keyLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		return
	}
	<-kl.ch
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

var _ domain.Transactor = (*transactor)(nil)
