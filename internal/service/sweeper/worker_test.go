package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/reseller/internal/clock"
	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

var _ domain.JobLocker = (*stubLocker)(nil)

func TestWorker_SweepOnce_PassesClockTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	holds := &stubReleaser{results: []int{3}}
	worker := NewWorker(holds, WithClock(clock.NewManual(now)))

	released, err := worker.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if released != 3 {
		t.Fatalf("unexpected released: got=%d want=3", released)
	}
	if got := holds.lastNow(); !got.Equal(now) {
		t.Fatalf("unexpected sweep time: got=%s want=%s", got, now)
	}
}

func TestWorker_SweepOnce_Error(t *testing.T) {
	t.Parallel()

	holds := &stubReleaser{errs: []error{errors.New("boom")}}
	worker := NewWorker(holds)

	if _, err := worker.SweepOnce(context.Background()); err == nil {
		t.Fatal("expected SweepOnce error")
	}
}

func TestWorker_SweepOnce_SkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	holds := &stubReleaser{}
	locker := &stubLocker{held: true}
	worker := NewWorker(holds, WithLocker(locker))

	released, err := worker.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if released != -1 {
		t.Fatalf("expected skipped run, got=%d", released)
	}
	if calls := holds.calls(); calls != 0 {
		t.Fatalf("sweep must not run without lock, calls=%d", calls)
	}
}

func TestWorker_SweepOnce_ReleasesLock(t *testing.T) {
	t.Parallel()

	holds := &stubReleaser{results: []int{1}}
	locker := &stubLocker{}
	worker := NewWorker(holds, WithLocker(locker))

	if _, err := worker.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce failed: %v", err)
	}
	if locker.releases != 1 {
		t.Fatalf("expected lock release, got=%d", locker.releases)
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	holds := &stubReleaser{}
	worker := NewWorker(holds, WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}

	if calls := holds.calls(); calls == 0 {
		t.Fatal("expected sweep to be called at least once")
	}
}

type stubReleaser struct {
	mu sync.Mutex

	results   []int
	errs      []error
	callCount int
	now       time.Time
}

func (s *stubReleaser) ReleaseExpiredHolds(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.now = now

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(s.results) == 0 {
		return 0, nil
	}
	result := s.results[0]
	s.results = s.results[1:]
	return result, nil
}

func (s *stubReleaser) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubReleaser) lastNow() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

type stubLocker struct {
	held     bool
	releases int
}

func (s *stubLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	if s.held {
		return nil, false, nil
	}
	return func(context.Context) error {
		s.releases++
		return nil
	}, true, nil
}
