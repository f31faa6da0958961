package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/storage/redislock"
)

type stubOutboxRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	pullErr   error
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pullErr != nil {
		return nil, s.pullErr
	}
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

// stubPublisher отдаёт ошибки из sequence по очереди, затем err.
// Если задан failAggregate, падают только события этого агрегата.
type stubPublisher struct {
	mu            sync.Mutex
	err           error
	sequence      []error
	failAggregate string
	published     []domain.OutboxMessage
	callCount     int
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	var err error
	switch {
	case len(s.sequence) > 0:
		err, s.sequence = s.sequence[0], s.sequence[1:]
	case s.failAggregate != "":
		if msg.AggregateID == s.failAggregate {
			err = errors.New("broker rejected aggregate")
		}
	default:
		err = s.err
	}
	if err == nil {
		s.published = append(s.published, msg)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var (
	_ domain.OutboxRepository = (*stubOutboxRepo)(nil)
	_ domain.OutboxPublisher  = (*stubPublisher)(nil)
)

func orderEvent(id, orderID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
	}
}

func TestWorker_ProcessOnce_MarksSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-1", "order-1", domain.EventOrderCreated)}}
	publisher := &stubPublisher{}

	result, err := NewWorker(repo, publisher, WithRetryBaseDelay(0)).ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, BatchResult{Sent: 1}, result)
	assert.Equal(t, []string{"msg-1"}, repo.sentIDs)
	assert.Empty(t, repo.failedIDs)
	assert.Equal(t, 1, publisher.calls())
}

func TestWorker_ProcessOnce_DeadLettersAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-2", "order-2", domain.EventOrderFailed)}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{}

	result, err := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	).ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, BatchResult{Failed: 1}, result)
	assert.Equal(t, 3, publisher.calls())
	assert.Empty(t, repo.sentIDs)
	assert.Equal(t, []string{"msg-2"}, repo.failedIDs)

	require.Len(t, dlq.published, 1)
	var dead deadLetterPayload
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &dead))
	assert.Equal(t, "msg-2", dead.OutboxID)
	assert.JSONEq(t, `{"order_id":"order-2"}`, string(dead.Payload))
	assert.Contains(t, dead.PublishError, "broker down")
}

func TestWorker_ProcessOnce_KeepsPendingWithoutDLQ(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-3", "order-3", domain.EventOrderCreated)}}
	publisher := &stubPublisher{err: errors.New("broker down")}

	result, err := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(2)).ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Empty(t, repo.sentIDs)
	assert.Empty(t, repo.failedIDs, "message must stay pending for the next pass")
}

func TestWorker_ProcessOnce_DLQFailureKeepsPending(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-6", "order-6", domain.EventOrderCreated)}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{err: errors.New("dlq down")}

	result, err := NewWorker(repo, publisher, WithDLQPublisher(dlq), WithRetryBaseDelay(0), WithMaxAttempts(1)).
		ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, dlq.calls())
	assert.Empty(t, repo.failedIDs)
}

func TestNewDeadLetter_WrapsOriginal(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))
	msg := orderEvent("msg-7", "order-7", domain.EventOrderFailed)
	dead := newDeadLetter(msg, errors.New("timeout"), at)

	assert.Equal(t, msg.ID, dead.ID)
	assert.Equal(t, msg.AggregateID, dead.AggregateID)

	var payload deadLetterPayload
	require.NoError(t, json.Unmarshal(dead.Payload, &payload))
	assert.Equal(t, domain.EventOrderFailed, payload.EventType)
	assert.Equal(t, "timeout", payload.PublishError)
	assert.Equal(t, at.UTC(), payload.FailedAt)
	assert.JSONEq(t, string(msg.Payload), string(payload.Payload))
}

func TestWorker_ProcessOnce_SucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{{
		ID:            "msg-4",
		AggregateType: domain.AggregateHold,
		AggregateID:   "hold-4",
		EventType:     domain.EventHoldCaptured,
		Payload:       []byte(`{"status":"captured"}`),
	}}}
	publisher := &stubPublisher{sequence: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	result, err := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3)).ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 3, publisher.calls())
	assert.Equal(t, []string{"msg-4"}, repo.sentIDs)
}

func TestWorker_ProcessOnce_PreservesPerAggregateOrder(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("a-1", "order-a", domain.EventOrderCreated),
		orderEvent("b-1", "order-b", domain.EventOrderCreated),
		orderEvent("a-2", "order-a", domain.EventOrderProcessing),
		orderEvent("b-2", "order-b", domain.EventOrderProcessing),
	}}
	publisher := &stubPublisher{failAggregate: "order-a"}

	result, err := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(1)).ProcessOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, BatchResult{Sent: 2, Failed: 1, Deferred: 1}, result)
	assert.Equal(t, []string{"b-1", "b-2"}, repo.sentIDs)
	assert.Equal(t, 3, publisher.calls(), "a-2 must not be attempted after a-1 failed")
}

func TestWorker_ProcessOnce_SkipsWhenLockHeld(t *testing.T) {
	t.Parallel()

	locker := redislock.NewLocal()
	_, acquired, err := locker.TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-5", "order-5", domain.EventOrderCreated)}}
	publisher := &stubPublisher{}

	result, err := NewWorker(repo, publisher, WithLocker(locker)).ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Zero(t, publisher.calls())
}

func TestWorker_ProcessOnce_PullError(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pullErr: errors.New("db down")}
	_, err := NewWorker(repo, &stubPublisher{}).ProcessOnce(context.Background())
	require.Error(t, err)
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil, nil, WithRetryBaseDelay(50*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, w.retryBackoff(1))
	assert.Equal(t, 100*time.Millisecond, w.retryBackoff(2))
	assert.Equal(t, 200*time.Millisecond, w.retryBackoff(3))
	assert.Equal(t, maxRetryDelay, w.retryBackoff(20))

	assert.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(0)).retryBackoff(3))
	assert.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(-time.Second)).retryBackoff(1))
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
