package outbox_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/service/outbox"
	"github.com/vladislavdragonenkov/reseller/internal/service/saga"
	"github.com/vladislavdragonenkov/reseller/internal/testkit"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, msg.EventType)
	return nil
}

func TestWorker_PublishesSagaEvents(t *testing.T) {
	env := testkit.NewEnv(t, testkit.Config{})
	env.CreateUser(t, "user-1", "100")
	ctx := context.Background()

	_, err := env.Orchestrator.CreateOrder(ctx, "user-1", saga.CreateOrderRequest{
		ServiceID: testkit.ServiceID, Link: "https://example.com/a", Quantity: 25000, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.Outbox.AllPending())

	repo, ok := env.Outbox.(domain.OutboxRepository)
	require.True(t, ok)
	publisher := &recordingPublisher{}
	result, err := outbox.NewWorker(repo, publisher, outbox.WithRetryBaseDelay(0)).ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Failed)

	assert.Empty(t, env.Outbox.AllPending())
	assert.Contains(t, publisher.events, domain.EventOrderCreated)
	assert.Contains(t, publisher.events, domain.EventOrderProcessing)
	assert.Contains(t, publisher.events, domain.EventHoldCaptured)
}
