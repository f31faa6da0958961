package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroup struct {
	mu       sync.Mutex
	consumed int
	errorsCh chan error
	closeErr error
	cancel   context.CancelFunc
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.consumed++
	g.mu.Unlock()
	if g.cancel != nil {
		g.cancel()
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errorsCh }

func (g *fakeGroup) Close() error {
	close(g.errorsCh)
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(msgs ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func statusMsg(offset int64, headers ...*sarama.RecordHeader) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:   TopicProviderStatus,
		Offset:  offset,
		Key:     []byte("23501"),
		Value:   []byte(`{}`),
		Headers: headers,
	}
}

func testConsumer(handler MessageHandler, opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithRetryDelay(0), WithConsumerLogger(log.WithField("test", "consumer"))}, opts...)
	return newConsumer(nil, []string{TopicProviderStatus}, handler, opts...)
}

func TestNewConsumer_InvalidBroker(t *testing.T) {
	_, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"},
		func(context.Context, *sarama.ConsumerMessage) error { return nil })
	require.Error(t, err)
}

func TestNewConsumer_Options(t *testing.T) {
	producer := &Producer{}
	c := newConsumer(nil, nil, nil, WithDeadLetter(producer), WithMaxAttempts(7), WithRetryDelay(time.Second))
	assert.Same(t, producer, c.dlqProducer)
	assert.Equal(t, 7, c.maxRetries)
	assert.Equal(t, time.Second, c.retryDelay)

	c = newConsumer(nil, nil, nil, WithMaxAttempts(0), WithRetryDelay(-1), WithConsumerLogger(nil))
	assert.Equal(t, defaultMaxAttempts, c.maxRetries)
	assert.Equal(t, defaultRetryDelay, c.retryDelay)
	assert.NotNil(t, c.logger)
}

func TestConsumer_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := &fakeGroup{errorsCh: make(chan error, 1), cancel: cancel}
	group.errorsCh <- errors.New("background error")

	c := newConsumer(group, []string{TopicProviderStatus}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	require.NoError(t, c.Start(ctx))
	<-ctx.Done()
	require.NoError(t, c.Stop())

	group.mu.Lock()
	defer group.mu.Unlock()
	assert.GreaterOrEqual(t, group.consumed, 1)
}

func TestConsumer_StopError(t *testing.T) {
	group := &fakeGroup{errorsCh: make(chan error), closeErr: errors.New("close failed")}
	c := newConsumer(group, nil, nil)
	require.Error(t, c.Stop())
}

func TestConsumeClaim_Outcomes(t *testing.T) {
	transient := errors.New("db down")

	tests := []struct {
		name       string
		handlerErr error
		dlq        func(*mocks.SyncProducer)
		wantMarked bool
	}{
		{name: "processed", wantMarked: true},
		{name: "transient without dlq stays uncommitted", handlerErr: transient},
		{name: "permanent without dlq is dropped", handlerErr: Permanent(errors.New("bad json")), wantMarked: true},
		{
			name:       "transient goes to dlq",
			handlerErr: transient,
			dlq: func(p *mocks.SyncProducer) {
				p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
					headers := map[string]string{}
					for _, h := range msg.Headers {
						headers[string(h.Key)] = string(h.Value)
					}
					if msg.Topic != TopicDeadLetterQueue || headers[HeaderOriginalTopic] != TopicProviderStatus ||
						headers[HeaderErrorMessage] != "db down" || headers[HeaderRetryCount] != "2" {
						return errors.New("unexpected dlq message")
					}
					return nil
				})
			},
			wantMarked: true,
		},
		{
			name:       "dlq failure stays uncommitted",
			handlerErr: transient,
			dlq:        func(p *mocks.SyncProducer) { p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []ConsumerOption{WithMaxAttempts(2)}
			if tt.dlq != nil {
				mockProducer := mocks.NewSyncProducer(t, nil)
				tt.dlq(mockProducer)
				t.Cleanup(func() { require.NoError(t, mockProducer.Close()) })
				opts = append(opts, WithDeadLetter(&Producer{producer: mockProducer, logger: log.WithField("test", "dlq")}))
			}
			c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return tt.handlerErr }, opts...)

			session := &fakeSession{ctx: context.Background()}
			require.NoError(t, c.ConsumeClaim(session, claimOf(statusMsg(42))))

			if tt.wantMarked {
				assert.Equal(t, []int64{42}, session.marked)
			} else {
				assert.Empty(t, session.marked)
			}
		})
	}
}

func TestHandleWithRetry_CountsPreviousDeliveries(t *testing.T) {
	attempts := 0
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		attempts++
		return errors.New("temporary")
	}, WithMaxAttempts(3))

	msg := statusMsg(1, &sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte("1")})
	require.Error(t, c.handleWithRetry(context.Background(), c.logger, msg))
	assert.Equal(t, 2, attempts)

	attempts = 0
	exhausted := statusMsg(2, &sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte("9")})
	require.Error(t, c.handleWithRetry(context.Background(), c.logger, exhausted))
	assert.Equal(t, 1, attempts, "an exhausted message still gets one attempt")
}

func TestHandleWithRetry_PermanentIsNotRetried(t *testing.T) {
	attempts := 0
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		attempts++
		return Permanent(errors.New("bad json"))
	}, WithMaxAttempts(5))

	err := c.handleWithRetry(context.Background(), c.logger, statusMsg(1))
	require.True(t, IsPermanent(err))
	assert.Equal(t, 1, attempts)
}

func TestHandleWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("temporary")
	}, WithMaxAttempts(5), WithRetryDelay(time.Minute))

	err := c.handleWithRetry(ctx, c.logger, statusMsg(1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryCount(t *testing.T) {
	header := func(v string) *sarama.RecordHeader {
		return &sarama.RecordHeader{Key: []byte(HeaderRetryCount), Value: []byte(v)}
	}
	assert.Equal(t, 0, retryCount(statusMsg(1)))
	assert.Equal(t, 5, retryCount(statusMsg(1, header("5"))))
	assert.Equal(t, 0, retryCount(statusMsg(1, header("bad"))))
	assert.Equal(t, 0, retryCount(statusMsg(1, header("-3"))))
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	base := errors.New("bad json")
	err := Permanent(base)
	assert.ErrorIs(t, err, base)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsPermanent(base))
}

func TestParseEvents(t *testing.T) {
	envelope, err := ParseEnvelope(&sarama.ConsumerMessage{
		Value: []byte(`{"id":"m-1","aggregate_type":"order","aggregate_id":"o-1","event_type":"order.created","payload":{"status":"pending"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "o-1", envelope.AggregateID)
	assert.JSONEq(t, `{"status":"pending"}`, string(envelope.Payload))

	_, err = ParseEnvelope(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)

	event, err := ParseProviderStatusEvent(&sarama.ConsumerMessage{
		Value: []byte(`{"provider_id":"p-1","provider_order_id":"23501","status":"Partial","remains":157}`),
	})
	require.NoError(t, err)
	ps := event.ProviderStatus()
	assert.Equal(t, "Partial", ps.Status)
	assert.EqualValues(t, 157, ps.Remains)

	_, err = ParseProviderStatusEvent(&sarama.ConsumerMessage{Value: []byte(`{"status":"Completed"}`)})
	require.Error(t, err)
}

func TestConsumeClaim_StopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil })
	session := &fakeSession{ctx: ctx}
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = c.ConsumeClaim(session, claim)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after session end")
	}
}
