package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

type stubJetStream struct {
	published []*nats.Msg
	opts      int
	err       error

	streams map[string]*nats.StreamConfig
	infoErr error
}

func (s *stubJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.published = append(s.published, m)
	s.opts = len(opts)
	return &nats.PubAck{Stream: defaultStream, Sequence: uint64(len(s.published))}, nil
}

func (s *stubJetStream) StreamInfo(stream string, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	if s.infoErr != nil {
		return nil, s.infoErr
	}
	cfg, ok := s.streams[stream]
	if !ok {
		return nil, nats.ErrStreamNotFound
	}
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (s *stubJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	if s.streams == nil {
		s.streams = map[string]*nats.StreamConfig{}
	}
	s.streams[cfg.Name] = cfg
	return &nats.StreamInfo{Config: *cfg}, nil
}

func testLogger() *log.Entry {
	return log.New().WithField("test", "nats")
}

func TestPublisher_Publish(t *testing.T) {
	js := &stubJetStream{}
	p := newPublisher(Config{Logger: testLogger()}, js)

	err := p.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.AggregateOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderCompleted,
		Payload:       []byte(`{"order_id":"order-1"}`),
	})
	require.NoError(t, err)
	require.Len(t, js.published, 1)

	msg := js.published[0]
	assert.Equal(t, "reseller.order.completed", msg.Subject)
	assert.Equal(t, "order-1", msg.Header.Get("Aggregate-Id"))
	assert.Equal(t, 2, js.opts, "context and msg id options expected")

	var env envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, "outbox-1", env.ID)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(env.Payload))
}

func TestPublisher_PublishError(t *testing.T) {
	js := &stubJetStream{err: errors.New("no responders")}
	p := newPublisher(Config{Logger: testLogger()}, js)

	err := p.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-2", EventType: domain.EventHoldReleased})
	require.Error(t, err)

	var nilPublisher *Publisher
	require.Error(t, nilPublisher.Publish(context.Background(), domain.OutboxMessage{}))
}

func TestPublisher_EnsureStream(t *testing.T) {
	js := &stubJetStream{}
	p := newPublisher(Config{Stream: "TEST", SubjectPrefix: "test", Logger: testLogger()}, js)

	require.NoError(t, p.ensureStream())
	cfg, ok := js.streams["TEST"]
	require.True(t, ok)
	assert.Equal(t, []string{"test.>"}, cfg.Subjects)
	assert.Positive(t, cfg.Duplicates)

	// Повторный вызов находит существующий stream.
	require.NoError(t, p.ensureStream())

	js.infoErr = errors.New("timeout")
	require.Error(t, p.ensureStream())
}

func TestPublisher_PingWithoutConnection(t *testing.T) {
	p := newPublisher(Config{Logger: testLogger()}, &stubJetStream{})
	require.Error(t, p.PingContext(context.Background()))
	require.NoError(t, p.Close())
}
