// Package nats публикует outbox-события в NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

const (
	defaultStream        = "RESELLER"
	defaultSubjectPrefix = "reseller."
)

// jetStream: подмножество JetStreamContext, нужное паблишеру.
type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// Config описывает подключение к JetStream.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	// Duplicates: окно дедупликации по Nats-Msg-Id.
	Duplicates time.Duration
	Conn       *nats.Conn
	Logger     *log.Entry
}

// Publisher реализует domain.OutboxPublisher.
// Идентификатор outbox-сообщения уходит в Nats-Msg-Id, поэтому повторная
// публикация после сбоя MarkSent отбрасывается сервером.
type Publisher struct {
	cfg      Config
	js       jetStream
	conn     *nats.Conn
	ownsConn bool
	logger   *log.Entry
}

// NewPublisher подключается к NATS и создаёт stream, если его ещё нет.
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg = withDefaults(cfg)

	conn := cfg.Conn
	owns := false
	if conn == nil {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		c, err := nats.Connect(url, nats.Name("reseller-outbox"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		conn = c
		owns = true
	}

	js, err := conn.JetStream()
	if err != nil {
		if owns {
			conn.Close()
		}
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	p := newPublisher(cfg, js)
	p.conn = conn
	p.ownsConn = owns
	if err := p.ensureStream(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(cfg Config, js jetStream) *Publisher {
	cfg = withDefaults(cfg)
	return &Publisher{cfg: cfg, js: js, logger: cfg.Logger}
}

func withDefaults(cfg Config) Config {
	if cfg.Stream == "" {
		cfg.Stream = defaultStream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if !strings.HasSuffix(cfg.SubjectPrefix, ".") {
		cfg.SubjectPrefix += "."
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "nats-outbox-publisher")
	}
	return cfg
}

type envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// Publish отправляет событие в subject <prefix><event_type>.
func (p *Publisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.js == nil {
		return errors.New("nats outbox publisher is not initialized")
	}

	data, err := json.Marshal(envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event.EventType))
	msg.Data = data
	msg.Header.Set("Aggregate-Id", event.AggregateID)

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx), nats.MsgId(event.ID))
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"subject":  msg.Subject,
			"event_id": event.ID,
		}).Error("failed to publish to jetstream")
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	fields := log.Fields{"subject": msg.Subject, "event_id": event.ID}
	if ack != nil {
		fields["sequence"] = ack.Sequence
		fields["duplicate"] = ack.Duplicate
	}
	p.logger.WithFields(fields).Debug("event published to jetstream")
	return nil
}

// Subject возвращает subject для типа события.
func (p *Publisher) Subject(eventType string) string {
	return p.cfg.SubjectPrefix + eventType
}

func (p *Publisher) ensureStream() error {
	_, err := p.js.StreamInfo(p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", p.cfg.Stream, err)
	}
	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.cfg.Stream,
		Subjects:   []string{p.cfg.SubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Duplicates: p.cfg.Duplicates,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", p.cfg.Stream, err)
	}
	p.logger.WithField("stream", p.cfg.Stream).Info("jetstream stream created")
	return nil
}

// PingContext проверяет соединение с сервером NATS.
func (p *Publisher) PingContext(ctx context.Context) error {
	if p.conn == nil {
		return errors.New("nats: no connection")
	}
	if !p.conn.IsConnected() {
		return fmt.Errorf("nats: connection is %s", p.conn.Status())
	}
	return p.conn.FlushWithContext(ctx)
}

// Close закрывает подключение, если оно принадлежит паблишеру.
func (p *Publisher) Close() error {
	if p != nil && p.ownsConn && p.conn != nil {
		p.conn.Close()
	}
	return nil
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
