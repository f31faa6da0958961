package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// StatusApplier применяет статус провайдера к заказу.
type StatusApplier interface {
	ApplyProviderUpdate(ctx context.Context, providerID, providerOrderID string, ps domain.ProviderOrderStatus) (domain.Order, error)
}

// NewProviderStatusHandler возвращает обработчик топика статусов провайдера.
// Битое сообщение возвращается как Permanent и уходит в DLQ без ретраев.
// Статус по неизвестному заказу пропускается.
func NewProviderStatusHandler(applier StatusApplier, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "provider-status-consumer")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseProviderStatusEvent(message)
		if err != nil {
			return Permanent(err)
		}

		order, err := applier.ApplyProviderUpdate(ctx, event.ProviderID, event.ProviderOrderID, event.ProviderStatus())
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			logger.WithFields(log.Fields{
				"provider_id":       event.ProviderID,
				"provider_order_id": event.ProviderOrderID,
			}).Warn("provider status for unknown order")
			return nil
		case err != nil:
			return err
		}

		logger.WithFields(log.Fields{
			"order_id":        order.ID,
			"provider_status": event.Status,
			"status":          order.Status,
		}).Debug("provider status applied")
		return nil
	}
}
