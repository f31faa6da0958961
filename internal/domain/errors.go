package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrHoldNotFound возвращается, если холд не найден.
	ErrHoldNotFound = errors.New("hold not found")
	// ErrServiceNotFound возвращается, если услуга каталога не найдена.
	ErrServiceNotFound = errors.New("service not found")
	// ErrProviderNotFound возвращается, если провайдер не найден.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrInvalidRequest: общая ошибка некорректного запроса.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrQuantityOutOfRange: количество вне допустимых границ услуги.
	ErrQuantityOutOfRange = fmt.Errorf("%w: quantity out of range", ErrInvalidRequest)
	// ErrServiceInactive: услуга выключена в каталоге.
	ErrServiceInactive = fmt.Errorf("%w: service is inactive", ErrInvalidRequest)
	// ErrAmountInvalid: сумма должна быть строго положительной.
	ErrAmountInvalid = fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	// ErrRefillNotAllowed: заказ не подходит для рефилла (статус, флаг или дедлайн).
	ErrRefillNotAllowed = fmt.Errorf("%w: refill is not allowed", ErrInvalidRequest)
	// ErrIdempotencyKeyReused: ключ уже использован запросом, который завершился без заказа.
	ErrIdempotencyKeyReused = fmt.Errorf("%w: idempotency key already used by a failed attempt", ErrInvalidRequest)
	// ErrUserIDRequired: не передан идентификатор пользователя.
	ErrUserIDRequired = fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	// ErrLinkRequired: не передана цель заказа.
	ErrLinkRequired = fmt.Errorf("%w: link is required", ErrInvalidRequest)

	// ErrAccountBlocked: пользователь заблокирован.
	ErrAccountBlocked = errors.New("account is blocked")
	// ErrInsufficientFunds: баланса недостаточно для резерва.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidStateTransition: попытка изменить финальный заказ/холд или недопустимый переход.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrHoldAlreadyReleased: захват холда, средства которого уже вернулись пользователю.
	// Требует ручной сверки, автоматически не повторяется.
	ErrHoldAlreadyReleased = errors.New("hold already released")
	// ErrCompensationFailed: компенсация сама завершилась ошибкой, нужен оператор.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrOrderAlreadyExists: нарушение уникальности заказа (hold_id или idempotency key).
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrHoldAlreadyExists: нарушение уникальности холда.
	ErrHoldAlreadyExists = errors.New("hold already exists")
	// ErrUserAlreadyExists: нарушение уникальности пользователя.
	ErrUserAlreadyExists = errors.New("user already exists")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrHoldVersionConflict сигнализирует о конфликте версий холда.
	ErrHoldVersionConflict = errors.New("hold version conflict")
	// ErrOutboxPublish: ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// GatewayError описывает сбой внешнего провайдера.
type GatewayError struct {
	Provider  string
	Operation string
	Message   string
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s failed: %s: %v", e.Provider, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s failed: %s", e.Provider, e.Operation, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError создаёт GatewayError.
func NewGatewayError(provider, operation, message string, cause error) *GatewayError {
	return &GatewayError{Provider: provider, Operation: operation, Message: message, Err: cause}
}

// AsGatewayError извлекает GatewayError из цепочки ошибок.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict) || errors.Is(err, ErrHoldVersionConflict)
}

// IsNotFound объединяет все not-found ошибки домена.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrProviderNotFound)
}

// IsInvalidRequest проверяет ошибки валидации запроса.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
