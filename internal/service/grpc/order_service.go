package grpcsvc

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/service/hold"
	"github.com/vladislavdragonenkov/reseller/internal/service/lifecycle"
	"github.com/vladislavdragonenkov/reseller/internal/service/reconcile"
	"github.com/vladislavdragonenkov/reseller/internal/service/saga"
	"github.com/vladislavdragonenkov/reseller/internal/service/wallet"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500

	defaultCancelReason = "cancelled by request"
	defaultRefundReason = "refunded by request"
)

// Dependencies: сервисы, поверх которых работает gRPC API.
type Dependencies struct {
	Orchestrator saga.Orchestrator
	Lifecycle    *lifecycle.Manager
	Holds        *hold.Manager
	Wallet       *wallet.Service
	Reconciler   *reconcile.Checker
}

// OrderService реализует reseller.v1.OrderService.
type OrderService struct {
	saga       saga.Orchestrator
	lifecycle  *lifecycle.Manager
	holds      *hold.Manager
	wallet     *wallet.Service
	reconciler *reconcile.Checker
	logger     *log.Entry
}

// NewOrderService конструирует сервис с зависимостями.
func NewOrderService(deps Dependencies, logger *log.Entry) *OrderService {
	if logger == nil {
		logger = log.New().WithField("component", "order-service")
	}
	return &OrderService{
		saga:       deps.Orchestrator,
		lifecycle:  deps.Lifecycle,
		holds:      deps.Holds,
		wallet:     deps.Wallet,
		reconciler: deps.Reconciler,
		logger:     logger,
	}
}

// CreateOrder запускает сагу создания заказа.
// Ключ идемпотентности берётся из метаданных idempotency-key или из поля idempotency_key.
func (s *OrderService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requireString(req, "user_id")
	if err != nil {
		return nil, err
	}
	serviceID, err := requireString(req, "service_id")
	if err != nil {
		return nil, err
	}
	link, err := requireString(req, "link")
	if err != nil {
		return nil, err
	}
	quantity, err := int64Field(req, "quantity")
	if err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, status.Error(codes.InvalidArgument, "quantity must be positive")
	}

	key := stringField(req, "idempotency_key")
	if headerKey, ok := IdempotencyKeyFromContext(ctx); ok {
		if key != "" && key != headerKey {
			return nil, status.Error(codes.InvalidArgument, "idempotency key in metadata and body differ")
		}
		key = headerKey
	}

	order, err := s.saga.CreateOrder(ctx, userID, saga.CreateOrderRequest{
		ServiceID:      serviceID,
		Link:           link,
		Quantity:       quantity,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, s.fail("CreateOrder", err, log.Fields{"user_id": userID, "service_id": serviceID})
	}
	return newStruct(map[string]interface{}{"order": orderFields(order)})
}

// GetOrder возвращает состояние заказа и таймлайн событий.
func (s *OrderService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requireString(req, "order_id")
	if err != nil {
		return nil, err
	}
	order, err := s.lifecycle.GetOrder(ctx, orderID)
	if err != nil {
		return nil, s.fail("GetOrder", err, log.Fields{"order_id": orderID})
	}
	timeline, err := s.lifecycle.Timeline(ctx, orderID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", orderID).Warn("failed to list timeline events")
		timeline = nil
	}
	return newStruct(map[string]interface{}{
		"order":    orderFields(order),
		"timeline": timelineFields(timeline),
	})
}

// GetHold возвращает холд по идентификатору.
func (s *OrderService) GetHold(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	holdID, err := requireString(req, "hold_id")
	if err != nil {
		return nil, err
	}
	h, err := s.holds.GetHold(ctx, holdID)
	if err != nil {
		return nil, s.fail("GetHold", err, log.Fields{"hold_id": holdID})
	}
	return newStruct(map[string]interface{}{"hold": holdFields(h)})
}

// CancelOrder отменяет заказ у провайдера и возвращает списание пользователю.
func (s *OrderService) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requireString(req, "order_id")
	if err != nil {
		return nil, err
	}
	reason := stringField(req, "reason")
	if reason == "" {
		reason = defaultCancelReason
	}
	order, err := s.lifecycle.CancelAtProvider(ctx, orderID, reason)
	if err != nil {
		return nil, s.fail("CancelOrder", err, log.Fields{"order_id": orderID})
	}
	return newStruct(map[string]interface{}{"order": orderFields(order)})
}

// RefundOrder возвращает списание по заказу без обращения к провайдеру.
func (s *OrderService) RefundOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requireString(req, "order_id")
	if err != nil {
		return nil, err
	}
	reason := stringField(req, "reason")
	if reason == "" {
		reason = defaultRefundReason
	}
	order, err := s.lifecycle.RefundOrder(ctx, orderID, reason)
	if err != nil {
		return nil, s.fail("RefundOrder", err, log.Fields{"order_id": orderID})
	}
	return newStruct(map[string]interface{}{"order": orderFields(order)})
}

// RequestRefill запрашивает рефилл выполненного заказа.
func (s *OrderService) RequestRefill(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requireString(req, "order_id")
	if err != nil {
		return nil, err
	}
	refillID, err := s.lifecycle.RequestRefill(ctx, orderID)
	if err != nil {
		return nil, s.fail("RequestRefill", err, log.Fields{"order_id": orderID})
	}
	return newStruct(map[string]interface{}{
		"order_id":  orderID,
		"refill_id": refillID,
	})
}

// RefreshOrderStatus запрашивает статус у провайдера и применяет его к заказу.
func (s *OrderService) RefreshOrderStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	orderID, err := requireString(req, "order_id")
	if err != nil {
		return nil, err
	}
	order, err := s.lifecycle.UpdateOrderStatus(ctx, orderID)
	if err != nil {
		return nil, s.fail("RefreshOrderStatus", err, log.Fields{"order_id": orderID})
	}
	return newStruct(map[string]interface{}{"order": orderFields(order)})
}

// GetBalance возвращает баланс пользователя и последние записи журнала.
func (s *OrderService) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID, err := requireString(req, "user_id")
	if err != nil {
		return nil, err
	}
	limit, err := int64Field(req, "history_limit")
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	user, err := s.wallet.Balance(ctx, userID)
	if err != nil {
		return nil, s.fail("GetBalance", err, log.Fields{"user_id": userID})
	}
	entries, err := s.wallet.History(ctx, userID, int(limit))
	if err != nil {
		return nil, s.fail("GetBalance", err, log.Fields{"user_id": userID})
	}

	history := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		history = append(history, map[string]interface{}{
			"id":             entry.ID,
			"type":           string(entry.Type),
			"amount":         money(entry.Amount),
			"balance_before": money(entry.BalanceBefore),
			"balance_after":  money(entry.BalanceAfter),
			"reference_type": entry.ReferenceType,
			"reference_id":   entry.ReferenceID,
			"description":    entry.Description,
			"created_at":     timeString(entry.CreatedAt),
		})
	}
	return newStruct(map[string]interface{}{
		"user_id": user.ID,
		"balance": money(user.Balance),
		"blocked": user.Banned,
		"history": history,
	})
}

// Reconcile сверяет деньги одного пользователя или всех сразу.
// Без user_id в reports попадают только расхождения.
func (s *OrderService) Reconcile(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if userID := stringField(req, "user_id"); userID != "" {
		report, err := s.reconciler.Check(ctx, userID)
		if err != nil {
			return nil, s.fail("Reconcile", err, log.Fields{"user_id": userID})
		}
		mismatches := 0
		if !report.Match() {
			mismatches = 1
		}
		return newStruct(map[string]interface{}{
			"reports":    []interface{}{reportFields(report)},
			"mismatches": float64(mismatches),
		})
	}

	mismatches, err := s.reconciler.CheckAll(ctx)
	if err != nil {
		return nil, s.fail("Reconcile", err, nil)
	}
	items := make([]interface{}, 0, len(mismatches))
	for _, r := range mismatches {
		items = append(items, reportFields(r))
	}
	return newStruct(map[string]interface{}{
		"reports":    items,
		"mismatches": float64(len(mismatches)),
	})
}

// fail логирует ошибку операции и переводит её в gRPC-статус.
func (s *OrderService) fail(operation string, err error, fields log.Fields) error {
	st := toStatus(err)
	entry := s.logger.WithError(err).WithFields(fields).WithFields(log.Fields{
		"operation": operation,
		"code":      st.Code().String(),
	})
	switch st.Code() {
	case codes.Internal, codes.Unknown:
		entry.Error("request failed")
	case codes.NotFound, codes.InvalidArgument:
		entry.Debug("request rejected")
	default:
		entry.Warn("request failed")
	}
	return st.Err()
}

// toStatus переводит доменные ошибки в коды gRPC.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case errors.Is(err, domain.ErrCompensationFailed):
		return status.New(codes.Internal, err.Error())
	case errors.Is(err, domain.ErrHoldAlreadyReleased):
		return status.New(codes.Aborted, err.Error())
	case domain.IsVersionConflict(err):
		return status.New(codes.Aborted, err.Error())
	case domain.IsNotFound(err):
		return status.New(codes.NotFound, err.Error())
	case domain.IsInvalidRequest(err):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrAccountBlocked):
		return status.New(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return status.New(codes.FailedPrecondition, err.Error())
	}
	if _, ok := domain.AsGatewayError(err); ok {
		return status.New(codes.Unavailable, err.Error())
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	}
	return status.New(codes.Internal, "internal error")
}

var _ OrderServiceServer = (*OrderService)(nil)
