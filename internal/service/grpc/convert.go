package grpcsvc

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
	"github.com/vladislavdragonenkov/reseller/internal/service/reconcile"
)

// stringField читает строковое поле запроса без пробелов по краям.
func stringField(req *structpb.Struct, name string) string {
	v, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strings.TrimSpace(kind.StringValue)
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(kind.NumberValue, 'f', -1, 64)
	default:
		return ""
	}
}

func requireString(req *structpb.Struct, name string) (string, error) {
	value := stringField(req, name)
	if value == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return value, nil
}

// int64Field принимает и число JSON, и строку: клиенты часто шлют количество строкой.
func int64Field(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if kind.NumberValue != math.Trunc(kind.NumberValue) {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
		}
		return int64(kind.NumberValue), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(strings.TrimSpace(kind.StringValue), 10, 64)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
		}
		return n, nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
}

func newStruct(fields map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func money(d decimal.Decimal) string {
	return domain.RoundMoney(d).StringFixed(2)
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func timePtrString(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return timeString(*t)
}

func orderFields(order domain.Order) map[string]interface{} {
	return map[string]interface{}{
		"id":                   order.ID,
		"user_id":              order.UserID,
		"service_id":           order.ServiceID,
		"provider_id":          order.ProviderID,
		"link":                 order.Link,
		"quantity":             float64(order.Quantity),
		"remains":              float64(order.Remains),
		"start_count":          float64(order.StartCount),
		"charge":               money(order.Charge),
		"cost":                 money(order.Cost),
		"profit":               money(order.Profit),
		"hold_id":              order.HoldID,
		"provider_order_id":    order.ProviderOrderID,
		"refill_eligible":      order.RefillEligible,
		"refill_deadline":      timePtrString(order.RefillDeadline),
		"status":               string(order.Status),
		"failure_reason":       order.FailureReason,
		"last_status_check_at": timePtrString(order.LastStatusCheckAt),
		"version":              float64(order.Version),
		"created_at":           timeString(order.CreatedAt),
		"updated_at":           timeString(order.UpdatedAt),
	}
}

func holdFields(h domain.Hold) map[string]interface{} {
	return map[string]interface{}{
		"id":             h.ID,
		"user_id":        h.UserID,
		"amount":         money(h.Amount),
		"status":         string(h.Status),
		"release_reason": h.ReleaseReason,
		"reference_type": h.ReferenceType,
		"reference_id":   h.ReferenceID,
		"created_at":     timeString(h.CreatedAt),
		"expires_at":     timeString(h.ExpiresAt),
		"captured_at":    timePtrString(h.CapturedAt),
		"released_at":    timePtrString(h.ReleasedAt),
	}
}

func timelineFields(events []domain.TimelineEvent) []interface{} {
	out := make([]interface{}, 0, len(events))
	for _, event := range events {
		out = append(out, map[string]interface{}{
			"type":     event.Type,
			"reason":   event.Reason,
			"occurred": timeString(event.Occurred),
		})
	}
	return out
}

func reportFields(r reconcile.Report) map[string]interface{} {
	return map[string]interface{}{
		"user_id":    r.UserID,
		"balance":    money(r.Balance),
		"held":       money(r.Held),
		"ledger_sum": money(r.LedgerSum),
		"drift":      r.Drift.String(),
		"match":      r.Match(),
	}
}
