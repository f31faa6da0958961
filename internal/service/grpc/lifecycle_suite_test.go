package grpcsvc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// OrderLifecycleTestSuite прогоняет заказ через gRPC от создания до финального статуса.
type OrderLifecycleTestSuite struct {
	suite.Suite
	ts *testServer
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	s.ts = newTestServer(s.T())
	s.ts.env.CreateUser(s.T(), "customer-1", "100.00")
}

func (s *OrderLifecycleTestSuite) call(fn func(context.Context, *structpb.Struct, ...grpc.CallOption) (*structpb.Struct, error), fields map[string]interface{}) map[string]interface{} {
	resp, err := fn(context.Background(), mustStruct(s.T(), fields))
	s.Require().NoError(err)
	return resp.AsMap()
}

func (s *OrderLifecycleTestSuite) createOrder(key string, quantity int64) (orderID, providerOrderID string) {
	resp, err := s.ts.client.CreateOrder(idemCtx(key), createRequest(s.T(), "customer-1", quantity))
	s.Require().NoError(err)
	order := orderOf(s.T(), resp)
	return order["id"].(string), order["provider_order_id"].(string)
}

func (s *OrderLifecycleTestSuite) refresh(orderID string) map[string]interface{} {
	body := s.call(s.ts.client.RefreshOrderStatus, map[string]interface{}{"order_id": orderID})
	return body["order"].(map[string]interface{})
}

func (s *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	orderID, providerOrderID := s.createOrder("life-1", 10000)
	s.ts.env.RequireBalance(s.T(), "customer-1", "90.00")

	s.ts.env.Gateway.SetStatus(providerOrderID, domain.ProviderOrderStatus{Status: "In progress", StartCount: 120, Remains: 4000})
	order := s.refresh(orderID)
	s.Equal(string(domain.OrderStatusInProgress), order["status"])

	s.ts.env.Gateway.SetStatus(providerOrderID, domain.ProviderOrderStatus{Status: "Completed", StartCount: 120, Remains: 0})
	order = s.refresh(orderID)
	s.Equal(string(domain.OrderStatusCompleted), order["status"])

	// Повторный опрос финального заказа ничего не меняет.
	order = s.refresh(orderID)
	s.Equal(string(domain.OrderStatusCompleted), order["status"])

	body := s.call(s.ts.client.GetOrder, map[string]interface{}{"order_id": orderID})
	var types []string
	for _, ev := range body["timeline"].([]interface{}) {
		types = append(types, ev.(map[string]interface{})["type"].(string))
	}
	s.Contains(types, domain.EventOrderCreated)
	s.Contains(types, domain.EventOrderCompleted)

	s.ts.env.RequireBalance(s.T(), "customer-1", "90.00")
	s.ts.env.RequireConserved(s.T(), "customer-1")

	report := s.call(s.ts.client.Reconcile, map[string]interface{}{"user_id": "customer-1"})
	s.EqualValues(0, report["mismatches"])
}

func (s *OrderLifecycleTestSuite) TestProviderCancellationRefundsUser() {
	orderID, providerOrderID := s.createOrder("life-2", 20000)
	s.ts.env.RequireBalance(s.T(), "customer-1", "80.00")

	s.ts.env.Gateway.SetStatus(providerOrderID, domain.ProviderOrderStatus{Status: "Canceled"})
	order := s.refresh(orderID)
	s.Equal(string(domain.OrderStatusCancelled), order["status"])

	s.ts.env.RequireBalance(s.T(), "customer-1", "100.00")
	s.ts.env.RequireConserved(s.T(), "customer-1")

	balance := s.call(s.ts.client.GetBalance, map[string]interface{}{"user_id": "customer-1"})
	s.Equal("100.00", balance["balance"])
}

func (s *OrderLifecycleTestSuite) TestSeveralOrdersKeepMoneyConserved() {
	for i, key := range []string{"multi-1", "multi-2", "multi-3"} {
		orderID, providerOrderID := s.createOrder(key, int64(10000*(i+1)))
		if i == 1 {
			s.ts.env.Gateway.SetStatus(providerOrderID, domain.ProviderOrderStatus{Status: "Canceled"})
			s.refresh(orderID)
		}
	}

	// 10 + 30 списано, 20 возвращено.
	s.ts.env.RequireBalance(s.T(), "customer-1", "60.00")
	s.ts.env.RequireConserved(s.T(), "customer-1")
}

func TestOrderLifecycleSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}
