package provider

import (
	"context"
	"strconv"
	"sync"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// MockGateway: in-process провайдер для локального запуска и тестов.
// Принимает все заказы и хранит их статусы в памяти.
type MockGateway struct {
	mu sync.Mutex

	name     string
	nextID   int64
	statuses map[string]domain.ProviderOrderStatus

	// CreateErr возвращается из CreateOrder, если задан.
	CreateErr error
	// StatusErr возвращается из GetStatus и GetMultipleStatuses, если задан.
	StatusErr error
	// CreatePanic заставляет CreateOrder паниковать.
	CreatePanic bool
	// RejectCancel заставляет провайдера отклонять отмены.
	RejectCancel bool

	createCalls int
}

// NewMockGateway создаёт mock-провайдера.
func NewMockGateway(name string) *MockGateway {
	return &MockGateway{
		name:     name,
		nextID:   1000,
		statuses: make(map[string]domain.ProviderOrderStatus),
	}
}

func (m *MockGateway) CreateOrder(ctx context.Context, _ string, _ string, quantity int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	if m.CreatePanic {
		panic("mock provider panic")
	}
	if err := ctx.Err(); err != nil {
		return "", domain.NewGatewayError(m.name, opAdd, "timeout", err)
	}
	if m.CreateErr != nil {
		return "", m.CreateErr
	}

	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	m.statuses[id] = domain.ProviderOrderStatus{Status: "Pending", Remains: quantity}
	return id, nil
}

func (m *MockGateway) GetStatus(_ context.Context, providerOrderID string) (domain.ProviderOrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatusErr != nil {
		return domain.ProviderOrderStatus{}, m.StatusErr
	}
	status, ok := m.statuses[providerOrderID]
	if !ok {
		return domain.ProviderOrderStatus{}, domain.NewGatewayError(m.name, opStatus, "Incorrect order ID", nil)
	}
	return status, nil
}

func (m *MockGateway) GetMultipleStatuses(_ context.Context, providerOrderIDs []string) (map[string]domain.ProviderOrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatusErr != nil {
		return nil, m.StatusErr
	}
	result := make(map[string]domain.ProviderOrderStatus, len(providerOrderIDs))
	for _, id := range providerOrderIDs {
		status, ok := m.statuses[id]
		if !ok {
			status = domain.ProviderOrderStatus{Error: "Incorrect order ID"}
		}
		result[id] = status
	}
	return result, nil
}

func (m *MockGateway) CancelOrders(_ context.Context, providerOrderIDs []string) ([]domain.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]domain.CancelResult, 0, len(providerOrderIDs))
	for _, id := range providerOrderIDs {
		res := domain.CancelResult{ProviderOrderID: id}
		status, ok := m.statuses[id]
		switch {
		case !ok:
			res.Error = "Incorrect order ID"
		case m.RejectCancel:
			res.Error = "Cancel is not available"
		default:
			status.Status = "Canceled"
			m.statuses[id] = status
			res.Accepted = true
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *MockGateway) RequestRefill(_ context.Context, providerOrderID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.statuses[providerOrderID]; !ok {
		return "", domain.NewGatewayError(m.name, opRefill, "Incorrect order ID", nil)
	}
	return "refill-" + providerOrderID, nil
}

// SetStatus подменяет состояние заказа у провайдера.
func (m *MockGateway) SetStatus(providerOrderID string, status domain.ProviderOrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[providerOrderID] = status
}

// CreateCalls возвращает количество вызовов CreateOrder.
func (m *MockGateway) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

// StaticResolver всегда возвращает один и тот же шлюз.
type StaticResolver struct {
	gateway domain.ProviderGateway
}

// NewStaticResolver создаёт resolver поверх одного шлюза.
func NewStaticResolver(gateway domain.ProviderGateway) *StaticResolver {
	return &StaticResolver{gateway: gateway}
}

func (r *StaticResolver) Gateway(_ context.Context, _ domain.Provider) (domain.ProviderGateway, error) {
	return r.gateway, nil
}

var (
	_ domain.ProviderGateway = (*MockGateway)(nil)
	_ domain.GatewayResolver = (*StaticResolver)(nil)
)
