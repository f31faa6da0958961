package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/reseller/internal/domain"
)

// timelineRepositoryInMemory хранит события в памяти (для разработки/тестов).
type timelineRepositoryInMemory struct {
	store *Store
}

// NewTimelineRepository создаёт in-memory реализацию TimelineRepository.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepositoryInMemory{store: store}
}

// Append добавляет событие в хранилище.
func (r *timelineRepositoryInMemory) Append(ctx context.Context, event domain.TimelineEvent) error {
	s := r.store
	return s.mutate(ctx, func() (func(), error) {
		prev := s.timeline[event.OrderID]
		events := make([]domain.TimelineEvent, len(prev), len(prev)+1)
		copy(events, prev)
		events = append(events, event)
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Occurred.Before(events[j].Occurred)
		})
		s.timeline[event.OrderID] = events
		return func() {
			current := s.timeline[event.OrderID]
			for i := len(current) - 1; i >= 0; i-- {
				if current[i] == event {
					s.timeline[event.OrderID] = append(current[:i:i], current[i+1:]...)
					return
				}
			}
		}, nil
	})
}

// List возвращает события заказа в хронологическом порядке.
func (r *timelineRepositoryInMemory) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	events := r.store.timeline[orderID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.TimelineRepository = (*timelineRepositoryInMemory)(nil)
