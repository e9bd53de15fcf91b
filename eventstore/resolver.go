package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"example.com/aethyr/world/domain"
)

// BackendResolver resolves references by reading the creation event of the
// referenced aggregate. Aggregate types never change, so hits are cached.
type BackendResolver struct {
	backend Backend
	cache   sync.Map
}

// NewBackendResolver creates a resolver reading from backend
func NewBackendResolver(backend Backend) *BackendResolver {
	return &BackendResolver{backend: backend}
}

func (r *BackendResolver) ResolveAggregate(ctx context.Context, aggregateID string) (domain.AggregateType, error) {
	if t, ok := r.cache.Load(aggregateID); ok {
		return t.(domain.AggregateType), nil
	}

	data, ok, err := r.backend.Get(ctx, eventKey(aggregateID, 1))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &domain.AggregateNotFoundError{AggregateID: aggregateID}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("failed to read creation event of %s: %w", aggregateID, err)
	}
	t, ok := domain.CreationType(env.Type)
	if !ok {
		t = env.AggregateType
	}
	if !domain.KnownAggregateType(t) {
		return "", &domain.SerializationError{Reason: fmt.Sprintf("unregistered reference type %q for %s", t, aggregateID)}
	}

	r.cache.Store(aggregateID, t)
	return t, nil
}

// Forget drops cached lookups, used after a reset
func (r *BackendResolver) Forget() {
	r.cache.Range(func(k, _ any) bool {
		r.cache.Delete(k)
		return true
	})
}
