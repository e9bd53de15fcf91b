package eventstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/metrics"
)

func newTestStore(t *testing.T, backend Backend) *EventStore {
	t.Helper()
	return New(backend, Options{RetryCount: 3, RetryDelay: time.Millisecond})
}

func createTorch(t *testing.T, s *EventStore) domain.Event {
	t.Helper()
	torch := domain.NewGameObject("torch")
	require.NoError(t, torch.Create("torch", "light_source", ""))
	committed, err := s.StoreEvents(context.Background(), torch.GetEvents())
	require.NoError(t, err)
	require.Len(t, committed, 1)
	return committed[0]
}

func TestStoreAndLoadEvents(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, open(t))

			created := createTorch(t, s)
			require.Equal(t, int64(1), created.Sequence)

			events, err := s.LoadEvents(ctx, "torch")
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.GameObjectCreated, events[0].Type)
			require.Equal(t, "torch", events[0].Payload.(domain.GameObjectCreatedEvent).Name)
			require.Equal(t, created, events[0])

			seq, err := s.CurrentSequence(ctx, "torch")
			require.NoError(t, err)
			require.Equal(t, int64(1), seq)

			ids, err := s.AggregateIDs(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"torch"}, ids)
		})
	}
}

func TestLoadUnknownAggregate(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	events, err := s.LoadEvents(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestInvalidAggregateID(t *testing.T) {
	s := newTestStore(t, NewMemoryBackend())
	_, err := s.LoadEvents(context.Background(), "../etc")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.StoreEvents(context.Background(), []domain.Event{{
		AggregateID:   "a:b",
		AggregateType: domain.GameObjectType,
		Type:          domain.GameObjectDeleted,
		Payload:       domain.GameObjectDeletedEvent{},
	}})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSequenceMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())
	createTorch(t, s)

	for i := 0; i < 5; i++ {
		agg, err := NewRepository(s, 0).Load(ctx, "torch")
		require.NoError(t, err)
		obj := agg.(*domain.GameObject)
		require.NoError(t, obj.UpdateAttribute("n", domain.Int(int64(i))))
		require.NoError(t, obj.UpdateAttribute("m", domain.Int(int64(i))))
		_, err = s.StoreEvents(ctx, obj.GetEvents())
		require.NoError(t, err)
	}

	events, err := s.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, 11)
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Sequence)
	}

	after, err := s.LoadEventsAfter(ctx, "torch", 8)
	require.NoError(t, err)
	require.Len(t, after, 3)
	require.Equal(t, int64(9), after[0].Sequence)
}

func TestOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())
	createTorch(t, s)

	// A second writer that also believes it is creating the object
	again := domain.NewGameObject("torch")
	require.NoError(t, again.Create("torch", "light_source", ""))
	_, err := s.StoreEvents(ctx, again.GetEvents())

	var occ *domain.OptimisticConcurrencyError
	require.ErrorAs(t, err, &occ)
	require.Equal(t, int64(0), occ.Expected)
	require.Equal(t, int64(1), occ.Actual)
	require.Equal(t, int64(1), s.Statistics(ctx).ConcurrencyConflicts)

	events, err := s.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestStaleCacheAcrossInstances(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	first := newTestStore(t, backend)
	second := newTestStore(t, backend)

	createTorch(t, first)
	seq, err := second.CurrentSequence(ctx, "torch")
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)

	// first advances the log; second's cache still says 1
	_, err = first.StoreEvents(ctx, []domain.Event{{
		AggregateID: "torch", AggregateType: domain.GameObjectType, Sequence: 2,
		Type: domain.AttributeUpdated, Payload: domain.AttributeUpdatedEvent{Key: "a", Value: domain.Int(1)},
	}})
	require.NoError(t, err)

	// A writer that loaded the fresh stream succeeds through the stale instance
	_, err = second.StoreEvents(ctx, []domain.Event{{
		AggregateID: "torch", AggregateType: domain.GameObjectType, Sequence: 3,
		Type: domain.AttributeUpdated, Payload: domain.AttributeUpdatedEvent{Key: "b", Value: domain.Int(2)},
	}})
	require.NoError(t, err)

	// Writing without an expectation through the stale cache hits the guard
	stale := newTestStore(t, backend)
	_, err = stale.CurrentSequence(ctx, "torch")
	require.NoError(t, err)
	_, err = second.StoreEvents(ctx, []domain.Event{{
		AggregateID: "torch", AggregateType: domain.GameObjectType,
		Type: domain.GameObjectDeleted, Payload: domain.GameObjectDeletedEvent{},
	}})
	require.NoError(t, err)
	_, err = stale.StoreEvents(ctx, []domain.Event{{
		AggregateID: "torch", AggregateType: domain.GameObjectType,
		Type: domain.GameObjectDeleted, Payload: domain.GameObjectDeletedEvent{},
	}})
	require.ErrorIs(t, err, domain.ErrConcurrency)
}

func TestConcurrentAppendsStayContiguous(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())
	createTorch(t, s)

	errs := make(chan error, 100)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.StoreEvents(ctx, []domain.Event{{
					AggregateID:   "torch",
					AggregateType: domain.GameObjectType,
					Type:          domain.AttributeUpdated,
					Payload:       domain.AttributeUpdatedEvent{Key: fmt.Sprintf("w%d", w), Value: domain.Int(int64(i))},
				}})
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := s.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, 101)
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Sequence)
	}
}

// flakyBackend fails SetAll as instructed before delegating to memory
type flakyBackend struct {
	*MemoryBackend
	mock.Mock
}

func (f *flakyBackend) SetAll(ctx context.Context, entries []Entry, guard *Guard) error {
	args := f.Called(ctx, entries, guard)
	if err := args.Error(0); err != nil {
		return err
	}
	return f.MemoryBackend.SetAll(ctx, entries, guard)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	backend.On("SetAll", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection reset")).Twice()
	backend.On("SetAll", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()

	s := newTestStore(t, backend)
	createTorch(t, s)

	stats := s.Statistics(context.Background())
	require.Equal(t, int64(0), stats.StoreFailures)
	require.Equal(t, int64(1), stats.EventsStored)
	require.Equal(t, int64(1), stats.AggregateCount)
	backend.AssertNumberOfCalls(t, "SetAll", 3)
}

func TestExhaustedRetriesLeaveNoPartialWrite(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	backend.On("SetAll", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	s := newTestStore(t, backend)
	obj := domain.NewGameObject("torch")
	require.NoError(t, obj.Create("torch", "light", ""))
	require.NoError(t, obj.UpdateAttribute("a", domain.Int(1)))
	require.NoError(t, obj.UpdateAttribute("b", domain.Int(2)))

	_, err := s.StoreEvents(ctx, obj.GetEvents())
	var perr *domain.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, "torch", perr.AggregateID)
	backend.AssertNumberOfCalls(t, "SetAll", 3)

	events, err := s.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, int64(1), s.Statistics(ctx).StoreFailures)
}

func TestLostReplyIsNotAConflict(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend()}
	// The write lands but the caller sees an error
	backend.On("SetAll", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		_ = backend.MemoryBackend.SetAll(args.Get(0).(context.Context), args.Get(1).([]Entry), args.Get(2).(*Guard))
	}).Return(errors.New("i/o timeout")).Once()
	backend.On("SetAll", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	s := newTestStore(t, backend)
	createTorch(t, s)

	events, err := s.LoadEvents(context.Background(), "torch")
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestFileBackendIgnoresUncommittedEvents(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	s := newTestStore(t, backend)
	createTorch(t, s)

	// Simulate a crash after an event file was written but before the counter
	orphan := filepath.Join(backend.Root(), "torch", "2.event")
	require.NoError(t, os.WriteFile(orphan, []byte("garbage"), 0o644))

	events, err := s.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, 1)

	// The next commit reuses the slot
	_, err = s.StoreEvents(ctx, []domain.Event{{
		AggregateID: "torch", AggregateType: domain.GameObjectType, Sequence: 2,
		Type: domain.ContainerUpdated, Payload: domain.ContainerUpdatedEvent{ContainerID: "backpack"},
	}})
	require.NoError(t, err)

	events, err = s.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.ContainerUpdatedEvent{ContainerID: "backpack"}, events[1].Payload)
}

func TestSerializationFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())

	_, err := s.StoreEvents(ctx, []domain.Event{{
		AggregateID: "torch", AggregateType: domain.GameObjectType,
		Type: domain.AttributeUpdated, Payload: domain.AttributeUpdatedEvent{Key: "bad", Value: domain.Value{Kind: "blob"}},
	}})
	require.ErrorIs(t, err, domain.ErrSerialization)

	_, err = s.StoreEvents(ctx, []domain.Event{{
		AggregateID: "torch", AggregateType: "weapon",
		Type: domain.GameObjectDeleted, Payload: domain.GameObjectDeletedEvent{},
	}})
	require.ErrorIs(t, err, domain.ErrSerialization)

	seq, err := s.CurrentSequence(ctx, "torch")
	require.NoError(t, err)
	require.Zero(t, seq)
}

func TestSnapshotsAndReset(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewMetrics()
	s := New(NewMemoryBackend(), Options{RetryCount: 1, Metrics: m})
	createTorch(t, s)

	snap, err := s.LoadSnapshot(ctx, "torch")
	require.NoError(t, err)
	require.Nil(t, snap)

	require.NoError(t, s.StoreSnapshot(ctx, Snapshot{
		AggregateID: "torch", AggregateType: domain.GameObjectType, Sequence: 1, State: []byte(`{"name":"torch"}`),
	}))
	snap, err = s.LoadSnapshot(ctx, "torch")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Sequence)
	require.JSONEq(t, `{"name":"torch"}`, string(snap.State))

	stats := s.Statistics(ctx)
	require.Equal(t, int64(1), stats.SnapshotsStored)
	require.Equal(t, int64(1), stats.SnapshotsLoaded)
	require.Equal(t, int64(1), m.Counter(metrics.SnapshotsStored))

	require.NoError(t, s.Reset(ctx))
	events, err := s.LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Empty(t, events)
	seq, err := s.CurrentSequence(ctx, "torch")
	require.NoError(t, err)
	require.Zero(t, seq)
	require.Zero(t, s.Statistics(ctx).AggregateCount)
}

func TestStoreEventsAcrossAggregates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, NewMemoryBackend())

	a := domain.NewGameObject("a")
	require.NoError(t, a.Create("a", "thing", ""))
	b := domain.NewRoom("b")
	require.NoError(t, b.Create("b", "room", "", "dark"))

	committed, err := s.StoreEvents(ctx, append(a.GetEvents(), b.GetEvents()...))
	require.NoError(t, err)
	require.Len(t, committed, 2)

	ids, err := s.AggregateIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids)
}
