package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/eventstore"
	"example.com/aethyr/world/metrics"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, events []domain.Event) {
	m.Called(ctx, events)
}

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, cmd Command) ([]domain.Event, error) {
	args := m.Called(ctx, cmd)
	events, _ := args.Get(0).([]domain.Event)
	return events, args.Error(1)
}

func newRepository(t *testing.T) *eventstore.Repository {
	t.Helper()
	store := eventstore.New(eventstore.NewMemoryBackend(), eventstore.Options{RetryCount: 3, RetryDelay: time.Millisecond})
	return eventstore.NewRepository(store, eventstore.DefaultSnapshotFrequency)
}

func newDispatcher(t *testing.T, opts DispatcherOptions) (*Dispatcher, *eventstore.Repository) {
	t.Helper()
	repo := newRepository(t)
	return NewDispatcher(NewWorldHandler(repo), opts), repo
}

func loadObject(t *testing.T, repo *eventstore.Repository, id string) *domain.GameObject {
	t.Helper()
	agg, err := repo.LoadAs(context.Background(), domain.GameObjectType, id)
	require.NoError(t, err)
	return agg.(*domain.GameObject)
}

func TestTorchLifecycle(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, DispatcherOptions{})

	events, err := d.Submit(ctx, CreateGameObjectCommand{AggregateID: "torch", Name: "torch", Generic: "light_source"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.GameObjectCreated, events[0].Type)
	require.Equal(t, int64(1), events[0].Sequence)

	stored, err := repo.Store().LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "torch", stored[0].Payload.(domain.GameObjectCreatedEvent).Name)

	_, err = d.Submit(ctx, UpdateAttributeCommand{AggregateID: "torch", Key: "brightness", Value: 5})
	require.NoError(t, err)
	events, err = d.Submit(ctx, UpdateAttributesCommand{AggregateID: "torch", Attributes: map[string]any{"color": "orange", "brightness": 7}})
	require.NoError(t, err)
	require.Equal(t, domain.AttributesUpdated, events[0].Type)
	require.Equal(t, int64(3), events[0].Sequence)

	require.Equal(t, map[string]domain.Value{
		"brightness": domain.Int(7),
		"color":      domain.String("orange"),
	}, loadObject(t, repo, "torch").State.Attributes)

	_, err = d.Submit(ctx, CreateGameObjectCommand{AggregateID: "backpack", Name: "backpack", Generic: "container"})
	require.NoError(t, err)
	events, err = d.Submit(ctx, MoveGameObjectCommand{AggregateID: "torch", ContainerID: "backpack"})
	require.NoError(t, err)
	require.Equal(t, domain.ContainerUpdated, events[0].Type)
	require.Equal(t, "backpack", loadObject(t, repo, "torch").State.ContainerID)

	_, err = d.Submit(ctx, DeleteGameObjectCommand{AggregateID: "torch"})
	require.NoError(t, err)
	require.True(t, loadObject(t, repo, "torch").State.Deleted)

	_, err = d.Submit(ctx, UpdateAttributeCommand{AggregateID: "torch", Key: "lit", Value: true})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateWithInitialAttributes(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, DispatcherOptions{})

	events, err := d.Submit(ctx, CreateGameObjectCommand{
		AggregateID: "lamp",
		Name:        "lamp",
		Attributes:  map[string]any{"fuel": 10},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, []int64{1, 2}, []int64{events[0].Sequence, events[1].Sequence})
	require.Equal(t, domain.Int(10), loadObject(t, repo, "lamp").State.Attributes["fuel"])
}

func TestCommandValidation(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, DispatcherOptions{})

	cases := map[string]Command{
		"missing id":        CreateGameObjectCommand{Name: "torch"},
		"bad id":            CreateGameObjectCommand{AggregateID: "a:b", Name: "torch"},
		"missing name":      CreateGameObjectCommand{AggregateID: "torch"},
		"bad container":     MoveGameObjectCommand{AggregateID: "torch", ContainerID: "../etc"},
		"empty attributes":  UpdateAttributesCommand{AggregateID: "torch", Attributes: map[string]any{}},
		"missing password":  CreatePlayerCommand{AggregateID: "alice", Name: "Alice"},
		"missing direction": AddRoomExitCommand{AggregateID: "clearing", TargetRoomID: "grove"},
		"missing target":    AddRoomExitCommand{AggregateID: "clearing", Direction: "north"},
		"nil command":       nil,
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Submit(ctx, cmd)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	ids, err := repo.Store().AggregateIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	var verr *domain.ValidationError
	_, err = d.Submit(ctx, CreateGameObjectCommand{AggregateID: "torch"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "name", verr.Field)
}

func TestCommandErrors(t *testing.T) {
	ctx := context.Background()
	d, _ := newDispatcher(t, DispatcherOptions{})

	_, err := d.Submit(ctx, UpdateAttributeCommand{AggregateID: "ghost", Key: "k", Value: 1})
	require.ErrorIs(t, err, domain.ErrAggregateNotFound)

	_, err = d.Submit(ctx, CreateRoomCommand{AggregateID: "clearing", Name: "Clearing"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, CreateRoomCommand{AggregateID: "clearing", Name: "Clearing"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = d.Submit(ctx, SetPlayerAdminCommand{AggregateID: "clearing", Admin: true})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = d.Submit(ctx, UpdateAttributeCommand{AggregateID: "clearing", Key: "bad", Value: make(chan int)})
	require.ErrorIs(t, err, domain.ErrSerialization)
}

func TestRoomExitCommands(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, DispatcherOptions{})

	_, err := d.Submit(ctx, CreateRoomCommand{AggregateID: "clearing", Name: "Clearing", Description: "A quiet clearing"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, CreateRoomCommand{AggregateID: "grove", Name: "Grove"})
	require.NoError(t, err)

	events, err := d.Submit(ctx, AddRoomExitCommand{AggregateID: "clearing", Direction: "north", TargetRoomID: "grove"})
	require.NoError(t, err)
	require.Equal(t, domain.RoomExitAddedEvent{Direction: "north", TargetRoomID: "grove"}, events[0].Payload)

	events, err = d.Submit(ctx, RemoveRoomExitCommand{AggregateID: "clearing", Direction: "north"})
	require.NoError(t, err)
	require.Equal(t, domain.RoomExitRemoved, events[0].Type)

	_, err = d.Submit(ctx, UpdateRoomDescriptionCommand{AggregateID: "clearing", Description: "Dark now"})
	require.NoError(t, err)

	agg, err := repo.LoadAs(ctx, domain.RoomType, "clearing")
	require.NoError(t, err)
	room := agg.(*domain.Room)
	require.Empty(t, room.Exits)
	require.Equal(t, "Dark now", room.Description)

	// game object commands work on rooms too
	_, err = d.Submit(ctx, UpdateAttributeCommand{AggregateID: "clearing", Key: "lit", Value: false})
	require.NoError(t, err)
}

func TestPlayerCommands(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, DispatcherOptions{})

	_, err := d.Submit(ctx, CreatePlayerCommand{AggregateID: "alice", Name: "Alice", PasswordHash: "h1"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, UpdatePlayerPasswordCommand{AggregateID: "alice", PasswordHash: "h2"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, SetPlayerAdminCommand{AggregateID: "alice", Admin: true})
	require.NoError(t, err)

	agg, err := repo.LoadAs(ctx, domain.PlayerType, "alice")
	require.NoError(t, err)
	player := agg.(*domain.Player)
	require.Equal(t, "h2", player.PasswordHash)
	require.True(t, player.Admin)
	require.Equal(t, int64(3), player.GetVersion())
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	d, repo := newDispatcher(t, DispatcherOptions{})
	_, err := d.Submit(ctx, CreateGameObjectCommand{AggregateID: "torch", Name: "torch"})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Submit(ctx, UpdateAttributeCommand{AggregateID: "torch", Key: fmt.Sprintf("k%d", i), Value: i})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := repo.Store().LoadEvents(ctx, "torch")
	require.NoError(t, err)
	require.Len(t, events, writers+1)
	for i, e := range events {
		require.Equal(t, int64(i+1), e.Sequence)
	}
	require.Len(t, loadObject(t, repo, "torch").State.Attributes, writers)
}

func TestSeparateDispatchersRerunOnConflict(t *testing.T) {
	ctx := context.Background()
	repo := newRepository(t)
	first := NewDispatcher(NewWorldHandler(repo), DispatcherOptions{CommandRetries: 10})
	second := NewDispatcher(NewWorldHandler(repo), DispatcherOptions{CommandRetries: 10})
	_, err := first.Submit(ctx, CreateGameObjectCommand{AggregateID: "torch", Name: "torch"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 5; i++ {
		for _, d := range []*Dispatcher{first, second} {
			wg.Add(1)
			go func(d *Dispatcher, key string) {
				defer wg.Done()
				_, err := d.Submit(ctx, UpdateAttributeCommand{AggregateID: "torch", Key: key, Value: true})
				errs <- err
			}(d, fmt.Sprintf("k%d-%p", i, d))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, loadObject(t, repo, "torch").State.Attributes, 10)
}

func TestConcurrencyErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	handler := new(mockHandler)
	m := metrics.NewMetrics()
	d := NewDispatcher(handler, DispatcherOptions{CommandRetries: 2, Metrics: m})
	cmd := DeleteGameObjectCommand{AggregateID: "torch"}
	conflict := &domain.OptimisticConcurrencyError{AggregateID: "torch", Expected: 1, Actual: 2}

	handler.On("Handle", mock.Anything, cmd).Return(nil, conflict).Twice()
	handler.On("Handle", mock.Anything, cmd).Return([]domain.Event{{AggregateID: "torch", Sequence: 3}}, nil).Once()

	events, err := d.Submit(ctx, cmd)
	require.NoError(t, err)
	require.Len(t, events, 1)
	handler.AssertExpectations(t)

	handler.On("Handle", mock.Anything, cmd).Return(nil, conflict).Times(3)
	_, err = d.Submit(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrConcurrency)
	require.Equal(t, int64(1), m.Counter(metrics.CommandsHandled))
	require.Equal(t, int64(1), m.Counter(metrics.CommandsFailed))

	// other errors are not retried
	notFound := &domain.AggregateNotFoundError{AggregateID: "ghost"}
	ghost := DeleteGameObjectCommand{AggregateID: "ghost"}
	handler.On("Handle", mock.Anything, ghost).Return(nil, notFound).Once()
	_, err = d.Submit(ctx, ghost)
	require.ErrorIs(t, err, domain.ErrAggregateNotFound)
	handler.AssertNumberOfCalls(t, "Handle", 7)
}

func TestCommittedEventsArePublished(t *testing.T) {
	ctx := context.Background()
	publisher := new(mockPublisher)
	d, _ := newDispatcher(t, DispatcherOptions{Publisher: publisher})

	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(events []domain.Event) bool {
		return len(events) == 1 && events[0].Type == domain.GameObjectCreated && events[0].Sequence == 1
	})).Once()

	_, err := d.Submit(ctx, CreateGameObjectCommand{AggregateID: "torch", Name: "torch"})
	require.NoError(t, err)
	_, err = d.Submit(ctx, CreateGameObjectCommand{AggregateID: "torch", Name: "torch"})
	require.Error(t, err)

	publisher.AssertExpectations(t)
	publisher.AssertNumberOfCalls(t, "Publish", 1)
}

// cancelAfterWrite cancels the caller's context once a batch has landed
type cancelAfterWrite struct {
	*eventstore.MemoryBackend
	cancel context.CancelFunc
}

func (b *cancelAfterWrite) SetAll(ctx context.Context, entries []eventstore.Entry, guard *eventstore.Guard) error {
	err := b.MemoryBackend.SetAll(ctx, entries, guard)
	if err == nil {
		b.cancel()
	}
	return err
}

func TestPublishOutlivesCancelledCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := &cancelAfterWrite{MemoryBackend: eventstore.NewMemoryBackend(), cancel: cancel}
	store := eventstore.New(backend, eventstore.Options{RetryCount: 1})
	publisher := new(mockPublisher)
	d := NewDispatcher(NewWorldHandler(eventstore.NewRepository(store, 0)), DispatcherOptions{Publisher: publisher})

	publisher.On("Publish", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything).Once()

	_, err := d.Submit(ctx, CreateGameObjectCommand{AggregateID: "torch", Name: "torch"})
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	publisher.AssertExpectations(t)
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	handler := new(mockHandler)
	d := NewDispatcher(handler, DispatcherOptions{LockTimeout: 20 * time.Millisecond})
	cmd := DeleteGameObjectCommand{AggregateID: "torch"}

	started := make(chan struct{})
	release := make(chan struct{})
	handler.On("Handle", mock.Anything, cmd).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(nil, nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := d.Submit(ctx, cmd)
		done <- err
	}()
	<-started

	_, err := d.Submit(ctx, cmd)
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	// other aggregates are not blocked
	other := DeleteGameObjectCommand{AggregateID: "lamp"}
	handler.On("Handle", mock.Anything, other).Return(nil, nil).Once()
	_, err = d.Submit(ctx, other)
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestDecodeCommand(t *testing.T) {
	cmd, err := DecodeCommand(UpdateAttributes, []byte(`{"aggregate_id":"torch","attributes":{"brightness":7,"ratio":0.5,"tags":["a"]}}`))
	require.NoError(t, err)
	update, ok := cmd.(UpdateAttributesCommand)
	require.True(t, ok)
	require.Equal(t, "torch", update.TargetID())

	values, err := toValues(update.Attributes)
	require.NoError(t, err)
	require.Equal(t, domain.Int(7), values["brightness"])
	require.Equal(t, domain.Float(0.5), values["ratio"])
	require.Equal(t, domain.List(domain.String("a")), values["tags"])

	_, err = DecodeCommand("Teleport", []byte(`{}`))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = DecodeCommand(CreateRoom, []byte(`{"aggregate_id":`))
	require.ErrorIs(t, err, domain.ErrValidation)

	cmd, err = DecodeCommand(DeleteGameObject, nil)
	require.NoError(t, err)
	require.Equal(t, DeleteGameObjectCommand{}, cmd)
}
