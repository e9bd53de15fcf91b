package handlers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/eventstore"
)

// objectAggregate is what every aggregate kind shares with GameObject
type objectAggregate interface {
	domain.Aggregate
	UpdateAttribute(key string, value domain.Value) error
	UpdateAttributes(attrs map[string]domain.Value) error
	UpdateContainer(containerID string) error
	Delete() error
}

// WorldHandler handles all world commands. Every method loads or creates
// exactly one aggregate, runs one business method and commits the result.
type WorldHandler struct {
	repo *eventstore.Repository
}

// NewWorldHandler creates a new world handler
func NewWorldHandler(repo *eventstore.Repository) *WorldHandler {
	return &WorldHandler{repo: repo}
}

// Handle routes a command to its handler method and returns the committed events
func (h *WorldHandler) Handle(ctx context.Context, cmd Command) ([]domain.Event, error) {
	switch c := cmd.(type) {
	case CreateGameObjectCommand:
		return h.HandleCreateGameObject(ctx, c)
	case UpdateAttributeCommand:
		return h.HandleUpdateAttribute(ctx, c)
	case UpdateAttributesCommand:
		return h.HandleUpdateAttributes(ctx, c)
	case MoveGameObjectCommand:
		return h.HandleMoveGameObject(ctx, c)
	case DeleteGameObjectCommand:
		return h.HandleDeleteGameObject(ctx, c)
	case CreatePlayerCommand:
		return h.HandleCreatePlayer(ctx, c)
	case UpdatePlayerPasswordCommand:
		return h.HandleUpdatePlayerPassword(ctx, c)
	case SetPlayerAdminCommand:
		return h.HandleSetPlayerAdmin(ctx, c)
	case CreateRoomCommand:
		return h.HandleCreateRoom(ctx, c)
	case UpdateRoomDescriptionCommand:
		return h.HandleUpdateRoomDescription(ctx, c)
	case AddRoomExitCommand:
		return h.HandleAddRoomExit(ctx, c)
	case RemoveRoomExitCommand:
		return h.HandleRemoveRoomExit(ctx, c)
	}
	return nil, &domain.ValidationError{Reason: fmt.Sprintf("no handler for %T", cmd)}
}

// HandleCreateGameObject creates a new game object
func (h *WorldHandler) HandleCreateGameObject(ctx context.Context, cmd CreateGameObjectCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling CreateGameObject command")

	if err := h.ensureAbsent(ctx, cmd.AggregateID); err != nil {
		return nil, err
	}
	attrs, err := toValues(cmd.Attributes)
	if err != nil {
		return nil, err
	}

	object := domain.NewGameObject(cmd.AggregateID)
	if err := object.Create(cmd.Name, cmd.Generic, cmd.ContainerID); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := object.UpdateAttributes(attrs); err != nil {
			return nil, err
		}
	}
	return h.repo.Save(ctx, object)
}

// HandleUpdateAttribute sets one attribute on any kind of object
func (h *WorldHandler) HandleUpdateAttribute(ctx context.Context, cmd UpdateAttributeCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Str("key", cmd.Key).Msg("Handling UpdateAttribute command")

	value, err := domain.ValueOf(cmd.Value)
	if err != nil {
		return nil, err
	}
	return h.updateObject(ctx, cmd.AggregateID, func(o objectAggregate) error {
		return o.UpdateAttribute(cmd.Key, value)
	})
}

// HandleUpdateAttributes merges several attributes at once
func (h *WorldHandler) HandleUpdateAttributes(ctx context.Context, cmd UpdateAttributesCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Int("count", len(cmd.Attributes)).Msg("Handling UpdateAttributes command")

	attrs, err := toValues(cmd.Attributes)
	if err != nil {
		return nil, err
	}
	return h.updateObject(ctx, cmd.AggregateID, func(o objectAggregate) error {
		return o.UpdateAttributes(attrs)
	})
}

// HandleMoveGameObject changes the container of an object
func (h *WorldHandler) HandleMoveGameObject(ctx context.Context, cmd MoveGameObjectCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Str("containerID", cmd.ContainerID).Msg("Handling MoveGameObject command")

	return h.updateObject(ctx, cmd.AggregateID, func(o objectAggregate) error {
		return o.UpdateContainer(cmd.ContainerID)
	})
}

// HandleDeleteGameObject tombstones an object
func (h *WorldHandler) HandleDeleteGameObject(ctx context.Context, cmd DeleteGameObjectCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling DeleteGameObject command")

	return h.updateObject(ctx, cmd.AggregateID, func(o objectAggregate) error {
		return o.Delete()
	})
}

// HandleCreatePlayer creates a new player
func (h *WorldHandler) HandleCreatePlayer(ctx context.Context, cmd CreatePlayerCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling CreatePlayer command")

	if err := h.ensureAbsent(ctx, cmd.AggregateID); err != nil {
		return nil, err
	}
	player := domain.NewPlayer(cmd.AggregateID)
	if err := player.Create(cmd.Name, cmd.Generic, cmd.ContainerID, cmd.PasswordHash, cmd.Admin); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, player)
}

// HandleUpdatePlayerPassword replaces a player's password hash
func (h *WorldHandler) HandleUpdatePlayerPassword(ctx context.Context, cmd UpdatePlayerPasswordCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling UpdatePlayerPassword command")

	player, err := h.loadPlayer(ctx, cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := player.UpdatePassword(cmd.PasswordHash); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, player)
}

// HandleSetPlayerAdmin grants or revokes admin rights
func (h *WorldHandler) HandleSetPlayerAdmin(ctx context.Context, cmd SetPlayerAdminCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Bool("admin", cmd.Admin).Msg("Handling SetPlayerAdmin command")

	player, err := h.loadPlayer(ctx, cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := player.SetAdmin(cmd.Admin); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, player)
}

// HandleCreateRoom creates a new room
func (h *WorldHandler) HandleCreateRoom(ctx context.Context, cmd CreateRoomCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling CreateRoom command")

	if err := h.ensureAbsent(ctx, cmd.AggregateID); err != nil {
		return nil, err
	}
	room := domain.NewRoom(cmd.AggregateID)
	if err := room.Create(cmd.Name, cmd.Generic, cmd.ContainerID, cmd.Description); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, room)
}

// HandleUpdateRoomDescription replaces a room's description
func (h *WorldHandler) HandleUpdateRoomDescription(ctx context.Context, cmd UpdateRoomDescriptionCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Msg("Handling UpdateRoomDescription command")

	room, err := h.loadRoom(ctx, cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := room.UpdateDescription(cmd.Description); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, room)
}

// HandleAddRoomExit links a room to another room
func (h *WorldHandler) HandleAddRoomExit(ctx context.Context, cmd AddRoomExitCommand) ([]domain.Event, error) {
	log.Info().
		Str("aggregateID", cmd.AggregateID).
		Str("direction", cmd.Direction).
		Str("targetRoomID", cmd.TargetRoomID).
		Msg("Handling AddRoomExit command")

	room, err := h.loadRoom(ctx, cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := room.AddExit(cmd.Direction, cmd.TargetRoomID); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, room)
}

// HandleRemoveRoomExit removes an exit by direction
func (h *WorldHandler) HandleRemoveRoomExit(ctx context.Context, cmd RemoveRoomExitCommand) ([]domain.Event, error) {
	log.Info().Str("aggregateID", cmd.AggregateID).Str("direction", cmd.Direction).Msg("Handling RemoveRoomExit command")

	room, err := h.loadRoom(ctx, cmd.AggregateID)
	if err != nil {
		return nil, err
	}
	if err := room.RemoveExit(cmd.Direction); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, room)
}

func (h *WorldHandler) ensureAbsent(ctx context.Context, aggregateID string) error {
	exists, err := h.repo.Exists(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("failed to check if %s exists: %w", aggregateID, err)
	}
	if exists {
		return &domain.ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%s already exists", aggregateID)}
	}
	return nil
}

func (h *WorldHandler) updateObject(ctx context.Context, aggregateID string, mutate func(objectAggregate) error) ([]domain.Event, error) {
	agg, err := h.repo.Load(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	object, ok := agg.(objectAggregate)
	if !ok {
		return nil, &domain.ValidationError{Field: "aggregate_id", Reason: fmt.Sprintf("%s is a %s", aggregateID, agg.GetType())}
	}
	if err := mutate(object); err != nil {
		return nil, err
	}
	return h.repo.Save(ctx, object)
}

func (h *WorldHandler) loadPlayer(ctx context.Context, aggregateID string) (*domain.Player, error) {
	agg, err := h.repo.LoadAs(ctx, domain.PlayerType, aggregateID)
	if err != nil {
		return nil, err
	}
	return agg.(*domain.Player), nil
}

func (h *WorldHandler) loadRoom(ctx context.Context, aggregateID string) (*domain.Room, error) {
	agg, err := h.repo.LoadAs(ctx, domain.RoomType, aggregateID)
	if err != nil {
		return nil, err
	}
	return agg.(*domain.Room), nil
}
