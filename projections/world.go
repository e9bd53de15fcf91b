package projections

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/models"
)

// GameObjectProjector maintains the game_objects table
type GameObjectProjector struct {
	db *gorm.DB
}

// NewGameObjectProjector creates a new game object projector
func NewGameObjectProjector(db *gorm.DB) *GameObjectProjector {
	return &GameObjectProjector{db: db}
}

func (p *GameObjectProjector) Name() string { return models.GameObjectsTable }

func (p *GameObjectProjector) Handles(aggregateType domain.AggregateType, eventType domain.EventType) bool {
	return aggregateType == domain.GameObjectType && objectEvent(eventType)
}

// Project projects an event
func (p *GameObjectProjector) Project(ctx context.Context, event domain.Event) error {
	return upsert(ctx, p.db, event, func(row *models.GameObject) error {
		_, err := applyObjectEvent(objectColumns{
			name: &row.Name, generic: &row.Generic, containerID: &row.ContainerID,
			attributes: &row.Attributes, deleted: &row.Deleted,
		}, event.Payload)
		return err
	})
}

func (p *GameObjectProjector) Position(ctx context.Context, aggregateID string) (int64, error) {
	return position(ctx, p.db, &models.GameObject{}, aggregateID)
}

func (p *GameObjectProjector) Reset(ctx context.Context) error {
	return truncate(ctx, p.db, &models.GameObject{})
}

// PlayerProjector maintains the players table
type PlayerProjector struct {
	db *gorm.DB
}

// NewPlayerProjector creates a new player projector
func NewPlayerProjector(db *gorm.DB) *PlayerProjector {
	return &PlayerProjector{db: db}
}

func (p *PlayerProjector) Name() string { return models.PlayersTable }

func (p *PlayerProjector) Handles(aggregateType domain.AggregateType, eventType domain.EventType) bool {
	if aggregateType != domain.PlayerType {
		return false
	}
	switch eventType {
	case domain.PlayerCreated, domain.PlayerPasswordUpdated, domain.PlayerAdminStatusUpdated:
		return true
	}
	return objectEvent(eventType)
}

// Project projects an event
func (p *PlayerProjector) Project(ctx context.Context, event domain.Event) error {
	return upsert(ctx, p.db, event, func(row *models.Player) error {
		switch e := event.Payload.(type) {
		case domain.PlayerCreatedEvent:
			row.Name, row.Generic, row.ContainerID = e.Name, e.Generic, e.ContainerID
			row.PasswordHash, row.Admin = e.PasswordHash, e.Admin
		case domain.PlayerPasswordUpdatedEvent:
			row.PasswordHash = e.PasswordHash
		case domain.PlayerAdminStatusUpdatedEvent:
			row.Admin = e.Admin
		default:
			_, err := applyObjectEvent(objectColumns{
				name: &row.Name, generic: &row.Generic, containerID: &row.ContainerID,
				attributes: &row.Attributes, deleted: &row.Deleted,
			}, event.Payload)
			return err
		}
		return nil
	})
}

func (p *PlayerProjector) Position(ctx context.Context, aggregateID string) (int64, error) {
	return position(ctx, p.db, &models.Player{}, aggregateID)
}

func (p *PlayerProjector) Reset(ctx context.Context) error {
	return truncate(ctx, p.db, &models.Player{})
}

// RoomProjector maintains the rooms table
type RoomProjector struct {
	db *gorm.DB
}

// NewRoomProjector creates a new room projector
func NewRoomProjector(db *gorm.DB) *RoomProjector {
	return &RoomProjector{db: db}
}

func (p *RoomProjector) Name() string { return models.RoomsTable }

func (p *RoomProjector) Handles(aggregateType domain.AggregateType, eventType domain.EventType) bool {
	if aggregateType != domain.RoomType {
		return false
	}
	switch eventType {
	case domain.RoomCreated, domain.RoomDescriptionUpdated, domain.RoomExitAdded, domain.RoomExitRemoved:
		return true
	}
	return objectEvent(eventType)
}

// Project projects an event
func (p *RoomProjector) Project(ctx context.Context, event domain.Event) error {
	return upsert(ctx, p.db, event, func(row *models.Room) error {
		switch e := event.Payload.(type) {
		case domain.RoomCreatedEvent:
			row.Name, row.Generic, row.ContainerID = e.Name, e.Generic, e.ContainerID
			row.Description = e.Description
			row.Exits = []byte("{}")
		case domain.RoomDescriptionUpdatedEvent:
			row.Description = e.Description
		case domain.RoomExitAddedEvent:
			return updateExits(row, func(exits map[string]string) { exits[e.Direction] = e.TargetRoomID })
		case domain.RoomExitRemovedEvent:
			return updateExits(row, func(exits map[string]string) { delete(exits, e.Direction) })
		default:
			_, err := applyObjectEvent(objectColumns{
				name: &row.Name, generic: &row.Generic, containerID: &row.ContainerID,
				attributes: &row.Attributes, deleted: &row.Deleted,
			}, event.Payload)
			return err
		}
		return nil
	})
}

func updateExits(row *models.Room, change func(map[string]string)) error {
	exits, err := models.DecodeExits(row.Exits)
	if err != nil {
		return err
	}
	change(exits)
	encoded, err := json.Marshal(exits)
	if err != nil {
		return err
	}
	row.Exits = encoded
	return nil
}

func (p *RoomProjector) Position(ctx context.Context, aggregateID string) (int64, error) {
	return position(ctx, p.db, &models.Room{}, aggregateID)
}

func (p *RoomProjector) Reset(ctx context.Context) error {
	return truncate(ctx, p.db, &models.Room{})
}
