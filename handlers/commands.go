package handlers

import (
	"fmt"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/utils"
)

// Command type names used on the wire
const (
	CreateGameObject      = "CreateGameObject"
	UpdateAttribute       = "UpdateAttribute"
	UpdateAttributes      = "UpdateAttributes"
	MoveGameObject        = "MoveGameObject"
	DeleteGameObject      = "DeleteGameObject"
	CreatePlayer          = "CreatePlayer"
	UpdatePlayerPassword  = "UpdatePlayerPassword"
	SetPlayerAdmin        = "SetPlayerAdmin"
	CreateRoom            = "CreateRoom"
	UpdateRoomDescription = "UpdateRoomDescription"
	AddRoomExit           = "AddRoomExit"
	RemoveRoomExit        = "RemoveRoomExit"
)

// Command is a validated request to change one aggregate
type Command interface {
	CommandType() string
	TargetID() string
}

// Command structs
type CreateGameObjectCommand struct {
	AggregateID string         `json:"aggregate_id" validate:"required,aggregate_id"`
	Name        string         `json:"name" validate:"required,max=256"`
	Generic     string         `json:"generic" validate:"max=256"`
	ContainerID string         `json:"container_id" validate:"omitempty,aggregate_id"`
	Attributes  map[string]any `json:"attributes"`
}

type UpdateAttributeCommand struct {
	AggregateID string `json:"aggregate_id" validate:"required,aggregate_id"`
	Key         string `json:"key" validate:"required,max=256"`
	Value       any    `json:"value"`
}

type UpdateAttributesCommand struct {
	AggregateID string         `json:"aggregate_id" validate:"required,aggregate_id"`
	Attributes  map[string]any `json:"attributes" validate:"required,min=1"`
}

type MoveGameObjectCommand struct {
	AggregateID string `json:"aggregate_id" validate:"required,aggregate_id"`
	ContainerID string `json:"container_id" validate:"omitempty,aggregate_id"`
}

type DeleteGameObjectCommand struct {
	AggregateID string `json:"aggregate_id" validate:"required,aggregate_id"`
}

type CreatePlayerCommand struct {
	AggregateID  string `json:"aggregate_id" validate:"required,aggregate_id"`
	Name         string `json:"name" validate:"required,max=256"`
	Generic      string `json:"generic" validate:"max=256"`
	ContainerID  string `json:"container_id" validate:"omitempty,aggregate_id"`
	PasswordHash string `json:"password_hash" validate:"required"`
	Admin        bool   `json:"admin"`
}

type UpdatePlayerPasswordCommand struct {
	AggregateID  string `json:"aggregate_id" validate:"required,aggregate_id"`
	PasswordHash string `json:"password_hash" validate:"required"`
}

type SetPlayerAdminCommand struct {
	AggregateID string `json:"aggregate_id" validate:"required,aggregate_id"`
	Admin       bool   `json:"admin"`
}

type CreateRoomCommand struct {
	AggregateID string `json:"aggregate_id" validate:"required,aggregate_id"`
	Name        string `json:"name" validate:"required,max=256"`
	Generic     string `json:"generic" validate:"max=256"`
	ContainerID string `json:"container_id" validate:"omitempty,aggregate_id"`
	Description string `json:"description"`
}

type UpdateRoomDescriptionCommand struct {
	AggregateID string `json:"aggregate_id" validate:"required,aggregate_id"`
	Description string `json:"description"`
}

type AddRoomExitCommand struct {
	AggregateID  string `json:"aggregate_id" validate:"required,aggregate_id"`
	Direction    string `json:"direction" validate:"required,max=64"`
	TargetRoomID string `json:"target_room_id" validate:"required,aggregate_id"`
}

type RemoveRoomExitCommand struct {
	AggregateID string `json:"aggregate_id" validate:"required,aggregate_id"`
	Direction   string `json:"direction" validate:"required,max=64"`
}

func (CreateGameObjectCommand) CommandType() string      { return CreateGameObject }
func (UpdateAttributeCommand) CommandType() string       { return UpdateAttribute }
func (UpdateAttributesCommand) CommandType() string      { return UpdateAttributes }
func (MoveGameObjectCommand) CommandType() string        { return MoveGameObject }
func (DeleteGameObjectCommand) CommandType() string      { return DeleteGameObject }
func (CreatePlayerCommand) CommandType() string          { return CreatePlayer }
func (UpdatePlayerPasswordCommand) CommandType() string  { return UpdatePlayerPassword }
func (SetPlayerAdminCommand) CommandType() string        { return SetPlayerAdmin }
func (CreateRoomCommand) CommandType() string            { return CreateRoom }
func (UpdateRoomDescriptionCommand) CommandType() string { return UpdateRoomDescription }
func (AddRoomExitCommand) CommandType() string           { return AddRoomExit }
func (RemoveRoomExitCommand) CommandType() string        { return RemoveRoomExit }

func (c CreateGameObjectCommand) TargetID() string      { return c.AggregateID }
func (c UpdateAttributeCommand) TargetID() string       { return c.AggregateID }
func (c UpdateAttributesCommand) TargetID() string      { return c.AggregateID }
func (c MoveGameObjectCommand) TargetID() string        { return c.AggregateID }
func (c DeleteGameObjectCommand) TargetID() string      { return c.AggregateID }
func (c CreatePlayerCommand) TargetID() string          { return c.AggregateID }
func (c UpdatePlayerPasswordCommand) TargetID() string  { return c.AggregateID }
func (c SetPlayerAdminCommand) TargetID() string        { return c.AggregateID }
func (c CreateRoomCommand) TargetID() string            { return c.AggregateID }
func (c UpdateRoomDescriptionCommand) TargetID() string { return c.AggregateID }
func (c AddRoomExitCommand) TargetID() string           { return c.AggregateID }
func (c RemoveRoomExitCommand) TargetID() string        { return c.AggregateID }

// DecodeCommand builds a command from its wire name and JSON body.
// Unknown names and malformed bodies are validation errors.
func DecodeCommand(commandType string, data []byte) (Command, error) {
	var cmd Command
	switch commandType {
	case CreateGameObject:
		cmd = &CreateGameObjectCommand{}
	case UpdateAttribute:
		cmd = &UpdateAttributeCommand{}
	case UpdateAttributes:
		cmd = &UpdateAttributesCommand{}
	case MoveGameObject:
		cmd = &MoveGameObjectCommand{}
	case DeleteGameObject:
		cmd = &DeleteGameObjectCommand{}
	case CreatePlayer:
		cmd = &CreatePlayerCommand{}
	case UpdatePlayerPassword:
		cmd = &UpdatePlayerPasswordCommand{}
	case SetPlayerAdmin:
		cmd = &SetPlayerAdminCommand{}
	case CreateRoom:
		cmd = &CreateRoomCommand{}
	case UpdateRoomDescription:
		cmd = &UpdateRoomDescriptionCommand{}
	case AddRoomExit:
		cmd = &AddRoomExitCommand{}
	case RemoveRoomExit:
		cmd = &RemoveRoomExitCommand{}
	default:
		return nil, &domain.ValidationError{Field: "commandType", Reason: fmt.Sprintf("unknown command %q", commandType)}
	}

	if len(data) == 0 {
		data = []byte("{}")
	}
	if err := utils.DecodeJSON(data, cmd); err != nil {
		return nil, &domain.ValidationError{Field: "data", Reason: err.Error()}
	}
	return deref(cmd), nil
}

func deref(cmd Command) Command {
	switch c := cmd.(type) {
	case *CreateGameObjectCommand:
		return *c
	case *UpdateAttributeCommand:
		return *c
	case *UpdateAttributesCommand:
		return *c
	case *MoveGameObjectCommand:
		return *c
	case *DeleteGameObjectCommand:
		return *c
	case *CreatePlayerCommand:
		return *c
	case *UpdatePlayerPasswordCommand:
		return *c
	case *SetPlayerAdminCommand:
		return *c
	case *CreateRoomCommand:
		return *c
	case *UpdateRoomDescriptionCommand:
		return *c
	case *AddRoomExitCommand:
		return *c
	case *RemoveRoomExitCommand:
		return *c
	}
	return cmd
}

// Validate checks a command's fields before any aggregate is touched
func Validate(cmd Command) error {
	if cmd == nil {
		return &domain.ValidationError{Reason: "missing command"}
	}
	return utils.ValidateStruct(cmd)
}

func toValues(attrs map[string]any) (map[string]domain.Value, error) {
	out := make(map[string]domain.Value, len(attrs))
	for k, v := range attrs {
		if k == "" {
			return nil, &domain.ValidationError{Field: "attributes", Reason: "keys must not be empty"}
		}
		value, err := domain.ValueOf(v)
		if err != nil {
			return nil, err
		}
		out[k] = value
	}
	return out, nil
}
