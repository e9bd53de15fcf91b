package models

import (
	"encoding/json"
	"time"

	"example.com/aethyr/world/domain"
)

// GameObject is the read model row for a game object
type GameObject struct {
	ID          string    `gorm:"primaryKey;size:128" json:"id"`
	Name        string    `json:"name"`
	Generic     string    `json:"generic"`
	ContainerID string    `gorm:"index;size:128" json:"container_id"`
	Attributes  []byte    `json:"attributes"`
	Deleted     bool      `gorm:"index" json:"deleted"`
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Player is the read model row for a player
type Player struct {
	ID           string    `gorm:"primaryKey;size:128" json:"id"`
	Name         string    `gorm:"index" json:"name"`
	Generic      string    `json:"generic"`
	ContainerID  string    `gorm:"index;size:128" json:"container_id"`
	Attributes   []byte    `json:"attributes"`
	PasswordHash string    `json:"-"`
	Admin        bool      `json:"admin"`
	Deleted      bool      `gorm:"index" json:"deleted"`
	Sequence     int64     `json:"sequence"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Room is the read model row for a room
type Room struct {
	ID          string    `gorm:"primaryKey;size:128" json:"id"`
	Name        string    `json:"name"`
	Generic     string    `json:"generic"`
	ContainerID string    `gorm:"index;size:128" json:"container_id"`
	Attributes  []byte    `json:"attributes"`
	Description string    `json:"description"`
	Exits       []byte    `json:"exits"`
	Deleted     bool      `gorm:"index" json:"deleted"`
	Sequence    int64     `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Table names of the read models
const (
	GameObjectsTable = "game_objects"
	PlayersTable     = "players"
	RoomsTable       = "rooms"
)

func (GameObject) TableName() string { return GameObjectsTable }
func (Player) TableName() string     { return PlayersTable }
func (Room) TableName() string       { return RoomsTable }

// Projected is implemented by every read model row. The stored sequence is
// the last event folded into the row.
type Projected interface {
	ProjectedSequence() int64
	MarkProjected(id string, sequence int64, at time.Time)
}

func (g *GameObject) ProjectedSequence() int64 { return g.Sequence }
func (p *Player) ProjectedSequence() int64     { return p.Sequence }
func (r *Room) ProjectedSequence() int64       { return r.Sequence }

func (g *GameObject) MarkProjected(id string, sequence int64, at time.Time) {
	g.ID, g.Sequence, g.UpdatedAt = id, sequence, at
	if g.CreatedAt.IsZero() {
		g.CreatedAt = at
	}
}

func (p *Player) MarkProjected(id string, sequence int64, at time.Time) {
	p.ID, p.Sequence, p.UpdatedAt = id, sequence, at
	if p.CreatedAt.IsZero() {
		p.CreatedAt = at
	}
}

func (r *Room) MarkProjected(id string, sequence int64, at time.Time) {
	r.ID, r.Sequence, r.UpdatedAt = id, sequence, at
	if r.CreatedAt.IsZero() {
		r.CreatedAt = at
	}
}

// ReadModels lists every projected table for migrations and rebuilds
func ReadModels() []interface{} {
	return []interface{}{&GameObject{}, &Player{}, &Room{}}
}

// DecodeAttributes reads a stored attribute column. Empty columns decode to
// an empty map.
func DecodeAttributes(data []byte) (map[string]domain.Value, error) {
	attrs := make(map[string]domain.Value)
	if len(data) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// EncodeAttributes writes an attribute map for storage
func EncodeAttributes(attrs map[string]domain.Value) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]domain.Value{}
	}
	return json.Marshal(attrs)
}

// DecodeExits reads a stored exits column
func DecodeExits(data []byte) (map[string]string, error) {
	exits := make(map[string]string)
	if len(data) == 0 {
		return exits, nil
	}
	if err := json.Unmarshal(data, &exits); err != nil {
		return nil, err
	}
	return exits, nil
}

func plainAttributes(data []byte) map[string]any {
	attrs, err := DecodeAttributes(data)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v.Interface()
	}
	return out
}

// Row flattens the record for query results
func (g GameObject) Row() map[string]any {
	return map[string]any{
		"id":           g.ID,
		"name":         g.Name,
		"generic":      g.Generic,
		"container_id": g.ContainerID,
		"attributes":   plainAttributes(g.Attributes),
		"deleted":      g.Deleted,
		"sequence":     g.Sequence,
		"created_at":   g.CreatedAt,
		"updated_at":   g.UpdatedAt,
	}
}

// Row flattens the record for query results. The password hash is left out.
func (p Player) Row() map[string]any {
	return map[string]any{
		"id":           p.ID,
		"name":         p.Name,
		"generic":      p.Generic,
		"container_id": p.ContainerID,
		"attributes":   plainAttributes(p.Attributes),
		"admin":        p.Admin,
		"deleted":      p.Deleted,
		"sequence":     p.Sequence,
		"created_at":   p.CreatedAt,
		"updated_at":   p.UpdatedAt,
	}
}

// Row flattens the record for query results
func (r Room) Row() map[string]any {
	exits, err := DecodeExits(r.Exits)
	if err != nil {
		exits = map[string]string{}
	}
	return map[string]any{
		"id":           r.ID,
		"name":         r.Name,
		"generic":      r.Generic,
		"container_id": r.ContainerID,
		"attributes":   plainAttributes(r.Attributes),
		"description":  r.Description,
		"exits":        exits,
		"deleted":      r.Deleted,
		"sequence":     r.Sequence,
		"created_at":   r.CreatedAt,
		"updated_at":   r.UpdatedAt,
	}
}
