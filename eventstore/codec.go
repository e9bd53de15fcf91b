package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
)

// SchemaVersion is written into every envelope. Version 1 stored attribute
// values as plain JSON; version 2 uses tagged values.
const SchemaVersion = 2

// AggregateResolver looks up the type of a referenced aggregate. It returns
// an error matching domain.ErrAggregateNotFound when the id is unknown.
type AggregateResolver interface {
	ResolveAggregate(ctx context.Context, aggregateID string) (domain.AggregateType, error)
}

// envelope is the stored form of an event
type envelope struct {
	V             int                  `json:"v"`
	EventID       string               `json:"event_id"`
	AggregateID   string               `json:"aggregate_id"`
	AggregateType domain.AggregateType `json:"aggregate_type"`
	Sequence      int64                `json:"sequence"`
	Type          domain.EventType     `json:"type"`
	Timestamp     time.Time            `json:"timestamp"`
	Payload       json.RawMessage      `json:"payload"`
}

// Snapshot is a serialized aggregate state at a known sequence number
type Snapshot struct {
	V             int                  `json:"v"`
	AggregateID   string               `json:"aggregate_id"`
	AggregateType domain.AggregateType `json:"aggregate_type"`
	Sequence      int64                `json:"sequence"`
	State         json.RawMessage      `json:"state"`
	CreatedAt     time.Time            `json:"created_at"`
}

// migration upgrades a payload from version n to n+1
type migration func(t domain.EventType, payload json.RawMessage) (json.RawMessage, error)

var migrations = map[int]migration{
	1: migrateV1,
}

// Codec converts events to and from their stored form
type Codec struct {
	resolver AggregateResolver
}

// NewCodec creates a codec. A nil resolver skips reference checks on decode.
func NewCodec(resolver AggregateResolver) *Codec {
	return &Codec{resolver: resolver}
}

// EncodeEvent serializes an event. Any problem is reported as a
// SerializationError so callers can reject the batch before writing.
func (c *Codec) EncodeEvent(e domain.Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("event %s has no payload", e.Type)}
	}
	if e.Payload.EventType() != e.Type {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("payload %T does not match event type %s", e.Payload, e.Type)}
	}
	if _, ok := domain.NewPayload(e.Type); !ok {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("unknown event type %s", e.Type)}
	}
	for _, id := range domain.Refs(e.Payload) {
		if !domain.ValidID(id) {
			return nil, &domain.SerializationError{Reason: fmt.Sprintf("invalid reference %q", id)}
		}
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, serializationError("encode payload", err)
	}

	data, err := json.Marshal(envelope{
		V:             SchemaVersion,
		EventID:       e.ID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Sequence:      e.Sequence,
		Type:          e.Type,
		Timestamp:     e.Timestamp.UTC(),
		Payload:       payload,
	})
	if err != nil {
		return nil, serializationError("encode envelope", err)
	}
	return data, nil
}

// DecodeEvent parses a stored event, upgrading old schema versions and
// checking that referenced aggregates resolve.
func (c *Codec) DecodeEvent(ctx context.Context, data []byte) (domain.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.Event{}, serializationError("decode envelope", err)
	}
	if env.V == 0 {
		env.V = 1
	}
	if env.V > SchemaVersion {
		return domain.Event{}, &domain.SerializationError{Reason: fmt.Sprintf("unsupported schema version %d", env.V)}
	}
	for v := env.V; v < SchemaVersion; v++ {
		upgraded, err := migrations[v](env.Type, env.Payload)
		if err != nil {
			return domain.Event{}, serializationError(fmt.Sprintf("migrate %s from v%d", env.Type, v), err)
		}
		env.Payload = upgraded
	}

	payload, ok := domain.NewPayload(env.Type)
	if !ok {
		return domain.Event{}, &domain.SerializationError{Reason: fmt.Sprintf("unknown event type %s", env.Type)}
	}
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return domain.Event{}, serializationError(fmt.Sprintf("decode %s payload", env.Type), err)
		}
	}

	event := domain.Event{
		ID:            env.EventID,
		AggregateID:   env.AggregateID,
		AggregateType: env.AggregateType,
		Sequence:      env.Sequence,
		Type:          env.Type,
		Timestamp:     env.Timestamp,
		Payload:       domain.Deref(payload),
	}
	if err := c.resolveRefs(ctx, event); err != nil {
		return domain.Event{}, err
	}
	return event, nil
}

func (c *Codec) resolveRefs(ctx context.Context, event domain.Event) error {
	if c.resolver == nil {
		return nil
	}
	for _, id := range domain.Refs(event.Payload) {
		_, err := c.resolver.ResolveAggregate(ctx, id)
		if errors.Is(err, domain.ErrAggregateNotFound) {
			log.Warn().
				Str("aggregateID", event.AggregateID).
				Int64("sequence", event.Sequence).
				Str("reference", id).
				Msg("Event references an unknown aggregate")
			continue
		}
		if err != nil {
			return serializationError(fmt.Sprintf("resolve reference %s", id), err)
		}
	}
	return nil
}

// EncodeSnapshot serializes a snapshot
func (c *Codec) EncodeSnapshot(s Snapshot) ([]byte, error) {
	s.V = SchemaVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, serializationError("encode snapshot", err)
	}
	return data, nil
}

// DecodeSnapshot parses a stored snapshot
func (c *Codec) DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, serializationError("decode snapshot", err)
	}
	if s.V != SchemaVersion {
		return nil, &domain.SerializationError{Reason: fmt.Sprintf("unsupported snapshot version %d", s.V)}
	}
	return &s, nil
}

func serializationError(reason string, err error) error {
	var serr *domain.SerializationError
	if errors.As(err, &serr) {
		return serr
	}
	return &domain.SerializationError{Reason: reason, Err: err}
}

// migrateV1 converts plain JSON attribute values to tagged values
func migrateV1(t domain.EventType, payload json.RawMessage) (json.RawMessage, error) {
	switch t {
	case domain.AttributeUpdated:
		var old struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(payload, &old); err != nil {
			return nil, err
		}
		v, err := plainValue(old.Value)
		if err != nil {
			return nil, err
		}
		return json.Marshal(domain.AttributeUpdatedEvent{Key: old.Key, Value: v})

	case domain.AttributesUpdated:
		var old struct {
			Attributes map[string]json.RawMessage `json:"attributes"`
		}
		if err := json.Unmarshal(payload, &old); err != nil {
			return nil, err
		}
		attrs := make(map[string]domain.Value, len(old.Attributes))
		for k, raw := range old.Attributes {
			v, err := plainValue(raw)
			if err != nil {
				return nil, err
			}
			attrs[k] = v
		}
		return json.Marshal(domain.AttributesUpdatedEvent{Attributes: attrs})
	}
	return payload, nil
}

// plainValue maps untyped JSON onto the closest Value kind. Whole numbers
// become ints.
func plainValue(raw json.RawMessage) (domain.Value, error) {
	if len(raw) == 0 {
		return domain.Null(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var x any
	if err := dec.Decode(&x); err != nil {
		return domain.Value{}, err
	}
	return domain.ValueOf(x)
}
