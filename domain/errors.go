package domain

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against the typed errors below.
var (
	ErrValidation        = errors.New("validation failed")
	ErrAggregateNotFound = errors.New("aggregate not found")
	ErrConcurrency       = errors.New("optimistic concurrency conflict")
	ErrPersistence       = errors.New("persistence failure")
	ErrSerialization     = errors.New("serialization failure")
)

// ValidationError reports a malformed or missing command field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AggregateNotFoundError is returned when a command targets an unknown aggregate.
type AggregateNotFoundError struct {
	AggregateID string
}

func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("aggregate %s not found", e.AggregateID)
}

func (e *AggregateNotFoundError) Unwrap() error { return ErrAggregateNotFound }

// OptimisticConcurrencyError means another writer advanced the aggregate's
// sequence counter first. The losing command must be reloaded and reapplied.
type OptimisticConcurrencyError struct {
	AggregateID string
	Expected    int64
	Actual      int64
}

func (e *OptimisticConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification of aggregate %s: expected sequence %d, found %d",
		e.AggregateID, e.Expected, e.Actual)
}

func (e *OptimisticConcurrencyError) Unwrap() error { return ErrConcurrency }

// PersistenceError wraps a backing store failure that survived all retries.
type PersistenceError struct {
	Op          string
	AggregateID string
	Err         error
}

func (e *PersistenceError) Error() string {
	if e.AggregateID == "" {
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s failed for aggregate %s: %v", e.Op, e.AggregateID, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// SerializationError reports a payload that cannot round-trip.
type SerializationError struct {
	Reason string
	Err    error
}

func (e *SerializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("serialization failed: %s", e.Reason)
	}
	return fmt.Sprintf("serialization failed: %s: %v", e.Reason, e.Err)
}

func (e *SerializationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSerialization}
	}
	return []error{ErrSerialization, e.Err}
}
