package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/metrics"
	"example.com/aethyr/world/utils"
)

const (
	DefaultCommandRetries = 3
	DefaultLockTimeout    = 5 * time.Second
)

// CommandHandler executes one command and returns the events it committed
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) ([]domain.Event, error)
}

// EventPublisher receives committed events. Publishing never fails the
// command; implementations log their own errors.
type EventPublisher interface {
	Publish(ctx context.Context, events []domain.Event)
}

// DispatcherOptions configures a Dispatcher
type DispatcherOptions struct {
	// CommandRetries is how many times a command is rerun after losing a
	// concurrent write
	CommandRetries int
	LockTimeout    time.Duration
	Publisher      EventPublisher
	Metrics        *metrics.Metrics
}

// Dispatcher validates commands and runs them one at a time per aggregate
type Dispatcher struct {
	handler        CommandHandler
	publisher      EventPublisher
	metrics        *metrics.Metrics
	locks          *utils.KeyedMutex
	commandRetries int
	lockTimeout    time.Duration
}

// NewDispatcher creates a dispatcher in front of handler
func NewDispatcher(handler CommandHandler, opts DispatcherOptions) *Dispatcher {
	if opts.CommandRetries < 0 {
		opts.CommandRetries = DefaultCommandRetries
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	return &Dispatcher{
		handler:        handler,
		publisher:      opts.Publisher,
		metrics:        opts.Metrics,
		locks:          utils.NewKeyedMutex(),
		commandRetries: opts.CommandRetries,
		lockTimeout:    opts.LockTimeout,
	}
}

// Submit validates and executes a command. Commands on the same aggregate
// never overlap; a command that loses a concurrent write is reloaded and
// rerun up to the configured number of times.
func (d *Dispatcher) Submit(ctx context.Context, cmd Command) ([]domain.Event, error) {
	start := time.Now()
	if err := Validate(cmd); err != nil {
		d.fail(cmd, err)
		return nil, err
	}

	segment := newrelic.FromContext(ctx).StartSegment("command/" + cmd.CommandType())
	defer segment.End()

	lockCtx, cancel := context.WithTimeout(ctx, d.lockTimeout)
	unlock, err := d.locks.Lock(lockCtx, cmd.TargetID())
	cancel()
	if err != nil {
		err = fmt.Errorf("waiting for aggregate %s: %w", cmd.TargetID(), err)
		d.fail(cmd, err)
		return nil, err
	}
	defer unlock()

	var events []domain.Event
	for attempt := 0; ; attempt++ {
		events, err = d.handler.Handle(ctx, cmd)
		if !errors.Is(err, domain.ErrConcurrency) || attempt >= d.commandRetries {
			break
		}
		log.Warn().
			Err(err).
			Str("command", cmd.CommandType()).
			Str("aggregateID", cmd.TargetID()).
			Int("attempt", attempt+1).
			Msg("Concurrent write, rerunning command")
	}
	if err != nil {
		d.fail(cmd, err)
		return nil, err
	}

	d.metrics.IncrementCounter(metrics.CommandsHandled)
	d.metrics.RecordSuccess("command." + cmd.CommandType())
	d.metrics.RecordTimer("command."+cmd.CommandType(), time.Since(start))

	// published under the aggregate lock so projectors see events in order;
	// the events are committed, so a caller going away must not drop them
	if d.publisher != nil && len(events) > 0 {
		d.publisher.Publish(context.WithoutCancel(ctx), events)
	}
	return events, nil
}

func (d *Dispatcher) fail(cmd Command, err error) {
	name := "unknown"
	if cmd != nil {
		name = cmd.CommandType()
	}
	d.metrics.IncrementCounter(metrics.CommandsFailed)
	d.metrics.RecordError("command." + name)

	evt := log.Warn()
	if errors.Is(err, domain.ErrPersistence) || errors.Is(err, domain.ErrSerialization) {
		evt = log.Error()
	}
	evt.Err(err).Str("command", name).Msg("Command failed")
}
