package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/domain"
	"example.com/aethyr/world/tracing"
)

// CommandMessage is the body of a command queue message. Data holds the
// command fields as accepted by the HTTP API.
type CommandMessage struct {
	CommandType string          `json:"commandType"`
	Data        json.RawMessage `json:"data"`
}

type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// CommandSubmitter executes encoded commands
type CommandSubmitter interface {
	SubmitEncoded(ctx context.Context, commandType string, data json.RawMessage) ([]domain.Event, error)
}

type Processor struct {
	submitter CommandSubmitter
	tracer    tracing.Tracer
}

func NewProcessor(submitter CommandSubmitter, tracer tracing.Tracer) *Processor {
	return &Processor{submitter: submitter, tracer: tracer}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	return p.Process(ctx, message.Body)
}

// Process decodes one message body and submits the command in it
func (p *Processor) Process(ctx context.Context, body []byte) error {
	var msg CommandMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return &domain.ValidationError{Reason: fmt.Sprintf("error unmarshalling message: %v", err)}
	}
	if msg.CommandType == "" {
		return &domain.ValidationError{Field: "commandType", Reason: "is required"}
	}

	ctx, txn := p.tracer.StartTransaction(ctx, "message/"+msg.CommandType)
	defer p.tracer.EndTransaction(txn)

	log.Info().Str("commandType", msg.CommandType).Msg("Processing message")

	events, err := p.submitter.SubmitEncoded(ctx, msg.CommandType, msg.Data)
	if err != nil {
		p.tracer.RecordError(txn, err)
		return err
	}
	p.tracer.AddAttribute(txn, "events", len(events))
	return nil
}

// Permanent reports whether redelivering a failed message cannot help
func Permanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrAggregateNotFound) ||
		errors.Is(err, domain.ErrSerialization)
}
