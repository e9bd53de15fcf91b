package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"example.com/aethyr/world/config"
)

type AzureClient struct {
	client *azservicebus.Client
}

func NewAzureClient(cfg config.AzureConfig) (*AzureClient, error) {
	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, err
	}

	return &AzureClient{client: client}, nil
}

// StartConsumers accepts sessions on the queue until ctx is done. Senders
// should use the aggregate id as session id so commands for one aggregate
// arrive in order.
func (a *AzureClient) StartConsumers(ctx context.Context, queueName string, processor MessageProcessor) error {
	log.Info().Msgf("Starting consumers for queue %s", queueName)

	for {
		sessionReceiver, err := a.client.AcceptNextSessionForQueue(ctx, queueName, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var sbErr *azservicebus.Error
			if errors.As(err, &sbErr) && sbErr.Code == azservicebus.CodeTimeout {
				log.Debug().Msg("No session available, waiting...")
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return nil
				}
				continue
			}
			return err
		}

		log.Info().Msgf("Session '%s' received", sessionReceiver.SessionID())

		go a.handleSession(ctx, sessionReceiver, processor)
	}
}

func (a *AzureClient) handleSession(ctx context.Context, receiver *azservicebus.SessionReceiver, processor MessageProcessor) {
	defer func() {
		log.Info().Msgf("Closing session '%s'", receiver.SessionID())
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msgf("Error closing session '%s'", receiver.SessionID())
		}
	}()

	for {
		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msgf("Error receiving messages from session '%s'", receiver.SessionID())
			}
			return
		}

		if len(messages) == 0 {
			return
		}

		log.Debug().Msgf("Received %d messages from session '%s'", len(messages), receiver.SessionID())

		for _, message := range messages {
			a.settle(ctx, receiver, message, processor.ProcessMessage(ctx, message))
		}
	}
}

// settle completes a processed message. Failed messages go back to the
// queue, unless retrying cannot help, in which case they are dead-lettered.
func (a *AzureClient) settle(ctx context.Context, receiver *azservicebus.SessionReceiver, message *azservicebus.ReceivedMessage, err error) {
	if err == nil {
		if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
			log.Error().Err(err).Msgf("Error completing message '%s'", message.MessageID)
		}
		return
	}

	log.Error().Err(err).Msgf("Error processing message '%s'", message.MessageID)

	if Permanent(err) {
		reason := "rejected"
		description := err.Error()
		err = receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		})
		if err != nil {
			log.Error().Err(err).Msgf("Error dead-lettering message '%s'", message.MessageID)
		}
		return
	}

	if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
		log.Error().Err(err).Msgf("Error abandoning message '%s'", message.MessageID)
	}
}

// Close closes the underlying client
func (a *AzureClient) Close(ctx context.Context) error {
	return a.client.Close(ctx)
}
