package messaging

import (
	"context"
	"encoding/json"

	"example.com/receiptops/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// OCRPayload is the message the external OCR extraction step publishes for
// every processed document
type OCRPayload struct {
	SourceFile string `json:"source_file"`
	Text       string `json:"text"`
}

// IngestFunc hands one OCR payload to the intake gate
type IngestFunc func(ctx context.Context, payload OCRPayload) error

// AzureServiceBus receives OCR payloads from the intake queue
type AzureServiceBus struct {
	client    *azservicebus.Client
	receiver  *azservicebus.Receiver
	queueName string
}

// NewAzureServiceBus creates a Service Bus receiver for the intake queue
func NewAzureServiceBus(cfg config.AzureConfig) (*AzureServiceBus, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	return &AzureServiceBus{
		client:    client,
		receiver:  receiver,
		queueName: cfg.QueueName,
	}, nil
}

// ProcessMessages receives OCR payloads in batches until the context ends.
// A failed handler returns the message to the queue; a malformed payload is
// dead-lettered since redelivery cannot fix it.
func (b *AzureServiceBus) ProcessMessages(ctx context.Context, ingest IngestFunc) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		messages, err := b.receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("queue", b.queueName).Msg("error receiving messages")
			continue
		}

		for _, message := range messages {
			var payload OCRPayload
			if err := json.Unmarshal(message.Body, &payload); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("malformed OCR payload")
				if dlErr := b.receiver.DeadLetterMessage(ctx, message, nil); dlErr != nil {
					log.Error().Err(dlErr).Str("message_id", message.MessageID).Msg("failed to dead-letter message")
				}
				continue
			}

			if err := ingest(ctx, payload); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("failed to ingest OCR payload")
				if abErr := b.receiver.AbandonMessage(ctx, message, nil); abErr != nil {
					log.Error().Err(abErr).Str("message_id", message.MessageID).Msg("failed to abandon message")
				}
				continue
			}

			if err := b.receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("failed to complete message")
			}
		}
	}
}

// Close closes the receiver and the client
func (b *AzureServiceBus) Close(ctx context.Context) error {
	if b.receiver != nil {
		if err := b.receiver.Close(ctx); err != nil {
			return err
		}
	}
	if b.client != nil {
		return b.client.Close(ctx)
	}
	return nil
}
