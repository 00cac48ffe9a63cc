/**
 * @description
 * Processor webhook application logic. The HTTP layer owns signature
 * verification and de-duplication; this file owns folding a verified transfer
 * event into the local transfer record.
 */

package app

import (
	"context"
	"errors"
	"log"

	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
)

// ApplyProcessorTransferUpdate folds a verified transfer webhook into the
// matching local transfer. Events for unknown transfers are logged and
// swallowed: the processor expects a 2xx for anything it delivered correctly,
// and redelivery of an unmatchable event cannot help.
func (s *Service) ApplyProcessorTransferUpdate(ctx context.Context, event domain.ProcessorWebhookEvent) error {
	transfer, err := s.findTransferForEvent(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrTransferNotFound) {
			log.Printf("level=warn component=webhooks msg=\"webhook for unknown transfer\" event=%s reference=%s transfer_code=%s", event.Event, event.Data.Reference, event.Data.TransferCode)
			return nil
		}
		return err
	}

	if transfer.TransferCode == nil && event.Data.TransferCode != "" {
		if err := s.repo.RecordTransferSubmission(ctx, transfer.ID, event.Data.TransferCode); err != nil {
			return err
		}
		transfer.TransferCode = &event.Data.TransferCode
	}

	status := statusForWebhookEvent(event)
	log.Printf("level=info component=webhooks msg=\"transfer webhook received\" event=%s transfer_id=%s reference=%s", event.Event, transfer.ID, transfer.Reference)
	return s.applyProcessorStatus(ctx, transfer, status, firstNonEmpty(event.Data.Reason, event.Data.Message))
}

// findTransferForEvent locates the local transfer for a webhook, preferring
// the reference (ours) over the transfer code (the processor's).
func (s *Service) findTransferForEvent(ctx context.Context, event domain.ProcessorWebhookEvent) (*domain.Transfer, error) {
	if event.Data.Reference != "" {
		transfer, err := s.repo.FindTransferByReference(ctx, event.Data.Reference)
		if err == nil {
			return transfer, nil
		}
		if !errors.Is(err, store.ErrTransferNotFound) {
			return nil, err
		}
	}
	if event.Data.TransferCode != "" {
		return s.repo.FindTransferByTransferCode(ctx, event.Data.TransferCode)
	}
	return nil, store.ErrTransferNotFound
}

// statusForWebhookEvent normalizes an event name into a processor status,
// falling back to the status field of the payload for unrecognized events.
func statusForWebhookEvent(event domain.ProcessorWebhookEvent) string {
	switch event.Event {
	case domain.WebhookEventTransferSuccess:
		return "success"
	case domain.WebhookEventTransferFailed:
		return "failed"
	case domain.WebhookEventTransferReversed:
		return "reversed"
	default:
		return event.Data.Status
	}
}
