/**
 * @description
 * Transfer orchestrator: accepts payout instructions, submits them to the
 * processor, and drives each transfer through its bounded-retry state machine
 * until it reaches a terminal status.
 *
 * Submission is asynchronous. InitiateTransfer persists the instruction and
 * returns immediately; the first processing attempt runs on a background
 * goroutine and later attempts are dispatched by the scheduler from the
 * persisted next_retry_at, so pending retries survive a restart.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
)

// processAsyncTimeout bounds one detached processing attempt, covering the
// gateway's own retry window with headroom.
const processAsyncTimeout = 2 * time.Minute

// InitiateTransfer validates and persists a new payout instruction, then kicks
// off the first processing attempt in the background. The returned transfer is
// in status 'pending'; callers observe the outcome through GetTransferStatus
// or the published payout events.
func (s *Service) InitiateTransfer(ctx context.Context, req domain.InitiateTransferRequest) (*domain.Transfer, error) {
	if req.Amount < s.settings.MinTransferAmount || req.Amount > s.settings.MaxTransferAmount {
		return nil, fmt.Errorf("%w: amount %d not in [%d, %d]", ErrAmountOutOfRange, req.Amount, s.settings.MinTransferAmount, s.settings.MaxTransferAmount)
	}

	recipient, err := s.repo.FindRecipientByID(ctx, req.RecipientID)
	if err != nil {
		return nil, err
	}
	if !recipient.IsActive {
		return nil, ErrRecipientInactive
	}
	if !recipient.UsableForTransfers() {
		return nil, ErrRecipientNotValidated
	}

	reference := req.Reference
	if reference == "" {
		reference, err = s.generateReference()
		if err != nil {
			return nil, err
		}
	} else {
		// A caller-supplied reference is an idempotency key; reject reuse
		// before ever contacting the processor.
		if _, err := s.repo.FindTransferByReference(ctx, reference); err == nil {
			return nil, store.ErrDuplicateReference
		} else if !errors.Is(err, store.ErrTransferNotFound) {
			return nil, fmt.Errorf("failed to check reference uniqueness: %w", err)
		}
	}

	now := time.Now()
	transfer := &domain.Transfer{
		ID:                  uuid.New(),
		Reference:           reference,
		SenderID:            req.SenderID,
		RecipientID:         recipient.ID,
		RecipientUserID:     recipient.UserID,
		Amount:              req.Amount,
		Currency:            s.settings.Currency,
		Reason:              req.Reason,
		Status:              domain.TransferStatusPending,
		MaxRetries:          s.settings.MaxRetries,
		NextRetryAt:         &now,
		EscrowTransactionID: req.EscrowTransactionID,
		ListingID:           req.ListingID,
		InitiatedAt:         now,
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		return nil, err
	}

	log.Printf("level=info component=transfers msg=\"transfer accepted\" transfer_id=%s reference=%s amount=%d recipient_id=%s", transfer.ID, transfer.Reference, transfer.Amount, transfer.RecipientID)

	s.dispatch(transfer.ID)

	return transfer, nil
}

// processAsync runs one processing attempt detached from the caller's request
// context.
func (s *Service) processAsync(transferID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), processAsyncTimeout)
	defer cancel()
	if err := s.ProcessTransfer(ctx, transferID); err != nil {
		log.Printf("level=error component=transfers msg=\"async transfer processing failed\" transfer_id=%s err=%v", transferID, err)
	}
}

// ProcessTransfer executes one submission attempt for a pending transfer. The
// pending row is claimed with a guarded update first, so concurrent workers
// and the scheduler cannot double-submit; losing the claim is a silent no-op.
func (s *Service) ProcessTransfer(ctx context.Context, transferID uuid.UUID) error {
	claimed, err := s.repo.ClaimTransferForProcessing(ctx, transferID)
	if err != nil {
		return fmt.Errorf("failed to claim transfer %s: %w", transferID, err)
	}
	if !claimed {
		return nil
	}

	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return err
	}
	recipient, err := s.repo.FindRecipientByID(ctx, transfer.RecipientID)
	if err != nil {
		return s.handleTransferFailure(ctx, transfer, fmt.Sprintf("recipient lookup failed: %v", err), true)
	}

	result, err := s.gateway.InitiateTransfer(ctx, recipient.RecipientCode, transfer.Amount, transfer.Reference, transfer.Reason, transfer.Currency)
	if err != nil {
		return s.handleTransferFailure(ctx, transfer, err.Error(), isClientGatewayError(err))
	}

	if result.TransferCode != "" {
		if err := s.repo.RecordTransferSubmission(ctx, transfer.ID, result.TransferCode); err != nil {
			return fmt.Errorf("failed to record transfer submission: %w", err)
		}
		transfer.TransferCode = &result.TransferCode
	}

	log.Printf("level=info component=transfers msg=\"transfer submitted\" transfer_id=%s reference=%s processor_status=%s", transfer.ID, transfer.Reference, result.Status)

	// Adopt an immediate terminal answer; otherwise the transfer stays in
	// 'processing' until a webhook or the reconciliation job settles it.
	return s.applyProcessorStatus(ctx, transfer, result.Status, firstNonEmpty(result.Reason, result.Message))
}

// handleTransferFailure decides between scheduling a retry and terminally
// failing a transfer after a submission attempt went wrong. A permanent
// caller-side rejection fails immediately without consuming the retry budget.
func (s *Service) handleTransferFailure(ctx context.Context, transfer *domain.Transfer, reason string, permanent bool) error {
	if permanent {
		log.Printf("level=warn component=transfers msg=\"transfer permanently rejected\" transfer_id=%s reference=%s reason=%q", transfer.ID, transfer.Reference, reason)
		return s.failTransfer(ctx, transfer, reason)
	}

	nextRetry := transfer.RetryCount + 1
	if nextRetry > transfer.MaxRetries {
		log.Printf("level=error component=transfers msg=\"retry budget exhausted\" transfer_id=%s reference=%s retries=%d reason=%q", transfer.ID, transfer.Reference, transfer.RetryCount, reason)
		return s.failTransfer(ctx, transfer, reason)
	}

	nextRetryAt := time.Now().Add(s.retryDelay(nextRetry))
	if err := s.repo.ScheduleTransferRetry(ctx, transfer.ID, nextRetry, nextRetryAt, reason); err != nil {
		return fmt.Errorf("failed to schedule retry for transfer %s: %w", transfer.ID, err)
	}
	log.Printf("level=warn component=transfers msg=\"transfer retry scheduled\" transfer_id=%s reference=%s retry=%d next_retry_at=%s reason=%q", transfer.ID, transfer.Reference, nextRetry, nextRetryAt.Format(time.RFC3339), reason)
	return nil
}

// failTransfer marks a transfer terminally failed and publishes the outcome.
func (s *Service) failTransfer(ctx context.Context, transfer *domain.Transfer, reason string) error {
	updated, err := s.repo.MarkTransferFailed(ctx, transfer.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark transfer %s failed: %w", transfer.ID, err)
	}
	if updated {
		transfer.Status = domain.TransferStatusFailed
		transfer.FailureReason = &reason
		s.publishPayoutStatus(ctx, transfer)
	}
	return nil
}

// applyProcessorStatus folds a processor-reported transfer status into the
// local record. It is shared by the immediate submission response, the webhook
// path, and the reconciliation job; terminal statuses never regress because
// the underlying updates are guarded.
func (s *Service) applyProcessorStatus(ctx context.Context, transfer *domain.Transfer, processorStatus, reason string) error {
	switch processorStatus {
	case "success":
		code := ""
		if transfer.TransferCode != nil {
			code = *transfer.TransferCode
		}
		updated, err := s.repo.MarkTransferSuccess(ctx, transfer.ID, code)
		if err != nil {
			return fmt.Errorf("failed to mark transfer %s success: %w", transfer.ID, err)
		}
		if updated {
			transfer.Status = domain.TransferStatusSuccess
			log.Printf("level=info component=transfers msg=\"transfer succeeded\" transfer_id=%s reference=%s", transfer.ID, transfer.Reference)
			s.publishPayoutStatus(ctx, transfer)
		}
	case "failed":
		if reason == "" {
			reason = "transfer failed at processor"
		}
		return s.failTransfer(ctx, transfer, reason)
	case "reversed":
		if reason == "" {
			reason = "transfer reversed by processor"
		}
		updated, err := s.repo.MarkTransferReversed(ctx, transfer.ID, reason)
		if err != nil {
			return fmt.Errorf("failed to mark transfer %s reversed: %w", transfer.ID, err)
		}
		if updated {
			transfer.Status = domain.TransferStatusReversed
			transfer.FailureReason = &reason
			log.Printf("level=warn component=transfers msg=\"transfer reversed\" transfer_id=%s reference=%s reason=%q", transfer.ID, transfer.Reference, reason)
			s.publishPayoutStatus(ctx, transfer)
		}
	default:
		// 'pending', 'otp', and friends: the processor is still working.
		// The webhook or the reconciliation job will finish the story.
	}
	return nil
}

// GetTransferStatus returns the read model for a transfer. When the transfer
// is non-terminal and a processor transfer code exists, the processor is asked
// for its current view first so a lost webhook does not leave the caller
// staring at a stale status forever.
func (s *Service) GetTransferStatus(ctx context.Context, transferID uuid.UUID) (*domain.TransferStatusProjection, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}

	if !domain.TransferStatusTerminal(transfer.Status) && transfer.TransferCode != nil {
		if result, err := s.gateway.FetchTransfer(ctx, *transfer.TransferCode); err == nil {
			if err := s.applyProcessorStatus(ctx, transfer, result.Status, firstNonEmpty(result.Reason, result.Message)); err != nil {
				return nil, err
			}
			transfer, err = s.repo.FindTransferByID(ctx, transferID)
			if err != nil {
				return nil, err
			}
		} else {
			log.Printf("level=warn component=transfers msg=\"status reconciliation fetch failed\" transfer_id=%s err=%v", transferID, err)
		}
	}

	recipientName := ""
	if recipient, err := s.repo.FindRecipientByID(ctx, transfer.RecipientID); err == nil && recipient.AccountName != nil {
		recipientName = *recipient.AccountName
	}

	return &domain.TransferStatusProjection{
		ID:            transfer.ID,
		Reference:     transfer.Reference,
		Status:        transfer.Status,
		Amount:        transfer.Amount,
		Currency:      transfer.Currency,
		RecipientName: recipientName,
		FailureReason: transfer.FailureReason,
		RetryCount:    transfer.RetryCount,
		InitiatedAt:   transfer.InitiatedAt,
		CompletedAt:   transfer.CompletedAt,
		FailedAt:      transfer.FailedAt,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
