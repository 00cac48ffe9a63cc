/**
 * @description
 * Escrow release coordinator: receives escrow lifecycle signals from the order
 * subsystem and, once release conditions hold, pays the seller's share out
 * through the transfer orchestrator.
 *
 * Double-payout protection is layered. The released status is claimed with a
 * guarded update before any transfer is created, and the transfers table keeps
 * a unique index on escrow_transaction_id, so even two coordinators racing the
 * same escrow end up with exactly one payout.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
)

// RecordEscrowTransaction registers an escrow hold reported by the order
// subsystem at order confirmation. The split invariant is enforced here so a
// malformed hold can never reach release.
func (s *Service) RecordEscrowTransaction(ctx context.Context, req domain.CreateEscrowTransactionRequest) (*domain.EscrowTransaction, error) {
	if req.Amount <= 0 || req.PlatformFee < 0 || req.PlatformFee >= req.Amount {
		return nil, ErrInvalidEscrowAmounts
	}

	escrow := &domain.EscrowTransaction{
		ID:            uuid.New(),
		Reference:     req.Reference,
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		ListingID:     req.ListingID,
		Amount:        req.Amount,
		Currency:      s.settings.Currency,
		PlatformFee:   req.PlatformFee,
		SellerAmount:  req.Amount - req.PlatformFee,
		Status:        domain.EscrowStatusCreated,
		AutoReleaseAt: req.AutoReleaseAt,
	}
	if err := s.repo.CreateEscrowTransaction(ctx, escrow); err != nil {
		return nil, err
	}

	log.Printf("level=info component=escrow msg=\"escrow transaction recorded\" escrow_id=%s reference=%s amount=%d seller_amount=%d", escrow.ID, escrow.Reference, escrow.Amount, escrow.SellerAmount)
	return escrow, nil
}

// MarkEscrowFunded records that the buyer's payment for an escrow hold has
// settled. Only a 'created' escrow can become funded; repeating the call is a
// no-op.
func (s *Service) MarkEscrowFunded(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowTransaction, error) {
	updated, err := s.repo.MarkEscrowFunded(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if updated {
		log.Printf("level=info component=escrow msg=\"escrow funded\" escrow_id=%s", escrowID)
	}
	return s.repo.FindEscrowTransactionByID(ctx, escrowID)
}

// ProcessEscrowRelease releases a funded escrow and pays the seller's share.
// The operation is idempotent: when a payout transfer already exists for the
// escrow it is returned unchanged regardless of who triggered the release.
func (s *Service) ProcessEscrowRelease(ctx context.Context, escrowID uuid.UUID, req domain.ReleaseEscrowRequest) (*domain.Transfer, error) {
	if existing, err := s.repo.FindTransferByEscrowTransactionID(ctx, escrowID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrTransferNotFound) {
		return nil, fmt.Errorf("failed to check for existing payout: %w", err)
	}

	escrow, err := s.repo.FindEscrowTransactionByID(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if escrow.Status != domain.EscrowStatusFunded {
		return nil, fmt.Errorf("%w: status is %q", ErrEscrowNotReleasable, escrow.Status)
	}

	recipient, err := s.repo.FindLatestActiveRecipientByUserID(ctx, escrow.SellerID)
	if err != nil {
		if errors.Is(err, store.ErrRecipientNotFound) {
			return nil, ErrNoActiveRecipient
		}
		return nil, err
	}
	if !recipient.UsableForTransfers() {
		return nil, ErrNoActiveRecipient
	}

	// Everything the payout will synchronously reject on must be checked
	// before the release is claimed, or the escrow ends up terminal with no
	// transfer to show for it.
	if escrow.SellerAmount < s.settings.MinTransferAmount || escrow.SellerAmount > s.settings.MaxTransferAmount {
		return nil, fmt.Errorf("%w: seller amount %d not in [%d, %d]", ErrAmountOutOfRange, escrow.SellerAmount, s.settings.MinTransferAmount, s.settings.MaxTransferAmount)
	}

	var reason *string
	if req.Reason != "" {
		reason = &req.Reason
	}
	claimed, err := s.repo.MarkEscrowReleased(ctx, escrowID, req.ReleasedBy, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to mark escrow released: %w", err)
	}
	if !claimed {
		// Lost the release race; the winner's payout is the answer.
		if existing, err := s.repo.FindTransferByEscrowTransactionID(ctx, escrowID); err == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: concurrently released", ErrEscrowNotReleasable)
	}

	transferReason := fmt.Sprintf("escrow release for listing %s", escrow.ListingID)
	transfer, err := s.InitiateTransfer(ctx, domain.InitiateTransferRequest{
		SenderID:            escrow.BuyerID,
		RecipientID:         recipient.ID,
		Amount:              escrow.SellerAmount,
		Reason:              transferReason,
		EscrowTransactionID: &escrow.ID,
		ListingID:           &escrow.ListingID,
	})
	if err != nil {
		if errors.Is(err, store.ErrEscrowAlreadyPaid) {
			if existing, lookupErr := s.repo.FindTransferByEscrowTransactionID(ctx, escrowID); lookupErr == nil {
				return existing, nil
			}
		} else {
			// No payout was created, so the claim must be undone or the
			// escrow is stranded in released forever.
			if reverted, revertErr := s.repo.RevertEscrowRelease(ctx, escrowID); revertErr != nil {
				log.Printf("level=error component=escrow msg=\"failed to revert escrow release after payout failure\" escrow_id=%s err=%v", escrowID, revertErr)
			} else if reverted {
				log.Printf("level=warn component=escrow msg=\"escrow release reverted; payout could not be created\" escrow_id=%s err=%v", escrowID, err)
			}
		}
		return nil, fmt.Errorf("failed to initiate escrow payout: %w", err)
	}

	log.Printf("level=info component=escrow msg=\"escrow released\" escrow_id=%s transfer_id=%s seller_amount=%d", escrowID, transfer.ID, escrow.SellerAmount)
	return transfer, nil
}
