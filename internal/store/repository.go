/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the settlement service needs. The interface decouples the business
 * logic from PostgreSQL and lets tests substitute hand-rolled stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For entity ids.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Recipient directory methods
	CreateRecipient(ctx context.Context, recipient *domain.TransferRecipient) error
	FindRecipientByID(ctx context.Context, recipientID uuid.UUID) (*domain.TransferRecipient, error)
	FindRecipientForUser(ctx context.Context, recipientID, userID uuid.UUID) (*domain.TransferRecipient, error)
	FindActiveBankRecipient(ctx context.Context, userID uuid.UUID, accountNumber, bankCode string) (*domain.TransferRecipient, error)
	FindActiveAuthorizationRecipient(ctx context.Context, userID uuid.UUID, authorizationCode string) (*domain.TransferRecipient, error)
	FindRecipientsByUserID(ctx context.Context, userID uuid.UUID, includeInactive bool) ([]domain.TransferRecipient, error)
	FindLatestActiveRecipientByUserID(ctx context.Context, userID uuid.UUID) (*domain.TransferRecipient, error)
	UpdateRecipient(ctx context.Context, recipientID, userID uuid.UUID, params UpdateRecipientParams) (*domain.TransferRecipient, error)
	DeactivateRecipient(ctx context.Context, recipientID uuid.UUID, userID *uuid.UUID) error

	// Transfer methods
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error)
	FindTransferByTransferCode(ctx context.Context, transferCode string) (*domain.Transfer, error)
	FindTransferByEscrowTransactionID(ctx context.Context, escrowID uuid.UUID) (*domain.Transfer, error)
	ClaimTransferForProcessing(ctx context.Context, transferID uuid.UUID) (bool, error)
	RecordTransferSubmission(ctx context.Context, transferID uuid.UUID, transferCode string) error
	MarkTransferSuccess(ctx context.Context, transferID uuid.UUID, transferCode string) (bool, error)
	MarkTransferFailed(ctx context.Context, transferID uuid.UUID, failureReason string) (bool, error)
	MarkTransferReversed(ctx context.Context, transferID uuid.UUID, reason string) (bool, error)
	ScheduleTransferRetry(ctx context.Context, transferID uuid.UUID, retryCount int, nextRetryAt time.Time, failureReason string) error
	FindDueRetryTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)
	FindStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error)

	// Escrow methods
	CreateEscrowTransaction(ctx context.Context, escrow *domain.EscrowTransaction) error
	FindEscrowTransactionByID(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowTransaction, error)
	MarkEscrowFunded(ctx context.Context, escrowID uuid.UUID) (bool, error)
	MarkEscrowReleased(ctx context.Context, escrowID uuid.UUID, releasedBy *uuid.UUID, reason *string) (bool, error)
	RevertEscrowRelease(ctx context.Context, escrowID uuid.UUID) (bool, error)
	FindAutoReleasableEscrows(ctx context.Context, now time.Time, limit int) ([]domain.EscrowTransaction, error)
}

// UpdateRecipientParams carries the mutable recipient fields. Nil means "leave
// unchanged".
type UpdateRecipientParams struct {
	AccountName *string
	Description *string
	IsActive    *bool
}
