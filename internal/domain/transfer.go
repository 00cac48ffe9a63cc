/**
 * @description
 * This file defines the Transfer domain model: one instruction to move funds
 * from the platform balance to a specific recipient via the external payment
 * processor. A transfer advances through a bounded-retry state machine until it
 * reaches a terminal status.
 *
 * @notes
 * - Amounts are `int64` minor currency units to avoid floating-point rounding.
 * - `Reference` is the idempotency key exposed to the processor; retries of the
 *   same transfer reuse it rather than minting a new one.
 * - `NextRetryAt` is persisted so pending retries survive a process restart and
 *   are dispatched by the scheduler instead of in-memory timers.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transfer statuses. Pending is both the initial state and the state re-entered
// between retries. Reversed is only ever reported by the processor after success.
const (
	TransferStatusPending    = "pending"
	TransferStatusProcessing = "processing"
	TransferStatusSuccess    = "success"
	TransferStatusFailed     = "failed"
	TransferStatusReversed   = "reversed"
)

// TransferStatusTerminal reports whether a status may never regress to a
// non-terminal one.
func TransferStatusTerminal(status string) bool {
	return status == TransferStatusSuccess || status == TransferStatusFailed
}

// Transfer represents a single payout instruction. Maps to the `transfers` table.
type Transfer struct {
	ID              uuid.UUID `json:"id"`
	Reference       string    `json:"reference"` // globally unique idempotency key
	SenderID        uuid.UUID `json:"sender_id"`
	RecipientID     uuid.UUID `json:"recipient_id"`
	RecipientUserID uuid.UUID `json:"recipient_user_id"` // denormalized owner of the recipient
	Amount          int64     `json:"amount"`            // minor units
	Currency        string    `json:"currency"`
	Reason          string    `json:"reason"`
	TransferCode    *string   `json:"transfer_code,omitempty"` // processor-assigned
	Status          string    `json:"status"`
	FailureReason   *string   `json:"failure_reason,omitempty"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`

	EscrowTransactionID *uuid.UUID `json:"escrow_transaction_id,omitempty"`
	ListingID           *uuid.UUID `json:"listing_id,omitempty"`

	InitiatedAt time.Time  `json:"initiated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// InitiateTransferRequest is the DTO for creating a new transfer.
type InitiateTransferRequest struct {
	SenderID            uuid.UUID  `json:"sender_id"`
	RecipientID         uuid.UUID  `json:"recipient_id"`
	Amount              int64      `json:"amount"` // minor units
	Reason              string     `json:"reason"`
	Reference           string     `json:"reference,omitempty"` // generated when empty
	EscrowTransactionID *uuid.UUID `json:"escrow_transaction_id,omitempty"`
	ListingID           *uuid.UUID `json:"listing_id,omitempty"`
}

// TransferStatusProjection is the read model returned to status callers and
// handed to the notification collaborator.
type TransferStatusProjection struct {
	ID            uuid.UUID  `json:"id"`
	Reference     string     `json:"reference"`
	Status        string     `json:"status"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	RecipientName string     `json:"recipient_name"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	RetryCount    int        `json:"retry_count"`
	InitiatedAt   time.Time  `json:"initiated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}
