/**
 * @description
 * This file defines the EscrowTransaction domain model: funds paid by a buyer
 * that are held until release conditions are met, then paid out to the seller
 * through a Transfer. Creation and funding belong to the external order
 * subsystem; this service is the sole writer of the status during release.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Escrow transaction statuses. Release is only permitted from 'funded'.
const (
	EscrowStatusCreated  = "created"
	EscrowStatusFunded   = "funded"
	EscrowStatusReleased = "released"
	EscrowStatusRefunded = "refunded"
	EscrowStatusDisputed = "disputed"
)

// EscrowTransaction maps to the `escrow_transactions` table.
// Invariant: SellerAmount + PlatformFee == Amount.
type EscrowTransaction struct {
	ID            uuid.UUID  `json:"id"`
	Reference     string     `json:"reference"`
	BuyerID       uuid.UUID  `json:"buyer_id"`
	SellerID      uuid.UUID  `json:"seller_id"`
	ListingID     uuid.UUID  `json:"listing_id"`
	Amount        int64      `json:"amount"` // minor units
	Currency      string     `json:"currency"`
	PlatformFee   int64      `json:"platform_fee"`
	SellerAmount  int64      `json:"seller_amount"`
	Status        string     `json:"status"`
	AutoReleaseAt *time.Time `json:"auto_release_at,omitempty"`
	BuyerApproved bool       `json:"buyer_approved"`
	ReleasedBy    *uuid.UUID `json:"released_by,omitempty"`
	ReleaseReason *string    `json:"release_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CreateEscrowTransactionRequest is the DTO the order subsystem submits at
// order confirmation.
type CreateEscrowTransactionRequest struct {
	Reference     string     `json:"reference"`
	BuyerID       uuid.UUID  `json:"buyer_id"`
	SellerID      uuid.UUID  `json:"seller_id"`
	ListingID     uuid.UUID  `json:"listing_id"`
	Amount        int64      `json:"amount"`
	PlatformFee   int64      `json:"platform_fee"`
	AutoReleaseAt *time.Time `json:"auto_release_at,omitempty"`
}

// ReleaseEscrowRequest is the DTO for a manual escrow release trigger.
type ReleaseEscrowRequest struct {
	ReleasedBy *uuid.UUID `json:"released_by,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
