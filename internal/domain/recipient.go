/**
 * @description
 * This file defines the domain model for payout recipients. A recipient is a
 * registered payout destination (a bank account or a stored card authorization)
 * owned by exactly one user, mirrored against the payment processor's remote
 * recipient directory.
 *
 * @notes
 * - Exactly one of the bank field group or the authorization field group is
 *   populated, enforced at creation time.
 * - Recipients are never hard-deleted; `IsActive` is flipped off instead so
 *   historical transfers keep a resolvable destination.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Recipient types understood by the directory and the processor.
const (
	RecipientTypeBankAccount   = "bank_account"
	RecipientTypeAuthorization = "authorization"
)

// TransferRecipient represents a payout destination registered with the processor.
// This struct maps directly to the `transfer_recipients` table.
type TransferRecipient struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	RecipientCode string    `json:"recipient_code"` // processor-assigned, immutable after creation
	Type          string    `json:"type"`           // 'bank_account' or 'authorization'

	// Bank account fields (bank_account type only).
	BankCode      *string `json:"bank_code,omitempty"`
	BankName      *string `json:"bank_name,omitempty"`
	AccountNumber *string `json:"account_number,omitempty"`
	AccountName   *string `json:"account_name,omitempty"`

	// Stored authorization fields (authorization type only).
	AuthorizationCode *string `json:"authorization_code,omitempty"`
	CardLast4         *string `json:"card_last4,omitempty"`
	CardBank          *string `json:"card_bank,omitempty"`

	IsValidated    bool      `json:"is_validated"`
	ValidationCost int64     `json:"validation_cost"` // minor units charged for validation
	Description    string    `json:"description"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UsableForTransfers reports whether the recipient may be the target of a new
// transfer. Bank recipients must have passed account validation; stored
// authorizations are treated as pre-validated.
func (r *TransferRecipient) UsableForTransfers() bool {
	if !r.IsActive {
		return false
	}
	if r.Type == RecipientTypeBankAccount {
		return r.IsValidated
	}
	return true
}

// Bank is a bank code/name pair used during recipient setup.
type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// CreateBankAccountRecipientRequest is the DTO for registering a bank account destination.
type CreateBankAccountRecipientRequest struct {
	BankCode       string `json:"bank_code"`
	AccountNumber  string `json:"account_number"`
	AccountName    string `json:"account_name"`
	AccountType    string `json:"account_type"`    // e.g. 'savings', 'current'
	DocumentType   string `json:"document_type"`   // identity document used for validation
	DocumentNumber string `json:"document_number"`
	Description    string `json:"description"`
	SkipValidation bool   `json:"skip_validation"`
}

// CreateAuthorizationRecipientRequest is the DTO for registering a stored card authorization.
type CreateAuthorizationRecipientRequest struct {
	AuthorizationCode string `json:"authorization_code"`
	CardLast4         string `json:"card_last4"`
	CardBank          string `json:"card_bank"`
	AccountName       string `json:"account_name"`
	Description       string `json:"description"`
}

// UpdateRecipientRequest carries the only mutable recipient fields. Nil means
// "leave unchanged".
type UpdateRecipientRequest struct {
	AccountName *string `json:"account_name,omitempty"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}
