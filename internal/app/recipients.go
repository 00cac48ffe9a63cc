/**
 * @description
 * Recipient directory operations: onboarding, validation, listing, mutation,
 * and soft-deactivation of payout destinations. The directory guarantees that
 * money is only ever sent to a verified destination owned by the requesting
 * user.
 *
 * Creation order matters: the remote recipient is registered with the
 * processor first and the local record is persisted only after that call
 * succeeds, so there are never partial local records pointing at nothing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
	"github.com/tradepost/settlement-service/pkg/paystack"
)

// processorRecipientType maps a directory recipient type to the processor's
// recipient type string.
func processorRecipientType(recipientType string) string {
	if recipientType == domain.RecipientTypeAuthorization {
		return "authorization"
	}
	return "basa"
}

// CreateBankAccountRecipient registers a bank account payout destination for a
// user. The create is idempotent: an existing active recipient with the same
// account and bank is returned unchanged. Unless validation is skipped, the
// account is verified through the gateway first and an unverified answer fails
// the whole operation.
func (s *Service) CreateBankAccountRecipient(ctx context.Context, userID uuid.UUID, req domain.CreateBankAccountRecipientRequest) (*domain.TransferRecipient, error) {
	req.AccountNumber = strings.TrimSpace(req.AccountNumber)
	req.BankCode = strings.TrimSpace(req.BankCode)
	req.AccountName = strings.TrimSpace(req.AccountName)
	if req.AccountNumber == "" || req.BankCode == "" || req.AccountName == "" {
		return nil, ErrInvalidRecipientDetails
	}

	existing, err := s.repo.FindActiveBankRecipient(ctx, userID, req.AccountNumber, req.BankCode)
	if err == nil {
		log.Printf("level=info component=recipients msg=\"idempotent create matched existing recipient\" user_id=%s recipient_id=%s", userID, existing.ID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrRecipientNotFound) {
		return nil, fmt.Errorf("failed to check for existing recipient: %w", err)
	}

	validated := false
	var validationCost int64
	if !req.SkipValidation {
		result, err := s.gateway.ValidateAccount(ctx, paystack.ValidateAccountRequest{
			AccountNumber:  req.AccountNumber,
			BankCode:       req.BankCode,
			AccountName:    req.AccountName,
			AccountType:    req.AccountType,
			DocumentType:   req.DocumentType,
			DocumentNumber: req.DocumentNumber,
			Country:        s.settings.Country,
		})
		if err != nil {
			return nil, fmt.Errorf("account validation request failed: %w", err)
		}
		if !result.Verified {
			return nil, fmt.Errorf("%w: %s", ErrAccountValidationFailed, result.Message)
		}
		validated = true
		validationCost = result.ChargedCost
	}

	bankName := s.resolveBankName(ctx, req.BankCode)

	remote, err := s.gateway.CreateRecipient(ctx, paystack.CreateRecipientRequest{
		Type:          processorRecipientType(domain.RecipientTypeBankAccount),
		Name:          req.AccountName,
		Currency:      s.settings.Currency,
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		Description:   req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recipient with processor: %w", err)
	}

	recipient := &domain.TransferRecipient{
		ID:             uuid.New(),
		UserID:         userID,
		RecipientCode:  remote.RecipientCode,
		Type:           domain.RecipientTypeBankAccount,
		BankCode:       &req.BankCode,
		BankName:       &bankName,
		AccountNumber:  &req.AccountNumber,
		AccountName:    &req.AccountName,
		IsValidated:    validated,
		ValidationCost: validationCost,
		Description:    req.Description,
		IsActive:       true,
	}
	if err := s.repo.CreateRecipient(ctx, recipient); err != nil {
		return nil, fmt.Errorf("failed to persist recipient: %w", err)
	}

	log.Printf("level=info component=recipients msg=\"bank recipient created\" user_id=%s recipient_id=%s validated=%t", userID, recipient.ID, validated)
	return recipient, nil
}

// CreateAuthorizationRecipient registers a stored card authorization as a
// payout destination. Authorization recipients are treated as pre-validated.
func (s *Service) CreateAuthorizationRecipient(ctx context.Context, userID uuid.UUID, req domain.CreateAuthorizationRecipientRequest) (*domain.TransferRecipient, error) {
	req.AuthorizationCode = strings.TrimSpace(req.AuthorizationCode)
	req.AccountName = strings.TrimSpace(req.AccountName)
	if req.AuthorizationCode == "" || req.AccountName == "" {
		return nil, ErrInvalidRecipientDetails
	}

	existing, err := s.repo.FindActiveAuthorizationRecipient(ctx, userID, req.AuthorizationCode)
	if err == nil {
		log.Printf("level=info component=recipients msg=\"idempotent create matched existing recipient\" user_id=%s recipient_id=%s", userID, existing.ID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrRecipientNotFound) {
		return nil, fmt.Errorf("failed to check for existing recipient: %w", err)
	}

	remote, err := s.gateway.CreateRecipient(ctx, paystack.CreateRecipientRequest{
		Type:              processorRecipientType(domain.RecipientTypeAuthorization),
		Name:              req.AccountName,
		Currency:          s.settings.Currency,
		AuthorizationCode: req.AuthorizationCode,
		Description:       req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create recipient with processor: %w", err)
	}

	recipient := &domain.TransferRecipient{
		ID:                uuid.New(),
		UserID:            userID,
		RecipientCode:     remote.RecipientCode,
		Type:              domain.RecipientTypeAuthorization,
		AuthorizationCode: &req.AuthorizationCode,
		CardLast4:         nullableString(req.CardLast4),
		CardBank:          nullableString(req.CardBank),
		AccountName:       &req.AccountName,
		IsValidated:       true,
		Description:       req.Description,
		IsActive:          true,
	}
	if err := s.repo.CreateRecipient(ctx, recipient); err != nil {
		return nil, fmt.Errorf("failed to persist recipient: %w", err)
	}

	log.Printf("level=info component=recipients msg=\"authorization recipient created\" user_id=%s recipient_id=%s", userID, recipient.ID)
	return recipient, nil
}

// ListBanks returns the processor's bank directory for recipient setup.
func (s *Service) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	banks, err := s.gateway.ListBanks(ctx, s.settings.Country)
	if err != nil {
		return nil, fmt.Errorf("failed to list banks: %w", err)
	}
	out := make([]domain.Bank, 0, len(banks))
	for _, b := range banks {
		out = append(out, domain.Bank{Code: b.Code, Name: b.Name})
	}
	return out, nil
}

// GetUserRecipients returns a user's payout destinations most-recent-first for
// the account-settings surface.
func (s *Service) GetUserRecipients(ctx context.Context, userID uuid.UUID, includeInactive bool) ([]domain.TransferRecipient, error) {
	return s.repo.FindRecipientsByUserID(ctx, userID, includeInactive)
}

// UpdateRecipient applies the mutable recipient fields. The mutation is scoped
// by both recipient id and requesting user id; a rename is propagated to the
// processor's directory before the local record changes.
func (s *Service) UpdateRecipient(ctx context.Context, recipientID, userID uuid.UUID, req domain.UpdateRecipientRequest) (*domain.TransferRecipient, error) {
	recipient, err := s.repo.FindRecipientForUser(ctx, recipientID, userID)
	if err != nil {
		return nil, err
	}

	if req.AccountName != nil {
		newName := strings.TrimSpace(*req.AccountName)
		if newName == "" {
			return nil, ErrInvalidRecipientDetails
		}
		if recipient.AccountName == nil || *recipient.AccountName != newName {
			if err := s.gateway.UpdateRecipient(ctx, recipient.RecipientCode, newName); err != nil {
				return nil, fmt.Errorf("failed to rename recipient with processor: %w", err)
			}
		}
		req.AccountName = &newName
	}

	return s.repo.UpdateRecipient(ctx, recipientID, userID, store.UpdateRecipientParams{
		AccountName: req.AccountName,
		Description: req.Description,
		IsActive:    req.IsActive,
	})
}

// DeactivateRecipient soft-deletes a payout destination. The remote deletion
// is best effort: a processor failure is logged but never blocks the local
// deactivation, since the local active flag is what gates new transfers.
func (s *Service) DeactivateRecipient(ctx context.Context, recipientID uuid.UUID, userID *uuid.UUID) error {
	var recipient *domain.TransferRecipient
	var err error
	if userID != nil {
		recipient, err = s.repo.FindRecipientForUser(ctx, recipientID, *userID)
	} else {
		recipient, err = s.repo.FindRecipientByID(ctx, recipientID)
	}
	if err != nil {
		return err
	}

	if err := s.gateway.DeleteRecipient(ctx, recipient.RecipientCode); err != nil {
		log.Printf("level=warn component=recipients msg=\"remote recipient delete failed; continuing with local deactivation\" recipient_id=%s recipient_code=%s err=%v", recipientID, recipient.RecipientCode, err)
	}

	return s.repo.DeactivateRecipient(ctx, recipientID, userID)
}

// resolveBankName maps a bank code to its display name via the gateway's bank
// directory, falling back to the raw code when the lookup fails.
func (s *Service) resolveBankName(ctx context.Context, bankCode string) string {
	banks, err := s.gateway.ListBanks(ctx, s.settings.Country)
	if err != nil {
		log.Printf("level=warn component=recipients msg=\"bank name lookup failed; storing bank code as name\" bank_code=%s err=%v", bankCode, err)
		return bankCode
	}
	for _, b := range banks {
		if b.Code == bankCode {
			return b.Name
		}
	}
	return bankCode
}

func nullableString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
