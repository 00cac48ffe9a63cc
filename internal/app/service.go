/**
 * @description
 * This file defines the core `Service` for the settlement engine and the
 * interfaces it depends on. The Service coordinates the database repository,
 * the payment processor gateway client, and the message broker; concrete
 * dependencies are injected at construction so nothing in this package touches
 * a global.
 *
 * @dependencies
 * - context, crypto/rand, encoding/hex, errors, fmt, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/paystack: The processor gateway client types.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
	"github.com/tradepost/settlement-service/pkg/paystack"
)

// Validation and state errors surfaced synchronously to callers.
var (
	ErrAmountOutOfRange        = errors.New("transfer amount is outside the permitted bounds")
	ErrRecipientInactive       = errors.New("recipient is deactivated")
	ErrRecipientNotValidated   = errors.New("bank recipient has not been validated")
	ErrInvalidRecipientDetails = errors.New("recipient details are incomplete")
	ErrAccountValidationFailed = errors.New("bank account validation failed")
	ErrEscrowNotReleasable     = errors.New("escrow transaction is not in a releasable state")
	ErrNoActiveRecipient       = errors.New("seller has no usable payout recipient")
	ErrInvalidEscrowAmounts    = errors.New("escrow amounts are inconsistent")
)

// EventsExchange is the topic exchange carrying outbound settlement events.
const EventsExchange = "marketplace.events"

// Gateway is the outbound surface of the payment processor client consumed by
// the service. The concrete *paystack.Client satisfies it; tests substitute
// stubs.
type Gateway interface {
	ListBanks(ctx context.Context, country string) ([]paystack.Bank, error)
	ValidateAccount(ctx context.Context, req paystack.ValidateAccountRequest) (*paystack.ValidateAccountResult, error)
	CreateRecipient(ctx context.Context, req paystack.CreateRecipientRequest) (*paystack.RecipientData, error)
	ListRecipients(ctx context.Context) ([]paystack.RecipientData, error)
	FetchRecipient(ctx context.Context, recipientCode string) (*paystack.RecipientData, error)
	UpdateRecipient(ctx context.Context, recipientCode, name string) error
	DeleteRecipient(ctx context.Context, recipientCode string) error
	InitiateTransfer(ctx context.Context, recipientCode string, amount int64, reference, reason, currency string) (*paystack.TransferResult, error)
	FetchTransfer(ctx context.Context, transferCode string) (*paystack.TransferResult, error)
	VerifyWebhookSignature(body []byte, signatureHeader string) bool
}

// Publisher is the outbound event surface for the notification collaborator.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Settings carries the tunable behavior of the settlement engine.
type Settings struct {
	Currency          string
	Country           string
	MinTransferAmount int64 // minor units
	MaxTransferAmount int64 // minor units
	MaxRetries        int
	RetryBaseDelay    time.Duration
	MaxRetryDelay     time.Duration
	ReferencePrefix   string
}

// Service provides the core business logic of the settlement engine: the
// recipient directory, the transfer orchestrator, and the escrow release
// coordinator.
type Service struct {
	repo     store.Repository
	gateway  Gateway
	producer Publisher
	settings Settings

	// dispatch hands a freshly accepted transfer to its first processing
	// attempt; tests substitute a synchronous version.
	dispatch func(transferID uuid.UUID)
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, gateway Gateway, producer Publisher, settings Settings) *Service {
	if settings.MaxRetries <= 0 {
		settings.MaxRetries = 3
	}
	if settings.RetryBaseDelay <= 0 {
		settings.RetryBaseDelay = time.Minute
	}
	if settings.MaxRetryDelay <= 0 {
		settings.MaxRetryDelay = 30 * time.Minute
	}
	if settings.ReferencePrefix == "" {
		settings.ReferencePrefix = "payout"
	}
	s := &Service{
		repo:     repo,
		gateway:  gateway,
		producer: producer,
		settings: settings,
	}
	s.dispatch = func(transferID uuid.UUID) { go s.processAsync(transferID) }
	return s
}

// generateReference mints a transfer reference of the form
// <prefix>_<unix timestamp>_<8 hex chars>.
func (s *Service) generateReference() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate reference entropy: %w", err)
	}
	return fmt.Sprintf("%s_%d_%s", s.settings.ReferencePrefix, time.Now().Unix(), hex.EncodeToString(buf)), nil
}

// retryDelay computes the transfer-layer backoff for the given retry number
// (1-based): base x 2^(n-1), capped.
func (s *Service) retryDelay(retryNumber int) time.Duration {
	delay := s.settings.RetryBaseDelay
	for i := 1; i < retryNumber; i++ {
		delay *= 2
		if delay >= s.settings.MaxRetryDelay {
			return s.settings.MaxRetryDelay
		}
	}
	if delay > s.settings.MaxRetryDelay {
		return s.settings.MaxRetryDelay
	}
	return delay
}

// publishPayoutStatus informs the notification collaborator of a transfer
// status worth alerting on. Publish failures are logged, never fatal: the
// transfer record is the source of truth.
func (s *Service) publishPayoutStatus(ctx context.Context, transfer *domain.Transfer) {
	if s.producer == nil {
		return
	}
	event := domain.PayoutStatusEvent{
		TransferID:      transfer.ID,
		Reference:       transfer.Reference,
		Status:          transfer.Status,
		Amount:          transfer.Amount,
		Currency:        transfer.Currency,
		RecipientUserID: transfer.RecipientUserID,
		FailureReason:   transfer.FailureReason,
	}
	routingKey := "payout.status." + transfer.Status
	if err := s.producer.Publish(ctx, EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=settlement msg=\"payout status publish failed\" transfer_id=%s routing_key=%s err=%v", transfer.ID, routingKey, err)
	}
}

// isClientGatewayError reports whether the gateway error is a permanent
// caller-side rejection that must not consume the retry budget.
func isClientGatewayError(err error) bool {
	return paystack.IsClientError(err)
}
