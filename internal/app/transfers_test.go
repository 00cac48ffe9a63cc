package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
	"github.com/tradepost/settlement-service/pkg/paystack"
)

func TestInitiateTransfer_RejectsAmountBelowMinimum(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	_, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      50,
		Reason:      "too small",
	})
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
	if gateway.initiateCallCount() != 0 {
		t.Error("processor must not be contacted for an invalid amount")
	}
}

func TestInitiateTransfer_RejectsAmountAboveMaximum(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	_, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      2_000_000,
		Reason:      "too large",
	})
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}
	if gateway.initiateCallCount() != 0 {
		t.Error("processor must not be contacted for an invalid amount")
	}
}

func TestInitiateTransfer_RejectsUnvalidatedBankRecipient(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	recipient := seedBankRecipient(repo, uuid.New(), false)

	_, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if !errors.Is(err, ErrRecipientNotValidated) {
		t.Fatalf("expected ErrRecipientNotValidated, got %v", err)
	}
}

func TestInitiateTransfer_RejectsInactiveRecipient(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)
	repo.recipients[recipient.ID].IsActive = false

	_, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if !errors.Is(err, ErrRecipientInactive) {
		t.Fatalf("expected ErrRecipientInactive, got %v", err)
	}
}

func TestInitiateTransfer_RejectsDuplicateExplicitReference(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	first, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
		Reference:   "order_1234_payout",
	})
	if err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	if first.Status != domain.TransferStatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}

	_, err = svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
		Reference:   "order_1234_payout",
	})
	if !errors.Is(err, store.ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if gateway.initiateCallCount() != 0 {
		t.Error("duplicate reference must be rejected before contacting the processor")
	}
}

func TestProcessTransfer_SuccessScenario(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
		Reason:      "marketplace payout",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !strings.HasPrefix(transfer.Reference, "payout_") {
		t.Errorf("generated reference %q missing prefix", transfer.Reference)
	}

	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, err := repo.FindTransferByID(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored.Status != domain.TransferStatusSuccess {
		t.Fatalf("expected success, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if stored.TransferCode == nil {
		t.Error("expected processor transfer code to be recorded")
	}
	keys := producer.routingKeys()
	if len(keys) != 1 || keys[0] != "payout.status.success" {
		t.Errorf("unexpected published events %v", keys)
	}
}

func TestProcessTransfer_ClaimedOnlyOnce(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("second process: %v", err)
	}
	if gateway.initiateCallCount() != 1 {
		t.Fatalf("expected a single submission, got %d", gateway.initiateCallCount())
	}
}

func TestProcessTransfer_ClientErrorFailsWithoutRetry(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{
		initiateTransferFn: func(ctx context.Context, recipientCode string, amount int64, reference, reason, currency string) (*paystack.TransferResult, error) {
			return nil, &paystack.APIError{StatusCode: 400, Message: "insufficient balance"}
		},
	}
	producer := &publisherStub{}
	svc := newTestService(repo, gateway, producer)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := repo.FindTransferByID(context.Background(), transfer.ID)
	if stored.Status != domain.TransferStatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Errorf("client rejection must not consume the retry budget, got retry_count=%d", stored.RetryCount)
	}
	if stored.FailureReason == nil || !strings.Contains(*stored.FailureReason, "insufficient balance") {
		t.Errorf("failure reason not preserved: %v", stored.FailureReason)
	}
	keys := producer.routingKeys()
	if len(keys) != 1 || keys[0] != "payout.status.failed" {
		t.Errorf("unexpected published events %v", keys)
	}
}

func TestProcessTransfer_ServerErrorSchedulesRetryThenExhausts(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{
		initiateTransferFn: func(ctx context.Context, recipientCode string, amount int64, reference, reason, currency string) (*paystack.TransferResult, error) {
			return nil, &paystack.APIError{StatusCode: 503, Message: "processor unavailable"}
		},
	}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		stored, _ := repo.FindTransferByID(context.Background(), transfer.ID)
		if stored.Status != domain.TransferStatusPending {
			t.Fatalf("attempt %d: expected pending, got %s", attempt, stored.Status)
		}
		if stored.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retry_count=%d, got %d", attempt, attempt, stored.RetryCount)
		}
		if stored.NextRetryAt == nil {
			t.Fatalf("attempt %d: expected a persisted next_retry_at", attempt)
		}
	}

	// Fourth attempt exhausts the budget.
	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	stored, _ := repo.FindTransferByID(context.Background(), transfer.ID)
	if stored.Status != domain.TransferStatusFailed {
		t.Fatalf("expected failed after exhaustion, got %s", stored.Status)
	}
	if stored.RetryCount != 3 {
		t.Errorf("retry_count must stay within budget, got %d", stored.RetryCount)
	}
	if stored.NextRetryAt != nil {
		t.Error("no further retry may be scheduled after terminal failure")
	}
	if gateway.initiateCallCount() != 4 {
		t.Errorf("expected 4 submissions, got %d", gateway.initiateCallCount())
	}
}

func TestProcessTransfer_PendingAnswerLeavesProcessing(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{
		initiateTransferFn: func(ctx context.Context, recipientCode string, amount int64, reference, reason, currency string) (*paystack.TransferResult, error) {
			return &paystack.TransferResult{TransferCode: "TRF_pending", Reference: reference, Status: "pending"}, nil
		},
	}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := repo.FindTransferByID(context.Background(), transfer.ID)
	if stored.Status != domain.TransferStatusProcessing {
		t.Fatalf("expected processing, got %s", stored.Status)
	}
	if stored.TransferCode == nil || *stored.TransferCode != "TRF_pending" {
		t.Errorf("expected transfer code recorded, got %v", stored.TransferCode)
	}
}

func TestApplyProcessorStatus_TerminalStatusNeverRegresses(t *testing.T) {
	repo := newMemRepo()
	producer := &publisherStub{}
	svc := newTestService(repo, &gatewayStub{}, producer)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	stored, _ := repo.FindTransferByID(context.Background(), transfer.ID)
	if stored.Status != domain.TransferStatusSuccess {
		t.Fatalf("setup expected success, got %s", stored.Status)
	}

	// A late 'failed' view must not overwrite the terminal success.
	if err := svc.applyProcessorStatus(context.Background(), stored, "failed", "stale view"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	stored, _ = repo.FindTransferByID(context.Background(), transfer.ID)
	if stored.Status != domain.TransferStatusSuccess {
		t.Fatalf("terminal status regressed to %s", stored.Status)
	}
	keys := producer.routingKeys()
	if len(keys) != 1 {
		t.Errorf("no additional event may be published for an ignored update, got %v", keys)
	}
}

func TestGetTransferStatus_ReconcilesNonTerminalTransfer(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{
		initiateTransferFn: func(ctx context.Context, recipientCode string, amount int64, reference, reason, currency string) (*paystack.TransferResult, error) {
			return &paystack.TransferResult{TransferCode: "TRF_slow", Reference: reference, Status: "pending"}, nil
		},
		fetchTransferFn: func(ctx context.Context, transferCode string) (*paystack.TransferResult, error) {
			return &paystack.TransferResult{TransferCode: transferCode, Status: "success"}, nil
		},
	}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("process: %v", err)
	}

	projection, err := svc.GetTransferStatus(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if projection.Status != domain.TransferStatusSuccess {
		t.Fatalf("expected reconciled success, got %s", projection.Status)
	}
	if projection.RecipientName != "Thabo Seller" {
		t.Errorf("expected recipient name in projection, got %q", projection.RecipientName)
	}
}

func TestProcessTransfer_CompletesWithoutPublisher(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, nil)
	recipient := seedBankRecipient(repo, uuid.New(), true)

	transfer, err := svc.InitiateTransfer(context.Background(), domain.InitiateTransferRequest{
		SenderID:    uuid.New(),
		RecipientID: recipient.ID,
		Amount:      150_000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.ProcessTransfer(context.Background(), transfer.ID); err != nil {
		t.Fatalf("processing without a configured publisher must not fail: %v", err)
	}

	stored, _ := repo.FindTransferByID(context.Background(), transfer.ID)
	if stored.Status != domain.TransferStatusSuccess {
		t.Fatalf("expected success, got %s", stored.Status)
	}
}
