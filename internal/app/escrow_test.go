package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
	"github.com/tradepost/settlement-service/internal/store"
)

func seedFundedEscrow(repo *memRepo, sellerID uuid.UUID) *domain.EscrowTransaction {
	escrow := &domain.EscrowTransaction{
		ID:           uuid.New(),
		Reference:    "escrow_test_ref",
		BuyerID:      uuid.New(),
		SellerID:     sellerID,
		ListingID:    uuid.New(),
		Amount:       200_000,
		Currency:     "ZAR",
		PlatformFee:  20_000,
		SellerAmount: 180_000,
		Status:       domain.EscrowStatusFunded,
	}
	repo.escrows[escrow.ID] = escrow
	return escrow
}

func TestRecordEscrowTransaction_EnforcesAmountSplit(t *testing.T) {
	svc := newTestService(newMemRepo(), &gatewayStub{}, nil)

	cases := []struct {
		name        string
		amount, fee int64
	}{
		{"fee equals amount", 1000, 1000},
		{"fee exceeds amount", 1000, 1500},
		{"negative fee", 1000, -10},
		{"zero amount", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RecordEscrowTransaction(context.Background(), domain.CreateEscrowTransactionRequest{
				Reference:   "escrow_bad",
				BuyerID:     uuid.New(),
				SellerID:    uuid.New(),
				ListingID:   uuid.New(),
				Amount:      tc.amount,
				PlatformFee: tc.fee,
			})
			if !errors.Is(err, ErrInvalidEscrowAmounts) {
				t.Fatalf("expected ErrInvalidEscrowAmounts, got %v", err)
			}
		})
	}
}

func TestRecordEscrowTransaction_ComputesSellerAmount(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)

	escrow, err := svc.RecordEscrowTransaction(context.Background(), domain.CreateEscrowTransactionRequest{
		Reference:   "escrow_ok",
		BuyerID:     uuid.New(),
		SellerID:    uuid.New(),
		ListingID:   uuid.New(),
		Amount:      200_000,
		PlatformFee: 20_000,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if escrow.SellerAmount != 180_000 {
		t.Errorf("expected seller amount 180000, got %d", escrow.SellerAmount)
	}
	if escrow.Status != domain.EscrowStatusCreated {
		t.Errorf("expected created, got %s", escrow.Status)
	}
	if escrow.Currency != "ZAR" {
		t.Errorf("expected service currency, got %s", escrow.Currency)
	}
}

func TestMarkEscrowFunded_IsIdempotent(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)

	escrow, err := svc.RecordEscrowTransaction(context.Background(), domain.CreateEscrowTransactionRequest{
		Reference:   "escrow_fund",
		BuyerID:     uuid.New(),
		SellerID:    uuid.New(),
		ListingID:   uuid.New(),
		Amount:      100_000,
		PlatformFee: 10_000,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	for i := 0; i < 2; i++ {
		updated, err := svc.MarkEscrowFunded(context.Background(), escrow.ID)
		if err != nil {
			t.Fatalf("fund %d: %v", i, err)
		}
		if updated.Status != domain.EscrowStatusFunded {
			t.Fatalf("fund %d: expected funded, got %s", i, updated.Status)
		}
	}
}

func TestProcessEscrowRelease_PaysSellerAmount(t *testing.T) {
	repo := newMemRepo()
	gateway := &gatewayStub{}
	svc := newTestService(repo, gateway, nil)
	sellerID := uuid.New()
	seedBankRecipient(repo, sellerID, true)
	escrow := seedFundedEscrow(repo, sellerID)

	releasedBy := escrow.BuyerID
	transfer, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{
		ReleasedBy: &releasedBy,
		Reason:     "buyer confirmed delivery",
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if transfer.Amount != escrow.SellerAmount {
		t.Errorf("payout must be the seller share, got %d", transfer.Amount)
	}
	if transfer.EscrowTransactionID == nil || *transfer.EscrowTransactionID != escrow.ID {
		t.Error("payout must link back to the escrow transaction")
	}

	stored, _ := repo.FindEscrowTransactionByID(context.Background(), escrow.ID)
	if stored.Status != domain.EscrowStatusReleased {
		t.Fatalf("expected released, got %s", stored.Status)
	}
	if stored.ReleasedBy == nil || *stored.ReleasedBy != releasedBy {
		t.Error("released_by not recorded")
	}
}

func TestProcessEscrowRelease_IsIdempotent(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	sellerID := uuid.New()
	seedBankRecipient(repo, sellerID, true)
	escrow := seedFundedEscrow(repo, sellerID)

	first, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	second, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeated release created a second payout: %s vs %s", first.ID, second.ID)
	}
}

func TestProcessEscrowRelease_ConcurrentTriggersPayOnce(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	sellerID := uuid.New()
	seedBankRecipient(repo, sellerID, true)
	escrow := seedFundedEscrow(repo, sellerID)

	const releasers = 8
	var wg sync.WaitGroup
	ids := make(chan uuid.UUID, releasers)
	for i := 0; i < releasers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			transfer, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
			if err == nil {
				ids <- transfer.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		seen[id] = true
	}
	if len(seen) != 1 {
		t.Fatalf("expected exactly one payout transfer, got %d", len(seen))
	}
}

func TestProcessEscrowRelease_RejectsUnfundedEscrow(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	sellerID := uuid.New()
	seedBankRecipient(repo, sellerID, true)
	escrow := seedFundedEscrow(repo, sellerID)
	repo.escrows[escrow.ID].Status = domain.EscrowStatusCreated

	_, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if !errors.Is(err, ErrEscrowNotReleasable) {
		t.Fatalf("expected ErrEscrowNotReleasable, got %v", err)
	}
}

func TestProcessEscrowRelease_RequiresUsableSellerRecipient(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	sellerID := uuid.New()
	escrow := seedFundedEscrow(repo, sellerID)

	_, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if !errors.Is(err, ErrNoActiveRecipient) {
		t.Fatalf("expected ErrNoActiveRecipient with no recipient, got %v", err)
	}

	rec := seedBankRecipient(repo, sellerID, false)
	_, err = svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if !errors.Is(err, ErrNoActiveRecipient) {
		t.Fatalf("expected ErrNoActiveRecipient with unvalidated recipient, got %v", err)
	}
	repo.recipients[rec.ID].IsValidated = true

	stored, _ := repo.FindEscrowTransactionByID(context.Background(), escrow.ID)
	if stored.Status != domain.EscrowStatusFunded {
		t.Fatalf("failed release attempts must not move the escrow, got %s", stored.Status)
	}

	if _, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{}); err != nil {
		t.Fatalf("release after validation: %v", err)
	}
}

func TestProcessEscrowRelease_PicksLatestActiveRecipient(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	sellerID := uuid.New()
	older := seedBankRecipient(repo, sellerID, true)
	repo.recipients[older.ID].CreatedAt = time.Now().Add(-time.Hour)
	newer := seedBankRecipient(repo, sellerID, true)
	escrow := seedFundedEscrow(repo, sellerID)

	transfer, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if transfer.RecipientID != newer.ID {
		t.Fatalf("expected the most recent recipient %s, got %s", newer.ID, transfer.RecipientID)
	}
}

func TestProcessEscrowRelease_OversizedSellerShareLeavesEscrowFunded(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, &gatewayStub{}, nil)
	sellerID := uuid.New()
	seedBankRecipient(repo, sellerID, true)

	escrow := &domain.EscrowTransaction{
		ID:           uuid.New(),
		Reference:    "escrow_big_order",
		BuyerID:      uuid.New(),
		SellerID:     sellerID,
		ListingID:    uuid.New(),
		Amount:       2_500_000,
		Currency:     "ZAR",
		PlatformFee:  500_000,
		SellerAmount: 2_000_000,
		Status:       domain.EscrowStatusFunded,
	}
	repo.escrows[escrow.ID] = escrow

	_, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if !errors.Is(err, ErrAmountOutOfRange) {
		t.Fatalf("expected ErrAmountOutOfRange, got %v", err)
	}

	stored, _ := repo.FindEscrowTransactionByID(context.Background(), escrow.ID)
	if stored.Status != domain.EscrowStatusFunded {
		t.Fatalf("an unpayable escrow must stay funded, got %s", stored.Status)
	}
	if _, err := repo.FindTransferByEscrowTransactionID(context.Background(), escrow.ID); !errors.Is(err, store.ErrTransferNotFound) {
		t.Fatalf("no payout transfer may exist, lookup returned %v", err)
	}
}

// flakyCreateTransferRepo fails a configured number of CreateTransfer calls to
// simulate the payout row not persisting after the release was claimed.
type flakyCreateTransferRepo struct {
	*memRepo
	failures int
}

func (r *flakyCreateTransferRepo) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset by peer")
	}
	return r.memRepo.CreateTransfer(ctx, transfer)
}

func TestProcessEscrowRelease_RevertsClaimWhenPayoutCannotPersist(t *testing.T) {
	repo := newMemRepo()
	flaky := &flakyCreateTransferRepo{memRepo: repo, failures: 1}
	svc := NewService(flaky, &gatewayStub{}, nil, testSettings())
	svc.dispatch = func(uuid.UUID) {}
	sellerID := uuid.New()
	seedBankRecipient(repo, sellerID, true)
	escrow := seedFundedEscrow(repo, sellerID)

	if _, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{}); err == nil {
		t.Fatal("expected the first release to fail")
	}

	stored, _ := repo.FindEscrowTransactionByID(context.Background(), escrow.ID)
	if stored.Status != domain.EscrowStatusFunded {
		t.Fatalf("escrow must return to funded after a failed payout, got %s", stored.Status)
	}
	if stored.ReleasedBy != nil || stored.ReleaseReason != nil {
		t.Error("reverting the claim must clear the recorded approver")
	}

	transfer, err := svc.ProcessEscrowRelease(context.Background(), escrow.ID, domain.ReleaseEscrowRequest{})
	if err != nil {
		t.Fatalf("retry after revert: %v", err)
	}
	if transfer.Amount != escrow.SellerAmount {
		t.Errorf("retried payout must carry the seller share, got %d", transfer.Amount)
	}
}
