/**
 * @description
 * Scheduled job implementations for the settlement service: dispatching due
 * transfer retries, reconciling transfers whose webhook never arrived, and
 * releasing escrows whose auto-release window has elapsed.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tradepost/settlement-service/internal/domain"
)

// Repository defines the database operations needed by the jobs.
type Repository interface {
	FindDueRetryTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)
	FindStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error)
	FindAutoReleasableEscrows(ctx context.Context, now time.Time, limit int) ([]domain.EscrowTransaction, error)
}

// Settlement defines the settlement operations the jobs drive.
type Settlement interface {
	ProcessTransfer(ctx context.Context, transferID uuid.UUID) error
	GetTransferStatus(ctx context.Context, transferID uuid.UUID) (*domain.TransferStatusProjection, error)
	ProcessEscrowRelease(ctx context.Context, escrowID uuid.UUID, req domain.ReleaseEscrowRequest) (*domain.Transfer, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       Repository
	settlement Settlement
	logger     *slog.Logger
	config     Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo Repository, settlement Settlement, logger *slog.Logger, cfg Config) *Jobs {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Jobs{
		repo:       repo,
		settlement: settlement,
		logger:     logger,
		config:     cfg,
	}
}

// DispatchDueRetries resubmits pending transfers whose persisted retry time
// has arrived.
func (j *Jobs) DispatchDueRetries() {
	ctx, cancel := context.WithTimeout(context.Background(), j.config.JobTimeout)
	defer cancel()

	transfers, err := j.repo.FindDueRetryTransfers(ctx, time.Now(), j.config.BatchSize)
	if err != nil {
		j.logger.Error("failed to load due retry transfers", "error", err)
		return
	}
	if len(transfers) == 0 {
		return
	}

	j.logger.Info("dispatching due transfer retries", "count", len(transfers))
	for _, transfer := range transfers {
		if err := j.settlement.ProcessTransfer(ctx, transfer.ID); err != nil {
			j.logger.Error("transfer retry dispatch failed", "transfer_id", transfer.ID, "reference", transfer.Reference, "error", err)
		}
	}
}

// ReconcileStaleTransfers asks the processor for its view of transfers that
// have sat in processing longer than the stale window, covering lost webhooks.
func (j *Jobs) ReconcileStaleTransfers() {
	ctx, cancel := context.WithTimeout(context.Background(), j.config.JobTimeout)
	defer cancel()

	transfers, err := j.repo.FindStalePendingTransfers(ctx, time.Now().Add(-j.config.StaleAfter), j.config.BatchSize)
	if err != nil {
		j.logger.Error("failed to load stale transfers", "error", err)
		return
	}
	if len(transfers) == 0 {
		return
	}

	j.logger.Info("reconciling stale transfers", "count", len(transfers))
	for _, transfer := range transfers {
		// The status read reconciles against the processor as a side effect.
		if _, err := j.settlement.GetTransferStatus(ctx, transfer.ID); err != nil {
			j.logger.Error("transfer reconciliation failed", "transfer_id", transfer.ID, "reference", transfer.Reference, "error", err)
		}
	}
}

// ProcessEscrowAutoRelease releases funded escrows whose auto-release window
// has elapsed without a dispute.
func (j *Jobs) ProcessEscrowAutoRelease() {
	ctx, cancel := context.WithTimeout(context.Background(), j.config.JobTimeout)
	defer cancel()

	escrows, err := j.repo.FindAutoReleasableEscrows(ctx, time.Now(), j.config.BatchSize)
	if err != nil {
		j.logger.Error("failed to load auto-releasable escrows", "error", err)
		return
	}
	if len(escrows) == 0 {
		return
	}

	j.logger.Info("processing escrow auto-releases", "count", len(escrows))
	for _, escrow := range escrows {
		req := domain.ReleaseEscrowRequest{Reason: "auto-release window elapsed"}
		if _, err := j.settlement.ProcessEscrowRelease(ctx, escrow.ID, req); err != nil {
			j.logger.Error("escrow auto-release failed", "escrow_id", escrow.ID, "reference", escrow.Reference, "error", err)
		}
	}
}
