/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL for the `transfer_recipients`,
 * `transfers`, and `escrow_transactions` tables.
 *
 * Concurrency-sensitive writes are guarded UPDATEs: claiming a transfer for
 * processing, marking an escrow released, and applying terminal statuses all
 * carry a status predicate so a lost race is reported as zero rows affected
 * instead of clobbering state. The unique index on transfers.reference and the
 * partial unique index on transfers.escrow_transaction_id back the idempotency
 * guarantees; unique violations are mapped to typed errors here.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - internal/domain: Domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tradepost/settlement-service/internal/domain"
)

var (
	ErrRecipientNotFound  = errors.New("recipient not found")
	ErrTransferNotFound   = errors.New("transfer not found")
	ErrEscrowNotFound     = errors.New("escrow transaction not found")
	ErrDuplicateReference = errors.New("a transfer with this reference already exists")
	ErrEscrowAlreadyPaid  = errors.New("a transfer already references this escrow transaction")
)

const pgUniqueViolation = "23505"

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recipientColumns = `
	id, user_id, recipient_code, type,
	bank_code, bank_name, account_number, account_name,
	authorization_code, card_last4, card_bank,
	is_validated, validation_cost, description, is_active,
	created_at, updated_at`

func scanRecipient(row pgx.Row) (*domain.TransferRecipient, error) {
	var r domain.TransferRecipient
	err := row.Scan(
		&r.ID, &r.UserID, &r.RecipientCode, &r.Type,
		&r.BankCode, &r.BankName, &r.AccountNumber, &r.AccountName,
		&r.AuthorizationCode, &r.CardLast4, &r.CardBank,
		&r.IsValidated, &r.ValidationCost, &r.Description, &r.IsActive,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return &r, nil
}

// CreateRecipient persists a new recipient record.
func (r *PostgresRepository) CreateRecipient(ctx context.Context, recipient *domain.TransferRecipient) error {
	query := `
		INSERT INTO transfer_recipients (
			id, user_id, recipient_code, type,
			bank_code, bank_name, account_number, account_name,
			authorization_code, card_last4, card_bank,
			is_validated, validation_cost, description, is_active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		recipient.ID, recipient.UserID, recipient.RecipientCode, recipient.Type,
		recipient.BankCode, recipient.BankName, recipient.AccountNumber, recipient.AccountName,
		recipient.AuthorizationCode, recipient.CardLast4, recipient.CardBank,
		recipient.IsValidated, recipient.ValidationCost, recipient.Description, recipient.IsActive,
	).Scan(&recipient.CreatedAt, &recipient.UpdatedAt)
}

// FindRecipientByID retrieves a recipient by its id, regardless of owner.
func (r *PostgresRepository) FindRecipientByID(ctx context.Context, recipientID uuid.UUID) (*domain.TransferRecipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM transfer_recipients WHERE id = $1`
	return scanRecipient(r.db.QueryRow(ctx, query, recipientID))
}

// FindRecipientForUser retrieves a recipient scoped by both its id and the
// requesting user's id. This is the authorization boundary for mutations.
func (r *PostgresRepository) FindRecipientForUser(ctx context.Context, recipientID, userID uuid.UUID) (*domain.TransferRecipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM transfer_recipients WHERE id = $1 AND user_id = $2`
	return scanRecipient(r.db.QueryRow(ctx, query, recipientID, userID))
}

// FindActiveBankRecipient looks up an existing active bank recipient with the
// same account and bank for a user, enabling idempotent creates.
func (r *PostgresRepository) FindActiveBankRecipient(ctx context.Context, userID uuid.UUID, accountNumber, bankCode string) (*domain.TransferRecipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM transfer_recipients
		WHERE user_id = $1 AND account_number = $2 AND bank_code = $3
		  AND type = 'bank_account' AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanRecipient(r.db.QueryRow(ctx, query, userID, accountNumber, bankCode))
}

// FindActiveAuthorizationRecipient looks up an existing active authorization
// recipient for a user by its stored authorization code.
func (r *PostgresRepository) FindActiveAuthorizationRecipient(ctx context.Context, userID uuid.UUID, authorizationCode string) (*domain.TransferRecipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM transfer_recipients
		WHERE user_id = $1 AND authorization_code = $2
		  AND type = 'authorization' AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanRecipient(r.db.QueryRow(ctx, query, userID, authorizationCode))
}

// FindRecipientsByUserID returns a user's recipients most-recent-first.
// Deactivated recipients are included only when includeInactive is set.
func (r *PostgresRepository) FindRecipientsByUserID(ctx context.Context, userID uuid.UUID, includeInactive bool) ([]domain.TransferRecipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM transfer_recipients WHERE user_id = $1`
	if !includeInactive {
		query += ` AND is_active = TRUE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []domain.TransferRecipient
	for rows.Next() {
		recipient, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, *recipient)
	}
	return recipients, rows.Err()
}

// FindLatestActiveRecipientByUserID returns the user's most-recently-created
// active recipient, used to pick the payout destination for an escrow release.
func (r *PostgresRepository) FindLatestActiveRecipientByUserID(ctx context.Context, userID uuid.UUID) (*domain.TransferRecipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM transfer_recipients
		WHERE user_id = $1 AND is_active = TRUE
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanRecipient(r.db.QueryRow(ctx, query, userID))
}

// UpdateRecipient applies the mutable recipient fields, scoped by both the
// recipient id and the owning user id.
func (r *PostgresRepository) UpdateRecipient(ctx context.Context, recipientID, userID uuid.UUID, params UpdateRecipientParams) (*domain.TransferRecipient, error) {
	setClauses := []string{"updated_at = NOW()"}
	args := []interface{}{recipientID, userID}

	if params.AccountName != nil {
		args = append(args, *params.AccountName)
		setClauses = append(setClauses, "account_name = $"+strconv.Itoa(len(args)))
	}
	if params.Description != nil {
		args = append(args, *params.Description)
		setClauses = append(setClauses, "description = $"+strconv.Itoa(len(args)))
	}
	if params.IsActive != nil {
		args = append(args, *params.IsActive)
		setClauses = append(setClauses, "is_active = $"+strconv.Itoa(len(args)))
	}

	query := `
		UPDATE transfer_recipients
		SET ` + strings.Join(setClauses, ", ") + `
		WHERE id = $1 AND user_id = $2
		RETURNING ` + recipientColumns
	return scanRecipient(r.db.QueryRow(ctx, query, args...))
}

// DeactivateRecipient soft-deletes a recipient. When userID is provided the
// update is scoped to that owner; a nil userID is the operator path.
func (r *PostgresRepository) DeactivateRecipient(ctx context.Context, recipientID uuid.UUID, userID *uuid.UUID) error {
	query := `UPDATE transfer_recipients SET is_active = FALSE, updated_at = NOW() WHERE id = $1`
	args := []interface{}{recipientID}
	if userID != nil {
		query += ` AND user_id = $2`
		args = append(args, *userID)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecipientNotFound
	}
	return nil
}

const transferColumns = `
	id, reference, sender_id, recipient_id, recipient_user_id,
	amount, currency, reason, transfer_code, status, failure_reason,
	retry_count, max_retries, next_retry_at,
	escrow_transaction_id, listing_id,
	initiated_at, completed_at, failed_at, created_at, updated_at`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var t domain.Transfer
	err := row.Scan(
		&t.ID, &t.Reference, &t.SenderID, &t.RecipientID, &t.RecipientUserID,
		&t.Amount, &t.Currency, &t.Reason, &t.TransferCode, &t.Status, &t.FailureReason,
		&t.RetryCount, &t.MaxRetries, &t.NextRetryAt,
		&t.EscrowTransactionID, &t.ListingID,
		&t.InitiatedAt, &t.CompletedAt, &t.FailedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &t, nil
}

// CreateTransfer persists a new pending transfer. Unique violations on the
// reference and on the escrow link are mapped to their typed errors.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `
		INSERT INTO transfers (
			id, reference, sender_id, recipient_id, recipient_user_id,
			amount, currency, reason, transfer_code, status, failure_reason,
			retry_count, max_retries, next_retry_at,
			escrow_transaction_id, listing_id,
			initiated_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW(), NOW())
		RETURNING initiated_at, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		transfer.ID, transfer.Reference, transfer.SenderID, transfer.RecipientID, transfer.RecipientUserID,
		transfer.Amount, transfer.Currency, transfer.Reason, transfer.TransferCode, transfer.Status, transfer.FailureReason,
		transfer.RetryCount, transfer.MaxRetries, transfer.NextRetryAt,
		transfer.EscrowTransactionID, transfer.ListingID,
	).Scan(&transfer.InitiatedAt, &transfer.CreatedAt, &transfer.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "escrow") {
				return ErrEscrowAlreadyPaid
			}
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

// FindTransferByID retrieves a transfer by its id.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, transferID))
}

// FindTransferByReference retrieves a transfer by its idempotency reference.
func (r *PostgresRepository) FindTransferByReference(ctx context.Context, reference string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE reference = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, reference))
}

// FindTransferByTransferCode retrieves a transfer by the processor's code.
func (r *PostgresRepository) FindTransferByTransferCode(ctx context.Context, transferCode string) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE transfer_code = $1`
	return scanTransfer(r.db.QueryRow(ctx, query, transferCode))
}

// FindTransferByEscrowTransactionID retrieves the transfer linked to an escrow
// transaction, if any.
func (r *PostgresRepository) FindTransferByEscrowTransactionID(ctx context.Context, escrowID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE escrow_transaction_id = $1 ORDER BY created_at LIMIT 1`
	return scanTransfer(r.db.QueryRow(ctx, query, escrowID))
}

// ClaimTransferForProcessing moves a pending transfer to processing. It
// reports false when the transfer was not pending, which makes duplicate
// concurrent triggers safe no-ops.
func (r *PostgresRepository) ClaimTransferForProcessing(ctx context.Context, transferID uuid.UUID) (bool, error) {
	query := `
		UPDATE transfers
		SET status = 'processing', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, transferID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordTransferSubmission stores the processor-assigned transfer code after a
// submission was accepted.
func (r *PostgresRepository) RecordTransferSubmission(ctx context.Context, transferID uuid.UUID, transferCode string) error {
	query := `UPDATE transfers SET transfer_code = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, transferID, transferCode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// MarkTransferSuccess applies the terminal success status. The guard keeps a
// transfer that already reached a terminal status untouched.
func (r *PostgresRepository) MarkTransferSuccess(ctx context.Context, transferID uuid.UUID, transferCode string) (bool, error) {
	query := `
		UPDATE transfers
		SET status = 'success',
		    transfer_code = COALESCE(NULLIF($2, ''), transfer_code),
		    completed_at = NOW(),
		    next_retry_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failed')
	`
	tag, err := r.db.Exec(ctx, query, transferID, transferCode)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkTransferFailed applies the terminal failed status and records the reason.
func (r *PostgresRepository) MarkTransferFailed(ctx context.Context, transferID uuid.UUID, failureReason string) (bool, error) {
	query := `
		UPDATE transfers
		SET status = 'failed',
		    failure_reason = $2,
		    failed_at = NOW(),
		    next_retry_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('success', 'failed')
	`
	tag, err := r.db.Exec(ctx, query, transferID, failureReason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkTransferReversed records a processor-reported reversal. A reversal is an
// external event observed only after the processor accepted the transfer, so a
// never-submitted pending transfer and a failed one are both left untouched.
func (r *PostgresRepository) MarkTransferReversed(ctx context.Context, transferID uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE transfers
		SET status = 'reversed',
		    failure_reason = NULLIF($2, ''),
		    next_retry_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('success', 'processing')
	`
	tag, err := r.db.Exec(ctx, query, transferID, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ScheduleTransferRetry resets a transfer to pending with its next attempt
// time persisted, so the retry survives a process restart and is dispatched by
// the scheduler.
func (r *PostgresRepository) ScheduleTransferRetry(ctx context.Context, transferID uuid.UUID, retryCount int, nextRetryAt time.Time, failureReason string) error {
	query := `
		UPDATE transfers
		SET status = 'pending',
		    retry_count = $2,
		    next_retry_at = $3,
		    failure_reason = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`
	tag, err := r.db.Exec(ctx, query, transferID, retryCount, nextRetryAt, failureReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

// FindDueRetryTransfers returns pending transfers whose persisted retry time
// has passed, oldest first.
func (r *PostgresRepository) FindDueRetryTransfers(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at
		LIMIT $2
	`
	return r.queryTransfers(ctx, query, now, limit)
}

// FindStalePendingTransfers returns transfers submitted to the processor that
// have sat pending past the given age, candidates for reconciliation.
func (r *PostgresRepository) FindStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE status IN ('pending', 'processing')
		  AND transfer_code IS NOT NULL
		  AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2
	`
	return r.queryTransfers(ctx, query, olderThan, limit)
}

func (r *PostgresRepository) queryTransfers(ctx context.Context, query string, args ...interface{}) ([]domain.Transfer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

const escrowColumns = `
	id, reference, buyer_id, seller_id, listing_id,
	amount, currency, platform_fee, seller_amount, status,
	auto_release_at, buyer_approved, released_by, release_reason,
	created_at, updated_at`

func scanEscrow(row pgx.Row) (*domain.EscrowTransaction, error) {
	var e domain.EscrowTransaction
	err := row.Scan(
		&e.ID, &e.Reference, &e.BuyerID, &e.SellerID, &e.ListingID,
		&e.Amount, &e.Currency, &e.PlatformFee, &e.SellerAmount, &e.Status,
		&e.AutoReleaseAt, &e.BuyerApproved, &e.ReleasedBy, &e.ReleaseReason,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CreateEscrowTransaction persists an escrow record at order confirmation.
func (r *PostgresRepository) CreateEscrowTransaction(ctx context.Context, escrow *domain.EscrowTransaction) error {
	query := `
		INSERT INTO escrow_transactions (
			id, reference, buyer_id, seller_id, listing_id,
			amount, currency, platform_fee, seller_amount, status,
			auto_release_at, buyer_approved,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		escrow.ID, escrow.Reference, escrow.BuyerID, escrow.SellerID, escrow.ListingID,
		escrow.Amount, escrow.Currency, escrow.PlatformFee, escrow.SellerAmount, escrow.Status,
		escrow.AutoReleaseAt, escrow.BuyerApproved,
	).Scan(&escrow.CreatedAt, &escrow.UpdatedAt)
}

// FindEscrowTransactionByID retrieves an escrow transaction by id.
func (r *PostgresRepository) FindEscrowTransactionByID(ctx context.Context, escrowID uuid.UUID) (*domain.EscrowTransaction, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_transactions WHERE id = $1`
	return scanEscrow(r.db.QueryRow(ctx, query, escrowID))
}

// MarkEscrowFunded moves an escrow from created to funded on payment capture.
func (r *PostgresRepository) MarkEscrowFunded(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	query := `
		UPDATE escrow_transactions
		SET status = 'funded', updated_at = NOW()
		WHERE id = $1 AND status = 'created'
	`
	tag, err := r.db.Exec(ctx, query, escrowID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkEscrowReleased moves an escrow from funded to released, recording the
// approver and reason. False means the escrow was not funded, so a concurrent
// duplicate release loses the race cleanly.
func (r *PostgresRepository) MarkEscrowReleased(ctx context.Context, escrowID uuid.UUID, releasedBy *uuid.UUID, reason *string) (bool, error) {
	query := `
		UPDATE escrow_transactions
		SET status = 'released', released_by = $2, release_reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'funded'
	`
	tag, err := r.db.Exec(ctx, query, escrowID, releasedBy, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevertEscrowRelease returns a released escrow to funded, clearing the
// recorded approver and reason. Callers only invoke this after a release claim
// whose payout could not be created, so the escrow stays payable.
func (r *PostgresRepository) RevertEscrowRelease(ctx context.Context, escrowID uuid.UUID) (bool, error) {
	query := `
		UPDATE escrow_transactions
		SET status = 'funded', released_by = NULL, release_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'released'
	`
	tag, err := r.db.Exec(ctx, query, escrowID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FindAutoReleasableEscrows returns funded escrows whose auto-release date has
// passed.
func (r *PostgresRepository) FindAutoReleasableEscrows(ctx context.Context, now time.Time, limit int) ([]domain.EscrowTransaction, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_transactions
		WHERE status = 'funded' AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []domain.EscrowTransaction
	for rows.Next() {
		escrow, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *escrow)
	}
	return escrows, rows.Err()
}
