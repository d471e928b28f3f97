/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for users, donations, assistance requests, badges and
 * consensus events.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/soutien/donation-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const userColumns = `id, email, full_name, role, ledger_account_id, wallet_type, donations_count,
	donations_total, volunteer_hours, reputation_score, member_since, version, created_at, updated_at`

// FindUserByID retrieves a user by primary key.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID).Scan(
		&u.ID, &u.Email, &u.FullName, &u.Role, &u.LedgerAccountID, &u.WalletType, &u.DonationsCount,
		&u.DonationsTotal, &u.VolunteerHours, &u.ReputationScore, &u.MemberSince, &u.Version, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user row. Used by seeding and account provisioning collaborators.
func (r *PostgresRepository) CreateUser(ctx context.Context, u *domain.User) error {
	if u.Version == 0 {
		u.Version = 1
	}
	query := `
		INSERT INTO users (id, email, full_name, role, ledger_account_id, wallet_type, donations_count,
			donations_total, volunteer_hours, reputation_score, member_since, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		u.ID, u.Email, u.FullName, u.Role, u.LedgerAccountID, u.WalletType, u.DonationsCount,
		u.DonationsTotal, u.VolunteerHours, u.ReputationScore, u.MemberSince, u.Version,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user already exists", domain.ErrConflict)
	}
	return err
}

// ApplyDonationToDonorStats stamps the donation's stats marker and increments the donor's
// aggregates in a single transaction.
func (r *PostgresRepository) ApplyDonationToDonorStats(ctx context.Context, donationID uuid.UUID, appliedAt time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var donorID uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE donations
		SET stats_applied_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'success' AND stats_applied_at IS NULL
		RETURNING donor_id, amount
	`, donationID, appliedAt).Scan(&donorID, &amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if existsErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM donations WHERE id = $1)`, donationID).Scan(&exists); existsErr != nil {
				return false, existsErr
			}
			if !exists {
				return false, ErrDonationNotFound
			}
			return false, nil
		}
		return false, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET donations_count = donations_count + 1,
			donations_total = donations_total + $2,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
	`, donorID, amount)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrUserNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateReputationScore writes score when the user's version still matches.
func (r *PostgresRepository) UpdateReputationScore(ctx context.Context, userID uuid.UUID, score int, expectedVersion int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE users
		SET reputation_score = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
	`, userID, score, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID, ErrUserNotFound)
	}
	return nil
}

func (r *PostgresRepository) conflictOrMissing(ctx context.Context, existsQuery string, id uuid.UUID, missing error) error {
	var exists bool
	if err := r.db.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return missing
	}
	return ErrVersionConflict
}

const donationColumns = `id, donor_id, beneficiary_id, assistance_request_id, amount, currency, ledger_amount,
	exchange_rate_version, idempotency_key, ledger_transaction_id, status, failure_reason, description,
	stats_applied_at, badge_checked_at, funding_applied_at, funding_skip_reason, effects_completed_at,
	effects_attempts, effects_last_error, effects_next_attempt_at, created_at, updated_at`

func scanDonation(row pgx.Row) (*domain.Donation, error) {
	var d domain.Donation
	err := row.Scan(
		&d.ID, &d.DonorID, &d.BeneficiaryID, &d.AssistanceRequestID, &d.Amount, &d.Currency, &d.LedgerAmount,
		&d.ExchangeRateVersion, &d.IdempotencyKey, &d.LedgerTransactionID, &d.Status, &d.FailureReason, &d.Description,
		&d.StatsAppliedAt, &d.BadgeCheckedAt, &d.FundingAppliedAt, &d.FundingSkipReason, &d.EffectsCompletedAt,
		&d.EffectsAttempts, &d.EffectsLastError, &d.EffectsNextAttemptAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDonationNotFound
		}
		return nil, err
	}
	return &d, nil
}

func collectDonations(rows pgx.Rows) ([]domain.Donation, error) {
	defer rows.Close()
	donations := make([]domain.Donation, 0)
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, err
		}
		donations = append(donations, *d)
	}
	return donations, rows.Err()
}

// CreateDonation inserts the write-ahead donation row.
func (r *PostgresRepository) CreateDonation(ctx context.Context, d *domain.Donation) error {
	query := `
		INSERT INTO donations (id, donor_id, beneficiary_id, assistance_request_id, amount, currency,
			ledger_amount, exchange_rate_version, idempotency_key, ledger_transaction_id, status,
			failure_reason, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		d.ID, d.DonorID, d.BeneficiaryID, d.AssistanceRequestID, d.Amount, d.Currency,
		d.LedgerAmount, d.ExchangeRateVersion, d.IdempotencyKey, d.LedgerTransactionID, d.Status,
		d.FailureReason, d.Description,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateIdempotencyKey
	}
	return err
}

func (r *PostgresRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	return scanDonation(r.db.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE id = $1`, donationID))
}

func (r *PostgresRepository) FindDonationByIdempotencyKey(ctx context.Context, key string) (*domain.Donation, error) {
	return scanDonation(r.db.QueryRow(ctx, `SELECT `+donationColumns+` FROM donations WHERE idempotency_key = $1`, key))
}

// SettleDonation moves a pending donation to a terminal status. Settled rows are never
// rewritten; ErrDonationAlreadySettled is returned instead.
func (r *PostgresRepository) SettleDonation(ctx context.Context, donationID uuid.UUID, params SettleDonationParams) (*domain.Donation, error) {
	if !params.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal donation status", domain.ErrValidation, params.Status)
	}
	query := `
		UPDATE donations
		SET status = $2,
			ledger_transaction_id = COALESCE($3, ledger_transaction_id),
			failure_reason = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + donationColumns
	d, err := scanDonation(r.db.QueryRow(ctx, query, donationID, params.Status, params.LedgerTransactionID, params.FailureReason))
	if errors.Is(err, ErrDonationNotFound) {
		if _, findErr := r.FindDonationByID(ctx, donationID); findErr != nil {
			return nil, findErr
		}
		return nil, ErrDonationAlreadySettled
	}
	return d, err
}

func (r *PostgresRepository) ListDonationsByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+donationColumns+` FROM donations
		WHERE donor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, donorID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectDonations(rows)
}

func (r *PostgresRepository) ListDonationsByBeneficiary(ctx context.Context, beneficiaryID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+donationColumns+` FROM donations
		WHERE beneficiary_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, beneficiaryID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectDonations(rows)
}

// ListPendingDonations returns the oldest pending donations created before the cutoff.
func (r *PostgresRepository) ListPendingDonations(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Donation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+donationColumns+` FROM donations
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectDonations(rows)
}

// ListDonationsWithIncompleteEffects returns successful donations whose follow-up steps
// have not all been recorded. Each failed run pushes effects_next_attempt_at forward,
// so a row that keeps failing moves behind the rest of the backlog.
func (r *PostgresRepository) ListDonationsWithIncompleteEffects(ctx context.Context, q IncompleteEffectsQuery) ([]domain.Donation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+donationColumns+` FROM donations
		WHERE status = 'success' AND effects_completed_at IS NULL
			AND effects_attempts < $3
			AND ((effects_next_attempt_at IS NULL AND updated_at < $1) OR effects_next_attempt_at <= $2)
		ORDER BY COALESCE(effects_next_attempt_at, updated_at) ASC
		LIMIT $4
	`, q.SettledBefore, q.DueBy, q.MaxAttempts, q.Limit)
	if err != nil {
		return nil, err
	}
	return collectDonations(rows)
}

func (r *PostgresRepository) MarkDonationBadgeChecked(ctx context.Context, donationID uuid.UUID, checkedAt time.Time) error {
	return r.stampDonation(ctx, `UPDATE donations SET badge_checked_at = COALESCE(badge_checked_at, $2), updated_at = NOW() WHERE id = $1`, donationID, checkedAt)
}

func (r *PostgresRepository) SkipDonationFunding(ctx context.Context, donationID uuid.UUID, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE donations
		SET funding_applied_at = $2, funding_skip_reason = $3, updated_at = NOW()
		WHERE id = $1 AND funding_applied_at IS NULL
	`, donationID, at, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.FindDonationByID(ctx, donationID); err != nil {
			return err
		}
		return ErrEffectAlreadyApplied
	}
	return nil
}

func (r *PostgresRepository) MarkDonationEffectsCompleted(ctx context.Context, donationID uuid.UUID, completedAt time.Time) error {
	return r.stampDonation(ctx, `
		UPDATE donations
		SET effects_completed_at = COALESCE(effects_completed_at, $2), effects_next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1
	`, donationID, completedAt)
}

func (r *PostgresRepository) RecordDonationEffectsFailure(ctx context.Context, donationID uuid.UUID, lastError string, nextAttemptAt time.Time) (int, error) {
	var attempts int
	err := r.db.QueryRow(ctx, `
		UPDATE donations
		SET effects_attempts = effects_attempts + 1, effects_last_error = $2, effects_next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING effects_attempts
	`, donationID, lastError, nextAttemptAt).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrDonationNotFound
	}
	return attempts, err
}

func (r *PostgresRepository) stampDonation(ctx context.Context, query string, donationID uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx, query, donationID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDonationNotFound
	}
	return nil
}

// CountSuccessfulDonationsByDonor counts the donor's successful donations.
func (r *PostgresRepository) CountSuccessfulDonationsByDonor(ctx context.Context, donorID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM donations WHERE donor_id = $1 AND status = 'success'
	`, donorID).Scan(&count)
	return count, err
}

const requestColumns = `id, owner_id, title, description, category, urgency, amount_needed, amount_raised,
	status, version, created_at, updated_at`

func (r *PostgresRepository) CreateAssistanceRequest(ctx context.Context, req *domain.AssistanceRequest) error {
	if req.Version == 0 {
		req.Version = 1
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO assistance_requests (id, owner_id, title, description, category, urgency, amount_needed,
			amount_raised, status, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, req.ID, req.OwnerID, req.Title, req.Description, req.Category, req.Urgency, req.AmountNeeded,
		req.AmountRaised, req.Status, req.Version,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	return err
}

func scanAssistanceRequest(row pgx.Row) (*domain.AssistanceRequest, error) {
	var req domain.AssistanceRequest
	err := row.Scan(
		&req.ID, &req.OwnerID, &req.Title, &req.Description, &req.Category, &req.Urgency, &req.AmountNeeded,
		&req.AmountRaised, &req.Status, &req.Version, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssistanceRequestNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (r *PostgresRepository) FindAssistanceRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.AssistanceRequest, error) {
	return scanAssistanceRequest(r.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM assistance_requests WHERE id = $1`, requestID))
}

// ListAssistanceRequests returns the requests matching filter, newest first.
func (r *PostgresRepository) ListAssistanceRequests(ctx context.Context, filter domain.AssistanceRequestFilter, limit, offset int) ([]domain.AssistanceRequest, error) {
	conditions := make([]string, 0, 5)
	args := make([]interface{}, 0, 7)
	where := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.OwnerID != nil {
		where("owner_id = $%d", *filter.OwnerID)
	}
	if filter.Category != "" {
		where("category = $%d", filter.Category)
	}
	if filter.Urgency != "" {
		where("urgency = $%d", filter.Urgency)
	}
	if filter.Status != "" {
		where("status = $%d", filter.Status)
	}
	if filter.ExcludeCancelled {
		conditions = append(conditions, "status <> 'cancelled'")
	}

	query := `SELECT ` + requestColumns + ` FROM assistance_requests`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]domain.AssistanceRequest, 0)
	for rows.Next() {
		req, err := scanAssistanceRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

func (r *PostgresRepository) CountAssistanceRequestsByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM assistance_requests WHERE owner_id = $1`, ownerID).Scan(&count)
	return count, err
}

// UpdateAssistanceRequestFunding performs the compare-and-set write of a funding change.
func (r *PostgresRepository) UpdateAssistanceRequestFunding(ctx context.Context, req *domain.AssistanceRequest, expectedVersion int64, donationID *uuid.UUID, appliedAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if donationID != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE donations SET funding_applied_at = $2, updated_at = NOW()
			WHERE id = $1 AND funding_applied_at IS NULL
		`, *donationID, appliedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrEffectAlreadyApplied
		}
	}

	var updatedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE assistance_requests
		SET amount_raised = $2, status = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $4
		RETURNING updated_at
	`, req.ID, req.AmountRaised, req.Status, expectedVersion).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.conflictOrMissing(ctx, `SELECT EXISTS (SELECT 1 FROM assistance_requests WHERE id = $1)`, req.ID, ErrAssistanceRequestNotFound)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	req.Version = expectedVersion + 1
	req.UpdatedAt = updatedAt
	return nil
}

func (r *PostgresRepository) UpdateAssistanceRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.AssistanceRequestStatus, expectedVersion int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE assistance_requests
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
	`, requestID, status, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrMissing(ctx, `SELECT EXISTS (SELECT 1 FROM assistance_requests WHERE id = $1)`, requestID, ErrAssistanceRequestNotFound)
	}
	return nil
}

const badgeColumns = `id, owner_id, tier, status, collection_id, serial_number, ledger_transaction_id,
	content_hash, metadata, created_at, updated_at`

func scanBadge(row pgx.Row) (*domain.Badge, error) {
	var b domain.Badge
	var tier string
	var metadata []byte
	err := row.Scan(&b.ID, &b.OwnerID, &tier, &b.Status, &b.CollectionID, &b.SerialNumber, &b.LedgerTransactionID,
		&b.ContentHash, &metadata, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBadgeNotFound
		}
		return nil, err
	}
	if b.Tier, err = domain.ParseBadgeTier(tier); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		b.Metadata = json.RawMessage(metadata)
	}
	return &b, nil
}

func (r *PostgresRepository) ListBadgesByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Badge, error) {
	rows, err := r.db.Query(ctx, `SELECT `+badgeColumns+` FROM badges WHERE owner_id = $1 ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	badges := make([]domain.Badge, 0)
	for rows.Next() {
		b, err := scanBadge(rows)
		if err != nil {
			return nil, err
		}
		badges = append(badges, *b)
	}
	return badges, rows.Err()
}

func (r *PostgresRepository) FindBadgeByID(ctx context.Context, badgeID uuid.UUID) (*domain.Badge, error) {
	return scanBadge(r.db.QueryRow(ctx, `SELECT `+badgeColumns+` FROM badges WHERE id = $1`, badgeID))
}

// ClaimBadge inserts a pending badge row. The (owner_id, tier) constraint makes the
// claim exclusive.
func (r *PostgresRepository) ClaimBadge(ctx context.Context, b *domain.Badge) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO badges (id, owner_id, tier, status, collection_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, b.ID, b.OwnerID, b.Tier.String(), b.Status, b.CollectionID).Scan(&b.CreatedAt, &b.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrBadgeAlreadyClaimed
	}
	return err
}

func (r *PostgresRepository) MarkBadgeMinted(ctx context.Context, badgeID uuid.UUID, params MintedBadgeParams) (*domain.Badge, error) {
	return scanBadge(r.db.QueryRow(ctx, `
		UPDATE badges
		SET status = 'minted', serial_number = $2, ledger_transaction_id = $3, content_hash = $4,
			metadata = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING `+badgeColumns,
		badgeID, params.SerialNumber, params.LedgerTransactionID, params.ContentHash, jsonbParam(params.Metadata)))
}

// ReleaseBadgeClaim removes a pending claim so the tier can be claimed again.
func (r *PostgresRepository) ReleaseBadgeClaim(ctx context.Context, badgeID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM badges WHERE id = $1 AND status = 'pending'`, badgeID)
	return err
}

func (r *PostgresRepository) AppendConsensusEvent(ctx context.Context, e *domain.ConsensusEvent) error {
	participants, err := json.Marshal(e.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO consensus_events (id, topic_id, sequence_number, event_type, payload, participants, ledger_transaction_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, e.ID, e.TopicID, e.SequenceNumber, e.EventType, jsonbParam(e.Payload), string(participants), e.LedgerTransactionID).Scan(&e.CreatedAt)
}

// jsonbParam passes JSON as text so it binds to jsonb under the simple query protocol.
func jsonbParam(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
