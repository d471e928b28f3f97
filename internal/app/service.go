/**
 * @description
 * This file contains the core business logic for the donation-service. The `Service`
 * struct orchestrates a donation end to end, coordinating between the repository, the
 * ledger gateway, the content store and the message broker.
 *
 * Key features:
 * - Write-ahead donation saga: a `pending` row is persisted before the ledger transfer
 *   and moved to `success` or `failed` only from the ledger's answer.
 * - Idempotent retries keyed on the donor's `Idempotency-Key`.
 * - Post-transfer effects (stats, badge, reputation, funding) that can be re-run.
 *
 * @dependencies
 * - github.com/rs/zerolog: Structured logging.
 * - internal/domain, internal/store, internal/metrics: Models, data access, metrics.
 * - pkg/ledgerclient, pkg/rabbitmq: External service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/internal/metrics"
	"github.com/soutien/donation-service/internal/store"
	"github.com/soutien/donation-service/pkg/ledgerclient"
	"github.com/soutien/donation-service/pkg/rabbitmq"
)

const (
	maxIdempotencyKeyLength = 128
	maxDescriptionLength    = 500
	defaultTransferTimeout  = 20 * time.Second
	postTransferTimeout     = 30 * time.Second
	defaultPendingGrace     = time.Minute
)

// ErrForbidden is returned when a user asks for a record they do not take part in.
var ErrForbidden = errors.New("forbidden")

// ErrRateLimited is matched by RateLimitError.
var ErrRateLimited = errors.New("donation rate limit exceeded")

// RateLimitError tells the caller when the donor may try again.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// LedgerGateway is the subset of the ledger gateway the service depends on.
type LedgerGateway interface {
	Transfer(ctx context.Context, req ledgerclient.TransferRequest) (*ledgerclient.TransferResult, error)
	GetTransferReceipt(ctx context.Context, idempotencyKey string) (*ledgerclient.TransferResult, error)
	Mint(ctx context.Context, collectionID string, req ledgerclient.MintRequest) (*ledgerclient.MintResult, error)
	SubmitTopicMessage(ctx context.Context, topicID string, message []byte) (*ledgerclient.TopicMessageResult, error)
}

// ContentStore holds badge metadata documents addressed by content hash.
type ContentStore interface {
	Put(ctx context.Context, content []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// DonationRateLimiter throttles donation attempts per donor.
type DonationRateLimiter interface {
	Allow(ctx context.Context, donorID uuid.UUID) (allowed bool, retryAfterSeconds int, err error)
}

// Options carries the deployment settings the service needs.
type Options struct {
	EventsExchange      string
	TopicID             string
	BadgeCollectionID   string
	BadgeCollectionName string
	TransferTimeout     time.Duration
	PendingGracePeriod  time.Duration
	ReconcileBatchSize  int
}

// Service provides the core business logic for donations.
type Service struct {
	repo          store.Repository
	ledger        LedgerGateway
	content       ContentStore
	eventProducer rabbitmq.Publisher
	rateLimiter   DonationRateLimiter
	metrics       *metrics.Metrics
	logger        zerolog.Logger
	opts          Options
	badges        *BadgeEngine
	funding       *FundingTracker
	now           func() time.Time
}

// NewService creates a new donation service instance. producer and limiter may be nil.
func NewService(
	repo store.Repository,
	ledger LedgerGateway,
	content ContentStore,
	producer rabbitmq.Publisher,
	limiter DonationRateLimiter,
	m *metrics.Metrics,
	logger zerolog.Logger,
	opts Options,
) *Service {
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = defaultTransferTimeout
	}
	if opts.PendingGracePeriod <= 0 {
		opts.PendingGracePeriod = defaultPendingGrace
	}

	s := &Service{
		repo:          repo,
		ledger:        ledger,
		content:       content,
		eventProducer: producer,
		rateLimiter:   limiter,
		metrics:       m,
		logger:        logger.With().Str("component", "donation_service").Logger(),
		opts:          opts,
		now:           time.Now,
	}
	clock := func() time.Time { return s.now() }
	s.badges = NewBadgeEngine(repo, ledger, content, opts.BadgeCollectionID, opts.BadgeCollectionName, m, logger, clock)
	s.funding = NewFundingTracker(repo, producer, opts.EventsExchange, logger, clock)
	return s
}

// Badges exposes the badge engine.
func (s *Service) Badges() *BadgeEngine { return s.badges }

// Funding exposes the assistance request funding tracker.
func (s *Service) Funding() *FundingTracker { return s.funding }

// ProcessDonation validates a donation, records it as pending, asks the ledger to move
// the funds and settles the record from the ledger's answer. A donation whose outcome is
// not known yet is returned pending without an error; reconciliation finishes it.
func (s *Service) ProcessDonation(ctx context.Context, req domain.DonationRequest) (*domain.Donation, error) {
	logger := s.logger.With().
		Str("flow", "donation").
		Str("donor_id", req.DonorID.String()).
		Str("beneficiary_id", req.BeneficiaryID.String()).
		Logger()

	if err := validateDonationRequest(req); err != nil {
		return nil, err
	}
	currency := NormalizeCurrency(req.Currency)
	ledgerAmount, err := ToLedgerAmount(req.Amount, currency)
	if err != nil {
		return nil, err
	}

	key := donationIdempotencyKey(req.DonorID, req.IdempotencyKey)
	if strings.TrimSpace(req.IdempotencyKey) != "" {
		existing, err := s.repo.FindDonationByIdempotencyKey(ctx, key)
		if err == nil {
			return replayDonation(existing, req, currency, logger)
		}
		if !errors.Is(err, store.ErrDonationNotFound) {
			return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
		}
	}

	if err := s.checkRateLimit(ctx, req.DonorID, logger); err != nil {
		return nil, err
	}

	donor, err := s.repo.FindUserByID(ctx, req.DonorID)
	if err != nil {
		return nil, fmt.Errorf("failed to find donor: %w", err)
	}
	beneficiary, err := s.repo.FindUserByID(ctx, req.BeneficiaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to find beneficiary: %w", err)
	}
	if beneficiary.Role != domain.RoleBeneficiary {
		return nil, fmt.Errorf("%w: recipient is not a beneficiary", domain.ErrValidation)
	}
	if !donor.HasLedgerAccount() {
		return nil, fmt.Errorf("%w: donor has no ledger account", domain.ErrPrecondition)
	}
	if !beneficiary.HasLedgerAccount() {
		return nil, fmt.Errorf("%w: beneficiary has no ledger account", domain.ErrPrecondition)
	}
	if req.AssistanceRequestID != nil {
		ar, err := s.repo.FindAssistanceRequestByID(ctx, *req.AssistanceRequestID)
		if err != nil {
			return nil, fmt.Errorf("failed to find assistance request: %w", err)
		}
		if ar.OwnerID != beneficiary.ID {
			return nil, fmt.Errorf("%w: assistance request belongs to another beneficiary", domain.ErrValidation)
		}
		if ar.Status == domain.RequestCancelled {
			return nil, ErrRequestCancelled
		}
	}

	donation := &domain.Donation{
		ID:                  uuid.New(),
		DonorID:             donor.ID,
		BeneficiaryID:       beneficiary.ID,
		AssistanceRequestID: req.AssistanceRequestID,
		Amount:              req.Amount,
		Currency:            currency,
		LedgerAmount:        ledgerAmount,
		ExchangeRateVersion: ExchangeRateVersion,
		IdempotencyKey:      key,
		Status:              domain.DonationPending,
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		donation.Description = &desc
	}
	if err := s.repo.CreateDonation(ctx, donation); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// A concurrent retry with the same key won the insert.
			if existing, findErr := s.repo.FindDonationByIdempotencyKey(ctx, key); findErr == nil {
				return replayDonation(existing, req, currency, logger)
			}
		}
		return nil, fmt.Errorf("failed to record pending donation: %w", err)
	}
	logger = logger.With().Str("donation_id", donation.ID.String()).Logger()
	logger.Info().Int64("amount", donation.Amount).Str("currency", currency).Msg("pending donation recorded")

	transferCtx, cancel := context.WithTimeout(ctx, s.opts.TransferTimeout)
	result, transferErr := s.submitTransfer(transferCtx, donor, beneficiary, donation)
	cancel()

	// The ledger may already have moved the funds, so settlement must not depend on
	// the caller staying connected.
	postCtx, cancelPost := context.WithTimeout(context.WithoutCancel(ctx), postTransferTimeout)
	defer cancelPost()

	final, err := s.applyTransferOutcome(postCtx, donation, result, transferErr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to persist transfer outcome; reconciliation will settle the donation")
	}
	if final.Status == domain.DonationPending {
		s.publishEvent(postCtx, domain.RoutingDonationPending, domain.NewDonationEvent(final, s.now()))
	}
	return final, nil
}

// replayDonation returns the donation already stored under the request's idempotency
// key. A key reused for a different donation is a conflict, not a replay.
func replayDonation(existing *domain.Donation, req domain.DonationRequest, currency string, logger zerolog.Logger) (*domain.Donation, error) {
	if !matchesDonationRequest(existing, req, currency) {
		logger.Warn().Str("donation_id", existing.ID.String()).Msg("idempotency key reused with a different donation")
		return nil, fmt.Errorf("%w: idempotency key reused with a different donation", domain.ErrConflict)
	}
	logger.Info().Str("donation_id", existing.ID.String()).Msg("replaying donation for idempotency key")
	return existing, nil
}

func matchesDonationRequest(d *domain.Donation, req domain.DonationRequest, currency string) bool {
	if d.BeneficiaryID != req.BeneficiaryID || d.Amount != req.Amount || d.Currency != currency {
		return false
	}
	switch {
	case d.AssistanceRequestID == nil && req.AssistanceRequestID == nil:
		return true
	case d.AssistanceRequestID == nil || req.AssistanceRequestID == nil:
		return false
	}
	return *d.AssistanceRequestID == *req.AssistanceRequestID
}

func (s *Service) checkRateLimit(ctx context.Context, donorID uuid.UUID, logger zerolog.Logger) error {
	if s.rateLimiter == nil {
		return nil
	}
	allowed, retryAfter, err := s.rateLimiter.Allow(ctx, donorID)
	if err != nil {
		logger.Warn().Err(err).Msg("donation rate limiter unavailable; allowing request")
		return nil
	}
	if !allowed {
		s.metrics.RateLimited()
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// submitTransfer asks the ledger to move a pending donation's funds. Custodial donor
// wallets are signed by the treasury; external wallets must be co-signed by their owner,
// which the gateway reports as PENDING.
func (s *Service) submitTransfer(ctx context.Context, donor, beneficiary *domain.User, d *domain.Donation) (*ledgerclient.TransferResult, error) {
	req := ledgerclient.TransferRequest{
		FromAccountID:  *donor.LedgerAccountID,
		ToAccountID:    *beneficiary.LedgerAccountID,
		Amount:         d.LedgerAmount,
		Memo:           "soutien donation " + d.ID.String(),
		Signer:         signerFor(donor),
		IdempotencyKey: d.IdempotencyKey,
	}
	start := time.Now()
	result, err := s.ledger.Transfer(ctx, req)
	s.metrics.LedgerCall("transfer", ledgerOutcome(err), time.Since(start))
	return result, err
}

// applyTransferOutcome moves a pending donation to the state the ledger reported and
// returns the stored donation. A non-nil error means the outcome could not be persisted
// and the donation is still pending.
func (s *Service) applyTransferOutcome(ctx context.Context, d *domain.Donation, result *ledgerclient.TransferResult, transferErr error) (*domain.Donation, error) {
	logger := s.logger.With().
		Str("flow", "settle").
		Str("donation_id", d.ID.String()).
		Logger()

	var params store.SettleDonationParams
	switch {
	case transferErr != nil && ledgerclient.IsTransient(transferErr):
		logger.Warn().Err(transferErr).Msg("ledger transfer outcome unknown; donation left pending")
		s.metrics.DonationRecorded(string(domain.DonationPending))
		return d, nil
	case transferErr != nil:
		reason := transferErr.Error()
		params = store.SettleDonationParams{Status: domain.DonationFailed, FailureReason: &reason}
	case result == nil || (result.Status != ledgerclient.StatusSuccess && result.Status != ledgerclient.StatusFailure):
		logger.Info().Msg("ledger transfer awaiting signature or consensus; donation left pending")
		s.metrics.DonationRecorded(string(domain.DonationPending))
		return d, nil
	case result.Status == ledgerclient.StatusSuccess:
		txID := result.TransactionID
		params = store.SettleDonationParams{Status: domain.DonationSuccess, LedgerTransactionID: &txID}
	default:
		reason := result.Reason
		if reason == "" {
			reason = "ledger rejected the transfer"
		}
		params = store.SettleDonationParams{Status: domain.DonationFailed, FailureReason: &reason}
		if result.TransactionID != "" {
			txID := result.TransactionID
			params.LedgerTransactionID = &txID
		}
	}

	settled, err := s.repo.SettleDonation(ctx, d.ID, params)
	if errors.Is(err, store.ErrDonationAlreadySettled) {
		current, findErr := s.repo.FindDonationByID(ctx, d.ID)
		if findErr != nil {
			return d, fmt.Errorf("failed to reload settled donation: %w", findErr)
		}
		return current, nil
	}
	if err != nil {
		return d, fmt.Errorf("failed to settle donation: %w", err)
	}

	logger.Info().Str("status", string(settled.Status)).Msg("donation settled")
	s.metrics.DonationRecorded(string(settled.Status))
	s.afterSettlement(ctx, settled)
	return settled, nil
}

// afterSettlement runs the best-effort steps that follow a terminal status.
func (s *Service) afterSettlement(ctx context.Context, d *domain.Donation) {
	event := domain.NewDonationEvent(d, s.now())
	if d.Status != domain.DonationSuccess {
		s.publishEvent(ctx, domain.RoutingDonationFailed, event)
		return
	}

	if err := s.CompleteDonationEffects(ctx, d.DonorID, d.ID); err != nil {
		s.logger.Warn().
			Str("flow", "effects").
			Str("donation_id", d.ID.String()).
			Str("donor_id", d.DonorID.String()).
			Err(err).
			Msg("post-transfer effects incomplete; reconciliation will retry")
	}
	s.recordConsensusEvent(ctx, domain.EventDonation, event, []uuid.UUID{d.DonorID, d.BeneficiaryID}, d.LedgerTransactionID)
	s.publishEvent(ctx, domain.RoutingDonationCompleted, event)
}

func validateDonationRequest(req domain.DonationRequest) error {
	if req.DonorID == uuid.Nil || req.BeneficiaryID == uuid.Nil {
		return fmt.Errorf("%w: donor and beneficiary are required", domain.ErrValidation)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	if req.DonorID == req.BeneficiaryID {
		return fmt.Errorf("%w: donor and beneficiary must differ", domain.ErrValidation)
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key is too long", domain.ErrValidation)
	}
	if len(req.Description) > maxDescriptionLength {
		return fmt.Errorf("%w: description is too long", domain.ErrValidation)
	}
	return nil
}

// donationIdempotencyKey scopes a client key to its donor so two donors can never
// collide. Without a client key every attempt gets a fresh token.
func donationIdempotencyKey(donorID uuid.UUID, clientKey string) string {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return uuid.NewString()
	}
	return donorID.String() + ":" + clientKey
}

func signerFor(u *domain.User) string {
	if u.WalletType == domain.WalletExternal {
		return ledgerclient.SignerOwner
	}
	return ledgerclient.SignerTreasury
}

func ledgerOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case ledgerclient.IsTransient(err):
		return "transient"
	default:
		return "permanent"
	}
}
