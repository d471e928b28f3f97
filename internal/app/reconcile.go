package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/internal/store"
	"github.com/soutien/donation-service/pkg/ledgerclient"
)

const (
	defaultReconcileLimit = 50
	maxReconcileLimit     = 500
)

// Reconciliation outcomes, also used as metric labels.
const (
	outcomeSucceeded   = "success"
	outcomeFailed      = "failed"
	outcomePending     = "pending"
	outcomeResubmitted = "resubmitted"
	outcomeError       = "error"
)

// ReconcileResult summarises one reconciliation pass.
type ReconcileResult struct {
	Processed    int `json:"processed"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	StillPending int `json:"still_pending"`
	Resubmitted  int `json:"resubmitted"`
	Errors       int `json:"errors"`
}

func (r *ReconcileResult) add(outcome string) {
	r.Processed++
	switch outcome {
	case outcomeSucceeded:
		r.Succeeded++
	case outcomeFailed:
		r.Failed++
	case outcomePending:
		r.StillPending++
	case outcomeResubmitted:
		r.Resubmitted++
	default:
		r.Errors++
	}
}

func normalizeReconcileLimit(limit int) int {
	if limit <= 0 {
		return defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		return maxReconcileLimit
	}
	return limit
}

// ReconcilePendingDonations settles donations left pending for longer than the grace
// period by asking the ledger for the receipt of their idempotency key. A key the
// ledger never saw is resubmitted under the same key.
func (s *Service) ReconcilePendingDonations(ctx context.Context, limit int) (ReconcileResult, error) {
	var result ReconcileResult
	limit = normalizeReconcileLimit(limit)

	pending, err := s.repo.ListPendingDonations(ctx, s.now().Add(-s.opts.PendingGracePeriod), limit)
	if err != nil {
		return result, fmt.Errorf("failed to list pending donations: %w", err)
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		d := pending[i]
		outcome, err := s.reconcileDonation(ctx, &d)
		if err != nil {
			s.logger.Warn().
				Str("flow", "reconcile").
				Str("donation_id", d.ID.String()).
				Err(err).
				Msg("failed to reconcile pending donation")
		}
		s.metrics.Reconciled(outcome)
		result.add(outcome)
	}

	if result.Processed > 0 {
		s.logger.Info().
			Str("flow", "reconcile").
			Int("processed", result.Processed).
			Int("succeeded", result.Succeeded).
			Int("failed", result.Failed).
			Int("still_pending", result.StillPending).
			Int("resubmitted", result.Resubmitted).
			Int("errors", result.Errors).
			Msg("pending donation reconciliation finished")
	}
	return result, nil
}

func (s *Service) reconcileDonation(ctx context.Context, d *domain.Donation) (string, error) {
	start := time.Now()
	receipt, err := s.ledger.GetTransferReceipt(ctx, d.IdempotencyKey)
	s.metrics.LedgerCall("receipt", ledgerOutcome(err), time.Since(start))

	resubmitted := false
	if errors.Is(err, ledgerclient.ErrReceiptNotFound) {
		donor, findErr := s.repo.FindUserByID(ctx, d.DonorID)
		if findErr != nil {
			return outcomeError, fmt.Errorf("failed to find donor: %w", findErr)
		}
		beneficiary, findErr := s.repo.FindUserByID(ctx, d.BeneficiaryID)
		if findErr != nil {
			return outcomeError, fmt.Errorf("failed to find beneficiary: %w", findErr)
		}
		if !donor.HasLedgerAccount() || !beneficiary.HasLedgerAccount() {
			return outcomeError, fmt.Errorf("%w: participant lost its ledger account", domain.ErrPrecondition)
		}

		transferCtx, cancel := context.WithTimeout(ctx, s.opts.TransferTimeout)
		receipt, err = s.submitTransfer(transferCtx, donor, beneficiary, d)
		cancel()
		resubmitted = true
	} else if err != nil {
		return outcomeError, fmt.Errorf("failed to fetch transfer receipt: %w", err)
	}

	settled, settleErr := s.applyTransferOutcome(ctx, d, receipt, err)
	if settleErr != nil {
		return outcomeError, settleErr
	}

	switch settled.Status {
	case domain.DonationSuccess:
		return outcomeSucceeded, nil
	case domain.DonationFailed:
		return outcomeFailed, nil
	}
	if resubmitted {
		return outcomeResubmitted, nil
	}
	return outcomePending, nil
}

// ReconcileDonationEffects re-runs post-transfer effects for successful donations that
// did not complete them. Every failed run backs the donation off, so one that keeps
// failing cannot hold the head of the batch.
func (s *Service) ReconcileDonationEffects(ctx context.Context, limit int) (ReconcileResult, error) {
	var result ReconcileResult
	now := s.now()

	incomplete, err := s.repo.ListDonationsWithIncompleteEffects(ctx, store.IncompleteEffectsQuery{
		SettledBefore: now.Add(-s.opts.PendingGracePeriod),
		DueBy:         now,
		MaxAttempts:   maxEffectAttempts,
		Limit:         normalizeReconcileLimit(limit),
	})
	if err != nil {
		return result, fmt.Errorf("failed to list donations with incomplete effects: %w", err)
	}

	for _, d := range incomplete {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.CompleteDonationEffects(ctx, d.DonorID, d.ID); err != nil {
			s.logger.Warn().
				Str("flow", "effects_reconcile").
				Str("donation_id", d.ID.String()).
				Int("attempt", d.EffectsAttempts+1).
				Err(err).
				Msg("donation effects still incomplete")
			result.add(outcomeError)
			continue
		}
		result.add(outcomeSucceeded)
	}

	if result.Processed > 0 {
		s.logger.Info().
			Str("flow", "effects_reconcile").
			Int("processed", result.Processed).
			Int("succeeded", result.Succeeded).
			Int("errors", result.Errors).
			Msg("donation effects reconciliation finished")
	}
	return result, nil
}
