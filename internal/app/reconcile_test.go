package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/pkg/ledgerclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingDonation records a donation left pending by a transient ledger failure and
// moves the service clock past the grace period.
func pendingDonation(t *testing.T, env *testEnv) *domain.Donation {
	t.Helper()
	donor, beneficiary := env.seedPair(t)
	env.ledger.transferFn = func(ledgerclient.TransferRequest) (*ledgerclient.TransferResult, error) {
		return nil, &ledgerclient.ErrorResponse{StatusCode: http.StatusGatewayTimeout}
	}
	d, err := env.svc.ProcessDonation(context.Background(), domain.DonationRequest{DonorID: donor.ID, BeneficiaryID: beneficiary.ID, Amount: 50_00})
	require.NoError(t, err)
	require.Equal(t, domain.DonationPending, d.Status)

	env.ledger.transferFn = nil
	env.svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	return d
}

func TestReconcilePendingDonations(t *testing.T) {
	cases := []struct {
		name            string
		receipt         *ledgerclient.TransferResult
		receiptErr      error
		wantStatus      domain.DonationStatus
		wantResult      ReconcileResult
		wantResubmitted bool
	}{
		{
			name:       "receipt success settles and applies effects",
			receipt:    &ledgerclient.TransferResult{TransactionID: "0.0.2@77", Status: ledgerclient.StatusSuccess},
			wantStatus: domain.DonationSuccess,
			wantResult: ReconcileResult{Processed: 1, Succeeded: 1},
		},
		{
			name:       "receipt failure fails",
			receipt:    &ledgerclient.TransferResult{Status: ledgerclient.StatusFailure, Reason: "INVALID_SIGNATURE"},
			wantStatus: domain.DonationFailed,
			wantResult: ReconcileResult{Processed: 1, Failed: 1},
		},
		{
			name:       "receipt pending stays pending",
			receipt:    &ledgerclient.TransferResult{Status: ledgerclient.StatusPending},
			wantStatus: domain.DonationPending,
			wantResult: ReconcileResult{Processed: 1, StillPending: 1},
		},
		{
			name:            "unknown key is resubmitted with the same key",
			wantStatus:      domain.DonationSuccess,
			wantResult:      ReconcileResult{Processed: 1, Succeeded: 1},
			wantResubmitted: true,
		},
		{
			name:       "gateway unavailable is retried later",
			receiptErr: &ledgerclient.ErrorResponse{StatusCode: http.StatusServiceUnavailable},
			wantStatus: domain.DonationPending,
			wantResult: ReconcileResult{Processed: 1, Errors: 1},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			d := pendingDonation(t, env)
			if tc.receipt != nil {
				env.ledger.receipts[d.IdempotencyKey] = tc.receipt
			}
			env.ledger.receiptErr = tc.receiptErr

			result, err := env.svc.ReconcilePendingDonations(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, tc.wantResult, result)

			stored, err := env.repo.FindDonationByID(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, stored.Status)

			if tc.wantResubmitted {
				require.Equal(t, 2, env.ledger.transferCount())
				assert.Equal(t, d.IdempotencyKey, env.ledger.transfers[1].IdempotencyKey)
			} else {
				assert.Equal(t, 1, env.ledger.transferCount())
			}

			if tc.wantStatus == domain.DonationSuccess {
				donor, err := env.repo.FindUserByID(ctx, d.DonorID)
				require.NoError(t, err)
				assert.Equal(t, int64(1), donor.DonationsCount)
				assert.NotNil(t, stored.EffectsCompletedAt)
			}
		})
	}
}

func TestReconcilePendingDonationsHonoursGracePeriod(t *testing.T) {
	env := newTestEnv(t)
	d := pendingDonation(t, env)
	env.svc.now = time.Now
	env.ledger.receipts[d.IdempotencyKey] = &ledgerclient.TransferResult{Status: ledgerclient.StatusSuccess}

	result, err := env.svc.ReconcilePendingDonations(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestReconcileDonationEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	donor, beneficiary := env.seedPair(t)
	env.ledger.mintErr = &ledgerclient.ErrorResponse{StatusCode: http.StatusBadGateway}

	d, err := env.svc.ProcessDonation(ctx, domain.DonationRequest{DonorID: donor.ID, BeneficiaryID: beneficiary.ID, Amount: 800_00})
	require.NoError(t, err)
	require.Equal(t, domain.DonationSuccess, d.Status)

	base := time.Now()
	env.svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	result, err := env.svc.ReconcileDonationEffects(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Processed: 1, Errors: 1}, result)

	stored, err := env.repo.FindDonationByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.EffectsAttempts)
	require.NotNil(t, stored.EffectsLastError)
	assert.Contains(t, *stored.EffectsLastError, "badge")

	env.ledger.mintErr = nil
	result, err = env.svc.ReconcileDonationEffects(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, result.Processed, "the retry is backed off")

	env.svc.now = func() time.Time { return base.Add(5 * time.Minute) }
	result, err = env.svc.ReconcileDonationEffects(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Processed: 1, Succeeded: 1}, result)

	result, err = env.svc.ReconcileDonationEffects(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, result.Processed)

	badges, err := env.repo.ListBadgesByOwner(ctx, donor.ID)
	require.NoError(t, err)
	require.Len(t, badges, 1)
	assert.Equal(t, domain.TierSilver, badges[0].Tier)
}

func TestReconcileDonationEffectsRotatesFailingDonations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stuckDonor, beneficiary := env.seedPair(t)
	healthyDonor := env.seedUser(t, domain.RoleDonor, domain.WalletCustodial)
	env.ledger.mintErr = &ledgerclient.ErrorResponse{StatusCode: http.StatusBadGateway}

	stuck, err := env.svc.ProcessDonation(ctx, domain.DonationRequest{DonorID: stuckDonor.ID, BeneficiaryID: beneficiary.ID, Amount: 800_00})
	require.NoError(t, err)
	healthy, err := env.svc.ProcessDonation(ctx, domain.DonationRequest{DonorID: healthyDonor.ID, BeneficiaryID: beneficiary.ID, Amount: 800_00})
	require.NoError(t, err)

	// From now on only the first donor's mint keeps failing.
	env.ledger.mintErr = nil
	env.ledger.mintFn = func(req ledgerclient.MintRequest) error {
		if req.RecipientAccountID == *stuckDonor.LedgerAccountID {
			return &ledgerclient.ErrorResponse{StatusCode: http.StatusBadRequest}
		}
		return nil
	}

	base := time.Now()
	for i := 1; i <= 3; i++ {
		at := base.Add(time.Duration(i) * 3 * time.Minute)
		env.svc.now = func() time.Time { return at }
		result, err := env.svc.ReconcileDonationEffects(ctx, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, result.Processed, 1)
	}

	done, err := env.repo.FindDonationByID(ctx, healthy.ID)
	require.NoError(t, err)
	assert.NotNil(t, done.EffectsCompletedAt, "a failing donation must not starve the rest of the batch")

	blocked, err := env.repo.FindDonationByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Nil(t, blocked.EffectsCompletedAt)
	assert.Greater(t, blocked.EffectsAttempts, 1)
}

func TestReconcileDonationEffectsParksAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	donor, beneficiary := env.seedPair(t)
	env.ledger.mintErr = &ledgerclient.ErrorResponse{StatusCode: http.StatusBadRequest}

	d, err := env.svc.ProcessDonation(ctx, domain.DonationRequest{DonorID: donor.ID, BeneficiaryID: beneficiary.ID, Amount: 800_00})
	require.NoError(t, err)

	base := time.Now()
	passes := 0
	for i := 1; i <= 2*maxEffectAttempts; i++ {
		at := base.Add(time.Duration(i) * 7 * time.Hour)
		env.svc.now = func() time.Time { return at }
		result, err := env.svc.ReconcileDonationEffects(ctx, 0)
		require.NoError(t, err)
		if result.Processed == 0 {
			break
		}
		passes++
	}
	assert.Equal(t, maxEffectAttempts-1, passes)

	parked, err := env.repo.FindDonationByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, maxEffectAttempts, parked.EffectsAttempts)
	assert.Nil(t, parked.EffectsCompletedAt)

	// the internal effects endpoint still retries a parked donation
	env.ledger.mintErr = nil
	require.NoError(t, env.svc.CompleteDonationEffects(ctx, donor.ID, d.ID))
	parked, err = env.repo.FindDonationByID(ctx, d.ID)
	require.NoError(t, err)
	assert.NotNil(t, parked.EffectsCompletedAt)
}

func TestEffectsRetryDelay(t *testing.T) {
	assert.Equal(t, time.Minute, effectsRetryDelay(0))
	assert.Equal(t, time.Minute, effectsRetryDelay(1))
	assert.Equal(t, 2*time.Minute, effectsRetryDelay(2))
	assert.Equal(t, 8*time.Minute, effectsRetryDelay(4))
	assert.Equal(t, 6*time.Hour, effectsRetryDelay(9))
	assert.Equal(t, 6*time.Hour, effectsRetryDelay(1000))
}

func TestLedgerStatusConsumer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	donor := env.seedUser(t, domain.RoleDonor, domain.WalletExternal)
	beneficiary := env.seedUser(t, domain.RoleBeneficiary, domain.WalletCustodial)
	env.ledger.transferFn = func(ledgerclient.TransferRequest) (*ledgerclient.TransferResult, error) {
		return &ledgerclient.TransferResult{Status: ledgerclient.StatusPending}, nil
	}
	d, err := env.svc.ProcessDonation(ctx, domain.DonationRequest{DonorID: donor.ID, BeneficiaryID: beneficiary.ID, Amount: 12_00})
	require.NoError(t, err)
	require.Equal(t, domain.DonationPending, d.Status)

	consumer := NewLedgerStatusConsumer(env.svc)

	assert.True(t, consumer.HandleMessage([]byte("{not json")))
	assert.True(t, consumer.HandleMessage([]byte(`{"status":"SUCCESS"}`)))
	assert.True(t, consumer.HandleMessage([]byte(`{"idempotency_key":"unknown","status":"SUCCESS"}`)))
	assert.True(t, consumer.HandleMessage(mustJSON(t, domain.LedgerTransferStatusEvent{IdempotencyKey: d.IdempotencyKey, Status: "WEIRD"})))

	stored, err := env.repo.FindDonationByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DonationPending, stored.Status)

	body := mustJSON(t, domain.LedgerTransferStatusEvent{IdempotencyKey: d.IdempotencyKey, TransactionID: "0.0.2@501", Status: "success"})
	assert.True(t, consumer.HandleMessage(body))

	stored, err = env.repo.FindDonationByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DonationSuccess, stored.Status)
	require.NotNil(t, stored.LedgerTransactionID)
	assert.Equal(t, "0.0.2@501", *stored.LedgerTransactionID)
	assert.NotNil(t, stored.EffectsCompletedAt)

	// redelivery is acknowledged without a second settlement
	assert.True(t, consumer.HandleMessage(body))
	updated, err := env.repo.FindUserByID(ctx, donor.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.DonationsCount)
}

type recordingReconciler struct {
	mu      sync.Mutex
	pending int
	effects int
	limits  []int
	err     error
}

func (r *recordingReconciler) ReconcilePendingDonations(ctx context.Context, limit int) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending++
	r.limits = append(r.limits, limit)
	return ReconcileResult{}, r.err
}

func (r *recordingReconciler) ReconcileDonationEffects(ctx context.Context, limit int) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects++
	r.limits = append(r.limits, limit)
	return ReconcileResult{}, r.err
}

func TestSchedulerJobsCallReconciler(t *testing.T) {
	rec := &recordingReconciler{err: errors.New("boom")}
	s := NewScheduler(rec, zerolog.Nop(), SchedulerConfig{PendingSchedule: "@every 1m", EffectsSchedule: "not a schedule", BatchSize: 25})

	s.Start()
	assert.Len(t, s.cron.Entries(), 1, "invalid schedules are logged and skipped")
	<-s.Stop().Done()

	s.reconcilePending()
	s.reconcileEffects()
	assert.Equal(t, 1, rec.pending)
	assert.Equal(t, 1, rec.effects)
	assert.Equal(t, []int{25, 25}, rec.limits)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
