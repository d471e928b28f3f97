package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soutien/donation-service/internal/domain"
)

// MemoryRepository is an in-process Repository used for local runs (STORAGE_DRIVER=memory)
// and tests. It honours the same version and marker semantics as PostgresRepository.
type MemoryRepository struct {
	mu        sync.Mutex
	users     map[uuid.UUID]domain.User
	donations map[uuid.UUID]domain.Donation
	requests  map[uuid.UUID]domain.AssistanceRequest
	badges    map[uuid.UUID]domain.Badge
	events    []domain.ConsensusEvent
	now       func() time.Time
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:     make(map[uuid.UUID]domain.User),
		donations: make(map[uuid.UUID]domain.Donation),
		requests:  make(map[uuid.UUID]domain.AssistanceRequest),
		badges:    make(map[uuid.UUID]domain.Badge),
		now:       time.Now,
	}
}

func (m *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemoryRepository) CreateUser(ctx context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return domain.ErrConflict
	}
	if u.Version == 0 {
		u.Version = 1
	}
	now := m.now()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.MemberSince.IsZero() {
		u.MemberSince = now
	}
	m.users[u.ID] = *u
	return nil
}

func (m *MemoryRepository) ApplyDonationToDonorStats(ctx context.Context, donationID uuid.UUID, appliedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[donationID]
	if !ok {
		return false, ErrDonationNotFound
	}
	if d.Status != domain.DonationSuccess || d.StatsAppliedAt != nil {
		return false, nil
	}
	u, ok := m.users[d.DonorID]
	if !ok {
		return false, ErrUserNotFound
	}
	u.DonationsCount++
	u.DonationsTotal += d.Amount
	u.Version++
	u.UpdatedAt = m.now()
	d.StatsAppliedAt = &appliedAt
	d.UpdatedAt = m.now()
	m.users[u.ID] = u
	m.donations[d.ID] = d
	return true, nil
}

func (m *MemoryRepository) UpdateReputationScore(ctx context.Context, userID uuid.UUID, score int, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if u.Version != expectedVersion {
		return ErrVersionConflict
	}
	u.ReputationScore = score
	u.Version++
	u.UpdatedAt = m.now()
	m.users[userID] = u
	return nil
}

func (m *MemoryRepository) CreateDonation(ctx context.Context, d *domain.Donation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.donations {
		if existing.IdempotencyKey == d.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	now := m.now()
	d.CreatedAt, d.UpdatedAt = now, now
	m.donations[d.ID] = *d
	return nil
}

func (m *MemoryRepository) FindDonationByID(ctx context.Context, donationID uuid.UUID) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[donationID]
	if !ok {
		return nil, ErrDonationNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) FindDonationByIdempotencyKey(ctx context.Context, key string) (*domain.Donation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.donations {
		if d.IdempotencyKey == key {
			return &d, nil
		}
	}
	return nil, ErrDonationNotFound
}

func (m *MemoryRepository) SettleDonation(ctx context.Context, donationID uuid.UUID, params SettleDonationParams) (*domain.Donation, error) {
	if !params.Status.IsTerminal() {
		return nil, domain.ErrValidation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[donationID]
	if !ok {
		return nil, ErrDonationNotFound
	}
	if d.Status != domain.DonationPending {
		return nil, ErrDonationAlreadySettled
	}
	d.Status = params.Status
	if params.LedgerTransactionID != nil {
		d.LedgerTransactionID = params.LedgerTransactionID
	}
	d.FailureReason = params.FailureReason
	d.UpdatedAt = m.now()
	m.donations[donationID] = d
	return &d, nil
}

func (m *MemoryRepository) ListDonationsByDonor(ctx context.Context, donorID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	return m.listDonations(func(d domain.Donation) bool { return d.DonorID == donorID }, newestFirst, limit, offset), nil
}

func (m *MemoryRepository) ListDonationsByBeneficiary(ctx context.Context, beneficiaryID uuid.UUID, limit, offset int) ([]domain.Donation, error) {
	return m.listDonations(func(d domain.Donation) bool { return d.BeneficiaryID == beneficiaryID }, newestFirst, limit, offset), nil
}

func (m *MemoryRepository) ListPendingDonations(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Donation, error) {
	return m.listDonations(func(d domain.Donation) bool {
		return d.Status == domain.DonationPending && d.CreatedAt.Before(createdBefore)
	}, oldestFirst, limit, 0), nil
}

func (m *MemoryRepository) ListDonationsWithIncompleteEffects(ctx context.Context, q IncompleteEffectsQuery) ([]domain.Donation, error) {
	return m.listDonations(func(d domain.Donation) bool {
		if d.Status != domain.DonationSuccess || d.EffectsCompletedAt != nil || d.EffectsAttempts >= q.MaxAttempts {
			return false
		}
		if d.EffectsNextAttemptAt == nil {
			return d.UpdatedAt.Before(q.SettledBefore)
		}
		return !d.EffectsNextAttemptAt.After(q.DueBy)
	}, effectsDueFirst, q.Limit, 0), nil
}

func newestFirst(a, b domain.Donation) bool { return a.CreatedAt.After(b.CreatedAt) }
func oldestFirst(a, b domain.Donation) bool { return a.CreatedAt.Before(b.CreatedAt) }

func effectsDueFirst(a, b domain.Donation) bool { return effectsDueAt(a).Before(effectsDueAt(b)) }

func effectsDueAt(d domain.Donation) time.Time {
	if d.EffectsNextAttemptAt != nil {
		return *d.EffectsNextAttemptAt
	}
	return d.UpdatedAt
}

func (m *MemoryRepository) listDonations(match func(domain.Donation) bool, less func(a, b domain.Donation) bool, limit, offset int) []domain.Donation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Donation, 0)
	for _, d := range m.donations {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if offset >= len(out) {
		return []domain.Donation{}
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) MarkDonationBadgeChecked(ctx context.Context, donationID uuid.UUID, checkedAt time.Time) error {
	return m.stampDonation(donationID, func(d *domain.Donation) {
		if d.BadgeCheckedAt == nil {
			d.BadgeCheckedAt = &checkedAt
		}
	})
}

func (m *MemoryRepository) SkipDonationFunding(ctx context.Context, donationID uuid.UUID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[donationID]
	if !ok {
		return ErrDonationNotFound
	}
	if d.FundingAppliedAt != nil {
		return ErrEffectAlreadyApplied
	}
	d.FundingAppliedAt = &at
	d.FundingSkipReason = &reason
	d.UpdatedAt = m.now()
	m.donations[donationID] = d
	return nil
}

func (m *MemoryRepository) MarkDonationEffectsCompleted(ctx context.Context, donationID uuid.UUID, completedAt time.Time) error {
	return m.stampDonation(donationID, func(d *domain.Donation) {
		if d.EffectsCompletedAt == nil {
			d.EffectsCompletedAt = &completedAt
		}
		d.EffectsNextAttemptAt = nil
	})
}

func (m *MemoryRepository) RecordDonationEffectsFailure(ctx context.Context, donationID uuid.UUID, lastError string, nextAttemptAt time.Time) (int, error) {
	var attempts int
	err := m.stampDonation(donationID, func(d *domain.Donation) {
		d.EffectsAttempts++
		d.EffectsLastError = &lastError
		d.EffectsNextAttemptAt = &nextAttemptAt
		attempts = d.EffectsAttempts
	})
	return attempts, err
}

func (m *MemoryRepository) stampDonation(donationID uuid.UUID, apply func(*domain.Donation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donations[donationID]
	if !ok {
		return ErrDonationNotFound
	}
	apply(&d)
	d.UpdatedAt = m.now()
	m.donations[donationID] = d
	return nil
}

func (m *MemoryRepository) CountSuccessfulDonationsByDonor(ctx context.Context, donorID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, d := range m.donations {
		if d.DonorID == donorID && d.Status == domain.DonationSuccess {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) CreateAssistanceRequest(ctx context.Context, req *domain.AssistanceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Version == 0 {
		req.Version = 1
	}
	now := m.now()
	req.CreatedAt, req.UpdatedAt = now, now
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryRepository) FindAssistanceRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.AssistanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrAssistanceRequestNotFound
	}
	return &req, nil
}

func (m *MemoryRepository) ListAssistanceRequests(ctx context.Context, filter domain.AssistanceRequestFilter, limit, offset int) ([]domain.AssistanceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AssistanceRequest, 0)
	for _, req := range m.requests {
		if filter.Matches(req) {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.AssistanceRequest{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) CountAssistanceRequestsByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, req := range m.requests {
		if req.OwnerID == ownerID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) UpdateAssistanceRequestFunding(ctx context.Context, req *domain.AssistanceRequest, expectedVersion int64, donationID *uuid.UUID, appliedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[req.ID]
	if !ok {
		return ErrAssistanceRequestNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	if donationID != nil {
		d, ok := m.donations[*donationID]
		if !ok {
			return ErrDonationNotFound
		}
		if d.FundingAppliedAt != nil {
			return ErrEffectAlreadyApplied
		}
		d.FundingAppliedAt = &appliedAt
		d.UpdatedAt = m.now()
		m.donations[d.ID] = d
	}
	stored.AmountRaised = req.AmountRaised
	stored.Status = req.Status
	stored.Version = expectedVersion + 1
	stored.UpdatedAt = m.now()
	m.requests[req.ID] = stored
	req.Version = stored.Version
	req.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *MemoryRepository) UpdateAssistanceRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.AssistanceRequestStatus, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.requests[requestID]
	if !ok {
		return ErrAssistanceRequestNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	stored.Status = status
	stored.Version++
	stored.UpdatedAt = m.now()
	m.requests[requestID] = stored
	return nil
}

func (m *MemoryRepository) ListBadgesByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Badge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Badge, 0)
	for _, b := range m.badges {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out, nil
}

func (m *MemoryRepository) FindBadgeByID(ctx context.Context, badgeID uuid.UUID) (*domain.Badge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.badges[badgeID]
	if !ok {
		return nil, ErrBadgeNotFound
	}
	return &b, nil
}

func (m *MemoryRepository) ClaimBadge(ctx context.Context, b *domain.Badge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.badges {
		if existing.OwnerID == b.OwnerID && existing.Tier == b.Tier {
			return ErrBadgeAlreadyClaimed
		}
	}
	now := m.now()
	b.CreatedAt, b.UpdatedAt = now, now
	m.badges[b.ID] = *b
	return nil
}

func (m *MemoryRepository) MarkBadgeMinted(ctx context.Context, badgeID uuid.UUID, params MintedBadgeParams) (*domain.Badge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.badges[badgeID]
	if !ok {
		return nil, ErrBadgeNotFound
	}
	serial := params.SerialNumber
	txID := params.LedgerTransactionID
	hash := params.ContentHash
	b.Status = domain.BadgeMinted
	b.SerialNumber = &serial
	b.LedgerTransactionID = &txID
	b.ContentHash = &hash
	b.Metadata = append(json.RawMessage(nil), params.Metadata...)
	b.UpdatedAt = m.now()
	m.badges[badgeID] = b
	return &b, nil
}

func (m *MemoryRepository) ReleaseBadgeClaim(ctx context.Context, badgeID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.badges[badgeID]; ok && b.Status == domain.BadgePending {
		delete(m.badges, badgeID)
	}
	return nil
}

func (m *MemoryRepository) AppendConsensusEvent(ctx context.Context, e *domain.ConsensusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.CreatedAt = m.now()
	m.events = append(m.events, *e)
	return nil
}

// ConsensusEvents returns a copy of every appended event in insertion order.
func (m *MemoryRepository) ConsensusEvents() []domain.ConsensusEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ConsensusEvent(nil), m.events...)
}
