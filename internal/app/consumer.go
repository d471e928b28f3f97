package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/soutien/donation-service/internal/domain"
	"github.com/soutien/donation-service/internal/store"
	"github.com/soutien/donation-service/pkg/ledgerclient"
)

// LedgerStatusConsumer finalizes pending donations from transfer status events pushed
// by the ledger gateway, typically after an external wallet co-signed the transfer.
type LedgerStatusConsumer struct {
	service *Service
}

func NewLedgerStatusConsumer(service *Service) *LedgerStatusConsumer {
	return &LedgerStatusConsumer{service: service}
}

// HandleMessage processes one delivery. It returns false when the message should be
// requeued.
func (c *LedgerStatusConsumer) HandleMessage(body []byte) bool {
	logger := c.service.logger.With().Str("flow", "ledger_status_consumer").Logger()

	var event domain.LedgerTransferStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		logger.Warn().Err(err).Msg("failed to unmarshal ledger status payload")
		return true
	}
	if strings.TrimSpace(event.IdempotencyKey) == "" {
		logger.Warn().Msg("ledger status event without idempotency key")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.processEvent(ctx, event); err != nil {
		logger.Error().Str("idempotency_key", event.IdempotencyKey).Err(err).Msg("failed to process ledger status event")
		return false
	}
	return true
}

func (c *LedgerStatusConsumer) processEvent(ctx context.Context, event domain.LedgerTransferStatusEvent) error {
	logger := c.service.logger.With().
		Str("flow", "ledger_status_consumer").
		Str("idempotency_key", event.IdempotencyKey).
		Logger()

	d, err := c.service.repo.FindDonationByIdempotencyKey(ctx, event.IdempotencyKey)
	if err != nil {
		if errors.Is(err, store.ErrDonationNotFound) {
			logger.Info().Msg("no donation for idempotency key; acknowledging")
			return nil
		}
		return fmt.Errorf("lookup donation: %w", err)
	}
	if d.Status.IsTerminal() {
		logger.Debug().Str("donation_id", d.ID.String()).Str("status", string(d.Status)).Msg("donation already settled")
		return nil
	}

	status := normalizeTransferStatus(event.Status)
	if status == "" {
		logger.Warn().Str("status", event.Status).Msg("unknown ledger status; acknowledging")
		return nil
	}

	result := &ledgerclient.TransferResult{
		TransactionID: event.TransactionID,
		Status:        status,
	}
	if event.Reason != nil {
		result.Reason = *event.Reason
	}

	_, err = c.service.applyTransferOutcome(ctx, d, result, nil)
	return err
}

func normalizeTransferStatus(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case ledgerclient.StatusSuccess, "COMPLETED", "SUCCEEDED":
		return ledgerclient.StatusSuccess
	case ledgerclient.StatusFailure, "FAILED", "REJECTED":
		return ledgerclient.StatusFailure
	case ledgerclient.StatusPending:
		return ledgerclient.StatusPending
	default:
		return ""
	}
}
