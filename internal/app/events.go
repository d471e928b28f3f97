package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/soutien/donation-service/internal/domain"
)

// publishEvent sends a domain event to the broker. Delivery is best-effort: a failure
// is logged and never changes the outcome of the operation that produced the event.
func (s *Service) publishEvent(ctx context.Context, routingKey string, body interface{}) {
	if s.eventProducer == nil {
		return
	}
	if err := s.eventProducer.Publish(ctx, s.opts.EventsExchange, routingKey, body); err != nil {
		s.logger.Warn().
			Str("flow", "publish").
			Str("routing_key", routingKey).
			Err(err).
			Msg("failed to publish domain event")
	}
}

// recordConsensusEvent submits payload to the consensus topic, when one is configured,
// and appends the audit row. Both steps are best-effort.
func (s *Service) recordConsensusEvent(ctx context.Context, eventType domain.ConsensusEventType, payload interface{}, participants []uuid.UUID, ledgerTxID *string) {
	logger := s.logger.With().
		Str("flow", "consensus").
		Str("event_type", string(eventType)).
		Logger()

	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode consensus payload")
		return
	}

	event := &domain.ConsensusEvent{
		ID:                  uuid.New(),
		TopicID:             s.opts.TopicID,
		EventType:           eventType,
		Payload:             raw,
		Participants:        participants,
		LedgerTransactionID: ledgerTxID,
	}

	if s.opts.TopicID != "" {
		start := time.Now()
		result, err := s.ledger.SubmitTopicMessage(ctx, s.opts.TopicID, raw)
		s.metrics.LedgerCall("topic_message", ledgerOutcome(err), time.Since(start))
		if err != nil {
			logger.Warn().Err(err).Msg("failed to submit consensus message")
		} else {
			seq := result.SequenceNumber
			event.SequenceNumber = &seq
		}
	}

	if err := s.repo.AppendConsensusEvent(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("failed to record consensus event")
	}
}
