package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind names a lifecycle transition of a tracked message.
type Kind string

const (
	KindTracked        Kind = "tracked"
	KindPromoted       Kind = "promoted"
	KindReplaced       Kind = "replaced"
	KindFeeDeltaTooLow Kind = "fee_delta_too_low"
	KindReplaceFailed  Kind = "replace_failed"
	KindConfirmed      Kind = "confirmed"
	KindDroppedPending Kind = "dropped_pending"
)

// Event records one lifecycle transition. Fee is the fee actually submitted
// (or last submitted, for confirmations); RoundFee is the stored round fee
// after the transition.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	Kind         Kind            `json:"kind"`
	MessageID    string          `json:"messageId"`
	NewMessageID string          `json:"newMessageId,omitempty"`
	Epoch        int64           `json:"epoch"`
	Fee          decimal.Decimal `json:"fee"`
	RoundFee     decimal.Decimal `json:"roundFee"`
	AgeEpochs    int64           `json:"ageEpochs"`
	Detail       string          `json:"detail,omitempty"`
	At           time.Time       `json:"at"`
}

// New builds an event with a fresh id, stamped with the current time.
func New(kind Kind, messageID string, epoch int64) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		MessageID: messageID,
		Epoch:     epoch,
		At:        time.Now().UTC(),
	}
}

// Sink receives lifecycle events after each tick. Publishing is best effort:
// a failing sink never affects engine state.
type Sink interface {
	Name() string
	Publish(ctx context.Context, batch []Event) error
	Close() error
}

// MultiSink fans a batch out to every sink and joins their errors.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

// Len returns the number of wrapped sinks.
func (m *MultiSink) Len() int { return len(m.sinks) }

func (m *MultiSink) Publish(ctx context.Context, batch []Event) error {
	if len(batch) == 0 {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Publish(ctx, batch); err != nil {
			metrics.EventSinkErrors.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
			continue
		}
		metrics.EventsPublished.WithLabelValues(s.Name()).Add(float64(len(batch)))
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Name() string                           { return "nop" }
func (NopSink) Publish(context.Context, []Event) error { return nil }
func (NopSink) Close() error                           { return nil }
