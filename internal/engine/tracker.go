package engine

import (
	"context"
	"log/slog"

	"github.com/VOTGroup/lotus-mpool-replace/internal/events"
	"github.com/VOTGroup/lotus-mpool-replace/internal/fee"
	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
	"github.com/shopspring/decimal"
)

// TrackerConfig holds the lifecycle thresholds. Waits are strict: an entry
// acts only once the current epoch is greater than its reference epoch plus
// the wait.
type TrackerConfig struct {
	MinFee            decimal.Decimal
	MaxFee            decimal.Decimal
	PendingWaitEpochs int64
	WorkingWaitEpochs int64
}

// TickReport summarizes what a single tick did.
type TickReport struct {
	Epoch          int64
	Tracked        int
	Promoted       int
	Replaced       int
	FeeDeltaTooLow int
	Failed         int
	Confirmed      int
	DroppedPending int
	// Capped counts replacements submitted at MaxFee while the round fee
	// had already grown past it.
	Capped int
	// CappedIDs are the original ids of the capped replacements.
	CappedIDs []MessageID
	Events    []events.Event
}

// Tracker drives the Pending -> Working -> gone state machine.
type Tracker struct {
	cfg      TrackerConfig
	policy   fee.Policy
	executor *Executor
	logger   *slog.Logger
}

func NewTracker(cfg TrackerConfig, policy fee.Policy, executor *Executor, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:      cfg,
		policy:   policy,
		executor: executor,
		logger:   logger.With("component", "tracker"),
	}
}

// Tick applies one epoch's snapshot to state. Entries promoted during this
// tick are first considered for escalation on the following tick.
func (t *Tracker) Tick(ctx context.Context, state *State, epoch int64, snapshot Snapshot) TickReport {
	report := TickReport{Epoch: epoch}

	t.intake(state, epoch, snapshot, &report)
	working := sortedKeys(state.Working)
	t.pendingPass(state, epoch, snapshot, &report)
	t.workingPass(ctx, state, epoch, snapshot, working, &report)

	metrics.TrackedMessages.WithLabelValues("pending").Set(float64(len(state.Pending)))
	metrics.TrackedMessages.WithLabelValues("working").Set(float64(len(state.Working)))
	return report
}

func (t *Tracker) intake(state *State, epoch int64, snapshot Snapshot, report *TickReport) {
	for _, id := range sortedKeys(snapshot) {
		if state.Tracked(id) {
			continue
		}
		state.Pending[id] = PendingEntry{ID: id, EnqueueEpoch: epoch}
		state.Stats.IncSeen()
		report.Tracked++
		t.emit(report, events.New(events.KindTracked, string(id), epoch))
		t.logger.Info("new pending message", "message_id", id, "epoch", epoch)
	}
}

func (t *Tracker) pendingPass(state *State, epoch int64, snapshot Snapshot, report *TickReport) {
	for _, id := range sortedKeys(state.Pending) {
		entry := state.Pending[id]

		if !snapshot.Has(id) {
			delete(state.Pending, id)
			report.DroppedPending++
			ev := events.New(events.KindDroppedPending, string(id), epoch)
			ev.AgeEpochs = epoch - entry.EnqueueEpoch
			t.emit(report, ev)
			t.logger.Info("pending message left the pool without a fee change",
				"message_id", id,
				"enqueue_epoch", entry.EnqueueEpoch,
			)
			continue
		}

		if epoch <= entry.EnqueueEpoch+t.cfg.PendingWaitEpochs {
			continue
		}

		delete(state.Pending, id)
		state.Working[id] = &WorkingEntry{
			ID:              id,
			StartEpoch:      entry.EnqueueEpoch,
			RoundEpoch:      entry.EnqueueEpoch,
			RoundFee:        t.cfg.MinFee,
			LastExecutedFee: t.cfg.MinFee,
		}
		state.Stats.IncPromoted()
		report.Promoted++
		ev := events.New(events.KindPromoted, string(id), epoch)
		ev.RoundFee = t.cfg.MinFee
		t.emit(report, ev)
		t.logger.Info("pending message promoted to working",
			"message_id", id,
			"enqueue_epoch", entry.EnqueueEpoch,
			"pending_wait_epochs", t.cfg.PendingWaitEpochs,
		)
	}
}

func (t *Tracker) workingPass(ctx context.Context, state *State, epoch int64, snapshot Snapshot, ids []MessageID, report *TickReport) {
	for _, id := range ids {
		entry, ok := state.Working[id]
		if !ok {
			continue
		}

		if !snapshot.Has(id) {
			t.confirm(state, epoch, entry, report)
			continue
		}

		if epoch <= entry.RoundEpoch+t.cfg.WorkingWaitEpochs {
			continue
		}
		t.escalate(ctx, state, epoch, entry, report)
	}
}

func (t *Tracker) confirm(state *State, epoch int64, entry *WorkingEntry, report *TickReport) {
	delete(state.Working, entry.ID)
	state.Stats.RecordConfirmation(entry.LastExecutedFee, entry.TotalAgeEpochs)
	report.Confirmed++

	ev := events.New(events.KindConfirmed, string(entry.ID), epoch)
	ev.Fee = entry.LastExecutedFee
	ev.RoundFee = entry.RoundFee
	ev.AgeEpochs = entry.TotalAgeEpochs
	t.emit(report, ev)
	t.logger.Info("working message left the pool",
		"message_id", entry.ID,
		"last_executed_fee", entry.LastExecutedFee.String(),
		"total_age_epochs", entry.TotalAgeEpochs,
	)
}

func (t *Tracker) escalate(ctx context.Context, state *State, epoch int64, entry *WorkingEntry, report *TickReport) {
	feeToExecute := fee.Clamp(entry.RoundFee, t.cfg.MaxFee)
	res := t.executor.Replace(ctx, entry.ID, feeToExecute)

	switch res.Decision.Outcome {
	case OutcomeReplaced:
		if state.Tracked(res.NewID) {
			report.Failed++
			ev := events.New(events.KindReplaceFailed, string(entry.ID), epoch)
			ev.Fee = feeToExecute
			ev.RoundFee = entry.RoundFee
			ev.NewMessageID = string(res.NewID)
			ev.Detail = "replacement id already tracked"
			t.emit(report, ev)
			t.logger.Error("replacement returned an id that is already tracked",
				"message_id", entry.ID,
				"new_message_id", res.NewID,
			)
			return
		}

		next := &WorkingEntry{
			ID:              res.NewID,
			StartEpoch:      entry.StartEpoch,
			RoundEpoch:      epoch,
			RoundFee:        t.policy.Next(entry.RoundFee),
			LastExecutedFee: feeToExecute,
			TotalAgeEpochs:  epoch - entry.StartEpoch,
		}
		delete(state.Working, entry.ID)
		state.Working[next.ID] = next
		state.Stats.IncReplaced()
		report.Replaced++
		if entry.RoundFee.GreaterThan(t.cfg.MaxFee) {
			report.Capped++
			report.CappedIDs = append(report.CappedIDs, entry.ID)
		}

		ev := events.New(events.KindReplaced, string(entry.ID), epoch)
		ev.NewMessageID = string(next.ID)
		ev.Fee = feeToExecute
		ev.RoundFee = next.RoundFee
		ev.AgeEpochs = next.TotalAgeEpochs
		t.emit(report, ev)
		t.logger.Info("working message replaced",
			"message_id", entry.ID,
			"new_message_id", next.ID,
			"executed_fee", feeToExecute.String(),
			"next_round_fee", next.RoundFee.String(),
			"total_age_epochs", next.TotalAgeEpochs,
		)

	case OutcomeFeeDeltaTooLow:
		entry.RoundFee = t.policy.Next(entry.RoundFee)
		report.FeeDeltaTooLow++
		ev := events.New(events.KindFeeDeltaTooLow, string(entry.ID), epoch)
		ev.Fee = feeToExecute
		ev.RoundFee = entry.RoundFee
		t.emit(report, ev)
		t.logger.Warn("fee delta too low, raising round fee in place",
			"message_id", entry.ID,
			"rejected_fee", feeToExecute.String(),
			"next_round_fee", entry.RoundFee.String(),
		)

	default:
		report.Failed++
		ev := events.New(events.KindReplaceFailed, string(entry.ID), epoch)
		ev.Fee = feeToExecute
		ev.RoundFee = entry.RoundFee
		if res.Err != nil {
			ev.Detail = res.Err.Error()
		}
		t.emit(report, ev)
	}
}

func (t *Tracker) emit(report *TickReport, ev events.Event) {
	metrics.LifecycleTransitions.WithLabelValues(string(ev.Kind)).Inc()
	report.Events = append(report.Events, ev)
}
