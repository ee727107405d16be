package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/alert"
	"github.com/VOTGroup/lotus-mpool-replace/internal/engine"
	"github.com/VOTGroup/lotus-mpool-replace/internal/epoch"
	"github.com/VOTGroup/lotus-mpool-replace/internal/events"
	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
	"github.com/VOTGroup/lotus-mpool-replace/internal/stats"
	"github.com/VOTGroup/lotus-mpool-replace/internal/store/statefile"
	"github.com/VOTGroup/lotus-mpool-replace/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// HeightSource reports the node's current chain height. It is consulted once
// to calibrate the epoch clock.
type HeightSource interface {
	ChainHeight(ctx context.Context) (int64, error)
}

type Config struct {
	// Node labels alerts and health snapshots.
	Node string
	// SyncPollInterval is the fixed sleep between synchronization checks and
	// the initial calibration retry delay.
	SyncPollInterval time.Duration
	// CalibrateMaxBackoff caps the doubling calibration retry delay.
	CalibrateMaxBackoff time.Duration
	// UnsyncedAlertAfter is how long the node may stay unsynchronized before
	// a NODE_UNSYNCED alert is raised. Zero disables the alert.
	UnsyncedAlertAfter time.Duration
}

// Status is the JSON view served by the admin API.
type Status struct {
	Node         string           `json:"node"`
	Epoch        int64            `json:"epoch"`
	Calibrated   bool             `json:"calibrated"`
	Synchronized bool             `json:"synchronized"`
	Pending      int              `json:"pending"`
	Working      int              `json:"working"`
	Statistics   stats.Statistics `json:"statistics"`
	LastTick     *TickSummary     `json:"lastTick,omitempty"`
	LastTickAt   *time.Time       `json:"lastTickAt,omitempty"`
	StartedAt    time.Time        `json:"startedAt"`
}

// TickSummary is the count portion of an engine.TickReport.
type TickSummary struct {
	Epoch          int64 `json:"epoch"`
	Tracked        int   `json:"tracked"`
	Promoted       int   `json:"promoted"`
	Replaced       int   `json:"replaced"`
	FeeDeltaTooLow int   `json:"feeDeltaTooLow"`
	Failed         int   `json:"failed"`
	Confirmed      int   `json:"confirmed"`
	DroppedPending int   `json:"droppedPending"`
	Capped         int   `json:"capped"`
}

func summarize(r engine.TickReport) *TickSummary {
	return &TickSummary{
		Epoch:          r.Epoch,
		Tracked:        r.Tracked,
		Promoted:       r.Promoted,
		Replaced:       r.Replaced,
		FeeDeltaTooLow: r.FeeDeltaTooLow,
		Failed:         r.Failed,
		Confirmed:      r.Confirmed,
		DroppedPending: r.DroppedPending,
		Capped:         r.Capped,
	}
}

// Scheduler owns the engine state and drives one tick per epoch. It is the
// state's only writer; readers get copies through StatusSnapshot and
// Messages.
type Scheduler struct {
	cfg     Config
	gateway engine.NodeGateway
	heights HeightSource
	clock   *epoch.Clock
	tracker *engine.Tracker
	store   statefile.Store
	sink    events.Sink
	alerter alert.Alerter
	health  *Health
	logger  *slog.Logger

	state        *engine.State
	lastEpoch    int64
	unsyncedSent bool
	startedAt    time.Time

	status atomic.Pointer[Status]
	view   atomic.Pointer[engine.View]

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Scheduler)

// WithSink sets the lifecycle event sink. Defaults to events.NopSink.
func WithSink(sink events.Sink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

// WithAlerter sets the alert channel. Defaults to alert.NoopAlerter.
func WithAlerter(a alert.Alerter) Option {
	return func(s *Scheduler) { s.alerter = a }
}

// WithHealth shares an existing health tracker, typically the one the
// health server reads.
func WithHealth(h *Health) Option {
	return func(s *Scheduler) { s.health = h }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = fn }
}

func withNow(fn func() time.Time) Option {
	return func(s *Scheduler) { s.now = fn }
}

func New(
	cfg Config,
	gateway engine.NodeGateway,
	heights HeightSource,
	clock *epoch.Clock,
	tracker *engine.Tracker,
	store statefile.Store,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncPollInterval <= 0 {
		cfg.SyncPollInterval = 10 * time.Second
	}
	if cfg.CalibrateMaxBackoff < cfg.SyncPollInterval {
		cfg.CalibrateMaxBackoff = cfg.SyncPollInterval
	}
	s := &Scheduler{
		cfg:     cfg,
		gateway: gateway,
		heights: heights,
		clock:   clock,
		tracker: tracker,
		store:   store,
		sink:    events.NopSink{},
		alerter: &alert.NoopAlerter{},
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealth(cfg.Node)
	}
	s.startedAt = s.now().UTC()
	return s
}

// Health returns the tracker fed by completed and failed ticks.
func (s *Scheduler) Health() *Health { return s.health }

// Start calibrates the clock and loads the persisted state. It returns only
// when both are done or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.calibrate(ctx); err != nil {
		return err
	}

	state, info, err := s.store.Load()
	if err != nil {
		s.logger.Error("persisted state unreadable, starting empty", "error", err)
	}
	s.state = state
	if info.Found {
		s.logger.Info("persisted state loaded",
			"pending", len(state.Pending),
			"working", len(state.Working),
			"saved_epoch", info.SavedEpoch,
			"saved_at", info.SavedAt,
		)
	}
	s.lastEpoch = s.clock.Now()
	s.publishStatus(nil)
	return nil
}

// Run starts the scheduler and ticks once per epoch until ctx is cancelled.
// Cancellation is observed between ticks; the state is saved one last time
// before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	s.logger.Info("scheduler started",
		"epoch", s.clock.Now(),
		"interval", s.clock.Interval(),
	)

	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}

		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("tick skipped", "error", err)
		}

		if err := s.sleep(ctx, s.clock.UntilNextBoundary()); err != nil {
			return s.shutdown()
		}
	}
}

// RunOnce waits for the node to be synchronized and runs a single tick. Start
// must have been called. The tick itself is not interrupted by ctx.
func (s *Scheduler) RunOnce(ctx context.Context) (engine.TickReport, error) {
	if s.state == nil {
		return engine.TickReport{}, errors.New("scheduler not started")
	}
	if err := s.waitForSync(ctx); err != nil {
		return engine.TickReport{}, err
	}
	return s.tick(context.WithoutCancel(ctx))
}

func (s *Scheduler) tick(ctx context.Context) (engine.TickReport, error) {
	start := time.Now()
	current := s.clock.Now()

	ctx, span := tracing.Start(ctx, "scheduler.tick", attribute.Int64("epoch", current))
	snapshot, err := s.gateway.ListOutstandingIDs(ctx)
	if err != nil {
		metrics.SchedulerTickErrors.WithLabelValues("snapshot").Inc()
		s.recordFailure(err)
		tracing.End(span, err)
		return engine.TickReport{Epoch: current}, fmt.Errorf("snapshot at epoch %d: %w", current, err)
	}

	report := s.tracker.Tick(ctx, s.state, current, snapshot)
	s.lastEpoch = current

	var tickErr error
	if err := s.store.Save(s.state, current); err != nil {
		metrics.StateSaveErrors.Inc()
		metrics.SchedulerTickErrors.WithLabelValues("persist").Inc()
		s.logger.Error("state save failed", "epoch", current, "error", err)
		tickErr = fmt.Errorf("save state at epoch %d: %w", current, err)
	}

	if err := s.sink.Publish(ctx, report.Events); err != nil {
		s.logger.Warn("event publish failed", "events", len(report.Events), "error", err)
	}

	if report.Capped > 0 {
		s.alertFeeCapped(ctx, report)
	}

	elapsed := time.Since(start)
	metrics.SchedulerTicksTotal.Inc()
	metrics.SchedulerTickLatency.Observe(elapsed.Seconds())
	metrics.SchedulerEpoch.Set(float64(current))
	s.publishStats()

	if tickErr != nil {
		s.recordFailure(tickErr)
	} else if s.health.RecordSuccess(elapsed) {
		s.logger.Info("scheduler recovered")
	}
	s.publishStatus(&report)
	s.logRunningStats(report)
	tracing.End(span, tickErr)

	return report, tickErr
}

func (s *Scheduler) recordFailure(err error) {
	if s.health.RecordFailure(err) {
		s.logger.Error("scheduler unhealthy",
			"consecutive_failures", s.health.Snapshot().ConsecutiveFailures,
			"error", err,
		)
	}
}

// calibrate adopts the node's height, retrying with a doubling delay capped
// at CalibrateMaxBackoff.
func (s *Scheduler) calibrate(ctx context.Context) error {
	if s.clock.Calibrated() {
		return nil
	}
	backoff := s.cfg.SyncPollInterval
	for attempt := 1; ; attempt++ {
		height, err := s.heights.ChainHeight(ctx)
		if err == nil {
			s.clock.Calibrate(height)
			s.logger.Info("epoch clock calibrated", "height", height, "attempts", attempt)
			return nil
		}
		s.logger.Warn("chain height unavailable, retrying calibration",
			"attempt", attempt,
			"retry_in", backoff,
			"error", err,
		)
		if err := s.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("calibrate epoch clock: %w", err)
		}
		backoff *= 2
		if backoff > s.cfg.CalibrateMaxBackoff {
			backoff = s.cfg.CalibrateMaxBackoff
		}
	}
}

// waitForSync blocks until the node reports itself synchronized, polling at
// SyncPollInterval. It raises NODE_UNSYNCED once the wait exceeds
// UnsyncedAlertAfter and RECOVERY when the node comes back.
func (s *Scheduler) waitForSync(ctx context.Context) error {
	var since time.Time
	for {
		if s.gateway.IsSynchronized(ctx) {
			s.health.SetSynchronized(true)
			if s.unsyncedSent {
				s.unsyncedSent = false
				s.sendAlert(ctx, alert.Alert{
					Type:    alert.AlertTypeRecovery,
					Node:    s.cfg.Node,
					Title:   "Lotus node synchronized",
					Message: "The node caught up with the chain; fee escalation resumed.",
				})
			}
			return nil
		}

		s.health.SetSynchronized(false)
		if since.IsZero() {
			since = s.now()
			s.logger.Warn("node not synchronized, waiting", "poll_interval", s.cfg.SyncPollInterval)
		}
		if waited := s.now().Sub(since); s.cfg.UnsyncedAlertAfter > 0 && waited >= s.cfg.UnsyncedAlertAfter && !s.unsyncedSent {
			s.unsyncedSent = true
			s.sendAlert(ctx, alert.Alert{
				Type:    alert.AlertTypeNodeUnsynced,
				Node:    s.cfg.Node,
				Title:   "Lotus node not synchronized",
				Message: "Fee escalation is paused until the node catches up.",
				Fields:  map[string]string{"waited": waited.Round(time.Second).String()},
			})
		}

		if err := s.sleep(ctx, s.cfg.SyncPollInterval); err != nil {
			return fmt.Errorf("wait for sync: %w: %w", engine.ErrNotSynchronized, err)
		}
	}
}

func (s *Scheduler) alertFeeCapped(ctx context.Context, report engine.TickReport) {
	capped := make(map[string]bool, len(report.CappedIDs))
	for _, id := range report.CappedIDs {
		capped[string(id)] = true
	}
	for _, ev := range report.Events {
		if ev.Kind != events.KindReplaced || !capped[ev.MessageID] {
			continue
		}
		s.sendAlert(ctx, alert.Alert{
			Type:    alert.AlertTypeFeeCapped,
			Node:    s.cfg.Node,
			Subject: ev.MessageID,
			Title:   "Replacement fee capped at maximum",
			Message: "A message was replaced at the configured maximum fee and is still escalating.",
			Fields: map[string]string{
				"message_id":       ev.MessageID,
				"new_message_id":   ev.NewMessageID,
				"executed_fee":     ev.Fee.String(),
				"next_round_fee":   ev.RoundFee.String(),
				"total_age_epochs": strconv.FormatInt(ev.AgeEpochs, 10),
			},
		})
	}
}

func (s *Scheduler) sendAlert(ctx context.Context, a alert.Alert) {
	if err := s.alerter.Send(ctx, a); err != nil {
		s.logger.Warn("alert send failed", "type", a.Type, "error", err)
	}
}

func (s *Scheduler) shutdown() error {
	if s.state == nil {
		return nil
	}
	if err := s.store.Save(s.state, s.lastEpoch); err != nil {
		metrics.StateSaveErrors.Inc()
		s.logger.Error("final state save failed", "error", err)
		return fmt.Errorf("final save: %w", err)
	}
	s.logger.Info("scheduler stopped, state saved",
		"epoch", s.lastEpoch,
		"pending", len(s.state.Pending),
		"working", len(s.state.Working),
	)
	return nil
}

func (s *Scheduler) publishStats() {
	st := s.state.Stats.Statistics()
	metrics.MeanFee.Set(st.MeanFee.InexactFloat64())
	metrics.MaxFeeObserved.Set(st.MaxFeeObserved.InexactFloat64())
	metrics.MeanAge.Set(st.MeanAge)
	metrics.MaxAgeObserved.Set(float64(st.MaxAgeObserved))
}

func (s *Scheduler) publishStatus(report *engine.TickReport) {
	view := s.state.Clone()
	s.view.Store(&view)

	status := &Status{
		Node:         s.cfg.Node,
		Epoch:        s.lastEpoch,
		Calibrated:   s.clock.Calibrated(),
		Synchronized: s.health.Snapshot().Synchronized,
		Pending:      len(view.Pending),
		Working:      len(view.Working),
		Statistics:   view.Statistics,
		StartedAt:    s.startedAt,
	}
	if prev := s.status.Load(); prev != nil {
		status.LastTick = prev.LastTick
		status.LastTickAt = prev.LastTickAt
	}
	if report != nil {
		at := s.now().UTC()
		status.LastTick = summarize(*report)
		status.LastTickAt = &at
	}
	s.status.Store(status)
}

func (s *Scheduler) logRunningStats(report engine.TickReport) {
	st := s.state.Stats.Statistics()
	s.logger.Info("running stats",
		"epoch", report.Epoch,
		"pending", len(s.state.Pending),
		"working", len(s.state.Working),
		"seen", st.TotalSeen,
		"promoted", st.TotalPromoted,
		"replaced", st.TotalReplaced,
		"confirmed", st.TotalConfirmed,
		"mean_fee", st.MeanFee.StringFixed(6),
		"max_fee", st.MaxFeeObserved.String(),
		"mean_age_epochs", strconv.FormatFloat(st.MeanAge, 'f', 2, 64),
		"max_age_epochs", st.MaxAgeObserved,
	)
}

// StatusSnapshot returns the status published after the last tick.
func (s *Scheduler) StatusSnapshot() any {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return Status{Node: s.cfg.Node, StartedAt: s.startedAt}
}

// Messages returns a copy of the pending and working sets as of the last tick.
func (s *Scheduler) Messages() engine.View {
	if v := s.view.Load(); v != nil {
		return *v
	}
	return engine.View{}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
