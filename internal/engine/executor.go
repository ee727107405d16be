package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
	"github.com/VOTGroup/lotus-mpool-replace/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Result is the classified outcome of one replacement attempt.
type Result struct {
	NewID    MessageID
	Decision Decision
	Err      error
}

// Executor issues replacements one at a time and classifies their failures.
type Executor struct {
	mu      sync.Mutex
	gateway NodeGateway
	logger  *slog.Logger
}

func NewExecutor(gateway NodeGateway, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gateway: gateway,
		logger:  logger.With("component", "executor"),
	}
}

// Replace submits a replacement for id at feeLimit. Concurrent callers are
// serialized so the node never sees overlapping replace operations.
func (e *Executor) Replace(ctx context.Context, id MessageID, feeLimit decimal.Decimal) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := tracing.Start(ctx, "executor.replace",
		attribute.String("message_id", string(id)),
		attribute.String("fee_limit", feeLimit.String()),
	)

	start := time.Now()
	newID, err := e.gateway.Replace(ctx, id, feeLimit)
	metrics.ReplacementLatency.Observe(time.Since(start).Seconds())

	if err == nil && newID == "" {
		err = errEmptyReplacementID
	}
	decision := ClassifyReplaceError(err)
	span.SetAttributes(attribute.String("outcome", string(decision.Outcome)))
	tracing.End(span, err)
	metrics.ReplacementsTotal.WithLabelValues(string(decision.Outcome)).Inc()

	switch decision.Outcome {
	case OutcomeReplaced:
		executed, _ := feeLimit.Float64()
		metrics.ExecutedFee.Observe(executed)
		e.logger.Info("message replaced",
			"message_id", id,
			"new_message_id", newID,
			"fee_limit", feeLimit.String(),
		)
		return Result{NewID: newID, Decision: decision}
	case OutcomeFeeDeltaTooLow:
		e.logger.Warn("replacement rejected: fee delta too low",
			"message_id", id,
			"fee_limit", feeLimit.String(),
			"error", err,
		)
	default:
		e.logger.Warn("replacement failed",
			"message_id", id,
			"fee_limit", feeLimit.String(),
			"reason", decision.Reason,
			"error", err,
		)
	}
	return Result{Decision: decision, Err: err}
}
