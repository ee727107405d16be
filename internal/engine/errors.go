package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNodeUnavailable covers any transport or decoding failure talking to
	// the node. The tick's snapshot step aborts and nothing is mutated.
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrNotSynchronized means the node is reachable but still catching up.
	ErrNotSynchronized = errors.New("node not synchronized")
	// ErrFeeDeltaTooLow means the node rejected a replacement because the fee
	// increase was below its minimum replacement delta.
	ErrFeeDeltaTooLow = errors.New("fee delta too low")
	// ErrReplacementFailed is any other replacement rejection.
	ErrReplacementFailed = errors.New("replacement failed")
	// ErrPersistenceCorrupt means the state file could not be read or parsed.
	ErrPersistenceCorrupt = errors.New("persisted state corrupt")

	errEmptyReplacementID = fmt.Errorf("%w: node returned an empty message id", ErrReplacementFailed)
)

// Outcome classifies a replacement attempt.
type Outcome string

const (
	OutcomeReplaced       Outcome = "replaced"
	OutcomeFeeDeltaTooLow Outcome = "fee_delta_too_low"
	OutcomeFailed         Outcome = "failed"
)

// Decision is the classification of a replace error with a short reason
// suitable for logs and metric labels.
type Decision struct {
	Outcome Outcome
	Reason  string
}

// ClassifyReplaceError maps a NodeGateway.Replace error onto an outcome.
// Sentinel errors take precedence over message matching.
func ClassifyReplaceError(err error) Decision {
	if err == nil {
		return Decision{Outcome: OutcomeReplaced, Reason: "ok"}
	}
	if errors.Is(err, ErrFeeDeltaTooLow) {
		return Decision{Outcome: OutcomeFeeDeltaTooLow, Reason: "fee_delta_too_low"}
	}
	if errors.Is(err, context.Canceled) {
		return Decision{Outcome: OutcomeFailed, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Outcome: OutcomeFailed, Reason: "context_deadline_exceeded"}
	}
	if errors.Is(err, ErrNodeUnavailable) {
		return Decision{Outcome: OutcomeFailed, Reason: "node_unavailable"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, feeDeltaMessageTokens) {
		return Decision{Outcome: OutcomeFeeDeltaTooLow, Reason: "message_fee_delta"}
	}
	if containsAny(lower, notFoundMessageTokens) {
		return Decision{Outcome: OutcomeFailed, Reason: "message_not_found"}
	}
	return Decision{Outcome: OutcomeFailed, Reason: "other"}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var feeDeltaMessageTokens = []string{
	"replace by fee has too low gaspremium",
	"fee delta too low",
	"gas premium too low",
}

var notFoundMessageTokens = []string{
	"not found in mpool",
	"message not found",
}
