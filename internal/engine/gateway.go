package engine

import (
	"context"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mocks/mock_gateway.go -package=mocks . NodeGateway

// NodeGateway is the engine's only view of the node.
type NodeGateway interface {
	// ListOutstandingIDs returns the node's local outstanding messages. Any
	// failure wraps ErrNodeUnavailable.
	ListOutstandingIDs(ctx context.Context) (Snapshot, error)
	// IsSynchronized reports whether the node has caught up with the chain.
	// It fails closed.
	IsSynchronized(ctx context.Context) bool
	// Replace resubmits id with the given fee limit and returns the new id.
	// Insufficient fee delta wraps ErrFeeDeltaTooLow.
	Replace(ctx context.Context, id MessageID, feeLimit decimal.Decimal) (MessageID, error)
}
