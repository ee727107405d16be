package engine

import (
	"sort"

	"github.com/VOTGroup/lotus-mpool-replace/internal/stats"
	"github.com/shopspring/decimal"
)

// MessageID is an opaque message identifier (a CID string on Lotus).
type MessageID string

// Snapshot is the node's set of outstanding message ids at one instant.
type Snapshot map[MessageID]struct{}

// NewSnapshot builds a snapshot from a list of ids.
func NewSnapshot(ids ...MessageID) Snapshot {
	s := make(Snapshot, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Snapshot) Has(id MessageID) bool {
	_, ok := s[id]
	return ok
}

// PendingEntry is a message in its grace period.
type PendingEntry struct {
	ID           MessageID `json:"id"`
	EnqueueEpoch int64     `json:"enqueueEpoch"`
}

// WorkingEntry is a message under active fee escalation. StartEpoch is
// inherited across the whole replacement chain. RoundFee is the fee intended
// for the next execution and may exceed the configured maximum.
type WorkingEntry struct {
	ID              MessageID       `json:"id"`
	StartEpoch      int64           `json:"startEpoch"`
	RoundEpoch      int64           `json:"roundEpoch"`
	RoundFee        decimal.Decimal `json:"roundFee"`
	LastExecutedFee decimal.Decimal `json:"lastExecutedFee"`
	TotalAgeEpochs  int64           `json:"totalAgeEpochs"`
}

// State is the complete engine state. The scheduler owns it exclusively and
// is its only writer, so it carries no lock.
type State struct {
	Pending map[MessageID]PendingEntry
	Working map[MessageID]*WorkingEntry
	Stats   *stats.Aggregator
}

// NewState returns an empty state with windows of the given capacities.
func NewState(feeWindow, ageWindow int) *State {
	return &State{
		Pending: make(map[MessageID]PendingEntry),
		Working: make(map[MessageID]*WorkingEntry),
		Stats:   stats.NewAggregator(feeWindow, ageWindow),
	}
}

// Tracked reports whether id is in either set.
func (s *State) Tracked(id MessageID) bool {
	if _, ok := s.Pending[id]; ok {
		return true
	}
	_, ok := s.Working[id]
	return ok
}

// Clone returns a deep copy of the pending and working sets together with
// the current statistics, suitable for handing to readers outside the
// scheduler goroutine.
func (s *State) Clone() View {
	v := View{
		Pending:    make([]PendingEntry, 0, len(s.Pending)),
		Working:    make([]WorkingEntry, 0, len(s.Working)),
		Statistics: s.Stats.Statistics(),
	}
	for _, id := range sortedKeys(s.Pending) {
		v.Pending = append(v.Pending, s.Pending[id])
	}
	for _, id := range sortedKeys(s.Working) {
		v.Working = append(v.Working, *s.Working[id])
	}
	return v
}

// View is an immutable copy of the engine state.
type View struct {
	Pending    []PendingEntry   `json:"pending"`
	Working    []WorkingEntry   `json:"working"`
	Statistics stats.Statistics `json:"statistics"`
}

func sortedKeys[V any](m map[MessageID]V) []MessageID {
	ids := make([]MessageID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
