package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/engine"
	"github.com/VOTGroup/lotus-mpool-replace/internal/engine/mocks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestExecutor_ClassifiesOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		newID   engine.MessageID
		err     error
		outcome engine.Outcome
	}{
		{name: "success", newID: "bafy-new", outcome: engine.OutcomeReplaced},
		{name: "fee delta sentinel", err: fmt.Errorf("push: %w", engine.ErrFeeDeltaTooLow), outcome: engine.OutcomeFeeDeltaTooLow},
		{name: "fee delta node message", err: errors.New("rpc error -32000: replace by fee has too low GasPremium"), outcome: engine.OutcomeFeeDeltaTooLow},
		{name: "other", err: errors.New("wallet locked"), outcome: engine.OutcomeFailed},
		{name: "empty id", newID: "", outcome: engine.OutcomeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			gw := mocks.NewMockNodeGateway(ctrl)
			gw.EXPECT().Replace(gomock.Any(), engine.MessageID("bafy-old"), feeEq("0.5")).Return(tt.newID, tt.err)

			ex := engine.NewExecutor(gw, discardLogger())
			res := ex.Replace(context.Background(), "bafy-old", d("0.5"))
			assert.Equal(t, tt.outcome, res.Decision.Outcome)
			if tt.outcome == engine.OutcomeReplaced {
				require.NoError(t, res.Err)
				assert.Equal(t, tt.newID, res.NewID)
			} else {
				require.Error(t, res.Err)
				assert.Empty(t, res.NewID)
			}
		})
	}
}

type overlapGateway struct {
	inFlight atomic.Int32
	overlap  atomic.Bool
	calls    atomic.Int32
}

func (g *overlapGateway) ListOutstandingIDs(context.Context) (engine.Snapshot, error) {
	return nil, nil
}

func (g *overlapGateway) IsSynchronized(context.Context) bool { return true }

func (g *overlapGateway) Replace(_ context.Context, id engine.MessageID, _ decimal.Decimal) (engine.MessageID, error) {
	if g.inFlight.Add(1) > 1 {
		g.overlap.Store(true)
	}
	time.Sleep(2 * time.Millisecond)
	g.inFlight.Add(-1)
	g.calls.Add(1)
	return id + "-r", nil
}

func TestExecutor_SerializesReplaceCalls(t *testing.T) {
	t.Parallel()

	gw := &overlapGateway{}
	ex := engine.NewExecutor(gw, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ex.Replace(context.Background(), engine.MessageID(fmt.Sprintf("m%d", i)), d("1"))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(8), gw.calls.Load())
	assert.False(t, gw.overlap.Load(), "replace calls overlapped")
}
