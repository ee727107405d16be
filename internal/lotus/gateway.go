package lotus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/circuitbreaker"
	"github.com/VOTGroup/lotus-mpool-replace/internal/engine"
	"github.com/VOTGroup/lotus-mpool-replace/internal/lotus/rpc"
	"github.com/shopspring/decimal"
)

const (
	// replaceByFeePercentageMinimum is the mpool's minimum premium bump for
	// a replacement, in percent of the old premium.
	replaceByFeePercentageMinimum = 110

	// filDecimals converts FIL to attoFIL.
	filDecimals = 18
)

// Gateway is the Lotus implementation of engine.NodeGateway.
type Gateway struct {
	client        rpc.RPCClient
	breaker       *circuitbreaker.Breaker
	epochInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger
}

// Config configures a Gateway.
type Config struct {
	// EpochInterval is the chain block time; the node counts as synchronized
	// while its head is younger than one and a half intervals.
	EpochInterval time.Duration
	Breaker       *circuitbreaker.Breaker
	Now           func() time.Time
}

func NewGateway(client rpc.RPCClient, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.EpochInterval <= 0 {
		cfg.EpochInterval = 30 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuitbreaker.New(circuitbreaker.Config{Name: "lotus"})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		client:        client,
		breaker:       cfg.Breaker,
		epochInterval: cfg.EpochInterval,
		now:           cfg.Now,
		logger:        logger.With("component", "lotus_gateway"),
	}
}

var _ engine.NodeGateway = (*Gateway)(nil)

// ChainHeight returns the node's current head height. It is used once, to
// calibrate the local epoch clock.
func (g *Gateway) ChainHeight(ctx context.Context) (int64, error) {
	var height int64
	err := g.breaker.Execute(func() error {
		head, err := g.client.ChainHead(ctx)
		if err != nil {
			return err
		}
		height = head.Height
		return nil
	}, countsAsNodeFailure)
	if err != nil {
		return 0, fmt.Errorf("%w: chain head: %v", engine.ErrNodeUnavailable, err)
	}
	return height, nil
}

// ListOutstandingIDs returns the CIDs of pending messages sent from one of the
// node's own wallets.
func (g *Gateway) ListOutstandingIDs(ctx context.Context) (engine.Snapshot, error) {
	var snapshot engine.Snapshot
	err := g.breaker.Execute(func() error {
		wallets, err := g.client.WalletList(ctx)
		if err != nil {
			return err
		}
		local := make(map[string]struct{}, len(wallets))
		for _, w := range wallets {
			local[w] = struct{}{}
		}

		pending, err := g.client.MpoolPending(ctx)
		if err != nil {
			return err
		}
		snapshot = make(engine.Snapshot)
		for _, sm := range pending {
			if sm == nil || sm.CID.Root == "" {
				continue
			}
			if _, ok := local[sm.Message.From]; !ok {
				continue
			}
			snapshot[engine.MessageID(sm.CID.Root)] = struct{}{}
		}
		return nil
	}, countsAsNodeFailure)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", engine.ErrNodeUnavailable, err)
	}
	return snapshot, nil
}

// IsSynchronized reports whether the node's head is recent. Any error counts
// as not synchronized.
func (g *Gateway) IsSynchronized(ctx context.Context) bool {
	var head *rpc.TipSet
	err := g.breaker.Execute(func() error {
		var err error
		head, err = g.client.ChainHead(ctx)
		return err
	}, countsAsNodeFailure)
	if err != nil {
		g.logger.Warn("sync check failed", "error", err)
		return false
	}
	if len(head.Blocks) == 0 {
		return false
	}

	headTime := time.Unix(int64(head.MinTimestamp()), 0)
	behind := g.now().Sub(headTime)
	limit := g.epochInterval * 3 / 2
	if behind >= limit {
		g.logger.Info("node is behind", "height", head.Height, "behind", behind.String())
		return false
	}
	return true
}

// Replace resubmits the pending message id with gas parameters re-estimated
// under feeLimit (FIL), the same way `lotus mpool replace --auto --fee-limit`
// does, and returns the new message CID.
func (g *Gateway) Replace(ctx context.Context, id engine.MessageID, feeLimit decimal.Decimal) (engine.MessageID, error) {
	var newID engine.MessageID
	err := g.breaker.Execute(func() error {
		var err error
		newID, err = g.replace(ctx, id, feeLimit)
		return err
	}, countsAsNodeFailure)
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return "", fmt.Errorf("%w: %v", engine.ErrNodeUnavailable, err)
	}
	return newID, err
}

func (g *Gateway) replace(ctx context.Context, id engine.MessageID, feeLimit decimal.Decimal) (engine.MessageID, error) {
	maxFee := ToAttoFIL(feeLimit)
	if maxFee.Sign() <= 0 {
		// A zero MaxFee in the send spec means "node default" to Lotus.
		return "", fmt.Errorf("%w: fee limit %s FIL is below one attoFIL", engine.ErrReplacementFailed, feeLimit)
	}

	pending, err := g.client.MpoolPending(ctx)
	if err != nil {
		return "", err
	}
	var found *rpc.SignedMessage
	for _, sm := range pending {
		if sm != nil && sm.CID.Root == string(id) {
			found = sm
			break
		}
	}
	if found == nil {
		return "", fmt.Errorf("%w: message %s not found in mpool", engine.ErrReplacementFailed, id)
	}

	msg := found.Message
	minRBF := ComputeMinRBF(msg.GasPremium.Value())

	msg.GasPremium = rpc.NewBigInt(0)
	msg.GasFeeCap = rpc.NewBigInt(0)
	est, err := g.client.GasEstimateMessageGas(ctx, &msg, &rpc.MessageSendSpec{MaxFee: rpc.BigInt{Int: maxFee}})
	if err != nil {
		return "", classifyNodeError(fmt.Errorf("estimate gas: %w", err))
	}

	premium := bigMax(est.GasPremium.Value(), minRBF)
	feeCap := bigMax(est.GasFeeCap.Value(), premium)
	feeCap, premium = CapGasFee(feeCap, premium, msg.GasLimit, maxFee)
	if premium.Cmp(minRBF) < 0 {
		return "", fmt.Errorf("%w: capped premium %s below minimum replacement premium %s", engine.ErrFeeDeltaTooLow, premium, minRBF)
	}
	msg.GasPremium = rpc.BigInt{Int: premium}
	msg.GasFeeCap = rpc.BigInt{Int: feeCap}

	signed, err := g.client.WalletSignMessage(ctx, msg.From, &msg)
	if err != nil {
		return "", classifyNodeError(fmt.Errorf("sign message: %w", err))
	}
	cid, err := g.client.MpoolPush(ctx, signed)
	if err != nil {
		return "", classifyNodeError(fmt.Errorf("push message: %w", err))
	}

	g.logger.Debug("replacement pushed",
		"message_id", id,
		"new_message_id", cid.Root,
		"nonce", msg.Nonce,
		"gas_premium", premium.String(),
		"gas_fee_cap", feeCap.String(),
	)
	return engine.MessageID(cid.Root), nil
}

// ComputeMinRBF returns the smallest premium the mpool accepts when replacing
// a message that pays oldPremium.
func ComputeMinRBF(oldPremium *big.Int) *big.Int {
	delta := new(big.Int).Mul(oldPremium, big.NewInt(replaceByFeePercentageMinimum-100))
	delta.Quo(delta, big.NewInt(100))
	out := new(big.Int).Add(oldPremium, delta)
	return out.Add(out, big.NewInt(1))
}

// CapGasFee limits feeCap so that feeCap*gasLimit stays within maxFee, and
// keeps premium no larger than the capped feeCap. Without a positive gas limit
// and fee limit nothing can be spent, so both come back as zero.
func CapGasFee(feeCap, premium *big.Int, gasLimit int64, maxFee *big.Int) (*big.Int, *big.Int) {
	if gasLimit <= 0 || maxFee.Sign() <= 0 {
		return new(big.Int), new(big.Int)
	}
	gl := big.NewInt(gasLimit)
	total := new(big.Int).Mul(feeCap, gl)
	if total.Cmp(maxFee) <= 0 {
		return feeCap, premium
	}
	capped := new(big.Int).Quo(maxFee, gl)
	if premium.Cmp(capped) > 0 {
		premium = new(big.Int).Set(capped)
	}
	return capped, premium
}

// ToAttoFIL converts a FIL amount to attoFIL, truncating below one attoFIL.
func ToAttoFIL(fil decimal.Decimal) *big.Int {
	return fil.Shift(filDecimals).BigInt()
}

func bigMax(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// classifyNodeError maps node-side rejections onto the engine's error
// taxonomy. Transport failures pass through unchanged.
func classifyNodeError(err error) error {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	if strings.Contains(strings.ToLower(rpcErr.Message), "replace by fee has too low gaspremium") {
		return fmt.Errorf("%w: %v", engine.ErrFeeDeltaTooLow, err)
	}
	return fmt.Errorf("%w: %v", engine.ErrReplacementFailed, err)
}

// countsAsNodeFailure reports whether err reflects node health. Rejections
// of a particular message do not trip the breaker.
func countsAsNodeFailure(err error) bool {
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	return !errors.Is(err, engine.ErrFeeDeltaTooLow) && !errors.Is(err, engine.ErrReplacementFailed)
}
