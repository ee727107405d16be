package fee

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrUnknownMode is returned by Validate when the configured escalation mode
// is neither linear nor exponential.
var ErrUnknownMode = errors.New("unknown fee escalation mode")

// Mode selects how the round fee grows between replacement rounds.
type Mode string

const (
	// ModeLinear adds a fixed increment of MinFee*IncreasePercent/100 per round.
	ModeLinear Mode = "linear"
	// ModeExponential adds RoundFee*IncreasePercent/100 per round.
	ModeExponential Mode = "exponential"
)

func (m Mode) String() string { return string(m) }

// ParseMode normalizes a configured mode string. Unknown values are returned
// as-is so the misconfiguration stays visible to Validate and the logs.
func ParseMode(raw string) Mode {
	return Mode(strings.ToLower(strings.TrimSpace(raw)))
}

// Policy computes the fee for the next replacement round.
type Policy struct {
	MinFee          decimal.Decimal
	IncreasePercent decimal.Decimal
	Mode            Mode
	Logger          *slog.Logger
}

// Validate reports configuration problems. An unknown mode is reported but the
// policy stays usable: Next then returns its input unchanged.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeLinear, ModeExponential:
	default:
		return fmt.Errorf("%w: %q (expected %q or %q)", ErrUnknownMode, string(p.Mode), ModeLinear, ModeExponential)
	}
	if p.MinFee.IsNegative() {
		return fmt.Errorf("min fee must not be negative, got %s", p.MinFee)
	}
	if p.IncreasePercent.IsNegative() {
		return fmt.Errorf("fee increase percent must not be negative, got %s", p.IncreasePercent)
	}
	return nil
}

// Next returns the round fee that follows current. It operates on the stored,
// pre-clamp round fee.
func (p Policy) Next(current decimal.Decimal) decimal.Decimal {
	ratio := p.IncreasePercent.Shift(-2)
	switch p.Mode {
	case ModeLinear:
		return current.Add(p.MinFee.Mul(ratio))
	case ModeExponential:
		return current.Add(current.Mul(ratio))
	default:
		if p.Logger != nil {
			p.Logger.Error("fee escalation disabled: unknown fee mode",
				"fee_mode", string(p.Mode),
				"round_fee", current.String(),
			)
		}
		return current
	}
}

// Clamp caps a round fee at maxFee. This is the only place the cap applies.
func Clamp(roundFee, maxFee decimal.Decimal) decimal.Decimal {
	if roundFee.GreaterThan(maxFee) {
		return maxFee
	}
	return roundFee
}
