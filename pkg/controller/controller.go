package controller

import (
	"fmt"

	"github.com/raterudder/chargerudder/pkg/types"
)

// Decide determines whether the vehicle should start or stop charging given
// the current price and the operator's threshold. A price equal to the
// threshold counts as cheap.
//
// The result depends only on the arguments so the same inputs always give the
// same decision.
func Decide(priceCents, thresholdCents float64, state types.ChargeState) types.Decision {
	cheap := priceCents <= thresholdCents

	switch {
	case cheap && state.IsCharging:
		return types.Decision{
			Action: types.ActionNone,
			Reason: fmt.Sprintf("already charging (price %.2fc <= threshold %.2fc)", priceCents, thresholdCents),
		}
	case cheap && !state.IsPluggedIn:
		return types.Decision{
			Action: types.ActionNone,
			Reason: fmt.Sprintf("cannot start: not plugged in (price %.2fc <= threshold %.2fc)", priceCents, thresholdCents),
		}
	case cheap:
		return types.Decision{
			Action: types.ActionStart,
			Reason: fmt.Sprintf("price %.2fc <= threshold %.2fc", priceCents, thresholdCents),
		}
	case state.IsCharging:
		return types.Decision{
			Action: types.ActionStop,
			Reason: fmt.Sprintf("price %.2fc > threshold %.2fc", priceCents, thresholdCents),
		}
	default:
		return types.Decision{
			Action: types.ActionNone,
			Reason: fmt.Sprintf("already stopped (price %.2fc > threshold %.2fc)", priceCents, thresholdCents),
		}
	}
}
