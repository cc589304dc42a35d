// quantize.go rounds prices to instrument precision and snaps volumes to
// broker constraints. Invalid precision or off-step volume are the two
// most common broker rejects, so every outgoing price and volume funnels
// through here.
package symbols

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ForexUnitsPerLot is the conventional forex contract size, used only
// when an account opts in to sizing instruments with an unreported lot
// size.
const ForexUnitsPerLot = 100_000

// volumeScale converts base units to the broker's integral volume, which
// counts hundredths of a unit.
const volumeScale = 100

// RoundPrice rounds a price to the instrument's digits, half-up away
// from zero. Unknown digits pass the price through untouched.
func (s Spec) RoundPrice(price float64) float64 {
	if s.Digits == UnknownDigits {
		return price
	}
	rounded, _ := decimal.NewFromFloat(price).Round(int32(s.Digits)).Float64()
	return rounded
}

// SnapVolume clamps v to [MinVolume, MaxVolume] and snaps it onto the
// step grid anchored at MinVolume. When min or step are unreported the
// volume passes through.
func (s Spec) SnapVolume(v int64) int64 {
	if s.MinVolume <= 0 || s.StepVolume <= 0 {
		return v
	}

	if v < s.MinVolume {
		v = s.MinVolume
	}
	if s.MaxVolume > 0 && v > s.MaxVolume {
		v = s.MaxVolume
	}

	steps := math.Round(float64(v-s.MinVolume) / float64(s.StepVolume))
	v = s.MinVolume + int64(steps)*s.StepVolume

	if v < s.MinVolume {
		v = s.MinVolume
	}
	return v
}

// LotsToUnits converts source lots to broker units via the instrument's
// lot size and snaps the result. When the broker did not report a lot
// size, the forex convention is used only if the account opted in;
// otherwise the conversion is refused so the replication fails closed.
func (s Spec) LotsToUnits(lots float64, assumeForexLots bool) (int64, error) {
	lotSize := s.LotSize
	if lotSize <= 0 {
		if !assumeForexLots {
			return 0, fmt.Errorf("symbol %s: lot size unknown and forex fallback not enabled", s.Name)
		}
		lotSize = ForexUnitsPerLot * volumeScale
	}

	raw := decimal.NewFromFloat(lots).
		Mul(decimal.NewFromInt(lotSize)).
		Round(0).
		IntPart()
	if raw <= 0 {
		return 0, fmt.Errorf("symbol %s: %.4f lots converts to no volume", s.Name, lots)
	}
	return s.SnapVolume(raw), nil
}

// TickSize derives the minimum price increment: pipPosition when the
// broker reports one, digits otherwise. Zero means unknown.
func (s Spec) TickSize() float64 {
	if s.PipPosition > 0 {
		return math.Pow(10, -float64(s.PipPosition))
	}
	if s.Digits != UnknownDigits && s.Digits >= 0 {
		return math.Pow(10, -float64(s.Digits))
	}
	return 0
}
