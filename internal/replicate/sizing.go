// sizing.go derives the follower lot size from the source trade per the
// account's risk mode.
package replicate

import (
	"fmt"
	"math"

	"copybridge/internal/symbols"
	"copybridge/pkg/types"
)

// sizeLots computes the follower lots for an OPEN or PENDING_OPEN event,
// clamped to the account's [min_lot, max_lot] range.
func (r *Replicator) sizeLots(ev *types.TradeEvent, spec symbols.Spec) (float64, error) {
	lots, err := r.rawLots(ev, spec)
	if err != nil {
		return 0, err
	}
	return r.clampLots(lots), nil
}

func (r *Replicator) rawLots(ev *types.TradeEvent, spec symbols.Spec) (float64, error) {
	switch r.acct.RiskMode {
	case types.RiskSourceVolume:
		return ev.Volume * r.acct.LotMultiplier, nil

	case types.RiskFixedLot:
		return r.acct.FixedLot, nil

	case types.RiskFixedUSD:
		return r.riskLots(ev, spec, r.acct.FixedUSDRisk)

	case types.RiskPercentEquity:
		balance, equity := r.sess.Money()
		ref := equity
		if r.acct.RiskReference == types.RefBalance {
			ref = balance
		}
		if ref <= 0 {
			return 0, fmt.Errorf("risk reference %s is unknown", r.acct.RiskReference)
		}
		return r.riskLots(ev, spec, r.acct.RiskPercent/100*ref)

	default:
		return 0, fmt.Errorf("unknown risk mode %q", r.acct.RiskMode)
	}
}

// riskLots sizes so that the stop loss, if hit, loses about usdRisk. It
// needs a stop loss and an entry price; without a stop the account either
// rejects the trade or falls back to source-volume sizing.
func (r *Replicator) riskLots(ev *types.TradeEvent, spec symbols.Spec, usdRisk float64) (float64, error) {
	if ev.StopLoss <= 0 {
		if r.acct.RejectIfNoSL {
			return 0, fmt.Errorf("no stop loss and reject_if_no_sl is set")
		}
		if r.acct.SourceVolumeFallback {
			return ev.Volume * r.acct.LotMultiplier, nil
		}
		return 0, fmt.Errorf("no stop loss and no source_volume_fallback")
	}

	entry := r.entryPrice(ev, spec)
	if entry <= 0 {
		return 0, fmt.Errorf("no entry price for risk sizing of %s", ev.Symbol)
	}

	tick := spec.TickSize()
	if tick <= 0 || spec.TickValue <= 0 {
		return 0, fmt.Errorf("symbol %s: tick size/value unknown, cannot size by risk", spec.Name)
	}

	perLotRisk := math.Abs(entry-ev.StopLoss) / tick * spec.TickValue
	if perLotRisk <= 0 {
		return 0, fmt.Errorf("symbol %s: zero per-lot risk (entry %.5f, sl %.5f)", spec.Name, entry, ev.StopLoss)
	}
	return usdRisk / perLotRisk, nil
}

// entryPrice picks the best available entry estimate: the event's own
// price fields first, then the live quote on the side the trade takes.
func (r *Replicator) entryPrice(ev *types.TradeEvent, spec symbols.Spec) float64 {
	for _, p := range []float64{ev.EntryPrice, ev.LimitPrice, ev.StopPrice} {
		if p > 0 {
			return p
		}
	}
	if bid, ask, ok := r.sess.Quote(spec.ID); ok {
		if types.ParseSide(ev.Side) == types.BUY {
			return ask
		}
		return bid
	}
	return 0
}

func (r *Replicator) clampLots(lots float64) float64 {
	if lots < r.acct.MinLotSize {
		return r.acct.MinLotSize
	}
	if lots > r.acct.MaxLotSize {
		return r.acct.MaxLotSize
	}
	return lots
}
