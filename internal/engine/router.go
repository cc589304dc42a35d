// router.go fans one normalized source event out across all enabled
// accounts. Fan-out is sequential and failure-isolated: an error on one
// account is logged and the remaining accounts still get the event.
package engine

import (
	"context"
	"errors"
	"fmt"

	"copybridge/internal/pending"
	"copybridge/pkg/types"
)

// ErrInvalidEvent marks an event the router cannot route at all
// (missing ticket). The ingress maps it to a client error.
var ErrInvalidEvent = errors.New("invalid trade event")

// HandleTradeEvent is the single entry point for source events. It
// normalizes, dedups, stages the process-wide deferred state, then
// dispatches per account.
func (e *Engine) HandleTradeEvent(ctx context.Context, ev *types.TradeEvent) error {
	ev.Normalize()

	if ev.Ticket <= 0 {
		return fmt.Errorf("%w: ticket is required", ErrInvalidEvent)
	}
	kind, ok := ev.Kind()
	if !ok {
		// Unknown kinds are acknowledged and dropped so a newer EA build
		// doesn't trigger retries against an older bridge.
		e.logger.Warn("unknown event type, ignoring",
			"event_type", ev.EventType, "ticket", ev.Ticket)
		return nil
	}

	if !e.dedupe.ShouldProcess(kind, ev.Ticket, ev.Symbol) {
		e.logger.Debug("duplicate event suppressed",
			"kind", kind, "ticket", ev.Ticket, "symbol", ev.Symbol)
		return nil
	}

	e.logger.Info("trade event received",
		"kind", kind, "ticket", ev.Ticket, "symbol", ev.Symbol,
		"side", ev.Side, "volume", ev.Volume)

	// Process-wide staging happens once, before any account acts: the
	// master's open size for proportional closes, and the desired SL/TP
	// so accounts whose position id arrives later can still apply it.
	switch kind {
	case types.EventOpen:
		e.deferred.SetMasterLots(ev.Ticket, ev.Volume)
		e.stageSLTP(ev)
	case types.EventPendingOpen, types.EventModify:
		e.stageSLTP(ev)
	}

	for _, rt := range e.runtimes {
		if err := e.dispatch(ctx, rt, kind, ev); err != nil {
			e.logger.Error("replication failed",
				"account", rt.acct.Name, "kind", kind,
				"ticket", ev.Ticket, "symbol", ev.Symbol, "error", err)
		}
	}
	return nil
}

func (e *Engine) stageSLTP(ev *types.TradeEvent) {
	e.deferred.StageSLTP(ev.Ticket, pending.SLTP{
		Symbol:     ev.Symbol,
		StopLoss:   ev.StopLoss,
		TakeProfit: ev.TakeProfit,
	})
}

func (e *Engine) dispatch(ctx context.Context, rt *accountRuntime, kind types.EventKind, ev *types.TradeEvent) error {
	switch kind {
	case types.EventOpen:
		return rt.repl.HandleOpen(ctx, ev)
	case types.EventPendingOpen:
		return rt.repl.HandlePendingOpen(ctx, ev)
	case types.EventModify:
		return rt.repl.HandleModify(ctx, ev)
	case types.EventClose:
		return rt.repl.HandleClose(ctx, ev)
	case types.EventPendingCancel:
		return rt.repl.HandleCancel(ctx, ev)
	default:
		return nil
	}
}
