// Package replicate turns normalized source trade events into broker
// requests for one follower account.
//
// One Replicator per account. Handlers are serialized behind the
// account's own lock so a MODIFY never races the OPEN it follows; a
// failure in one account is logged and never propagates to another.
package replicate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"copybridge/internal/broker"
	"copybridge/internal/config"
	"copybridge/internal/correlate"
	"copybridge/internal/pending"
	"copybridge/internal/policy"
	"copybridge/internal/symbols"
	"copybridge/pkg/types"
)

// unitScale is the broker's volume scale factor: broker volumes are
// hundredths of a base unit.
const unitScale = 100

// Broker is the slice of the account session the replicator needs.
// *session.Session satisfies it; tests substitute a fake.
type Broker interface {
	Call(ctx context.Context, req broker.Message) (broker.Message, error)
	Money() (balance, equity float64)
	Quote(symbolID int64) (bid, ask float64, ok bool)
}

// Deps wires one account's replicator.
type Deps struct {
	Account     config.Account
	Session     Broker
	Catalog     *symbols.Catalog
	Mapper      *symbols.Mapper
	Correlation *correlate.Store
	Deferred    *pending.Store
	Guard       *policy.Guard
	Logger      *slog.Logger
}

// Replicator copies source trades onto one follower account.
type Replicator struct {
	mu      sync.Mutex
	acct    config.Account
	sess    Broker
	catalog *symbols.Catalog
	mapper  *symbols.Mapper
	corr    *correlate.Store
	pend    *pending.Store
	guard   *policy.Guard
	logger  *slog.Logger
}

// New creates the replicator for one account.
func New(d Deps) *Replicator {
	return &Replicator{
		acct:    d.Account,
		sess:    d.Session,
		catalog: d.Catalog,
		mapper:  d.Mapper,
		corr:    d.Correlation,
		pend:    d.Deferred,
		guard:   d.Guard,
		logger:  d.Logger.With("component", "replicate", "account", d.Account.Name),
	}
}

// HandleOpen copies a market open: resolve, filter, size, quantize, then
// place a labelled market order without SL/TP. The stop levels staged by
// the router are applied once the position id is learned.
func (r *Replicator) HandleOpen(ctx context.Context, ev *types.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, err := r.resolve(ev.Symbol)
	if err != nil {
		return err
	}
	if reason, ok := r.guard.Check(spec.Name, ev.Magic, ev.Volume, r.corr.PositionCount()); !ok {
		r.logger.Info("open filtered", "ticket", ev.Ticket, "symbol", spec.Name, "reason", reason)
		return nil
	}

	lots, err := r.sizeLots(ev, spec)
	if err != nil {
		return fmt.Errorf("size %s: %w", spec.Name, err)
	}
	units, err := spec.LotsToUnits(lots, r.acct.AssumeForexLots)
	if err != nil {
		return err
	}

	_, err = r.sess.Call(ctx, broker.NewOrderReq{
		AccountID: r.acct.AccountID,
		SymbolID:  spec.ID,
		OrderType: broker.OrderMarket,
		TradeSide: string(types.ParseSide(ev.Side)),
		Volume:    units,
		Label:     correlate.Label(ev.Ticket),
	})
	if err != nil {
		return fmt.Errorf("place market order: %w", err)
	}

	r.guard.RecordTrade()
	r.logger.Info("market order placed",
		"ticket", ev.Ticket, "symbol", spec.Name,
		"side", types.ParseSide(ev.Side), "lots", lots, "units", units)
	return nil
}

// HandlePendingOpen copies a pending order. The order id for a later
// cancel is learned from the execution event that confirms placement.
func (r *Replicator) HandlePendingOpen(ctx context.Context, ev *types.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, err := r.resolve(ev.Symbol)
	if err != nil {
		return err
	}
	if reason, ok := r.guard.Check(spec.Name, ev.Magic, ev.Volume, r.corr.PositionCount()); !ok {
		r.logger.Info("pending open filtered", "ticket", ev.Ticket, "symbol", spec.Name, "reason", reason)
		return nil
	}

	lots, err := r.sizeLots(ev, spec)
	if err != nil {
		return fmt.Errorf("size %s: %w", spec.Name, err)
	}
	units, err := spec.LotsToUnits(lots, r.acct.AssumeForexLots)
	if err != nil {
		return err
	}

	req := broker.NewOrderReq{
		AccountID:   r.acct.AccountID,
		SymbolID:    spec.ID,
		TradeSide:   string(types.ParseSide(ev.Side)),
		Volume:      units,
		Label:       correlate.Label(ev.Ticket),
		TimeInForce: broker.GoodTillCancel,
	}
	if ev.ExpirationMS > 0 {
		req.TimeInForce = broker.GoodTillDate
		req.ExpirationTimestamp = ev.ExpirationMS
	}

	switch types.PendingType(strings.ToLower(strings.TrimSpace(ev.PendingType))) {
	case types.PendingLimit:
		price := firstPositive(ev.LimitPrice, ev.EntryPrice)
		if price <= 0 {
			return fmt.Errorf("limit order for %s without a limit price", spec.Name)
		}
		req.OrderType = broker.OrderLimit
		req.LimitPrice = spec.RoundPrice(price)
	case types.PendingStop:
		price := firstPositive(ev.StopPrice, ev.EntryPrice)
		if price <= 0 {
			return fmt.Errorf("stop order for %s without a stop price", spec.Name)
		}
		req.OrderType = broker.OrderStop
		req.StopPrice = spec.RoundPrice(price)
	case types.PendingStopLimit:
		if ev.StopPrice <= 0 || ev.LimitPrice <= 0 {
			return fmt.Errorf("stop-limit order for %s requires both stop and limit prices", spec.Name)
		}
		req.OrderType = broker.OrderStopLimit
		req.StopPrice = spec.RoundPrice(ev.StopPrice)
		req.LimitPrice = spec.RoundPrice(ev.LimitPrice)
	default:
		return fmt.Errorf("unknown pending type %q", ev.PendingType)
	}

	if _, err := r.sess.Call(ctx, req); err != nil {
		return fmt.Errorf("place pending order: %w", err)
	}

	r.guard.RecordTrade()
	r.logger.Info("pending order placed",
		"ticket", ev.Ticket, "symbol", spec.Name,
		"type", req.OrderType, "lots", lots, "units", units,
		"tif", req.TimeInForce)
	return nil
}

// HandleModify applies new stop levels when the position is already
// correlated. The staged payload is left in place either way: other
// accounts may not have correlated the position yet, and their flush runs
// on the next position sighting.
func (r *Replicator) HandleModify(ctx context.Context, ev *types.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	posID, ok := r.corr.PositionID(ev.Ticket)
	if !ok {
		r.logger.Info("modify deferred until position is correlated", "ticket", ev.Ticket)
		return nil
	}

	_, err := r.amend(ctx, ev.Ticket, posID, ev.Symbol, ev.StopLoss, ev.TakeProfit)
	return err
}

// HandleClose closes the correlated position, fully or proportionally.
func (r *Replicator) HandleClose(ctx context.Context, ev *types.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	posID, ok := r.corr.PositionID(ev.Ticket)
	if !ok {
		r.logger.Warn("close for unknown ticket, nothing to do", "ticket", ev.Ticket)
		return nil
	}

	followerUnits, known := r.corr.Volume(posID)
	units, full := r.closeVolume(ev, followerUnits, known)
	if units <= 0 {
		r.logger.Warn("cannot determine close volume, skipping",
			"ticket", ev.Ticket, "position", posID)
		return nil
	}

	if _, err := r.sess.Call(ctx, broker.ClosePositionReq{
		AccountID:  r.acct.AccountID,
		PositionID: posID,
		Volume:     units,
	}); err != nil {
		return fmt.Errorf("close position %d: %w", posID, err)
	}

	if full {
		r.corr.Remove(ev.Ticket)
		r.pend.DropTicket(ev.Ticket)
	}
	r.logger.Info("position closed",
		"ticket", ev.Ticket, "position", posID, "units", units, "full", full)
	return nil
}

// closeVolume resolves the units to close. Resolution order: proportional
// against the follower's known volume (non-mirror risk modes only), then
// the event's native lots converted via its reported contract size, then
// the full follower volume. Never exceeds what the follower holds.
func (r *Replicator) closeVolume(ev *types.TradeEvent, followerUnits int64, known bool) (units int64, full bool) {
	if ev.Volume > 0 {
		if known && r.acct.RiskMode != types.RiskSourceVolume {
			if master, ok := r.pend.MasterLots(ev.Ticket); ok && master > 0 {
				pct := ev.Volume / master
				if pct > 1 {
					pct = 1
				}
				units = int64(math.Round(pct * float64(followerUnits)))
				return capUnits(units, followerUnits, known)
			}
		}
		if ev.ContractSize > 0 {
			units = decimal.NewFromFloat(ev.Volume).
				Mul(decimal.NewFromFloat(ev.ContractSize)).
				Mul(decimal.NewFromInt(unitScale)).
				Round(0).
				IntPart()
			return capUnits(units, followerUnits, known)
		}
	}
	if !known {
		return 0, false
	}
	return followerUnits, true
}

func capUnits(units, followerUnits int64, known bool) (int64, bool) {
	if known && units >= followerUnits {
		return followerUnits, true
	}
	return units, false
}

// HandleCancel cancels the correlated pending order.
func (r *Replicator) HandleCancel(ctx context.Context, ev *types.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	orderID, ok := r.corr.OrderID(ev.Ticket)
	if !ok {
		r.logger.Warn("cancel for unknown ticket, nothing to do", "ticket", ev.Ticket)
		return nil
	}

	if _, err := r.sess.Call(ctx, broker.CancelOrderReq{
		AccountID: r.acct.AccountID,
		OrderID:   orderID,
	}); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	r.corr.Remove(ev.Ticket)
	r.pend.DropTicket(ev.Ticket)
	r.logger.Info("pending order cancelled", "ticket", ev.Ticket, "order", orderID)
	return nil
}

// FlushDeferred applies the staged stop levels for a freshly correlated
// position. The staged entry is cleared only after a successful amend so
// a failure retries on the next position sighting.
func (r *Replicator) FlushDeferred(ctx context.Context, ticket, positionID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pend.SLTP(ticket)
	if !ok {
		return nil
	}

	applied, err := r.amend(ctx, ticket, positionID, p.Symbol, p.StopLoss, p.TakeProfit)
	if err != nil {
		return fmt.Errorf("flush deferred sl/tp for ticket %d: %w", ticket, err)
	}
	if applied {
		r.pend.ClearSLTP(ticket)
		r.logger.Info("deferred sl/tp applied",
			"ticket", ticket, "position", positionID,
			"sl", p.StopLoss, "tp", p.TakeProfit)
	}
	return nil
}

// amend sends the stop levels this account copies, rounded to instrument
// digits. Reports applied=false when the copy flags leave nothing to send.
func (r *Replicator) amend(ctx context.Context, ticket, positionID int64, symbol string, sl, tp float64) (applied bool, err error) {
	if !r.acct.CopySL {
		sl = 0
	}
	if !r.acct.CopyTP {
		tp = 0
	}
	if sl <= 0 && tp <= 0 {
		return false, nil
	}

	if spec, rerr := r.resolve(symbol); rerr == nil {
		if sl > 0 {
			sl = spec.RoundPrice(sl)
		}
		if tp > 0 {
			tp = spec.RoundPrice(tp)
		}
	}

	req := broker.AmendPositionSLTPReq{
		AccountID:  r.acct.AccountID,
		PositionID: positionID,
	}
	if sl > 0 {
		req.StopLoss = &sl
	}
	if tp > 0 {
		req.TakeProfit = &tp
	}

	if _, err := r.sess.Call(ctx, req); err != nil {
		return false, fmt.Errorf("amend position %d: %w", positionID, err)
	}
	r.logger.Info("position sl/tp amended",
		"ticket", ticket, "position", positionID, "sl", sl, "tp", tp)
	return true, nil
}

// resolve maps the MT5 symbol name onto this account's catalog.
func (r *Replicator) resolve(mt5Symbol string) (symbols.Spec, error) {
	id, ok := r.mapper.Resolve(r.catalog, mt5Symbol)
	if !ok {
		return symbols.Spec{}, fmt.Errorf("symbol %q: %w", mt5Symbol, symbols.ErrUnknownSymbol)
	}
	spec, ok := r.catalog.SpecByID(id)
	if !ok {
		return symbols.Spec{}, fmt.Errorf("symbol id %d has no specification", id)
	}
	return spec, nil
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
