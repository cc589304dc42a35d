// Package session maintains exactly one live, authorized broker session
// per account.
//
// Each session runs a reconnect loop with bounded exponential backoff.
// Inside one connection the phase advances monotonically:
//
//	disconnected → connecting → app-authed → account-authed → ready
//
// Reaching ready means the symbol catalog has been replaced, the trader
// money snapshot loaded, and a reconcile snapshot handed to the push
// sink. Any transport failure or fatal auth error drops the session back
// to disconnected and schedules the next attempt; auth failures are
// retried forever — they are fatal for the connection, not the account.
//
// A heartbeat tick logs liveness while ready; an idle watchdog
// force-closes the transport when no inbound frame has arrived within
// the idle threshold, which funnels recovery through the one reconnect
// path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"copybridge/internal/broker"
	"copybridge/internal/config"
	"copybridge/internal/symbols"
)

const (
	heartbeatInterval = 30 * time.Second
	idleThreshold     = 120 * time.Second
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
	bootstrapTimeout  = 45 * time.Second
)

var (
	// ErrNotReady rejects calls issued before application auth.
	ErrNotReady = errors.New("session: not ready")
	// ErrAccountNotReady rejects account-scoped calls issued before
	// account auth.
	ErrAccountNotReady = errors.New("session: account not ready")
)

// Phase is the session lifecycle stage.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseAppAuthed
	PhaseAccountAuthed
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseAppAuthed:
		return "app-authed"
	case PhaseAccountAuthed:
		return "account-authed"
	case PhaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Handler receives push events (and the bootstrap reconcile snapshot) in
// arrival order on a single logical stream per account.
type Handler func(broker.Message)

// Session owns one account's broker connection.
type Session struct {
	name    string
	acct    config.Account
	url     string
	dial    broker.Dialer
	catalog *symbols.Catalog
	handler Handler
	logger  *slog.Logger

	phase atomic.Int32

	connMu sync.Mutex
	conn   *broker.Conn

	moneyMu sync.Mutex
	balance int64 // cents
	equity  int64 // cents

	spotsMu sync.Mutex
	spots   map[int64]spot

	// watchdog timings, defaulted in New; tests shorten them.
	heartbeat time.Duration
	idleMax   time.Duration
}

type spot struct {
	bid float64
	ask float64
}

// New creates a session for one account. dial is injectable so tests can
// run against an in-memory transport.
func New(acct config.Account, url string, dial broker.Dialer, catalog *symbols.Catalog, logger *slog.Logger) *Session {
	if dial == nil {
		dial = func(ctx context.Context, u string) (*broker.Conn, error) {
			return broker.Dial(ctx, u, logger)
		}
	}
	return &Session{
		name:      acct.Name,
		acct:      acct,
		url:       url,
		dial:      dial,
		catalog:   catalog,
		spots:     make(map[int64]spot),
		heartbeat: heartbeatInterval,
		idleMax:   idleThreshold,
		logger:    logger.With("component", "session", "account", acct.Name),
	}
}

// SetHandler registers the push-event sink. Must be called before Run.
func (s *Session) SetHandler(h Handler) { s.handler = h }

// Phase returns the current lifecycle stage.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Ready reports whether the session is fully bootstrapped.
func (s *Session) Ready() bool { return s.Phase() == PhaseReady }

// Money returns the last known balance and equity in deposit-currency
// units (not cents).
func (s *Session) Money() (balance, equity float64) {
	s.moneyMu.Lock()
	defer s.moneyMu.Unlock()
	return float64(s.balance) / 100, float64(s.equity) / 100
}

// Quote returns the last seen bid/ask for a symbol.
func (s *Session) Quote(symbolID int64) (bid, ask float64, ok bool) {
	s.spotsMu.Lock()
	defer s.spotsMu.Unlock()
	sp, found := s.spots[symbolID]
	return sp.bid, sp.ask, found
}

// Run connects and maintains the session until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.connectAndServe(ctx)
		s.phase.Store(int32(PhaseDisconnected))
		s.catalog.Clear()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("session disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close tears down the live connection, failing in-flight calls with the
// transport's cancellation error.
func (s *Session) Close() {
	if conn := s.currentConn(); conn != nil {
		conn.Close()
	}
}

// Call sends an account-scoped request and blocks for its response.
// Fails fast with ErrNotReady / ErrAccountNotReady when the session has
// not reached the phase the request needs.
func (s *Session) Call(ctx context.Context, req broker.Message) (broker.Message, error) {
	phase := s.Phase()
	if phase < PhaseAppAuthed {
		return nil, ErrNotReady
	}
	if accountScoped(req) && phase < PhaseAccountAuthed {
		return nil, ErrAccountNotReady
	}

	conn := s.currentConn()
	if conn == nil {
		return nil, broker.ErrDisconnected
	}
	return conn.Call(ctx, req)
}

// accountScoped reports whether a request requires account auth. Only
// the two auth requests themselves are exempt.
func accountScoped(req broker.Message) bool {
	switch req.(type) {
	case broker.ApplicationAuthReq, *broker.ApplicationAuthReq,
		broker.AccountAuthReq, *broker.AccountAuthReq:
		return false
	default:
		return true
	}
}

func (s *Session) currentConn() *broker.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) setConn(conn *broker.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// connectAndServe runs one connection lifetime: dial, bootstrap, then
// pump events until the transport dies or ctx is cancelled.
func (s *Session) connectAndServe(ctx context.Context) error {
	s.phase.Store(int32(PhaseConnecting))

	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	s.setConn(conn)
	defer func() {
		s.setConn(nil)
		conn.Close()
	}()

	if err := s.bootstrap(ctx, conn); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	s.logger.Info("session ready", "symbols", s.catalog.Len())
	return s.serve(ctx, conn)
}

// bootstrap walks the auth and load sequence that takes a fresh
// connection to ready.
func (s *Session) bootstrap(ctx context.Context, conn *broker.Conn) error {
	bctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	if _, err := conn.Call(bctx, broker.ApplicationAuthReq{
		ClientID:     s.acct.ClientID,
		ClientSecret: s.acct.ClientSecret,
	}); err != nil {
		return fmt.Errorf("application auth: %w", err)
	}
	s.phase.Store(int32(PhaseAppAuthed))

	if _, err := conn.Call(bctx, broker.AccountAuthReq{
		AccountID:   s.acct.AccountID,
		AccessToken: s.acct.AccessToken,
	}); err != nil {
		return fmt.Errorf("account auth: %w", err)
	}
	s.phase.Store(int32(PhaseAccountAuthed))
	s.logger.Info("account authorized", "account_id", s.acct.AccountID)

	if err := s.loadSymbols(bctx, conn); err != nil {
		return fmt.Errorf("load symbols: %w", err)
	}
	if err := s.loadTrader(bctx, conn); err != nil {
		return fmt.Errorf("load trader: %w", err)
	}
	if err := s.reconcile(bctx, conn); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	s.phase.Store(int32(PhaseReady))
	return nil
}

// loadSymbols replaces the account's catalog: the light list provides
// names, a batched by-id fetch provides the full specifications.
func (s *Session) loadSymbols(ctx context.Context, conn *broker.Conn) error {
	res, err := conn.Call(ctx, broker.SymbolsListReq{AccountID: s.acct.AccountID})
	if err != nil {
		return err
	}
	list, ok := res.(*broker.SymbolsListRes)
	if !ok {
		return fmt.Errorf("unexpected symbols list response %T", res)
	}

	names := make(map[int64]string, len(list.Symbols))
	ids := make([]int64, 0, len(list.Symbols))
	for _, ls := range list.Symbols {
		names[ls.SymbolID] = ls.SymbolName
		ids = append(ids, ls.SymbolID)
	}

	specs := make([]symbols.Spec, 0, len(ids))
	if len(ids) > 0 {
		res, err = conn.Call(ctx, broker.SymbolByIDReq{AccountID: s.acct.AccountID, SymbolIDs: ids})
		if err != nil {
			return err
		}
		full, ok := res.(*broker.SymbolByIDRes)
		if !ok {
			return fmt.Errorf("unexpected symbol detail response %T", res)
		}
		for _, sym := range full.Symbols {
			specs = append(specs, symbols.Spec{
				ID:          sym.SymbolID,
				Name:        names[sym.SymbolID],
				Digits:      sym.Digits,
				PipPosition: sym.PipPosition,
				LotSize:     sym.LotSize,
				MinVolume:   sym.MinVolume,
				MaxVolume:   sym.MaxVolume,
				StepVolume:  sym.StepVolume,
				TickValue:   sym.TickValue,
			})
		}
	}

	s.catalog.Replace(specs)
	s.logger.Info("symbol catalog loaded", "count", len(specs))
	return nil
}

func (s *Session) loadTrader(ctx context.Context, conn *broker.Conn) error {
	res, err := conn.Call(ctx, broker.TraderReq{AccountID: s.acct.AccountID})
	if err != nil {
		return err
	}
	tr, ok := res.(*broker.TraderRes)
	if !ok {
		return fmt.Errorf("unexpected trader response %T", res)
	}
	s.storeTrader(tr.Trader)
	return nil
}

// reconcile fetches the authoritative position/order snapshot and hands
// it to the push sink so the correlation store can fold it in.
func (s *Session) reconcile(ctx context.Context, conn *broker.Conn) error {
	res, err := conn.Call(ctx, broker.ReconcileReq{AccountID: s.acct.AccountID})
	if err != nil {
		return err
	}
	rec, ok := res.(*broker.ReconcileRes)
	if !ok {
		return fmt.Errorf("unexpected reconcile response %T", res)
	}
	if s.handler != nil {
		s.handler(rec)
	}
	return nil
}

// serve pumps push events and runs the heartbeat/idle watchdog until the
// connection dies.
func (s *Session) serve(ctx context.Context, conn *broker.Conn) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-conn.Events():
			if !ok {
				return broker.ErrDisconnected
			}
			s.observe(ev)

		case <-ticker.C:
			idle := time.Since(conn.LastMessage())
			if idle > s.idleMax {
				s.logger.Warn("connection idle beyond threshold, forcing reconnect",
					"idle", idle.Round(time.Second))
				conn.Close()
				return broker.ErrDisconnected
			}
			if s.Ready() {
				s.logger.Debug("heartbeat", "phase", s.Phase().String(), "idle", idle.Round(time.Second))
			}
		}
	}
}

// observe siphons money and spot updates, then forwards the event to the
// registered sink.
func (s *Session) observe(ev broker.Message) {
	switch m := ev.(type) {
	case *broker.TraderUpdateEvent:
		s.storeTrader(m.Trader)
	case *broker.SpotEvent:
		s.storeSpot(m)
	}
	if s.handler != nil {
		s.handler(ev)
	}
}

func (s *Session) storeTrader(t broker.Trader) {
	s.moneyMu.Lock()
	s.balance = t.Balance
	s.equity = t.Equity
	s.moneyMu.Unlock()
}

func (s *Session) storeSpot(m *broker.SpotEvent) {
	s.spotsMu.Lock()
	sp := s.spots[m.SymbolID]
	if m.Bid > 0 {
		sp.bid = m.Bid
	}
	if m.Ask > 0 {
		sp.ask = m.Ask
	}
	s.spots[m.SymbolID] = sp
	s.spotsMu.Unlock()
}
