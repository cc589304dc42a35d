package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"copybridge/internal/broker"
	"copybridge/internal/config"
	"copybridge/internal/correlate"
	"copybridge/internal/dedup"
	"copybridge/internal/pending"
	"copybridge/internal/policy"
	"copybridge/internal/replicate"
	"copybridge/internal/symbols"
	"copybridge/pkg/types"
)

// fakeSession satisfies replicate.Broker and records requests per account.
type fakeSession struct {
	mu    sync.Mutex
	calls []broker.Message
	err   error
}

func (f *fakeSession) Call(_ context.Context, req broker.Message) (broker.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return nil, f.err
}

func (f *fakeSession) Money() (float64, float64)            { return 0, 0 }
func (f *fakeSession) Quote(int64) (float64, float64, bool) { return 0, 0, false }

func (f *fakeSession) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine with in-memory accounts, no transport.
func newTestEngine(t *testing.T, sessions ...*fakeSession) *Engine {
	t.Helper()

	logger := testLogger()
	e := &Engine{
		deferred: pending.NewStore(),
		dedupe:   dedup.NewFilter(100 * time.Millisecond),
		logger:   logger,
	}

	for i, sess := range sessions {
		acct := config.Account{
			Name:                   "acct" + string(rune('A'+i)),
			Enabled:                true,
			AccountID:              int64(1000 + i),
			LotMultiplier:          1.0,
			MinLotSize:             0.01,
			MaxLotSize:             100.0,
			CopySL:                 true,
			CopyTP:                 true,
			RiskMode:               types.RiskSourceVolume,
			RiskReference:          types.RefEquity,
			MaxDailyTrades:         1000,
			MaxConcurrentPositions: 100,
		}

		catalog := symbols.NewCatalog()
		catalog.Replace([]symbols.Spec{{
			ID: 1, Name: "EURUSD", Digits: 5, PipPosition: 4,
			LotSize: 10_000_000, MinVolume: 100_000,
			MaxVolume: 10_000_000_000, StepVolume: 100_000, TickValue: 1.0,
		}})
		corr := correlate.NewStore(logger)
		guard := policy.NewGuard(acct)

		repl := replicate.New(replicate.Deps{
			Account:     acct,
			Session:     sess,
			Catalog:     catalog,
			Mapper:      symbols.NewMapper("", "", nil),
			Correlation: corr,
			Deferred:    e.deferred,
			Guard:       guard,
			Logger:      logger,
		})

		e.runtimes = append(e.runtimes, &accountRuntime{
			acct:    acct,
			catalog: catalog,
			corr:    corr,
			guard:   guard,
			repl:    repl,
		})
	}
	return e
}

func openEvent(ticket int64) *types.TradeEvent {
	return &types.TradeEvent{
		EventType: "OPEN",
		Ticket:    ticket,
		Symbol:    "EURUSD",
		Side:      "BUY",
		Volume:    0.10,
		StopLoss:  1.0750,
	}
}

func TestMissingTicketRejected(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	err := e.HandleTradeEvent(context.Background(), &types.TradeEvent{EventType: "OPEN", Symbol: "EURUSD"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestUnknownKindAcknowledged(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	e := newTestEngine(t, sess)

	err := e.HandleTradeEvent(context.Background(), &types.TradeEvent{EventType: "SOMETHING_NEW", Ticket: 1})
	if err != nil {
		t.Errorf("err = %v, want nil for unknown kind", err)
	}
	if sess.count() != 0 {
		t.Errorf("calls = %d, want 0", sess.count())
	}
}

func TestDuplicateSuppressed(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	e := newTestEngine(t, sess)

	if err := e.HandleTradeEvent(context.Background(), openEvent(1001)); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if err := e.HandleTradeEvent(context.Background(), openEvent(1001)); err != nil {
		t.Fatalf("duplicate event: %v", err)
	}

	if sess.count() != 1 {
		t.Errorf("broker calls = %d, want 1 (duplicate suppressed)", sess.count())
	}
}

func TestOpenStagesProcessWideState(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	e := newTestEngine(t, sess)

	if err := e.HandleTradeEvent(context.Background(), openEvent(1001)); err != nil {
		t.Fatalf("HandleTradeEvent: %v", err)
	}

	if lots, ok := e.deferred.MasterLots(1001); !ok || lots != 0.10 {
		t.Errorf("MasterLots = (%v, %v), want (0.10, true)", lots, ok)
	}
	p, ok := e.deferred.SLTP(1001)
	if !ok || p.StopLoss != 1.0750 {
		t.Errorf("SLTP = (%+v, %v), want the staged stop loss", p, ok)
	}
}

func TestAccountFailureIsolated(t *testing.T) {
	t.Parallel()
	failing := &fakeSession{err: errors.New("broker down")}
	healthy := &fakeSession{}
	e := newTestEngine(t, failing, healthy)

	if err := e.HandleTradeEvent(context.Background(), openEvent(1001)); err != nil {
		t.Fatalf("HandleTradeEvent: %v", err)
	}

	if failing.count() != 1 {
		t.Errorf("failing account calls = %d, want 1", failing.count())
	}
	if healthy.count() != 1 {
		t.Errorf("healthy account calls = %d, want 1 despite the other failing", healthy.count())
	}
}

func TestAliasEventRouted(t *testing.T) {
	t.Parallel()
	sess := &fakeSession{}
	e := newTestEngine(t, sess)

	// Legacy EA spelling: "event" instead of "event_type", "type" for side.
	ev := &types.TradeEvent{
		Event:  "open",
		Ticket: 1001,
		Symbol: "EURUSD",
		Type:   "buy",
		Volume: 0.10,
	}
	if err := e.HandleTradeEvent(context.Background(), ev); err != nil {
		t.Fatalf("HandleTradeEvent: %v", err)
	}
	if sess.count() != 1 {
		t.Errorf("calls = %d, want 1", sess.count())
	}
}
