// Package engine is the central orchestrator of the copy-trading bridge.
//
// It wires together all subsystems:
//
//  1. One session per enabled follower account maintains the broker
//     connection (auth, symbol catalog, reconcile, reconnect).
//  2. Each account gets: a correlation store (ticket ↔ broker ids), a
//     policy guard (filters and caps), and a replicator that turns
//     source events into broker requests.
//  3. The HTTP ingress hands normalized trade events to the router,
//     which fans them out across accounts (router.go).
//  4. Push events from each session feed that account's correlation
//     store; newly learned position links trigger the deferred SL/TP
//     flush.
//  5. A cron job resets the daily trade counters at midnight UTC.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"copybridge/internal/broker"
	"copybridge/internal/config"
	"copybridge/internal/correlate"
	"copybridge/internal/dedup"
	"copybridge/internal/pending"
	"copybridge/internal/policy"
	"copybridge/internal/replicate"
	"copybridge/internal/session"
	"copybridge/internal/symbols"
)

const flushTimeout = 15 * time.Second

// accountRuntime bundles everything one follower account owns.
type accountRuntime struct {
	acct    config.Account
	sess    *session.Session
	catalog *symbols.Catalog
	mapper  *symbols.Mapper
	corr    *correlate.Store
	guard   *policy.Guard
	repl    *replicate.Replicator
}

// Engine owns the lifecycle of all per-account goroutines and the
// process-wide stores.
type Engine struct {
	cfg      *config.Config
	runtimes []*accountRuntime

	deferred *pending.Store
	dedupe   *dedup.Filter
	cron     *cron.Cron
	accounts *broker.AccountsClient
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components for the enabled accounts.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:      cfg,
		deferred: pending.NewStore(),
		dedupe:   dedup.NewFilter(cfg.Dedup.Window),
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.With("component", "engine"),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Broker.AccountsURL != "" {
		e.accounts = broker.NewAccountsClient(cfg.Broker.AccountsURL, logger)
	}

	guards := make(map[string]*policy.Guard)
	for _, acct := range cfg.Accounts {
		if !acct.Enabled {
			continue
		}
		rt := e.buildAccount(acct, logger)
		e.runtimes = append(e.runtimes, rt)
		guards[acct.Name] = rt.guard
	}

	if err := policy.ScheduleDailyReset(e.cron, guards); err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// buildAccount wires one account's session, stores, and replicator.
func (e *Engine) buildAccount(acct config.Account, logger *slog.Logger) *accountRuntime {
	url := e.cfg.Broker.DemoURL
	if acct.Environment == "live" {
		url = e.cfg.Broker.LiveURL
	}

	catalog := symbols.NewCatalog()
	mapper := symbols.NewMapper(acct.SymbolPrefix, acct.SymbolSuffix, acct.CustomSymbols)
	corr := correlate.NewStore(logger.With("account", acct.Name))
	guard := policy.NewGuard(acct)
	sess := session.New(acct, url, nil, catalog, logger)

	repl := replicate.New(replicate.Deps{
		Account:     acct,
		Session:     sess,
		Catalog:     catalog,
		Mapper:      mapper,
		Correlation: corr,
		Deferred:    e.deferred,
		Guard:       guard,
		Logger:      logger,
	})

	rt := &accountRuntime{
		acct:    acct,
		sess:    sess,
		catalog: catalog,
		mapper:  mapper,
		corr:    corr,
		guard:   guard,
		repl:    repl,
	}

	// Push events feed the correlation store on the session's own loop.
	sess.SetHandler(func(msg broker.Message) {
		switch m := msg.(type) {
		case *broker.ExecutionEvent:
			corr.ApplyExecution(m)
		case *broker.ReconcileRes:
			corr.ApplyReconcile(m)
		}
	})

	// A learned position link flushes any staged SL/TP for the ticket.
	corr.OnPositionLink(func(ticket, positionID int64) {
		fctx, fcancel := context.WithTimeout(e.ctx, flushTimeout)
		defer fcancel()
		if err := repl.FlushDeferred(fctx, ticket, positionID); err != nil {
			e.logger.Error("deferred sl/tp flush failed",
				"account", acct.Name, "ticket", ticket, "error", err)
		}
	})

	return rt
}

// Start launches all background goroutines: one session per account, the
// dedup pruner, the daily-reset cron, and the account pre-flight check.
func (e *Engine) Start() error {
	for _, rt := range e.runtimes {
		rt := rt
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := rt.sess.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("session terminated", "account", rt.acct.Name, "error", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dedupe.Run(e.ctx.Done())
	}()

	if e.accounts != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.verifyAccounts()
		}()
	}

	e.cron.Start()

	e.logger.Info("engine started", "accounts", len(e.runtimes))
	return nil
}

// Stop gracefully shuts down: cancels all contexts, closes the broker
// connections (failing in-flight calls), stops the cron, and waits for
// all goroutines.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	for _, rt := range e.runtimes {
		rt.sess.Close()
	}

	cronCtx := e.cron.Stop()
	<-cronCtx.Done()

	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

// verifyAccounts cross-checks each configured account id against the
// accounts the access token can actually see. Failures are logged and
// never block startup: the broker rejects a bad id at account auth
// anyway.
func (e *Engine) verifyAccounts() {
	ctx, cancel := context.WithTimeout(e.ctx, 30*time.Second)
	defer cancel()

	for _, rt := range e.runtimes {
		if rt.acct.AccessToken == "" {
			continue
		}
		if err := e.accounts.VerifyAccount(ctx, rt.acct.AccessToken, rt.acct.AccountID); err != nil {
			e.logger.Warn("account pre-flight check failed",
				"account", rt.acct.Name, "account_id", rt.acct.AccountID, "error", err)
			continue
		}
		e.logger.Info("account verified", "account", rt.acct.Name, "account_id", rt.acct.AccountID)
	}
}

// Ready reports whether at least one account session is fully
// bootstrapped. Feeds the health endpoint.
func (e *Engine) Ready() bool {
	for _, rt := range e.runtimes {
		if rt.sess.Ready() {
			return true
		}
	}
	return false
}
