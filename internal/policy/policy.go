// Package policy enforces the per-account copy filters and trade caps.
//
// Filters run in a fixed order — daily trade cap, concurrent position
// cap, magic-number allowlist, symbol blocklist, symbol allowlist,
// minimum lot — and the first failure wins. Rejections are reported with
// a reason, logged once by the caller, and never retried.
package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"copybridge/internal/config"
)

// Guard holds one account's filter state.
type Guard struct {
	mu         sync.Mutex
	dailyCount int

	maxDaily      int
	maxConcurrent int
	magic         map[int64]bool  // nil = unrestricted
	allowed       map[string]bool // nil = unrestricted
	blocked       map[string]bool
	minLot        float64
}

// NewGuard builds a guard from the account configuration.
func NewGuard(acct config.Account) *Guard {
	return &Guard{
		maxDaily:      acct.MaxDailyTrades,
		maxConcurrent: acct.MaxConcurrentPositions,
		magic:         acct.MagicSet(),
		allowed:       acct.AllowedSet(),
		blocked:       acct.BlockedSet(),
		minLot:        acct.MinLotSize,
	}
}

// Check runs the filters in order. openPositions is the account's
// current correlated position count. Returns ("", true) when the trade
// may be copied, otherwise the rejection reason.
func (g *Guard) Check(symbol string, magic int64, lots float64, openPositions int) (string, bool) {
	symbolUpper := strings.ToUpper(strings.TrimSpace(symbol))

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.dailyCount >= g.maxDaily {
		return fmt.Sprintf("daily trade limit reached (%d)", g.maxDaily), false
	}
	if openPositions >= g.maxConcurrent {
		return fmt.Sprintf("max concurrent positions reached (%d)", g.maxConcurrent), false
	}
	if g.magic != nil && !g.magic[magic] {
		return fmt.Sprintf("magic number %d not in allowed list", magic), false
	}
	if g.blocked[symbolUpper] {
		return fmt.Sprintf("symbol %s is blocked", symbol), false
	}
	if g.allowed != nil && !g.allowed[symbolUpper] {
		return fmt.Sprintf("symbol %s not in allowed list", symbol), false
	}
	if lots < g.minLot {
		return fmt.Sprintf("lot size %.4f below minimum %.4f", lots, g.minLot), false
	}
	return "", true
}

// RecordTrade counts an accepted open against the daily cap.
func (g *Guard) RecordTrade() {
	g.mu.Lock()
	g.dailyCount++
	g.mu.Unlock()
}

// ResetDaily zeroes the daily trade counter.
func (g *Guard) ResetDaily() {
	g.mu.Lock()
	g.dailyCount = 0
	g.mu.Unlock()
}

// DailyCount returns the trades counted today.
func (g *Guard) DailyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyCount
}

// ScheduleDailyReset arranges for every guard's daily counter to reset
// at midnight UTC. The caller owns the cron's lifecycle.
func ScheduleDailyReset(c *cron.Cron, guards map[string]*Guard) error {
	_, err := c.AddFunc("0 0 * * *", func() {
		for _, g := range guards {
			g.ResetDaily()
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily reset: %w", err)
	}
	return nil
}
