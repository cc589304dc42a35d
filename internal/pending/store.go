// Package pending holds the process-wide deferred-action state.
//
// Two concerns live here, both keyed by source ticket:
//
//   - Deferred SL/TP: a market order is always issued without stop loss
//     or take profit because the broker's position id isn't known yet
//     (and absolute SL/TP on creation may be rejected). The desired
//     levels are staged here and applied once the correlation store
//     learns the position id. The entry is removed only after a
//     successful amend, so a failed attempt is retried on the next
//     position notification.
//
//   - Master open lots: the source trade's original size, kept so a
//     later partial CLOSE can be applied proportionally to whatever the
//     follower account actually holds.
package pending

import "sync"

// SLTP is a staged stop-loss/take-profit payload. Zero means "not set".
type SLTP struct {
	Symbol     string
	StopLoss   float64
	TakeProfit float64
}

// Empty reports whether the payload carries nothing to apply.
func (p SLTP) Empty() bool {
	return p.StopLoss <= 0 && p.TakeProfit <= 0
}

// Store is the process-wide deferred-action store.
type Store struct {
	mu         sync.Mutex
	sltp       map[int64]SLTP
	masterLots map[int64]float64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sltp:       make(map[int64]SLTP),
		masterLots: make(map[int64]float64),
	}
}

// StageSLTP stores the desired SL/TP for a ticket, replacing any
// previously staged payload. Empty payloads are dropped instead.
func (s *Store) StageSLTP(ticket int64, p SLTP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Empty() {
		delete(s.sltp, ticket)
		return
	}
	s.sltp[ticket] = p
}

// SLTP returns the staged payload for a ticket without consuming it.
func (s *Store) SLTP(ticket int64) (SLTP, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sltp[ticket]
	return p, ok
}

// ClearSLTP removes the staged payload after a successful amend.
func (s *Store) ClearSLTP(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sltp, ticket)
}

// SetMasterLots records the source trade's open size.
func (s *Store) SetMasterLots(ticket int64, lots float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lots > 0 {
		s.masterLots[ticket] = lots
	}
}

// MasterLots returns the source trade's open size.
func (s *Store) MasterLots(ticket int64) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lots, ok := s.masterLots[ticket]
	return lots, ok
}

// DropTicket removes all deferred state for a ticket. Called on full
// close and on pending-order cancel.
func (s *Store) DropTicket(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sltp, ticket)
	delete(s.masterLots, ticket)
}
