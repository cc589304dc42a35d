// Package correlate maintains the per-account mappings that route
// MODIFY/CLOSE/CANCEL events back to the right broker entity.
//
// Three maps per store: source ticket → position id, source ticket →
// pending order id, position id → last known volume. The sole correlation
// mechanism across the RPC boundary is the label "SRC_<ticket>" stamped
// on every order the replicator creates; executions and reconcile
// snapshots carrying such a label feed the maps.
package correlate

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"copybridge/internal/broker"
)

// LabelPrefix tags every broker order/position created by the bridge.
const LabelPrefix = "SRC_"

// Label builds the correlation label for a source ticket.
func Label(ticket int64) string {
	return LabelPrefix + strconv.FormatInt(ticket, 10)
}

// TicketFromLabel parses a correlation label back into a ticket.
func TicketFromLabel(label string) (int64, bool) {
	if !strings.HasPrefix(label, LabelPrefix) {
		return 0, false
	}
	ticket, err := strconv.ParseInt(label[len(LabelPrefix):], 10, 64)
	if err != nil || ticket <= 0 {
		return 0, false
	}
	return ticket, true
}

// LinkListener is notified whenever a ticket↔position link is learned.
// Used to flush deferred SL/TP as soon as the position id is known.
type LinkListener func(ticket, positionID int64)

// Store holds one account's correlation state. Safe for concurrent use;
// listeners are invoked outside the lock.
type Store struct {
	mu        sync.Mutex
	positions map[int64]int64 // ticket → positionID
	orders    map[int64]int64 // ticket → orderID
	volumes   map[int64]int64 // positionID → units

	listeners []LinkListener
	logger    *slog.Logger
}

// NewStore creates an empty correlation store.
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		positions: make(map[int64]int64),
		orders:    make(map[int64]int64),
		volumes:   make(map[int64]int64),
		logger:    logger.With("component", "correlate"),
	}
}

// OnPositionLink registers a listener for newly learned ticket↔position
// links. Must be called before events start flowing.
func (s *Store) OnPositionLink(fn LinkListener) {
	s.listeners = append(s.listeners, fn)
}

// PositionID returns the broker position for a ticket.
func (s *Store) PositionID(ticket int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.positions[ticket]
	return id, ok
}

// OrderID returns the broker pending order for a ticket.
func (s *Store) OrderID(ticket int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.orders[ticket]
	return id, ok
}

// Volume returns the last known volume for a position.
func (s *Store) Volume(positionID int64) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.volumes[positionID]
	return v, ok
}

// PositionCount reports how many correlated positions are currently
// tracked. Feeds the concurrent-position cap.
func (s *Store) PositionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// Remove drops all state for a ticket after a confirmed full close or
// cancel.
func (s *Store) Remove(ticket int64) {
	s.mu.Lock()
	if posID, ok := s.positions[ticket]; ok {
		delete(s.volumes, posID)
	}
	delete(s.positions, ticket)
	delete(s.orders, ticket)
	s.mu.Unlock()
}

// ApplyExecution folds a push execution event into the store. Order and
// position links are learned from labels; a positive volume updates the
// position's last known volume.
func (s *Store) ApplyExecution(ev *broker.ExecutionEvent) {
	var learned []link

	s.mu.Lock()
	if ev.Order != nil && ev.Order.OrderID > 0 {
		if ticket, ok := TicketFromLabel(ev.Order.TradeData.Label); ok {
			s.orders[ticket] = ev.Order.OrderID
		}
	}
	if pos := ev.Position; pos != nil && pos.PositionID > 0 {
		if ticket, ok := TicketFromLabel(pos.TradeData.Label); ok {
			learned = append(learned, s.linkLocked(ticket, pos.PositionID))
		}
		if v := pos.Units(); v > 0 {
			s.volumes[pos.PositionID] = v
		}
	}
	s.mu.Unlock()

	s.notify(learned)
}

// ApplyReconcile folds an authoritative snapshot into the store. Later
// execution events override it.
func (s *Store) ApplyReconcile(res *broker.ReconcileRes) {
	var learned []link

	s.mu.Lock()
	for i := range res.Positions {
		pos := &res.Positions[i]
		if pos.PositionID <= 0 {
			continue
		}
		if v := pos.Units(); v > 0 {
			s.volumes[pos.PositionID] = v
		}
		if ticket, ok := TicketFromLabel(pos.TradeData.Label); ok {
			learned = append(learned, s.linkLocked(ticket, pos.PositionID))
		}
	}
	for i := range res.Orders {
		o := &res.Orders[i]
		if o.OrderID <= 0 {
			continue
		}
		if ticket, ok := TicketFromLabel(o.TradeData.Label); ok {
			s.orders[ticket] = o.OrderID
		}
	}
	count := len(s.positions)
	s.mu.Unlock()

	s.logger.Info("reconcile applied", "positions", count, "learned", len(learned))
	s.notify(learned)
}

type link struct{ ticket, positionID int64 }

// linkLocked records ticket→position and returns the effective link. A
// ticket's position id, once set, is never reassigned to a different
// position; listeners are still notified on every sighting so a deferred
// SL/TP staged across a reconnect gets flushed.
func (s *Store) linkLocked(ticket, positionID int64) link {
	if existing, ok := s.positions[ticket]; ok {
		if existing != positionID {
			s.logger.Warn("ignoring conflicting position for ticket",
				"ticket", ticket, "existing", existing, "conflicting", positionID)
		}
		return link{ticket: ticket, positionID: existing}
	}
	s.positions[ticket] = positionID
	return link{ticket: ticket, positionID: positionID}
}

func (s *Store) notify(learned []link) {
	for _, l := range learned {
		for _, fn := range s.listeners {
			fn(l.ticket, l.positionID)
		}
	}
}
