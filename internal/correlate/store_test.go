package correlate

import (
	"io"
	"log/slog"
	"testing"

	"copybridge/internal/broker"
)

func newTestStore() *Store {
	return NewStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLabelRoundTrip(t *testing.T) {
	t.Parallel()

	if got := Label(1001); got != "SRC_1001" {
		t.Errorf("Label(1001) = %q, want SRC_1001", got)
	}

	ticket, ok := TicketFromLabel("SRC_1001")
	if !ok || ticket != 1001 {
		t.Errorf("TicketFromLabel = (%d, %v), want (1001, true)", ticket, ok)
	}

	for _, bad := range []string{"", "SRC_", "SRC_abc", "SRC_-5", "OTHER_1001", "1001"} {
		if _, ok := TicketFromLabel(bad); ok {
			t.Errorf("TicketFromLabel(%q) = ok, want miss", bad)
		}
	}
}

func TestApplyExecutionLearnsPosition(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	var gotTicket, gotPos int64
	s.OnPositionLink(func(ticket, positionID int64) {
		gotTicket, gotPos = ticket, positionID
	})

	s.ApplyExecution(&broker.ExecutionEvent{
		ExecutionType: "ORDER_FILLED",
		Position: &broker.Position{
			PositionID: 555,
			TradeData:  broker.TradeData{Volume: 10_000_000, Label: "SRC_1001"},
		},
	})

	if id, ok := s.PositionID(1001); !ok || id != 555 {
		t.Errorf("PositionID(1001) = (%d, %v), want (555, true)", id, ok)
	}
	if v, ok := s.Volume(555); !ok || v != 10_000_000 {
		t.Errorf("Volume(555) = (%d, %v), want (10000000, true)", v, ok)
	}
	if gotTicket != 1001 || gotPos != 555 {
		t.Errorf("listener got (%d, %d), want (1001, 555)", gotTicket, gotPos)
	}
}

func TestApplyExecutionLearnsOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.ApplyExecution(&broker.ExecutionEvent{
		ExecutionType: "ORDER_ACCEPTED",
		Order: &broker.Order{
			OrderID:   7001,
			TradeData: broker.TradeData{Label: "SRC_1100"},
		},
	})

	if id, ok := s.OrderID(1100); !ok || id != 7001 {
		t.Errorf("OrderID(1100) = (%d, %v), want (7001, true)", id, ok)
	}
}

func TestUnlabelledEntitiesIgnored(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.ApplyExecution(&broker.ExecutionEvent{
		Position: &broker.Position{PositionID: 1, TradeData: broker.TradeData{Label: "manual"}},
		Order:    &broker.Order{OrderID: 2, TradeData: broker.TradeData{Label: ""}},
	})

	if s.PositionCount() != 0 {
		t.Errorf("PositionCount = %d, want 0", s.PositionCount())
	}
}

func TestPositionNeverReassigned(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	fill := func(posID int64) *broker.ExecutionEvent {
		return &broker.ExecutionEvent{
			Position: &broker.Position{
				PositionID: posID,
				TradeData:  broker.TradeData{Label: "SRC_1001"},
			},
		}
	}

	s.ApplyExecution(fill(555))
	s.ApplyExecution(fill(666)) // conflicting id is ignored

	if id, _ := s.PositionID(1001); id != 555 {
		t.Errorf("PositionID = %d, want the original 555", id)
	}
}

func TestListenerNotifiedOnEverySighting(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	var calls int
	s.OnPositionLink(func(ticket, positionID int64) { calls++ })

	ev := &broker.ExecutionEvent{
		Position: &broker.Position{
			PositionID: 555,
			TradeData:  broker.TradeData{Label: "SRC_1001"},
		},
	}
	s.ApplyExecution(ev)
	s.ApplyExecution(ev)

	// A repeat sighting re-notifies so a deferred SL/TP staged across a
	// reconnect still gets flushed.
	if calls != 2 {
		t.Errorf("listener calls = %d, want 2", calls)
	}
}

func TestApplyReconcile(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	var links int
	s.OnPositionLink(func(ticket, positionID int64) { links++ })

	s.ApplyReconcile(&broker.ReconcileRes{
		Positions: []broker.Position{
			{PositionID: 555, TradeData: broker.TradeData{Volume: 5_000_000, Label: "SRC_1001"}},
			{PositionID: 556, TradeData: broker.TradeData{Label: "manual-trade"}},
		},
		Orders: []broker.Order{
			{OrderID: 7001, TradeData: broker.TradeData{Label: "SRC_1100"}},
		},
	})

	if id, ok := s.PositionID(1001); !ok || id != 555 {
		t.Errorf("PositionID(1001) = (%d, %v), want (555, true)", id, ok)
	}
	if id, ok := s.OrderID(1100); !ok || id != 7001 {
		t.Errorf("OrderID(1100) = (%d, %v), want (7001, true)", id, ok)
	}
	if v, _ := s.Volume(555); v != 5_000_000 {
		t.Errorf("Volume(555) = %d, want 5000000", v)
	}
	if links != 1 {
		t.Errorf("links = %d, want 1 (unlabelled position ignored)", links)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	s := newTestStore()
	s.ApplyExecution(&broker.ExecutionEvent{
		Position: &broker.Position{
			PositionID: 555,
			TradeData:  broker.TradeData{Volume: 1_000_000, Label: "SRC_1001"},
		},
	})

	s.Remove(1001)
	if _, ok := s.PositionID(1001); ok {
		t.Error("position mapping survived Remove")
	}
	if _, ok := s.Volume(555); ok {
		t.Error("volume survived Remove")
	}
	if s.PositionCount() != 0 {
		t.Errorf("PositionCount = %d, want 0", s.PositionCount())
	}
}
