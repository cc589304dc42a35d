package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"copybridge/internal/engine"
	"copybridge/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRouter struct {
	events []*types.TradeEvent
	err    error
	ready  bool
}

func (f *fakeRouter) HandleTradeEvent(_ context.Context, ev *types.TradeEvent) error {
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeRouter) Ready() bool { return f.ready }

func testHandlers(router *fakeRouter) *Handlers {
	return NewHandlers(router, discardLogger())
}

func TestEventAccepted(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	h := testHandlers(router)

	body := `{"event_type":"OPEN","ticket":1001,"symbol":"EURUSD","side":"BUY","volume":0.10,"sl":1.075}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp["status"] != "success" {
		t.Errorf("status field = %q, want success", resp["status"])
	}

	if len(router.events) != 1 || router.events[0].Ticket != 1001 {
		t.Fatalf("router got %+v, want one event with ticket 1001", router.events)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{}
	h := testHandlers(router)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{not json`))
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(router.events) != 0 {
		t.Error("malformed body must not reach the router")
	}
}

func TestInvalidEventRejected(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{err: fmt.Errorf("%w: ticket is required", engine.ErrInvalidEvent)}
	h := testHandlers(router)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"event_type":"OPEN"}`))
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestInternalErrorIs500(t *testing.T) {
	t.Parallel()

	router := &fakeRouter{err: fmt.Errorf("boom")}
	h := testHandlers(router)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"event_type":"OPEN","ticket":1}`))
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := testHandlers(&fakeRouter{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := testHandlers(&fakeRouter{ready: true})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Status string `json:"status"`
		Ready  bool   `json:"ready"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Status != "ok" || !resp.Ready {
		t.Errorf("response = %+v, want ok/ready", resp)
	}
}
