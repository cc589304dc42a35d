package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeWS is an in-memory stand-in for the websocket connection.
type fakeWS struct {
	in  chan []byte // frames the transport reads
	out chan []byte // text frames the transport wrote

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{
		in:   make(chan []byte, 16),
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case <-f.done:
		return 0, nil, io.EOF
	}
}

func (f *fakeWS) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return io.ErrClosedPipe
	}
	if messageType == websocket.TextMessage {
		f.out <- data
	}
	return nil
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// respond reads the next request frame and answers it with msg under the
// same clientMsgId.
func respond(t *testing.T, ws *fakeWS, msg Message) {
	t.Helper()
	select {
	case data := <-ws.out:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Errorf("bad request frame: %v", err)
			return
		}
		reply, err := Marshal(env.ClientMsgID, msg)
		if err != nil {
			t.Errorf("marshal reply: %v", err)
			return
		}
		ws.in <- reply
	case <-time.After(2 * time.Second):
		t.Error("no request frame observed")
	}
}

func TestCallResponseCorrelation(t *testing.T) {
	t.Parallel()

	ws := newFakeWS()
	conn := NewConn(ws, testLogger())
	defer conn.Close()

	go respond(t, ws, &AccountAuthRes{AccountID: 12345})

	res, err := conn.Call(context.Background(), AccountAuthReq{AccountID: 12345})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	auth, ok := res.(*AccountAuthRes)
	if !ok || auth.AccountID != 12345 {
		t.Errorf("response = %T %+v, want AccountAuthRes 12345", res, res)
	}
}

func TestErrorResFailsCall(t *testing.T) {
	t.Parallel()

	ws := newFakeWS()
	conn := NewConn(ws, testLogger())
	defer conn.Close()

	go respond(t, ws, &ErrorRes{ErrorCode: "CH_ACCOUNT_AUTH_FAILURE", Description: "bad token"})

	_, err := conn.Call(context.Background(), AccountAuthReq{AccountID: 1})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want *RequestError", err)
	}
	if reqErr.Code != "CH_ACCOUNT_AUTH_FAILURE" {
		t.Errorf("code = %q, want CH_ACCOUNT_AUTH_FAILURE", reqErr.Code)
	}
}

func TestPushEventDelivered(t *testing.T) {
	t.Parallel()

	ws := newFakeWS()
	conn := NewConn(ws, testLogger())
	defer conn.Close()

	frame, err := Marshal("", &SpotEvent{SymbolID: 1, Bid: 1.0840, Ask: 1.0842})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ws.in <- frame

	select {
	case msg := <-conn.Events():
		spot, ok := msg.(*SpotEvent)
		if !ok || spot.Bid != 1.0840 {
			t.Errorf("event = %T %+v, want SpotEvent bid 1.0840", msg, msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("push event not delivered")
	}
}

func TestDisconnectFailsInFlightCalls(t *testing.T) {
	t.Parallel()

	ws := newFakeWS()
	conn := NewConn(ws, testLogger())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), TraderReq{AccountID: 1})
		errCh <- err
	}()

	// Wait for the request to go out, then kill the socket.
	select {
	case <-ws.out:
	case <-time.After(2 * time.Second):
		t.Fatal("no request frame observed")
	}
	ws.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("err = %v, want ErrDisconnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after disconnect")
	}

	// Event stream closes too.
	select {
	case _, ok := <-conn.Events():
		if ok {
			t.Error("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed")
	}
}

func TestCloseFailsCallsWithCancelled(t *testing.T) {
	t.Parallel()

	ws := newFakeWS()
	conn := NewConn(ws, testLogger())

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), TraderReq{AccountID: 1})
		errCh <- err
	}()

	select {
	case <-ws.out:
	case <-time.After(2 * time.Second):
		t.Fatal("no request frame observed")
	}
	conn.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after Close")
	}

	// Calls after close fail immediately.
	if _, err := conn.Call(context.Background(), TraderReq{AccountID: 1}); !errors.Is(err, ErrCancelled) {
		t.Errorf("post-close call err = %v, want ErrCancelled", err)
	}
}

func TestLateResponseBecomesEvent(t *testing.T) {
	t.Parallel()

	ws := newFakeWS()
	conn := NewConn(ws, testLogger())
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(ctx, TraderReq{AccountID: 1})
		errCh <- err
	}()

	var env Envelope
	select {
	case data := <-ws.out:
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad request frame: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no request frame observed")
	}

	// Give up on the call, then let the response arrive late.
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	reply, err := Marshal(env.ClientMsgID, &TraderRes{AccountID: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	ws.in <- reply

	select {
	case msg := <-conn.Events():
		if _, ok := msg.(*TraderRes); !ok {
			t.Errorf("event = %T, want the orphaned *TraderRes", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("orphaned response not surfaced as event")
	}
}
