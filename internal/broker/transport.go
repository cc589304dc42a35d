// transport.go maintains a single websocket connection to the Open API
// proxy. One Conn represents one connection lifetime: the session layer
// owns reconnection.
//
// Outgoing requests are correlated with responses by a uuid clientMsgId.
// Inbound frames that don't match an outstanding request are delivered in
// arrival order on the Events channel. A write mutex serializes frames; a
// ping loop keeps intermediaries from dropping the socket.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval    = 25 * time.Second // websocket-level keepalive
	writeTimeout    = 10 * time.Second // deadline for outgoing frames
	eventBufferSize = 256              // push events before backpressure
)

var (
	// ErrDisconnected fails in-flight calls when the transport drops.
	ErrDisconnected = errors.New("broker: disconnected")
	// ErrCancelled fails in-flight calls on deliberate shutdown.
	ErrCancelled = errors.New("broker: cancelled")
)

// Dialer opens broker connections. The default dials the real websocket
// endpoint; tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, url string) (*Conn, error)

// Conn is one live connection to the broker. Safe for concurrent use.
type Conn struct {
	ws      wsConn
	limiter *TokenBucket
	logger  *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan callResult
	closed    bool
	closeErr  error

	events  chan Message
	lastMsg atomic.Int64 // unix nanos of the last inbound frame

	done chan struct{}
}

type callResult struct {
	msg Message
	err error
}

// wsConn is the slice of *websocket.Conn the transport uses, extracted so
// tests can run a Conn over an in-memory pipe.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dial connects to the broker websocket endpoint and starts the read and
// ping loops.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(ws, logger), nil
}

// NewConn wraps an established websocket and starts its loops.
func NewConn(ws wsConn, logger *slog.Logger) *Conn {
	c := &Conn{
		ws:      ws,
		limiter: NewTokenBucket(requestBurst, requestRate),
		logger:  logger.With("component", "broker"),
		pending: make(map[string]chan callResult),
		events:  make(chan Message, eventBufferSize),
		done:    make(chan struct{}),
	}
	c.lastMsg.Store(time.Now().UnixNano())
	go c.readLoop()
	go c.pingLoop()
	return c
}

// Events returns the push-event stream. The channel is closed when the
// connection dies.
func (c *Conn) Events() <-chan Message { return c.events }

// LastMessage reports when the last inbound frame arrived. The session's
// idle watchdog compares this against its threshold.
func (c *Conn) LastMessage() time.Time {
	return time.Unix(0, c.lastMsg.Load())
}

// Done is closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Call sends a request and blocks until its response, an ErrorRes with
// the same clientMsgId, transport loss, or ctx expiry. The per-connection
// token bucket paces outgoing requests under the broker's limit.
func (c *Conn) Call(ctx context.Context, req Message) (Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	msgID := uuid.NewString()
	ch := make(chan callResult, 1)

	c.pendingMu.Lock()
	if c.closed {
		err := c.closeErr
		c.pendingMu.Unlock()
		return nil, err
	}
	c.pending[msgID] = ch
	c.pendingMu.Unlock()

	data, err := Marshal(msgID, req)
	if err != nil {
		c.forget(msgID)
		return nil, err
	}
	if err := c.write(data); err != nil {
		c.forget(msgID)
		return nil, fmt.Errorf("write %s: %w", req.MessageType(), err)
	}

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		c.forget(msgID)
		return nil, ctx.Err()
	}
}

// Close tears down the transport. In-flight calls fail with ErrCancelled.
func (c *Conn) Close() error {
	c.fail(ErrCancelled)
	return c.ws.Close()
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) forget(msgID string) {
	c.pendingMu.Lock()
	delete(c.pending, msgID)
	c.pendingMu.Unlock()
}

// fail completes every outstanding call with err and closes the event
// stream. Idempotent.
func (c *Conn) fail(err error) {
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	for id, ch := range c.pending {
		ch <- callResult{err: err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	close(c.events)
	close(c.done)
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(ErrDisconnected)
			return
		}
		c.lastMsg.Store(time.Now().UnixNano())

		env, msg, err := Unmarshal(data)
		if err != nil {
			c.logger.Debug("ignoring undecodable frame", "error", err)
			continue
		}
		c.dispatch(env, msg)
	}
}

func (c *Conn) dispatch(env Envelope, msg Message) {
	if env.ClientMsgID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ClientMsgID]
		if ok {
			delete(c.pending, env.ClientMsgID)
		}
		c.pendingMu.Unlock()

		if ok {
			if errRes, isErr := msg.(*ErrorRes); isErr {
				ch <- callResult{err: &RequestError{Code: errRes.ErrorCode, Description: errRes.Description}}
			} else {
				ch <- callResult{msg: msg}
			}
			return
		}
		// Response for a call we already gave up on; fall through so
		// event consumers can still observe it if they care.
	}

	select {
	case c.events <- msg:
	default:
		c.logger.Warn("event channel full, dropping event", "type", msg.MessageType())
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
