package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/errs"
)

// Defaults mirror the browser client's reconnection policy.
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	writeTimeout             = 10 * time.Second
)

// Options configures a connection.
type Options struct {
	URL string
	// ReconnectAttempts of 0 means DefaultReconnectAttempts; negative disables retries.
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	} else if o.ReconnectAttempts == 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// DispatchFunc receives every inbound event and the local lifecycle events.
type DispatchFunc func(event string, data json.RawMessage)

// Conn is one authenticated websocket session with bounded reconnection.
type Conn struct {
	opts     Options
	header   http.Header
	dispatch DispatchFunc
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	ws      *websocket.Conn
	nextID  uint64
	pending map[uint64]AckFunc

	writeMu sync.Mutex
}

// Dial starts connecting in the background and returns immediately.
// Lifecycle is reported through dispatch as connect, disconnect and connect_error.
func Dial(ctx context.Context, opts Options, token string, dispatch DispatchFunc, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		opts:     opts.withDefaults(),
		header:   h,
		dispatch: dispatch,
		log:      log,
		ctx:      cctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[uint64]AckFunc),
	}
	go c.run()
	return c
}

// Connected reports whether the socket is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Done is closed once the connection stopped for good.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears the connection down and waits for the reader to exit.
func (c *Conn) Close() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	}
	c.cancel()
	<-c.done
}

// Emit sends an event. With a non-nil ack the server answer is delivered to it.
func (c *Conn) Emit(event string, payload any, ack AckFunc) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return errs.ErrNotConnected
	}
	f := Frame{Type: FrameEvent, Event: event, Data: data}
	if ack != nil {
		c.nextID++
		f.ID = c.nextID
		c.pending[f.ID] = ack
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		if f.ID != 0 {
			c.mu.Lock()
			delete(c.pending, f.ID)
			c.mu.Unlock()
		}
		return fmt.Errorf("%w: %v", errs.ErrNotConnected, err)
	}
	return nil
}

func (c *Conn) run() {
	defer close(c.done)
	defer c.cancel()

	first := true
	for {
		if !first {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.opts.ReconnectDelay):
			}
		}
		ws, err := c.connect(first)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Warn("realtime channel gave up", zap.Error(err))
			}
			return
		}
		first = false

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.log.Info("realtime channel connected")
		c.dispatch(EventConnect, nil)

		stop := make(chan struct{})
		go func() {
			select {
			case <-c.ctx.Done():
				_ = ws.Close()
			case <-stop:
			}
		}()
		c.readLoop(ws)
		close(stop)

		c.detach(ws)
		c.dispatch(EventDisconnect, nil)
		if c.ctx.Err() != nil {
			return
		}
	}
}

// connect dials with a constant-delay bounded retry.
func (c *Conn) connect(first bool) (*websocket.Conn, error) {
	var ws *websocket.Conn
	tries := uint64(c.opts.ReconnectAttempts)
	if !first && tries > 0 {
		// The wait before this round already counted as one delay.
		tries--
	}
	b := retry.WithMaxRetries(tries, retry.NewConstant(c.opts.ReconnectDelay))
	err := retry.Do(c.ctx, b, func(ctx context.Context) error {
		conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msg, _ := json.Marshal(ErrorPayload{Message: err.Error()})
			c.dispatch(EventConnectError, msg)
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return fmt.Errorf("%w: handshake status %d", errs.ErrUnauthorized, resp.StatusCode)
			}
			c.log.Debug("realtime dial failed", zap.Error(err))
			return retry.RetryableError(err)
		}
		ws = conn
		return nil
	})
	return ws, err
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.log.Warn("realtime channel dropped", zap.Error(err))
			}
			return
		}
		switch f.Type {
		case FrameAck:
			c.mu.Lock()
			fn, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			var a Ack
			if err := json.Unmarshal(f.Data, &a); err != nil {
				fn(Ack{}, fmt.Errorf("decode ack: %w", err))
				continue
			}
			fn(a, nil)
		case FrameEvent:
			if f.Event == EventConnect || f.Event == EventDisconnect || f.Event == EventConnectError {
				continue
			}
			c.dispatch(f.Event, f.Data)
		default:
			c.log.Debug("unknown frame type", zap.String("type", f.Type))
		}
	}
}

// detach forgets the socket and fails every outstanding ack.
func (c *Conn) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	c.ws = nil
	pending := c.pending
	c.pending = make(map[uint64]AckFunc)
	c.mu.Unlock()
	for _, fn := range pending {
		fn(Ack{}, errs.ErrNotConnected)
	}
}
