package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/auth"
	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
	"github.com/and161185/techstore/internal/pubsub"
)

// IdentitySource is the authenticated-identity provider the hub follows.
type IdentitySource interface {
	Identity() auth.Identity
	OnChange(fn func(auth.Identity)) func()
}

// Hub owns the single channel connection of the process. Listeners are
// registered on the hub and survive connection swaps.
type Hub struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	conn   *Conn
	gen    uint64
	userID string
	token  string
	state  model.ConnectionState
	closed bool

	lmu       sync.Mutex
	listeners map[string]*pubsub.Listeners[json.RawMessage]
	states    *pubsub.Topic[model.ConnectionState]
}

// NewHub creates an unbound hub.
func NewHub(opts Options, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		opts:      opts,
		log:       log,
		listeners: make(map[string]*pubsub.Listeners[json.RawMessage]),
		states:    pubsub.NewTopic[model.ConnectionState](),
	}
}

// On registers fn for event and returns an idempotent cancel func.
func (h *Hub) On(event string, fn func(data json.RawMessage)) func() {
	h.lmu.Lock()
	l, ok := h.listeners[event]
	if !ok {
		l = &pubsub.Listeners[json.RawMessage]{}
		h.listeners[event] = l
	}
	h.lmu.Unlock()
	return l.Add(fn)
}

func (h *Hub) emitLocal(event string, data json.RawMessage) {
	h.lmu.Lock()
	l := h.listeners[event]
	h.lmu.Unlock()
	if l != nil {
		l.Emit(data)
	}
}

// Bind replaces the connection with one authenticated by token.
// An empty token leaves the hub unbound.
func (h *Hub) Bind(ctx context.Context, token string) {
	h.bind(ctx, "", token)
}

func (h *Hub) bind(ctx context.Context, userID, token string) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	old := h.conn
	wasConnected := h.state.Connected
	h.gen++
	gen := h.gen
	h.conn = nil
	h.userID, h.token = userID, token
	h.state = model.ConnectionState{}
	if token != "" {
		h.conn = Dial(ctx, h.opts, token, h.dispatcher(gen), h.log)
		h.state.Initialized = true
	}
	st := h.state
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
	h.states.Publish(st)
	if wasConnected {
		h.emitLocal(EventDisconnect, nil)
	}
	h.log.Debug("realtime hub rebound", zap.Uint64("generation", gen), zap.Bool("anonymous", token == ""))
}

// dispatcher drops events from connections that were already replaced.
func (h *Hub) dispatcher(gen uint64) DispatchFunc {
	return func(event string, data json.RawMessage) {
		h.mu.Lock()
		if gen != h.gen {
			h.mu.Unlock()
			return
		}
		changed := false
		switch event {
		case EventConnect:
			changed = !h.state.Connected
			h.state.Connected = true
		case EventDisconnect, EventConnectError:
			changed = h.state.Connected
			h.state.Connected = false
		}
		st := h.state
		h.mu.Unlock()

		if changed {
			h.states.Publish(st)
		}
		h.emitLocal(event, data)
	}
}

// Watch binds to the current identity and rebinds on every identity change
// until ctx is done.
func (h *Hub) Watch(ctx context.Context, src IdentitySource) func() {
	follow := func(id auth.Identity) {
		h.mu.Lock()
		same := h.conn != nil && h.userID == id.User.ID && h.token == id.Token
		h.mu.Unlock()
		if same {
			return
		}
		h.bind(ctx, id.User.ID, id.Token)
	}
	cancel := src.OnChange(follow)
	follow(src.Identity())

	stop := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return func() {
		once.Do(func() {
			close(stop)
			cancel()
		})
	}
}

// State returns the connection state of the current identity.
func (h *Hub) State() model.ConnectionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Connected is State().Connected.
func (h *Hub) Connected() bool { return h.State().Connected }

// SubscribeState streams connection state changes.
func (h *Hub) SubscribeState() (<-chan model.ConnectionState, func()) { return h.states.Subscribe() }

// Emit sends event on the current connection.
func (h *Hub) Emit(event string, payload any, ack AckFunc) error {
	h.mu.Lock()
	c := h.conn
	connected := h.state.Connected
	h.mu.Unlock()
	if c == nil || !connected {
		return errs.ErrNotConnected
	}
	return c.Emit(event, payload, ack)
}

// Close tears the connection down. The hub cannot be rebound afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.gen++
	c := h.conn
	h.conn = nil
	h.state = model.ConnectionState{}
	h.mu.Unlock()

	if c != nil {
		c.Close()
	}
	h.states.Close()
}
