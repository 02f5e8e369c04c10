// Package chat keeps one conversation view in sync with the real-time channel.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/techstore/internal/api"
	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
	"github.com/and161185/techstore/internal/notice"
	"github.com/and161185/techstore/internal/pubsub"
	"github.com/and161185/techstore/internal/realtime"
)

// DefaultJoinDelay lets the channel session settle before joining.
const DefaultJoinDelay = 300 * time.Millisecond

// State is the per-view connection lifecycle.
type State int

const (
	// Disconnected means the channel is down or the view is still loading.
	Disconnected State = iota
	// Joining waits out the join delay after a connect.
	Joining
	// Joined means join-chat was emitted for this conversation.
	Joined
	// Left is terminal: the view was unmounted or the id was invalid.
	Left
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Left:
		return "left"
	}
	return "disconnected"
}

// Loader fetches the initial conversation data.
type Loader interface {
	ChatMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error)
	ChatInfo(ctx context.Context, chatID string) (model.ChatInfo, error)
}

// Channel is the shared real-time connection.
type Channel interface {
	On(event string, fn func(data json.RawMessage)) func()
	Connected() bool
	Emit(event string, payload any, ack realtime.AckFunc) error
}

// Identity exposes the authenticated user.
type Identity interface {
	CurrentUser() (model.User, bool)
}

// Navigator moves the user to another screen.
type Navigator interface {
	Redirect(path string)
}

// Notifier shows a short-lived notice.
type Notifier interface {
	Show(text string, v notice.Variant) notice.Notice
}

// Config wires an Engine.
type Config struct {
	ChatID    string
	JoinDelay time.Duration
	Loader    Loader
	Channel   Channel
	Identity  Identity
	Navigator Navigator
	Notifier  Notifier
	Logger    *zap.Logger
}

// View is the published state of a mounted conversation.
type View struct {
	State    State
	Messages []model.ChatMessage
	Info     *model.ChatInfo
	Loading  bool
	Err      error
	// Ready enables the input: joined and not loading.
	Ready bool
}

// Engine reconciles optimistic sends with server-confirmed messages for one chat.
type Engine struct {
	chatID    string
	joinDelay time.Duration
	loader    Loader
	ch        Channel
	ident     Identity
	nav       Navigator
	notify    Notifier
	log       *zap.Logger

	mu       sync.Mutex
	state    State
	mounted  bool
	loading  bool
	err      error
	info     *model.ChatInfo
	messages []model.ChatMessage
	timer    *time.Timer
	cancels  []func()
	topic    *pubsub.Topic[View]
}

// New creates an unmounted engine.
func New(cfg Config) *Engine {
	if cfg.JoinDelay <= 0 {
		cfg.JoinDelay = DefaultJoinDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		chatID:    cfg.ChatID,
		joinDelay: cfg.JoinDelay,
		loader:    cfg.Loader,
		ch:        cfg.Channel,
		ident:     cfg.Identity,
		nav:       cfg.Navigator,
		notify:    cfg.Notifier,
		log:       cfg.Logger.With(zap.String("chat_id", cfg.ChatID)),
		topic:     pubsub.NewTopic[View](),
	}
}

// ChatID returns the conversation id.
func (e *Engine) ChatID() string { return e.chatID }

// Mount validates the id, loads history and metadata, then attaches to the
// channel. A malformed id redirects without fetching; a failed load notifies
// and redirects.
func (e *Engine) Mount(ctx context.Context) error {
	if !ValidChatID(e.chatID) {
		e.mu.Lock()
		e.err = errs.ErrInvalidChatID
		e.state = Left
		e.publishLocked()
		e.mu.Unlock()
		e.topic.Close()
		e.log.Info("invalid chat id, redirecting")
		e.redirect()
		return errs.ErrInvalidChatID
	}

	e.mu.Lock()
	if e.mounted || e.state == Left {
		e.mu.Unlock()
		return nil
	}
	e.mounted = true
	e.loading = true
	e.state = Disconnected
	e.publishLocked()
	e.mu.Unlock()

	e.attach()

	var (
		history []model.ChatMessage
		info    model.ChatInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		history, err = e.loader.ChatMessages(gctx, e.chatID)
		return err
	})
	g.Go(func() error {
		var err error
		info, err = e.loader.ChatInfo(gctx, e.chatID)
		return err
	})
	if err := g.Wait(); err != nil {
		e.log.Warn("chat load failed", zap.Error(err))
		loadErr := fmt.Errorf("%w: %w", errs.ErrHistoryLoad, err)
		e.mu.Lock()
		e.err = loadErr
		e.mu.Unlock()
		e.Unmount()
		e.show(loadErrorText(err), notice.Danger)
		e.redirect()
		return loadErr
	}

	e.mu.Lock()
	if !e.mounted {
		e.mu.Unlock()
		return nil
	}
	e.info = &info
	e.messages = mergeHistory(history, e.messages)
	e.loading = false
	e.publishLocked()
	e.mu.Unlock()

	if e.ch.Connected() {
		e.onConnect()
	}
	return nil
}

// loadErrorText prefers the server's error message.
func loadErrorText(err error) string {
	var se *api.StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return "Error loading chat"
}

// mergeHistory puts live messages received during the load after the history.
func mergeHistory(history, live []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(history)+len(live))
	seen := make(map[string]struct{}, len(history))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			continue
		}
		seen[m.ID] = struct{}{}
		m.Provisional = false
		out = append(out, m)
	}
	for _, m := range live {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (e *Engine) attach() {
	cancels := []func(){
		e.ch.On(realtime.EventConnect, func(json.RawMessage) { e.onConnect() }),
		e.ch.On(realtime.EventDisconnect, func(json.RawMessage) { e.onDisconnect() }),
		e.ch.On(realtime.EventConnectError, func(json.RawMessage) { e.onDisconnect() }),
		e.ch.On(realtime.EventReceiveMessage, func(data json.RawMessage) { e.onMessage(realtime.EventReceiveMessage, data) }),
		e.ch.On(realtime.EventMessageSent, func(data json.RawMessage) { e.onMessage(realtime.EventMessageSent, data) }),
	}
	e.mu.Lock()
	e.cancels = append(e.cancels, cancels...)
	e.mu.Unlock()
}

// Unmount detaches listeners, cancels a pending join and drops the history.
func (e *Engine) Unmount() {
	e.mu.Lock()
	if !e.mounted {
		e.mu.Unlock()
		return
	}
	e.mounted = false
	e.stopTimerLocked()
	cancels := e.cancels
	e.cancels = nil
	e.state = Left
	e.messages = nil
	e.loading = false
	e.publishLocked()
	e.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	e.topic.Close()
}

func (e *Engine) onConnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted || e.loading || e.state == Joining || e.state == Joined {
		return
	}
	e.state = Joining
	e.stopTimerLocked()
	e.timer = time.AfterFunc(e.joinDelay, e.join)
	e.publishLocked()
}

func (e *Engine) join() {
	e.mu.Lock()
	if !e.mounted || e.state != Joining {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	err := e.ch.Emit(realtime.EventJoinChat, e.chatID, nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted || e.state != Joining {
		return
	}
	if err != nil {
		e.log.Debug("join failed", zap.Error(err))
		e.state = Disconnected
	} else {
		e.state = Joined
	}
	e.publishLocked()
}

func (e *Engine) onDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted || e.state == Disconnected {
		return
	}
	e.stopTimerLocked()
	e.state = Disconnected
	e.publishLocked()
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) onMessage(event string, data json.RawMessage) {
	var m model.ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		e.log.Warn("bad message payload", zap.String("event", event), zap.Error(err))
		return
	}
	e.confirm(m)
}

// Send appends a provisional message and emits it. The provisional message is
// retracted when the server refuses it or the channel drops before the ack.
func (e *Engine) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty message", errs.ErrSendRejected)
	}
	self, ok := e.ident.CurrentUser()
	if !ok {
		return fmt.Errorf("%w: not logged in", errs.ErrSendRejected)
	}
	if !e.ch.Connected() {
		return errs.ErrNotConnected
	}

	clientID := uuid.Must(uuid.NewV4()).String()
	tmp := model.ChatMessage{
		ID:          ProvisionalPrefix + clientID,
		ChatID:      e.chatID,
		Sender:      model.SenderRef{ID: self.ID},
		Content:     text,
		CreatedAt:   time.Now(),
		Provisional: true,
		ClientID:    clientID,
	}

	e.mu.Lock()
	if !e.mounted || e.chatID == "" || e.loading {
		e.mu.Unlock()
		return fmt.Errorf("%w: view not ready", errs.ErrSendRejected)
	}
	e.messages = append(e.messages, tmp)
	e.publishLocked()
	e.mu.Unlock()

	payload := realtime.SendPayload{ChatID: e.chatID, Content: text, ClientID: clientID}
	err := e.ch.Emit(realtime.EventSendMessage, payload, func(ack realtime.Ack, err error) {
		switch {
		case err != nil:
			e.log.Warn("send not acknowledged", zap.Error(err))
			e.retract(tmp.ID)
		case !ack.OK():
			e.log.Warn("send rejected by server", zap.String("reason", ack.Error))
			e.retract(tmp.ID)
		case ack.Message != nil:
			e.confirm(*ack.Message)
		}
	})
	if err != nil {
		e.log.Warn("send emit failed", zap.Error(err))
		e.retract(tmp.ID)
		return fmt.Errorf("%w: %w", errs.ErrSendFailed, err)
	}
	return nil
}

// retract removes the provisional message with id, if still present.
func (e *Engine) retract(id string) {
	e.mu.Lock()
	i := slices.IndexFunc(e.messages, func(m model.ChatMessage) bool { return m.Provisional && m.ID == id })
	if i < 0 || !e.mounted {
		e.mu.Unlock()
		return
	}
	e.messages = slices.Delete(e.messages, i, i+1)
	e.publishLocked()
	e.mu.Unlock()

	e.show("Message not sent", notice.Danger)
}

// confirm merges a server-confirmed message. It replaces the matching
// provisional message or appends; a message id already present is ignored,
// so the ack, message-sent and receive-message paths may arrive in any order.
func (e *Engine) confirm(m model.ChatMessage) {
	if m.ID == "" || IsProvisionalID(m.ID) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.mounted {
		return
	}
	if m.ChatID != "" && m.ChatID != e.chatID {
		return
	}
	m.Provisional = false

	if slices.ContainsFunc(e.messages, func(x model.ChatMessage) bool { return !x.Provisional && x.ID == m.ID }) {
		// Only a correlated duplicate may go; an uncorrelated one could be
		// another send still waiting for its ack.
		if m.ClientID == "" {
			return
		}
		i := slices.IndexFunc(e.messages, func(x model.ChatMessage) bool {
			return x.Provisional && x.ClientID == m.ClientID
		})
		if i >= 0 {
			e.messages = slices.Delete(e.messages, i, i+1)
			e.publishLocked()
		}
		return
	}
	if i := e.matchProvisional(m); i >= 0 {
		e.messages[i] = m
	} else {
		e.messages = append(e.messages, m)
	}
	e.publishLocked()
}

// matchProvisional finds the provisional message m confirms: by correlation
// id when the server echoes it, else the earliest one with the same author and text.
func (e *Engine) matchProvisional(m model.ChatMessage) int {
	if m.ClientID != "" {
		return slices.IndexFunc(e.messages, func(x model.ChatMessage) bool {
			return x.Provisional && x.ClientID == m.ClientID
		})
	}
	return slices.IndexFunc(e.messages, func(x model.ChatMessage) bool {
		return x.Provisional && x.Sender.ID == m.Sender.ID && x.Content == m.Content
	})
}

// Snapshot returns the current view.
func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// Subscribe streams the view after every change until Unmount.
func (e *Engine) Subscribe() (<-chan View, func()) { return e.topic.Subscribe() }

// Resolve returns the display identity of the author of msg.
func (e *Engine) Resolve(msg model.ChatMessage) Sender {
	var self *model.User
	if u, ok := e.ident.CurrentUser(); ok {
		self = &u
	}
	e.mu.Lock()
	info := e.info
	e.mu.Unlock()
	return ResolveSender(msg, info, self)
}

func (e *Engine) viewLocked() View {
	return View{
		State:    e.state,
		Messages: slices.Clone(e.messages),
		Info:     e.info,
		Loading:  e.loading,
		Err:      e.err,
		Ready:    e.mounted && e.state == Joined && !e.loading,
	}
}

func (e *Engine) publishLocked() { e.topic.Publish(e.viewLocked()) }

func (e *Engine) redirect() {
	if e.nav != nil {
		e.nav.Redirect(ListPath)
	}
}

func (e *Engine) show(text string, v notice.Variant) {
	if e.notify != nil {
		e.notify.Show(text, v)
	}
}
