// Package notice implements short-lived user notifications.
package notice

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/pubsub"
	"github.com/and161185/techstore/internal/storage"
)

// Variant is the visual category of a notice.
type Variant string

// Supported variants.
const (
	Success Variant = "success"
	Danger  Variant = "danger"
	Warning Variant = "warning"
	Info    Variant = "info"
)

// DefaultTTL is how long a notice stays visible.
const DefaultTTL = 3 * time.Second

// Notice is one visible notification.
type Notice struct {
	ID      string
	Text    string
	Variant Variant
	At      time.Time
}

// Toaster keeps notices visible for a TTL.
type Toaster struct {
	mu     sync.Mutex
	ttl    time.Duration
	log    *zap.Logger
	active []Notice
	timers map[string]*time.Timer
	topic  *pubsub.Topic[[]Notice]
	closed bool
}

// NewToaster creates a toaster; ttl <= 0 means DefaultTTL.
func NewToaster(ttl time.Duration, log *zap.Logger) *Toaster {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Toaster{
		ttl:    ttl,
		log:    log,
		timers: make(map[string]*time.Timer),
		topic:  pubsub.NewTopic[[]Notice](),
	}
}

// Show displays text and schedules its removal.
func (t *Toaster) Show(text string, v Variant) Notice {
	if v == "" {
		v = Success
	}
	n := Notice{ID: uuid.Must(uuid.NewV4()).String(), Text: text, Variant: v, At: time.Now()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return n
	}
	t.active = append(t.active, n)
	t.timers[n.ID] = time.AfterFunc(t.ttl, func() { t.Dismiss(n.ID) })
	t.log.Debug("notice shown", zap.String("variant", string(v)))
	t.topic.Publish(slices.Clone(t.active))
	return n
}

// Dismiss removes a notice before its TTL runs out.
func (t *Toaster) Dismiss(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
	i := slices.IndexFunc(t.active, func(n Notice) bool { return n.ID == id })
	if i < 0 {
		return
	}
	t.active = slices.Delete(t.active, i, i+1)
	t.topic.Publish(slices.Clone(t.active))
}

// Active returns the currently visible notices, oldest first.
func (t *Toaster) Active() []Notice {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.active)
}

// Subscribe streams the visible list on every change.
func (t *Toaster) Subscribe() (<-chan []Notice, func()) { return t.topic.Subscribe() }

// Close stops pending timers and closes subscriptions.
func (t *Toaster) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
	t.active = nil
	t.topic.Close()
}

// Once runs fn unless the session flag for code is already set, then sets it.
// It reports whether fn ran.
func Once(ctx context.Context, session storage.Store, code string, fn func()) (bool, error) {
	key := storage.NoticePrefix + code
	_, seen, err := session.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}
	fn()
	return true, session.Set(ctx, key, "true")
}
