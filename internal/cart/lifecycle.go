package cart

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/storage"
)

// LifecycleState is the close-intent state of the hosting session.
type LifecycleState int

const (
	// Active means the session is in use; the persisted cart is kept.
	Active LifecycleState = iota
	// ClosingIntent means an unload started and has not been cancelled by a resume.
	ClosingIntent
)

func (s LifecycleState) String() string {
	if s == ClosingIntent {
		return "closing"
	}
	return "active"
}

// Lifecycle erases the persisted cart when a session closes for good.
// Best effort: a crash between BeforeUnload and PageHide keeps the cart.
type Lifecycle struct {
	session storage.Store
	cart    *Manager
	log     *zap.Logger
}

// NewLifecycle binds the close-intent flag in session to the cart.
func NewLifecycle(session storage.Store, cart *Manager, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{session: session, cart: cart, log: log}
}

// BeforeUnload records the closing intent.
func (l *Lifecycle) BeforeUnload(ctx context.Context) error {
	return l.session.Set(ctx, storage.ClosingKey, "true")
}

// PageShow cancels a pending closing intent.
func (l *Lifecycle) PageShow(ctx context.Context) error {
	if l.State(ctx) != ClosingIntent {
		return nil
	}
	return l.session.Delete(ctx, storage.ClosingKey)
}

// PageHide erases the persisted cart if the closing intent is still set.
func (l *Lifecycle) PageHide(ctx context.Context) error {
	if l.State(ctx) != ClosingIntent {
		return nil
	}
	l.log.Debug("closing intent confirmed, erasing persisted cart")
	return l.cart.ErasePersisted(ctx)
}

// State reads the flag; read errors count as Active.
func (l *Lifecycle) State(ctx context.Context) LifecycleState {
	v, ok, err := l.session.Get(ctx, storage.ClosingKey)
	if err != nil {
		l.log.Warn("closing flag read failed", zap.Error(err))
		return Active
	}
	if ok && v == "true" {
		return ClosingIntent
	}
	return Active
}
