// Package app wires the client components into one running instance.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/api"
	"github.com/and161185/techstore/internal/auth"
	"github.com/and161185/techstore/internal/cart"
	"github.com/and161185/techstore/internal/chat"
	"github.com/and161185/techstore/internal/config"
	"github.com/and161185/techstore/internal/notice"
	"github.com/and161185/techstore/internal/realtime"
	"github.com/and161185/techstore/internal/storage"
)

// App is the composition root: one per hosting session.
type App struct {
	cfg *config.Config
	log *zap.Logger

	// Durable survives restarts; Session lives as long as the process.
	Durable storage.Store
	Session storage.Store

	API       *api.Client
	Auth      *auth.Session
	Hub       *realtime.Hub
	Cart      *cart.Manager
	Lifecycle *cart.Lifecycle
	Toaster   *notice.Toaster

	ctx        context.Context
	cancel     context.CancelFunc
	closeStore func()
	stops      []func()
	once       sync.Once
}

// New opens the configured durable store and builds the app on top of it.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	durable, closeStore, err := storage.Open(ctx, cfg.Storage.Options())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a, err := NewWithStores(ctx, cfg, durable, storage.NewMemoryStore(), log)
	if err != nil {
		closeStore()
		return nil, err
	}
	a.closeStore = closeStore
	return a, nil
}

// NewWithStores builds the app on caller-provided stores. The stores are not
// closed by Close.
func NewWithStores(ctx context.Context, cfg *config.Config, durable, session storage.Store, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	client, err := api.New(cfg.API.URL, cfg.API.Timeout, nil, log.Named("api"))
	if err != nil {
		return nil, err
	}
	sess := auth.NewSession(durable, client, log.Named("auth"))
	client.SetTokenSource(sess)

	a := &App{
		cfg:        cfg,
		log:        log,
		Durable:    durable,
		Session:    session,
		API:        client,
		Auth:       sess,
		Cart:       cart.NewManager(durable, log.Named("cart")),
		Toaster:    notice.NewToaster(notice.DefaultTTL, log.Named("notice")),
		closeStore: func() {},
	}
	a.Lifecycle = cart.NewLifecycle(session, a.Cart, log.Named("lifecycle"))
	a.Hub = realtime.NewHub(realtime.Options{
		URL:               cfg.Realtime.URL,
		ReconnectAttempts: cfg.Realtime.ReconnectAttempts,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay,
	}, log.Named("realtime"))
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := sess.Restore(ctx); err != nil {
		log.Warn("session restore failed", zap.Error(err))
	}
	a.Cart.Load(ctx)
	if err := a.Lifecycle.PageShow(ctx); err != nil {
		log.Warn("closing flag reset failed", zap.Error(err))
	}

	a.stops = append(a.stops, a.Cart.OnSignal(a.toastSignal))
	return a, nil
}

// Connect starts following the session identity on the real-time channel.
// Commands that never chat skip it.
func (a *App) Connect() {
	a.stops = append(a.stops, a.Hub.Watch(a.ctx, a.Auth))
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.log }

// SignalText returns the notice text and variant for a cart signal.
func SignalText(s cart.Signal) (string, notice.Variant) {
	switch s.Kind {
	case cart.SignalStockExceeded:
		return fmt.Sprintf("Not enough stock for %s", s.Name), notice.Warning
	case cart.SignalOutOfStock:
		return fmt.Sprintf("No stock available for %s", s.Name), notice.Danger
	case cart.SignalStockLimit:
		return fmt.Sprintf("Only %d units available", s.Limit), notice.Warning
	}
	return "", notice.Info
}

func (a *App) toastSignal(s cart.Signal) {
	text, v := SignalText(s)
	if text == "" {
		return
	}
	a.Toaster.Show(text, v)
}

// WarnOnce shows text as a warning the first time code comes up in this session.
func (a *App) WarnOnce(ctx context.Context, code, text string) {
	if _, err := notice.Once(ctx, a.Session, code, func() { a.Toaster.Show(text, notice.Warning) }); err != nil {
		a.log.Warn("notice flag failed", zap.String("code", code), zap.Error(err))
	}
}

// NewChat builds an unmounted engine for chatID on the shared channel.
func (a *App) NewChat(chatID string, nav chat.Navigator) *chat.Engine {
	return chat.New(chat.Config{
		ChatID:    chatID,
		JoinDelay: a.cfg.Chat.JoinDelay,
		Loader:    a.API,
		Channel:   a.Hub,
		Identity:  a.Auth,
		Navigator: nav,
		Notifier:  a.Toaster,
		Logger:    a.log.Named("chat"),
	})
}

// Unload runs the close sequence of the hosting session: the persisted cart
// is erased unless a resume intervenes.
func (a *App) Unload(ctx context.Context) error {
	if err := a.Lifecycle.BeforeUnload(ctx); err != nil {
		return fmt.Errorf("record closing intent: %w", err)
	}
	return a.Lifecycle.PageHide(ctx)
}

// Close stops background work and releases the stores.
func (a *App) Close() {
	a.once.Do(func() {
		for i := len(a.stops) - 1; i >= 0; i-- {
			a.stops[i]()
		}
		a.cancel()
		a.Hub.Close()
		a.Cart.Close()
		a.Auth.Close()
		a.Toaster.Close()
		a.closeStore()
	})
}
