package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/and161185/techstore/internal/cart"
	"github.com/and161185/techstore/internal/chat"
	"github.com/and161185/techstore/internal/config"
	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
	"github.com/and161185/techstore/internal/notice"
	"github.com/and161185/techstore/internal/storage"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		API:      config.APIConfig{URL: "http://127.0.0.1:1", Timeout: time.Second},
		Realtime: config.RealtimeConfig{URL: "ws://127.0.0.1:1/ws", ReconnectAttempts: 1, ReconnectDelay: 10 * time.Millisecond},
		Chat:     config.ChatConfig{JoinDelay: 10 * time.Millisecond},
		Storage:  config.StorageConfig{Driver: storage.DriverFile, Dir: dir, Namespace: "default"},
		Log:      config.LogConfig{Level: "info"},
	}
}

func product(id string, stock int) model.Product {
	return model.Product{ID: id, Name: "Item " + id, Price: decimal.RequireFromString("10.00"), Stock: stock}
}

type recordingNav struct{ paths []string }

func (n *recordingNav) Redirect(p string) { n.paths = append(n.paths, p) }

func TestSignalText(t *testing.T) {
	text, v := SignalText(cart.Signal{Kind: cart.SignalStockExceeded, Name: "Laptop"})
	require.Equal(t, "Not enough stock for Laptop", text)
	require.Equal(t, notice.Warning, v)

	text, v = SignalText(cart.Signal{Kind: cart.SignalOutOfStock, Name: "Mouse"})
	require.Equal(t, "No stock available for Mouse", text)
	require.Equal(t, notice.Danger, v)

	text, _ = SignalText(cart.Signal{Kind: cart.SignalStockLimit, Limit: 3})
	require.Equal(t, "Only 3 units available", text)

	text, _ = SignalText(cart.Signal{})
	require.Empty(t, text)
}

func TestApp_CartSignalsBecomeNotices(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t.TempDir()), nil)
	require.NoError(t, err)
	defer a.Close()

	require.ErrorIs(t, a.Cart.Add(ctx, product("p0", 0)), errs.ErrOutOfStock)
	require.NoError(t, a.Cart.Add(ctx, product("p1", 1)))
	require.ErrorIs(t, a.Cart.Add(ctx, product("p1", 1)), errs.ErrStockExceeded)

	active := a.Toaster.Active()
	require.Len(t, active, 2)
	require.Equal(t, "No stock available for Item p0", active[0].Text)
	require.Equal(t, notice.Danger, active[0].Variant)
	require.Equal(t, "Not enough stock for Item p1", active[1].Text)
}

func TestApp_CartSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Cart.Add(ctx, product("p1", 5)))
	require.NoError(t, a.Cart.Add(ctx, product("p1", 5)))
	a.Close()

	b, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, 2, b.Cart.QuantityOf("p1"))
}

func TestApp_UnloadErasesPersistedCart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())

	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Cart.Add(ctx, product("p1", 5)))
	require.NoError(t, a.Unload(ctx))
	require.Equal(t, 1, a.Cart.Count(), "in-memory lines stay until the process ends")
	a.Close()

	b, err := New(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	require.Zero(t, b.Cart.Count())
}

func TestApp_SharedSessionResumeKeepsCart(t *testing.T) {
	ctx := context.Background()
	durable := storage.NewMemoryStore()
	session := storage.NewMemoryStore()
	cfg := testConfig(t.TempDir())

	a, err := NewWithStores(ctx, cfg, durable, session, nil)
	require.NoError(t, err)
	require.NoError(t, a.Cart.Add(ctx, product("p1", 5)))
	require.NoError(t, a.Lifecycle.BeforeUnload(ctx))
	a.Close()

	// a new instance on the same session acts as the resume.
	b, err := NewWithStores(ctx, cfg, durable, session, nil)
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, cart.Active, b.Lifecycle.State(ctx))
	require.NoError(t, b.Lifecycle.PageHide(ctx))
	_, ok, _ := durable.Get(ctx, storage.CartKey)
	require.True(t, ok)
}

func TestApp_NewChatRejectsMalformedID(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t.TempDir()), nil)
	require.NoError(t, err)
	defer a.Close()
	a.Connect()

	nav := &recordingNav{}
	e := a.NewChat("not-an-id", nav)
	require.ErrorIs(t, e.Mount(ctx), errs.ErrInvalidChatID)
	require.Equal(t, []string{chat.ListPath}, nav.paths)
	require.Equal(t, chat.Left, e.Snapshot().State)
	require.False(t, a.Hub.State().Initialized, "anonymous sessions stay unbound")
}

func TestNew_BadStorage(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Storage.Driver = "sqlite"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestApp_WarnOnce(t *testing.T) {
	ctx := context.Background()
	a, err := NewWithStores(ctx, testConfig(t.TempDir()), storage.NewMemoryStore(), storage.NewMemoryStore(), nil)
	require.NoError(t, err)
	defer a.Close()

	a.WarnOnce(ctx, "login-required", "Please log in to continue")
	a.WarnOnce(ctx, "login-required", "Please log in to continue")
	require.Len(t, a.Toaster.Active(), 1)
	require.Equal(t, notice.Warning, a.Toaster.Active()[0].Variant)
}
