// Package cart holds the client-side shopping cart.
package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
	"github.com/and161185/techstore/internal/pubsub"
	"github.com/and161185/techstore/internal/storage"
)

// SignalKind classifies a user-facing cart notice.
type SignalKind int

const (
	// SignalStockExceeded fires when an add hits the line's stock ceiling.
	SignalStockExceeded SignalKind = iota + 1
	// SignalOutOfStock fires when a new product has no stock.
	SignalOutOfStock
	// SignalStockLimit fires when SetQuantity clamps to the ceiling.
	SignalStockLimit
)

// Signal is emitted to OnSignal listeners after the state change (if any) is applied.
type Signal struct {
	Kind   SignalKind
	ItemID string
	Name   string
	Limit  int
}

// State is the published view of the cart.
type State struct {
	Lines []model.CartLine
	Total decimal.Decimal
	Count int
}

// CheckoutSnapshot freezes the cart for the payment screens.
type CheckoutSnapshot struct {
	Lines      []model.CartLine
	Total      decimal.Decimal
	Count      int
	CapturedAt time.Time
}

// Manager owns the cart lines. Every mutation is persisted to the durable
// store before it returns; persistence failures are logged, not returned.
type Manager struct {
	mu      sync.Mutex
	lines   []model.CartLine
	store   storage.Store
	log     *zap.Logger
	signals pubsub.Listeners[Signal]
	topic   *pubsub.Topic[State]
}

// NewManager creates an empty cart persisted to store. Call Load to restore.
func NewManager(store storage.Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, log: log, topic: pubsub.NewTopic[State]()}
}

// Load restores the persisted snapshot. Absent or malformed data yields an empty cart.
func (m *Manager) Load(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lines = nil
	raw, ok, err := m.store.Get(ctx, storage.CartKey)
	switch {
	case err != nil:
		m.log.Warn("cart load failed", zap.Error(err))
	case ok:
		var lines []model.CartLine
		if err := json.Unmarshal([]byte(raw), &lines); err != nil {
			m.log.Warn("cart snapshot malformed, starting empty", zap.Error(err))
		} else {
			m.lines = normalize(lines)
		}
	}
	m.publishLocked()
}

// normalize drops lines that break the cart invariants.
func normalize(in []model.CartLine) []model.CartLine {
	out := make([]model.CartLine, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, l := range in {
		if l.ID == "" || l.Quantity < 1 || l.Stock < 1 {
			continue
		}
		if _, dup := seen[l.ID]; dup {
			continue
		}
		seen[l.ID] = struct{}{}
		l.Quantity = min(l.Quantity, l.Stock)
		out = append(out, l)
	}
	return out
}

// Validate checks an add-to-cart candidate.
func Validate(p model.Product) error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty product id", errs.ErrInvalidInput)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: negative price", errs.ErrInvalidInput)
	}
	return nil
}

// Add puts one unit of p into the cart. The stock ceiling of an existing
// line is the one captured when the line was created.
func (m *Manager) Add(ctx context.Context, p model.Product) error {
	if err := Validate(p); err != nil {
		return err
	}

	m.mu.Lock()
	var sig *Signal
	var err error
	if i := m.index(p.ID); i >= 0 {
		l := &m.lines[i]
		if l.Quantity >= l.Stock {
			sig = &Signal{Kind: SignalStockExceeded, ItemID: p.ID, Name: p.Name, Limit: l.Stock}
			err = fmt.Errorf("%w: %s", errs.ErrStockExceeded, p.Name)
		} else {
			l.Quantity++
		}
	} else if p.Stock < 1 {
		sig = &Signal{Kind: SignalOutOfStock, ItemID: p.ID, Name: p.Name}
		err = fmt.Errorf("%w: %s", errs.ErrOutOfStock, p.Name)
	} else {
		m.lines = append(m.lines, model.CartLine{Product: p, Quantity: 1})
	}
	if err == nil {
		m.persistLocked(ctx)
		m.publishLocked()
	}
	m.mu.Unlock()

	if sig != nil {
		m.signals.Emit(*sig)
	}
	return err
}

// Remove deletes the line for id. Removing an absent id changes nothing.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(id)
	if i < 0 {
		return
	}
	m.lines = slices.Delete(m.lines, i, i+1)
	m.persistLocked(ctx)
	m.publishLocked()
}

// SetQuantity sets the line quantity, clamped to its stock ceiling.
// n < 1 removes the line; unknown ids are ignored.
func (m *Manager) SetQuantity(ctx context.Context, id string, n int) {
	if n < 1 {
		m.Remove(ctx, id)
		return
	}

	m.mu.Lock()
	i := m.index(id)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	l := &m.lines[i]
	var sig *Signal
	if n > l.Stock {
		sig = &Signal{Kind: SignalStockLimit, ItemID: id, Name: l.Name, Limit: l.Stock}
		n = l.Stock
	}
	l.Quantity = n
	m.persistLocked(ctx)
	m.publishLocked()
	m.mu.Unlock()

	if sig != nil {
		m.signals.Emit(*sig)
	}
}

// Clear empties the cart and removes the persisted snapshot.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
	if err := m.store.Delete(ctx, storage.CartKey); err != nil {
		m.log.Warn("cart erase failed", zap.Error(err))
	}
	m.publishLocked()
}

// ErasePersisted removes the durable snapshot without touching in-memory lines.
func (m *Manager) ErasePersisted(ctx context.Context) error {
	return m.store.Delete(ctx, storage.CartKey)
}

// QuantityOf returns the quantity for id, 0 if absent.
func (m *Manager) QuantityOf(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(id); i >= 0 {
		return m.lines[i].Quantity
	}
	return 0
}

// StockOf returns the stock ceiling for id, 0 if absent.
func (m *Manager) StockOf(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(id); i >= 0 {
		return m.lines[i].Stock
	}
	return 0
}

// Items returns a copy of the lines in insertion order.
func (m *Manager) Items() []model.CartLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.lines)
}

// Total is the sum of line subtotals.
func (m *Manager) Total() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return total(m.lines)
}

// Count is the sum of line quantities.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return count(m.lines)
}

// Snapshot captures the cart for checkout.
func (m *Manager) Snapshot() CheckoutSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CheckoutSnapshot{
		Lines:      slices.Clone(m.lines),
		Total:      total(m.lines),
		Count:      count(m.lines),
		CapturedAt: time.Now(),
	}
}

// Subscribe streams the cart state after every change.
func (m *Manager) Subscribe() (<-chan State, func()) { return m.topic.Subscribe() }

// OnSignal registers fn for stock notices and returns a cancel func.
func (m *Manager) OnSignal(fn func(Signal)) func() { return m.signals.Add(fn) }

// Close ends all subscriptions.
func (m *Manager) Close() { m.topic.Close() }

func (m *Manager) index(id string) int {
	return slices.IndexFunc(m.lines, func(l model.CartLine) bool { return l.ID == id })
}

func (m *Manager) persistLocked(ctx context.Context) {
	lines := m.lines
	if lines == nil {
		lines = []model.CartLine{}
	}
	b, err := json.Marshal(lines)
	if err != nil {
		m.log.Error("cart encode failed", zap.Error(err))
		return
	}
	if err := m.store.Set(ctx, storage.CartKey, string(b)); err != nil {
		m.log.Warn("cart persist failed", zap.Error(err))
	}
}

func (m *Manager) publishLocked() {
	m.topic.Publish(State{Lines: slices.Clone(m.lines), Total: total(m.lines), Count: count(m.lines)})
}

func total(lines []model.CartLine) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.Subtotal())
	}
	return sum
}

func count(lines []model.CartLine) int {
	n := 0
	for _, l := range lines {
		n += l.Quantity
	}
	return n
}
