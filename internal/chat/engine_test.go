package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/techstore/internal/api"
	"github.com/and161185/techstore/internal/errs"
	"github.com/and161185/techstore/internal/model"
	"github.com/and161185/techstore/internal/notice"
	"github.com/and161185/techstore/internal/realtime"
)

const testChat = "0123456789abcdef01234567"

type emitted struct {
	event   string
	payload any
	ack     realtime.AckFunc
}

type fakeChannel struct {
	mu        sync.Mutex
	connected bool
	emitErr   error
	next      int
	handlers  map[string]map[int]func(json.RawMessage)
	emits     []emitted
}

func newFakeChannel(connected bool) *fakeChannel {
	return &fakeChannel{connected: connected, handlers: map[string]map[int]func(json.RawMessage){}}
}

func (f *fakeChannel) On(event string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[event] == nil {
		f.handlers[event] = map[int]func(json.RawMessage){}
	}
	id := f.next
	f.next++
	f.handlers[event][id] = fn
	return func() {
		f.mu.Lock()
		delete(f.handlers[event], id)
		f.mu.Unlock()
	}
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Emit(event string, payload any, ack realtime.AckFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload, ack: ack})
	return nil
}

func (f *fakeChannel) fire(event string, v any) {
	var data json.RawMessage
	if v != nil {
		data, _ = json.Marshal(v)
	}
	f.mu.Lock()
	var fns []func(json.RawMessage)
	for _, fn := range f.handlers[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeChannel) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
	if v {
		f.fire(realtime.EventConnect, nil)
	} else {
		f.fire(realtime.EventDisconnect, nil)
	}
}

func (f *fakeChannel) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.handlers {
		n += len(m)
	}
	return n
}

func (f *fakeChannel) sent(event string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

type fakeLoader struct {
	mu      sync.Mutex
	calls   int
	history []model.ChatMessage
	info    model.ChatInfo
	err     error
}

func (f *fakeLoader) ChatMessages(context.Context, string) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.history, f.err
}

func (f *fakeLoader) ChatInfo(context.Context, string) (model.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.info, f.err
}

type fakeIdentity struct{ user *model.User }

func (f fakeIdentity) CurrentUser() (model.User, bool) {
	if f.user == nil {
		return model.User{}, false
	}
	return *f.user, true
}

type fakeNav struct {
	mu    sync.Mutex
	paths []string
}

func (n *fakeNav) Redirect(p string) {
	n.mu.Lock()
	n.paths = append(n.paths, p)
	n.mu.Unlock()
}

type fakeNotifier struct {
	mu    sync.Mutex
	shown []notice.Notice
}

func (n *fakeNotifier) Show(text string, v notice.Variant) notice.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	nt := notice.Notice{Text: text, Variant: v}
	n.shown = append(n.shown, nt)
	return nt
}

type rig struct {
	eng    *Engine
	ch     *fakeChannel
	loader *fakeLoader
	nav    *fakeNav
	notes  *fakeNotifier
}

var (
	me     = model.User{ID: "buyer-1", Name: "Ana", Image: "ana.png"}
	seller = model.Participant{ID: "seller-1", Name: "Sam", Avatar: "sam.png"}
	info   = model.ChatInfo{
		Product:      model.ChatProduct{ID: "p1", Name: "GPU"},
		Participants: model.Participants{Buyer: model.Participant{ID: me.ID, Name: me.Name}, Seller: seller},
	}
)

func newRig(t *testing.T, chatID string, connected bool) *rig {
	t.Helper()
	r := &rig{
		ch:     newFakeChannel(connected),
		loader: &fakeLoader{info: info, history: []model.ChatMessage{{ID: "h1", ChatID: testChat, Sender: model.SenderRef{ID: seller.ID}, Content: "hello"}}},
		nav:    &fakeNav{},
		notes:  &fakeNotifier{},
	}
	r.eng = New(Config{
		ChatID:    chatID,
		JoinDelay: 5 * time.Millisecond,
		Loader:    r.loader,
		Channel:   r.ch,
		Identity:  fakeIdentity{user: &me},
		Navigator: r.nav,
		Notifier:  r.notes,
	})
	return r
}

func mounted(t *testing.T) *rig {
	t.Helper()
	r := newRig(t, testChat, true)
	require.NoError(t, r.eng.Mount(context.Background()))
	require.Eventually(t, func() bool { return r.eng.Snapshot().State == Joined }, time.Second, time.Millisecond)
	return r
}

func (r *rig) messages() []model.ChatMessage { return r.eng.Snapshot().Messages }

func provisionals(msgs []model.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		if m.Provisional {
			n++
		}
	}
	return n
}

func TestChatIDs(t *testing.T) {
	require.True(t, ValidChatID(testChat))
	require.True(t, ValidChatID("ABCDEF0123456789abcdef01"))
	require.False(t, ValidChatID("not-a-valid-id"))
	require.False(t, ValidChatID(testChat+"0"))
	require.False(t, ValidChatID(""))

	id, ok := ChatIDFromPath("/chat/" + testChat)
	require.True(t, ok)
	require.Equal(t, testChat, id)
	_, ok = ChatIDFromPath("/chats")
	require.False(t, ok)
	_, ok = ChatIDFromPath("/chat/a/b")
	require.False(t, ok)
}

func TestMount_InvalidIDRedirectsWithoutFetch(t *testing.T) {
	id, _ := ChatIDFromPath("/chat/not-a-valid-id")
	r := newRig(t, id, true)

	err := r.eng.Mount(context.Background())
	require.ErrorIs(t, err, errs.ErrInvalidChatID)
	require.Equal(t, []string{ListPath}, r.nav.paths)
	require.Zero(t, r.loader.calls)
	require.Zero(t, r.ch.listenerCount())
	require.Empty(t, r.ch.emits)

	views, _ := r.eng.Subscribe()
	_, open := <-views
	require.False(t, open, "a rejected view publishes nothing more")
}

func TestMount_LoadFailureNotifiesAndRedirects(t *testing.T) {
	r := newRig(t, testChat, true)
	r.loader.err = &api.StatusError{Code: 500, Message: "db down"}

	err := r.eng.Mount(context.Background())
	require.ErrorIs(t, err, errs.ErrHistoryLoad)
	require.Equal(t, []string{ListPath}, r.nav.paths)
	require.Len(t, r.notes.shown, 1)
	require.Equal(t, "db down", r.notes.shown[0].Text)
	require.Equal(t, notice.Danger, r.notes.shown[0].Variant)
	require.Zero(t, r.ch.listenerCount())

	v := r.eng.Snapshot()
	require.Equal(t, Left, v.State)
	require.ErrorIs(t, v.Err, errs.ErrHistoryLoad)
}

func TestMount_GenericLoadErrorText(t *testing.T) {
	r := newRig(t, testChat, false)
	r.loader.err = errors.New("dial tcp: refused")
	require.ErrorIs(t, r.eng.Mount(context.Background()), errs.ErrHistoryLoad)
	require.Equal(t, "Error loading chat", r.notes.shown[0].Text)
}

func TestMount_JoinsAfterDelay(t *testing.T) {
	r := newRig(t, testChat, true)
	require.NoError(t, r.eng.Mount(context.Background()))

	v := r.eng.Snapshot()
	require.False(t, v.Loading)
	require.Equal(t, "GPU", v.Info.Product.Name)
	require.Len(t, v.Messages, 1)

	require.Eventually(t, func() bool { return r.eng.Snapshot().State == Joined }, time.Second, time.Millisecond)
	joins := r.ch.sent(realtime.EventJoinChat)
	require.Len(t, joins, 1)
	require.Equal(t, testChat, joins[0].payload)
	require.True(t, r.eng.Snapshot().Ready)
}

func TestUnmount_CancelsPendingJoin(t *testing.T) {
	r := newRig(t, testChat, true)
	r.eng.joinDelay = 50 * time.Millisecond
	require.NoError(t, r.eng.Mount(context.Background()))
	require.Equal(t, Joining, r.eng.Snapshot().State)

	r.eng.Unmount()
	r.eng.Unmount()
	time.Sleep(80 * time.Millisecond)

	require.Empty(t, r.ch.sent(realtime.EventJoinChat))
	v := r.eng.Snapshot()
	require.Equal(t, Left, v.State)
	require.Empty(t, v.Messages)
	require.Zero(t, r.ch.listenerCount())
}

func TestDisconnectAndRecover(t *testing.T) {
	r := mounted(t)
	require.NoError(t, r.eng.Send(context.Background(), "first"))

	r.ch.setConnected(false)
	v := r.eng.Snapshot()
	require.Equal(t, Disconnected, v.State)
	require.False(t, v.Ready)
	require.Len(t, v.Messages, 2, "history survives a drop")

	r.ch.setConnected(true)
	require.Equal(t, Joining, r.eng.Snapshot().State)
	require.Eventually(t, func() bool { return r.eng.Snapshot().State == Joined }, time.Second, time.Millisecond)
	require.Len(t, r.ch.sent(realtime.EventJoinChat), 2)
}

func TestSend_DisconnectedIsNoop(t *testing.T) {
	r := newRig(t, testChat, false)
	require.NoError(t, r.eng.Mount(context.Background()))

	err := r.eng.Send(context.Background(), "hi")
	require.ErrorIs(t, err, errs.ErrNotConnected)
	require.Len(t, r.messages(), 1)
	require.Empty(t, r.ch.emits)
}

func TestSend_Rejections(t *testing.T) {
	r := mounted(t)
	ctx := context.Background()

	require.ErrorIs(t, r.eng.Send(ctx, "   "), errs.ErrSendRejected)

	r.eng.ident = fakeIdentity{}
	require.ErrorIs(t, r.eng.Send(ctx, "hi"), errs.ErrSendRejected)

	r.eng.ident = fakeIdentity{user: &me}
	r.eng.Unmount()
	require.ErrorIs(t, r.eng.Send(ctx, "hi"), errs.ErrSendRejected)
	require.Empty(t, r.ch.sent(realtime.EventSendMessage))
}

func TestSend_AppendsProvisionalAndEmits(t *testing.T) {
	r := mounted(t)
	require.NoError(t, r.eng.Send(context.Background(), "is it new?"))

	msgs := r.messages()
	require.Len(t, msgs, 2)
	tmp := msgs[1]
	require.True(t, tmp.Provisional)
	require.True(t, IsProvisionalID(tmp.ID))
	require.Equal(t, me.ID, tmp.Sender.ID)
	require.Equal(t, ProvisionalPrefix+tmp.ClientID, tmp.ID)

	sends := r.ch.sent(realtime.EventSendMessage)
	require.Len(t, sends, 1)
	p := sends[0].payload.(realtime.SendPayload)
	require.Equal(t, realtime.SendPayload{ChatID: testChat, Content: "is it new?", ClientID: tmp.ClientID}, p)
}

func TestSend_AckFailureRetractsOnlyThatMessage(t *testing.T) {
	r := mounted(t)
	ctx := context.Background()
	require.NoError(t, r.eng.Send(ctx, "one"))
	require.NoError(t, r.eng.Send(ctx, "two"))
	sends := r.ch.sent(realtime.EventSendMessage)
	first := r.messages()[1]

	sends[0].ack(realtime.Ack{Status: realtime.StatusError, Error: "nope"}, nil)

	msgs := r.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "h1", msgs[0].ID)
	require.Equal(t, "two", msgs[1].Content)
	for _, m := range msgs {
		require.NotEqual(t, first.ID, m.ID)
	}
	require.Equal(t, notice.Danger, r.notes.shown[0].Variant)
}

func TestSend_DropBeforeAckRetracts(t *testing.T) {
	r := mounted(t)
	require.NoError(t, r.eng.Send(context.Background(), "lost"))
	r.ch.sent(realtime.EventSendMessage)[0].ack(realtime.Ack{}, errs.ErrNotConnected)
	require.Zero(t, provisionals(r.messages()))
}

func TestSend_EmitErrorRetracts(t *testing.T) {
	r := mounted(t)
	r.ch.emitErr = errs.ErrNotConnected
	err := r.eng.Send(context.Background(), "x")
	require.ErrorIs(t, err, errs.ErrSendFailed)
	require.Len(t, r.messages(), 1)
}

func TestSend_AckWithMessageConfirms(t *testing.T) {
	r := mounted(t)
	require.NoError(t, r.eng.Send(context.Background(), "hi"))
	tmp := r.messages()[1]

	saved := model.ChatMessage{ID: "m1", ChatID: testChat, Sender: model.SenderRef{ID: me.ID}, Content: "hi", ClientID: tmp.ClientID}
	r.ch.sent(realtime.EventSendMessage)[0].ack(realtime.Ack{Status: realtime.StatusOK, Message: &saved}, nil)

	msgs := r.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "m1", msgs[1].ID)
	require.False(t, msgs[1].Provisional)
}

func TestReconciliation_EitherOrder(t *testing.T) {
	orders := map[string][]string{
		"received first":  {realtime.EventReceiveMessage, realtime.EventMessageSent},
		"persisted first": {realtime.EventMessageSent, realtime.EventReceiveMessage},
	}
	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			r := mounted(t)
			require.NoError(t, r.eng.Send(context.Background(), "ping"))
			tmp := r.messages()[1]
			saved := model.ChatMessage{ID: "m1", ChatID: testChat, Sender: model.SenderRef{ID: me.ID}, Content: "ping", ClientID: tmp.ClientID}

			for _, ev := range order {
				r.ch.fire(ev, saved)
			}
			r.ch.sent(realtime.EventSendMessage)[0].ack(realtime.Ack{Status: realtime.StatusOK, Message: &saved}, nil)

			msgs := r.messages()
			require.Len(t, msgs, 2)
			require.Equal(t, "m1", msgs[1].ID)
			require.Zero(t, provisionals(msgs))
		})
	}
}

func TestReconciliation_FallbackWithoutClientID(t *testing.T) {
	r := mounted(t)
	ctx := context.Background()
	require.NoError(t, r.eng.Send(ctx, "same"))
	require.NoError(t, r.eng.Send(ctx, "same"))

	r.ch.fire(realtime.EventMessageSent, model.ChatMessage{ID: "m1", ChatID: testChat, Sender: model.SenderRef{ID: me.ID}, Content: "same"})
	msgs := r.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "m1", msgs[1].ID)
	require.True(t, msgs[2].Provisional)

	r.ch.fire(realtime.EventReceiveMessage, model.ChatMessage{ID: "m2", ChatID: testChat, Sender: model.SenderRef{ID: me.ID}, Content: "same"})
	msgs = r.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "m2", msgs[2].ID)
	require.Zero(t, provisionals(msgs))
}

func TestReconciliation_DuplicateWithoutClientIDKeepsPendingSend(t *testing.T) {
	r := mounted(t)
	ctx := context.Background()
	require.NoError(t, r.eng.Send(ctx, "same"))
	require.NoError(t, r.eng.Send(ctx, "same"))

	saved := model.ChatMessage{ID: "m1", ChatID: testChat, Sender: model.SenderRef{ID: me.ID}, Content: "same"}
	r.ch.fire(realtime.EventMessageSent, saved)
	r.ch.fire(realtime.EventReceiveMessage, saved)

	msgs := r.messages()
	require.Len(t, msgs, 3)
	require.Equal(t, "m1", msgs[1].ID)
	require.True(t, msgs[2].Provisional, "the second send is still waiting for its ack")

	r.ch.sent(realtime.EventSendMessage)[1].ack(realtime.Ack{Status: realtime.StatusError, Error: "nope"}, nil)
	require.Len(t, r.messages(), 2)
	require.Len(t, r.notes.shown, 1)
	require.Equal(t, "Message not sent", r.notes.shown[0].Text)
}

func TestReconciliation_IdenticalTextUsesCorrelationID(t *testing.T) {
	r := mounted(t)
	ctx := context.Background()
	require.NoError(t, r.eng.Send(ctx, "ok"))
	require.NoError(t, r.eng.Send(ctx, "ok"))
	second := r.messages()[2]

	r.ch.fire(realtime.EventMessageSent, model.ChatMessage{ID: "m2", ChatID: testChat, Sender: model.SenderRef{ID: me.ID}, Content: "ok", ClientID: second.ClientID})
	msgs := r.messages()
	require.True(t, msgs[1].Provisional)
	require.Equal(t, "m2", msgs[2].ID)
}

func TestIncomingFromOtherParticipant(t *testing.T) {
	r := mounted(t)
	require.NoError(t, r.eng.Send(context.Background(), "mine"))

	r.ch.fire(realtime.EventReceiveMessage, model.ChatMessage{ID: "s1", ChatID: testChat, Sender: model.SenderRef{ID: seller.ID}, Content: "theirs"})
	r.ch.fire(realtime.EventReceiveMessage, model.ChatMessage{ID: "s1", ChatID: testChat, Sender: model.SenderRef{ID: seller.ID}, Content: "theirs"})
	r.ch.fire(realtime.EventReceiveMessage, model.ChatMessage{ID: "x1", ChatID: "ffffffffffffffffffffffff", Content: "elsewhere"})
	r.ch.fire(realtime.EventReceiveMessage, "garbage")

	msgs := r.messages()
	require.Len(t, msgs, 3)
	require.True(t, msgs[1].Provisional, "a foreign message leaves our provisional alone")
	require.Equal(t, "s1", msgs[2].ID)
}

func TestLiveMessagesDuringLoadAreKept(t *testing.T) {
	r := newRig(t, testChat, false)
	r.loader.history = []model.ChatMessage{{ID: "h1", ChatID: testChat, Content: "old"}}

	block := make(chan struct{})
	loader := &blockingLoader{fakeLoader: r.loader, release: block, started: make(chan struct{})}
	r.eng.loader = loader
	done := make(chan error, 1)
	go func() { done <- r.eng.Mount(context.Background()) }()

	<-loader.started
	r.ch.fire(realtime.EventReceiveMessage, model.ChatMessage{ID: "h1", ChatID: testChat, Content: "old"})
	r.ch.fire(realtime.EventReceiveMessage, model.ChatMessage{ID: "n1", ChatID: testChat, Content: "new"})
	close(block)
	require.NoError(t, <-done)

	msgs := r.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "h1", msgs[0].ID)
	require.Equal(t, "n1", msgs[1].ID)
}

type blockingLoader struct {
	*fakeLoader
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingLoader) ChatMessages(ctx context.Context, id string) ([]model.ChatMessage, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.fakeLoader.ChatMessages(ctx, id)
}

func TestSubscribe_StreamsAndClosesOnUnmount(t *testing.T) {
	r := newRig(t, testChat, false)
	ch, cancel := r.eng.Subscribe()
	defer cancel()
	require.NoError(t, r.eng.Mount(context.Background()))
	r.eng.Unmount()

	var last View
	for v := range ch {
		last = v
	}
	require.Equal(t, Left, last.State)
}

func TestResolve(t *testing.T) {
	r := mounted(t)

	own := r.eng.Resolve(model.ChatMessage{Sender: model.SenderRef{ID: me.ID}})
	require.Equal(t, Sender{Name: OwnSender, Avatar: "ana.png", Own: true}, own)

	s := r.eng.Resolve(model.ChatMessage{Sender: model.SenderRef{ID: seller.ID}})
	require.Equal(t, Sender{Name: "Sam", Avatar: "sam.png"}, s)

	unknown := r.eng.Resolve(model.ChatMessage{Sender: model.SenderRef{ID: "ghost"}})
	require.Equal(t, Sender{Name: UnknownSender, Avatar: DefaultAvatar}, unknown)

	empty := r.eng.Resolve(model.ChatMessage{})
	require.Equal(t, Sender{Name: UnknownSender, Avatar: DefaultAvatar}, empty)

	emb := r.eng.Resolve(model.ChatMessage{Sender: model.SenderRef{ID: "x", Name: "Zoe", Embedded: true}})
	require.Equal(t, Sender{Name: "Zoe", Avatar: DefaultAvatar}, emb)
}

func TestResolveSender_NoInfo(t *testing.T) {
	s := ResolveSender(model.ChatMessage{Sender: model.SenderRef{ID: seller.ID}}, nil, nil)
	require.Equal(t, UnknownSender, s.Name)
}

func TestOther(t *testing.T) {
	require.Equal(t, seller.ID, Other(info.Participants, me.ID).ID)
	require.Equal(t, me.ID, Other(info.Participants, seller.ID).ID)
}
