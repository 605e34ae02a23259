package updates

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sportlevel/messenger/internal/broker"
	"github.com/sportlevel/messenger/internal/broker/memory"
	"github.com/sportlevel/messenger/internal/counters"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/protocol"
	"github.com/sportlevel/messenger/internal/registry"
	"github.com/sportlevel/messenger/internal/storage"
	memstore "github.com/sportlevel/messenger/internal/storage/memory"
	"github.com/sportlevel/messenger/internal/transport"
)

type fixture struct {
	broker     *memory.Client
	store      *memstore.Store
	registry   *registry.Registry
	dispatcher *Dispatcher
	handlers   *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.New()
	st := memstore.New()
	reg := registry.New(b)
	d := NewDispatcher(b, reg, 8, 0)
	c := counters.New(b, st, time.Minute)
	return &fixture{
		broker:     b,
		store:      st,
		registry:   reg,
		dispatcher: d,
		handlers:   NewHandlers(st, c, reg, d, b),
	}
}

// connect registers a connection for the user and subscribes on its private
// channel so tests can observe dispatched frames.
func (f *fixture) connect(t *testing.T, userID int64) (*registry.Connection, broker.Subscription) {
	t.Helper()
	conn, err := f.registry.Register(context.Background(), userID, model.RoleScout, transport.NewPipe(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub, err := f.broker.Subscribe(context.Background(), conn.Channel())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return conn, sub
}

func (f *fixture) seedChat(t *testing.T, chatType model.ChatType, userIDs ...int64) model.Chat {
	t.Helper()
	chat := f.store.SeedChat(model.Chat{ChatType: chatType})
	for _, uid := range userIDs {
		f.store.SeedMembership(model.ChatMembership{
			ChatID:             chat.ID,
			UserID:             uid,
			Role:               model.RoleScout,
			HasWritePermission: true,
			HasReadPermission:  true,
			IsPrimary:          true,
		})
	}
	return chat
}

func (f *fixture) createMessage(t *testing.T, chatID int64, senderID *int64, content model.Content) model.Message {
	t.Helper()
	var msg model.Message
	err := f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		m, err := tx.Messages().Create(context.Background(), chatID, senderID, content, nil)
		if err != nil {
			return err
		}
		msg = *m
		return nil
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func receiveUpdate(t *testing.T, sub broker.Subscription) *protocol.ServerUpdate {
	t.Helper()
	select {
	case frame := <-sub.Messages():
		u, err := protocol.DecodeUpdate(frame)
		if err != nil {
			t.Fatalf("DecodeUpdate: %v", err)
		}
		return u
	case <-time.After(time.Second):
		t.Fatal("no frame within 1s")
		return nil
	}
}

func assertSilent(t *testing.T, sub broker.Subscription) {
	t.Helper()
	select {
	case frame := <-sub.Messages():
		t.Fatalf("unexpected frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessageSentFanout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat := f.seedChat(t, model.ChatTypePersonal, 1, 2)

	senderConn, senderSub := f.connect(t, 1)
	_, memberSub := f.connect(t, 2)

	sender := int64(1)
	msg := f.createMessage(t, chat.ID, &sender, model.NewTextContent("hello"))

	u := NewMessageSent(msg, senderConn.ID)
	if err := f.handlers.MessageSent(ctx, &u); err != nil {
		t.Fatalf("MessageSent: %v", err)
	}

	// The member receives the message and fresh counters.
	var gotMessage, gotCounters bool
	for i := 0; i < 2; i++ {
		upd := receiveUpdate(t, memberSub)
		switch upd.Type {
		case protocol.UpdateMessageReceived:
			gotMessage = true
			if upd.MessageReceived.Message.ID != msg.ID {
				t.Errorf("message id = %d, want %d", upd.MessageReceived.Message.ID, msg.ID)
			}
		case protocol.UpdateUnreadCounters:
			gotCounters = true
			if n := upd.UnreadCounters.ByChat[chat.ID]; n != 1 {
				t.Errorf("unread by chat = %d, want 1", n)
			}
			if upd.UnreadCounters.Total == nil || *upd.UnreadCounters.Total != 1 {
				t.Errorf("unread total = %v, want 1", upd.UnreadCounters.Total)
			}
		default:
			t.Errorf("unexpected update type %q", upd.Type)
		}
	}
	if !gotMessage || !gotCounters {
		t.Errorf("gotMessage=%v gotCounters=%v, want both", gotMessage, gotCounters)
	}

	// The originating connection hears nothing: it already has the message
	// through the synchronous confirmation.
	assertSilent(t, senderSub)

	// A push job was enqueued for the user-authored message.
	jobs, err := f.broker.Consume(ctx, PushStream, "test", "c1")
	if err != nil {
		t.Fatalf("consume push stream: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("push jobs = %d, want 1", len(jobs))
	}
	var job pushJob
	if err := json.Unmarshal(jobs[0].Payload, &job); err != nil {
		t.Fatalf("unmarshal push job: %v", err)
	}
	if job.MessageID != msg.ID || job.ChatID != chat.ID || job.SenderID != 1 {
		t.Errorf("push job = %+v", job)
	}
	if job.Preview != "hello" {
		t.Errorf("push preview = %q, want %q", job.Preview, "hello")
	}
}

func TestMessageSentSystemContentSkipsPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat := f.seedChat(t, model.ChatTypePersonal, 1, 2)
	f.connect(t, 2)

	content := model.Content{
		Type:      model.ContentTypeChatOpened,
		ChatEvent: &model.ChatEventContent{ChatID: chat.ID},
	}
	msg := f.createMessage(t, chat.ID, nil, content)

	u := NewMessageSent(msg, "")
	if err := f.handlers.MessageSent(ctx, &u); err != nil {
		t.Fatalf("MessageSent: %v", err)
	}

	// Sender is nil, so no push job may appear on the stream.
	consumeCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	jobs, err := f.broker.Consume(consumeCtx, PushStream, "test", "c1")
	if err == nil && len(jobs) != 0 {
		t.Fatalf("push jobs = %d, want 0", len(jobs))
	}
}

func TestDeliveryStatusFanout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat := f.seedChat(t, model.ChatTypePersonal, 1, 2)

	readerConn, _ := f.connect(t, 1)
	_, readerOtherSub := f.connect(t, 1)
	_, peerSub := f.connect(t, 2)

	p := DeliveryStatusChangedPayload{
		ChatID:         chat.ID,
		UserID:         1,
		MessageID:      10,
		Status:         model.DeliveryStatusRead,
		ForAll:         true,
		UpdatedForUser: 1,
		UpdatedForAll:  1,
	}
	u := NewDeliveryStatusChanged(p, readerConn.ID)
	if err := f.handlers.DeliveryStatusChanged(ctx, &u); err != nil {
		t.Fatalf("DeliveryStatusChanged: %v", err)
	}

	for name, sub := range map[string]broker.Subscription{"other device": readerOtherSub, "peer": peerSub} {
		upd := receiveUpdate(t, sub)
		if upd.Type != protocol.UpdateDeliveryStatusChanged {
			t.Fatalf("%s: update type = %q", name, upd.Type)
		}
		got := upd.DeliveryStatusChanged
		if got.ChatID != chat.ID || got.UserID != 1 || got.MessageID != 10 || !got.ForAll {
			t.Errorf("%s: payload = %+v", name, got)
		}
	}
}

func TestDeliveryStatusNoAggregateChangeStaysPrivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat := f.seedChat(t, model.ChatTypePersonal, 1, 2)

	readerConn, _ := f.connect(t, 1)
	_, peerSub := f.connect(t, 2)

	p := DeliveryStatusChangedPayload{
		ChatID:         chat.ID,
		UserID:         1,
		MessageID:      10,
		Status:         model.DeliveryStatusDelivered,
		ForAll:         false,
		UpdatedForUser: 1,
	}
	u := NewDeliveryStatusChanged(p, readerConn.ID)
	if err := f.handlers.DeliveryStatusChanged(ctx, &u); err != nil {
		t.Fatalf("DeliveryStatusChanged: %v", err)
	}
	assertSilent(t, peerSub)
}

func TestTypingExcludesAuthor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	chat := f.seedChat(t, model.ChatTypeMatch, 1, 2)

	authorConn, _ := f.connect(t, 1)
	_, authorOtherSub := f.connect(t, 1)
	_, peerSub := f.connect(t, 2)

	u := NewUserIsTyping(chat.ID, 1, authorConn.ID)
	if err := f.handlers.UserIsTyping(ctx, &u); err != nil {
		t.Fatalf("UserIsTyping: %v", err)
	}

	upd := receiveUpdate(t, peerSub)
	if upd.Type != protocol.UpdateUserIsTyping || upd.UserIsTyping.UserID != 1 {
		t.Errorf("peer update = %+v", upd)
	}
	// The author's other devices do not need their own typing indicator.
	assertSilent(t, authorOtherSub)
}

func TestPresenceFanoutToChatPeers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedChat(t, model.ChatTypePersonal, 1, 2)
	f.seedChat(t, model.ChatTypeMatch, 1, 3)

	_, ownSub := f.connect(t, 1)
	_, peerSub := f.connect(t, 2)
	_, otherPeerSub := f.connect(t, 3)
	_, strangerSub := f.connect(t, 4)

	u := NewPresenceChanged(1, "online")
	if err := f.handlers.PresenceChanged(ctx, &u); err != nil {
		t.Fatalf("PresenceChanged: %v", err)
	}

	for name, sub := range map[string]broker.Subscription{"peer": peerSub, "other peer": otherPeerSub} {
		upd := receiveUpdate(t, sub)
		if upd.Type != protocol.UpdatePresenceChanged || upd.PresenceChanged.UserID != 1 || upd.PresenceChanged.Status != "online" {
			t.Errorf("%s: update = %+v", name, upd)
		}
	}
	assertSilent(t, strangerSub)
	assertSilent(t, ownSub)
}

func TestTicketStatusTransitionPersistsAndFansOut(t *testing.T) {
	f := newFixture(t)
	chat := f.seedChat(t, model.ChatTypeTicket, 1, 2)
	ticket := f.store.SeedTicket(model.Ticket{ChatID: chat.ID, ReporterID: 1, Status: model.TicketStatusNew})

	_, sub := f.connect(t, 2)

	u := NewTicketStatusChanged(ticket.ID, model.TicketStatusInProgress, 7, model.RoleSupervisor)
	if err := f.handlers.TicketStatusChanged(context.Background(), &u); err != nil {
		t.Fatalf("TicketStatusChanged: %v", err)
	}

	got := receiveUpdate(t, sub)
	if got.Type != protocol.UpdateTicketStatusChanged {
		t.Fatalf("update type = %q, want ticket_status_changed", got.Type)
	}
	if got.TicketStatusChanged.Status != model.TicketStatusInProgress {
		t.Errorf("status = %q, want in_progress", got.TicketStatusChanged.Status)
	}

	err := f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		stored, err := tx.Tickets().ByID(context.Background(), ticket.ID)
		if err != nil {
			return err
		}
		if stored.Status != model.TicketStatusInProgress {
			t.Errorf("stored status = %q, want in_progress", stored.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ticket lookup: %v", err)
	}
}

func TestTicketStatusRejectedTransitionDoesNotFanOut(t *testing.T) {
	f := newFixture(t)
	chat := f.seedChat(t, model.ChatTypeTicket, 1, 2)
	ticket := f.store.SeedTicket(model.Ticket{ChatID: chat.ID, ReporterID: 1, Status: model.TicketStatusNew})

	_, sub := f.connect(t, 2)

	// Confirm straight from new skips the solve step entirely.
	u := NewTicketStatusChanged(ticket.ID, model.TicketStatusConfirmed, 1, model.RoleScout)
	if err := f.handlers.TicketStatusChanged(context.Background(), &u); err == nil {
		t.Fatal("expected a rejected transition error")
	}
	assertSilent(t, sub)

	err := f.store.WithTx(context.Background(), func(tx storage.Tx) error {
		stored, err := tx.Tickets().ByID(context.Background(), ticket.ID)
		if err != nil {
			return err
		}
		if stored.Status != model.TicketStatusNew {
			t.Errorf("stored status = %q, want new", stored.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ticket lookup: %v", err)
	}
}

func TestListenerRoutesThroughStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := memory.New()

	handled := make(chan *Update, 4)
	table := map[Type]HandlerEntry{
		TypeUserIsTyping: {
			Handle: func(_ context.Context, u *Update) error {
				handled <- u
				return nil
			},
			TimeSensitive: true,
		},
	}
	l := NewListener(b, "test-consumer", table, 0)
	go l.Run(ctx)

	pub := NewStreamPublisher(b)
	if err := pub.Publish(ctx, NewUserIsTyping(5, 7, "conn")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case u := <-handled:
		if u.UserIsTyping.ChatID != 5 || u.UserIsTyping.UserID != 7 {
			t.Errorf("payload = %+v", u.UserIsTyping)
		}
		if u.ConnectionID != "conn" {
			t.Errorf("connection id = %q", u.ConnectionID)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called within 1s")
	}
}

func TestListenerBadEntriesDoNotWedgeStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := memory.New()

	handled := make(chan Type, 4)
	table := map[Type]HandlerEntry{
		TypeMessageDeleted: {
			Handle: func(_ context.Context, u *Update) error {
				handled <- u.Type
				return errors.New("handler failed")
			},
		},
		TypeMatchStateChanged: {
			Handle: func(_ context.Context, u *Update) error {
				handled <- u.Type
				return nil
			},
		},
	}
	l := NewListener(b, "test-consumer", table, 0)
	go l.Run(ctx)

	// Malformed payload, unknown type, failing handler, then a good entry.
	if err := b.Append(ctx, Stream, []byte("{not json")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	unknown, _ := json.Marshal(Update{Type: "no_such_type", CreatedAt: time.Now().UnixMilli()})
	if err := b.Append(ctx, Stream, unknown); err != nil {
		t.Fatalf("Append: %v", err)
	}
	pub := NewStreamPublisher(b)
	if err := pub.Publish(ctx, NewMessageDeleted(1, 2, "")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := pub.Publish(ctx, NewMatchStateChanged(9, "live")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	want := []Type{TypeMessageDeleted, TypeMatchStateChanged}
	for _, typ := range want {
		select {
		case got := <-handled:
			if got != typ {
				t.Errorf("handled %q, want %q", got, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("handler for %q not called within 1s", typ)
		}
	}
}

func TestListenerDropsStaleTimeSensitive(t *testing.T) {
	b := memory.New()

	handled := make(chan Type, 4)
	handler := func(_ context.Context, u *Update) error {
		handled <- u.Type
		return nil
	}
	table := map[Type]HandlerEntry{
		TypeUserIsTyping:   {Handle: handler, TimeSensitive: true},
		TypeMessageDeleted: {Handle: handler},
	}
	l := NewListener(b, "test-consumer", table, time.Second)

	stale := NewUserIsTyping(1, 2, "")
	stale.CreatedAt = time.Now().Add(-time.Minute).UnixMilli()
	payload, _ := json.Marshal(stale)
	l.process(context.Background(), broker.StreamMessage{ID: "1", Payload: payload})

	// Durable updates are never age-dropped.
	staleDurable := NewMessageDeleted(1, 2, "")
	staleDurable.CreatedAt = time.Now().Add(-time.Minute).UnixMilli()
	payload, _ = json.Marshal(staleDurable)
	l.process(context.Background(), broker.StreamMessage{ID: "2", Payload: payload})

	fresh := NewUserIsTyping(1, 2, "")
	payload, _ = json.Marshal(fresh)
	l.process(context.Background(), broker.StreamMessage{ID: "3", Payload: payload})

	want := []Type{TypeMessageDeleted, TypeUserIsTyping}
	for _, typ := range want {
		select {
		case got := <-handled:
			if got != typ {
				t.Errorf("handled %q, want %q", got, typ)
			}
		default:
			t.Fatalf("handler for %q not called", typ)
		}
	}
	select {
	case got := <-handled:
		t.Errorf("extra handled update %q, stale time-sensitive should be dropped", got)
	default:
	}
}

func TestDispatcherRemovesStaleRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Live connection with a subscriber, plus a record whose owning process
	// never subscribed (crashed before cleanup).
	liveConn, liveSub := f.connect(t, 1)
	deadConn, err := f.registry.Register(ctx, 1, model.RoleScout, transport.NewPipe(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	refs, err := f.registry.ResolveConnections(ctx, []int64{1})
	if err != nil {
		t.Fatalf("ResolveConnections: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("resolved %d refs, want 2", len(refs))
	}

	frame, err := protocol.EncodeUpdate(&protocol.ServerUpdate{
		Type:         protocol.UpdateUserIsTyping,
		UserIsTyping: &protocol.UserIsTypingUpdate{ChatID: 1, UserID: 2},
	})
	if err != nil {
		t.Fatalf("EncodeUpdate: %v", err)
	}
	f.dispatcher.Dispatch(ctx, refs, frame)

	if got := receiveUpdate(t, liveSub); got.Type != protocol.UpdateUserIsTyping {
		t.Errorf("live connection got %q", got.Type)
	}

	// The dead record was pruned; only the live connection resolves now.
	refs, err = f.registry.ResolveConnections(ctx, []int64{1})
	if err != nil {
		t.Fatalf("ResolveConnections: %v", err)
	}
	if len(refs) != 1 || refs[0].ConnectionID != liveConn.ID {
		t.Errorf("refs after dispatch = %+v, want only %s", refs, liveConn.ID)
	}
	for _, ref := range refs {
		if ref.ConnectionID == deadConn.ID {
			t.Error("stale record survived dispatch")
		}
	}
	if f.dispatcher.Pending() != 0 {
		t.Errorf("pending = %d after Dispatch returned", f.dispatcher.Pending())
	}
}
