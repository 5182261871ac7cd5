package service

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/events"
	"chatrelay/internal/ingest"
	"chatrelay/internal/presence"
	"chatrelay/internal/providers/whatsapp"
	"chatrelay/internal/store"
)

// fakeStore is an in-memory Store with the same conditional-update
// semantics as the real one.
type fakeStore struct {
	mu    sync.Mutex
	seq   int
	byID  map[string]domain.Message
	order []string

	failInsertExt map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]domain.Message), failInsertExt: make(map[string]error)}
}

func (f *fakeStore) InsertIfAbsent(_ context.Context, in store.MessageInsert) (domain.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failInsertExt[in.ExternalID]; ok {
		return domain.Message{}, false, err
	}
	if in.ExternalID != "" {
		for _, id := range f.order {
			if m := f.byID[id]; m.ExternalID == in.ExternalID {
				return m, false, nil
			}
		}
	}
	sentAt := in.SentAt
	m := domain.Message{
		ID:              in.ID,
		ExternalID:      in.ExternalID,
		SenderID:        in.SenderID,
		RecipientID:     in.RecipientID,
		ConversationKey: in.ConversationKey,
		Status:          in.Status,
		MessageType:     in.MessageType,
		Text:            in.Text,
		Media:           in.Media,
		ContactName:     in.ContactName,
		SentAt:          &sentAt,
		CreatedAt:       in.Now,
		UpdatedAt:       in.Now,
	}
	f.byID[m.ID] = m
	f.order = append(f.order, m.ID)
	return m, true, nil
}

func (f *fakeStore) FindByExternalID(_ context.Context, externalID string) (domain.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		if m := f.byID[id]; m.ExternalID == externalID {
			return m, true, nil
		}
	}
	return domain.Message{}, false, nil
}

func (f *fakeStore) FindConversation(_ context.Context, self, peer string, limit int, _ *time.Time) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := domain.ConversationKey(self, peer)
	var out []domain.Message
	for _, id := range f.order {
		if m := f.byID[id]; m.ConversationKey == key {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, in store.StatusUpdate) (domain.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[in.ID]
	if !ok {
		return domain.Message{}, false, nil
	}
	m.Status = in.Status
	if m.DeliveredAt == nil {
		m.DeliveredAt = in.DeliveredAt
	}
	if m.ReadAt == nil {
		m.ReadAt = in.ReadAt
	}
	m.UpdatedAt = in.Now
	f.byID[in.ID] = m
	return m, true, nil
}

func (f *fakeStore) MarkConversationRead(_ context.Context, self, peer string, now time.Time) (store.BulkReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, id := range f.order {
		m := f.byID[id]
		if m.SenderID == peer && m.RecipientID == self && m.Status != domain.StatusRead {
			ids = append(ids, m.Identifier())
			m.Status = domain.StatusRead
			if m.ReadAt == nil {
				t := now
				m.ReadAt = &t
			}
			m.UpdatedAt = now
			f.byID[id] = m
		}
	}
	return store.BulkReadResult{Identifiers: ids, Modified: int64(len(ids)), ReadAt: now}, nil
}

func (f *fakeStore) ListChatHeads(_ context.Context, self string) ([]store.ChatHead, error) {
	return nil, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

func (f *fakeStore) get(id string) domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

type published struct {
	identity string
	ev       events.Event
}

type recordingBus struct {
	mu   sync.Mutex
	sent []published
}

func (b *recordingBus) Publish(identity string, ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{identity: identity, ev: ev})
}

func (b *recordingBus) byType(t string) []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []published
	for _, p := range b.sent {
		if p.ev.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func (b *recordingBus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = nil
}

func newTestService() (*ChatService, *fakeStore, *recordingBus, *presence.Registry) {
	st := newFakeStore()
	bus := &recordingBus{}
	reg := presence.NewRegistry()
	seq := 0
	svc := &ChatService{
		Store:    st,
		Presence: reg,
		Bus:      bus,
		IDGen: func() string {
			seq++
			return "msg_" + strconv.Itoa(seq)
		},
	}
	return svc, st, bus, reg
}

func TestCreateMessageValidation(t *testing.T) {
	svc, st, _, _ := newTestService()
	_, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "  ",
	}, time.Now().UTC())
	if !errors.Is(err, domain.ErrMissingFields) {
		t.Fatalf("err = %v, want ErrMissingFields", err)
	}
	if st.count() != 0 {
		t.Fatalf("validation failure reached the store")
	}
}

func TestCreateMessageRecipientOffline(t *testing.T) {
	svc, _, bus, _ := newTestService()
	now := time.Now().UTC()

	msg, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi",
	}, now)
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.Status != domain.StatusSent {
		t.Fatalf("status = %s, want sent (recipient offline)", msg.Status)
	}
	if msg.SentAt == nil {
		t.Fatalf("sentAt not stamped")
	}

	if got := bus.byType(events.TypeMessageNew); len(got) != 2 {
		t.Fatalf("message:new published %d times, want 2 (both rooms)", len(got))
	}
	// offline recipient: sent ack goes to the sender only
	acks := bus.byType(events.TypeStatus)
	if len(acks) != 1 || acks[0].identity != "a" {
		t.Fatalf("sent ack = %+v, want exactly one to sender", acks)
	}
	if acks[0].ev.Status != domain.StatusSent {
		t.Fatalf("ack status = %s, want sent", acks[0].ev.Status)
	}
}

func TestCreateMessageRecipientOnline(t *testing.T) {
	svc, st, bus, reg := newTestService()
	reg.Identify("c1", "b")

	msg, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.Status != domain.StatusDelivered {
		t.Fatalf("status = %s, want delivered (recipient online, chat closed)", msg.Status)
	}
	if msg.DeliveredAt == nil {
		t.Fatalf("deliveredAt not stamped")
	}
	if msg.ReadAt != nil {
		t.Fatalf("readAt stamped without the chat open")
	}
	if st.get(msg.ID).Status != domain.StatusDelivered {
		t.Fatalf("stored status = %s, want delivered", st.get(msg.ID).Status)
	}

	changed := bus.byType(events.TypeStatus)
	if len(changed) != 2 {
		t.Fatalf("status event published %d times, want 2 (both parties)", len(changed))
	}
}

func TestCreateMessageConversationOpen(t *testing.T) {
	svc, _, bus, reg := newTestService()
	reg.OpenConversation("c1", "b", "a")

	msg, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.Status != domain.StatusRead {
		t.Fatalf("status = %s, want read (conversation open)", msg.Status)
	}
	if msg.ReadAt == nil {
		t.Fatalf("readAt not stamped")
	}
	if len(bus.byType(events.TypeStatus)) != 2 {
		t.Fatalf("status event not published to both parties")
	}
}

func TestCreateMessageOpenConversationBeatsOnline(t *testing.T) {
	svc, _, _, reg := newTestService()
	// one device merely online, another with the chat open
	reg.Identify("c1", "b")
	reg.OpenConversation("c2", "b", "a")

	msg, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if msg.Status != domain.StatusRead {
		t.Fatalf("status = %s, want read (open wins over online)", msg.Status)
	}
}

func TestCreateMessageIdempotentByExternalID(t *testing.T) {
	svc, st, bus, _ := newTestService()
	req := domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi", ExternalID: "wamid.1",
	}

	first, err := svc.CreateMessage(context.Background(), req, time.Now().UTC())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	bus.reset()

	second, err := svc.CreateMessage(context.Background(), req, time.Now().UTC())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate create stored a new message")
	}
	if st.count() != 1 {
		t.Fatalf("store holds %d messages, want 1", st.count())
	}
	if len(bus.sent) != 0 {
		t.Fatalf("duplicate create published %d events, want 0", len(bus.sent))
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	_, _, err := svc.UpdateStatus(context.Background(), domain.StatusUpdateRequest{
		ExternalID: "wamid.missing", Status: domain.StatusDelivered,
	}, time.Now().UTC())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateStatusBackwardIsNoOp(t *testing.T) {
	svc, st, bus, reg := newTestService()
	reg.OpenConversation("c1", "b", "a")

	msg, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi", ExternalID: "wamid.1",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Status != domain.StatusRead {
		t.Fatalf("precondition: status = %s, want read", msg.Status)
	}
	bus.reset()

	// an out-of-order delivered from upstream must not regress read
	got, modified, err := svc.UpdateStatus(context.Background(), domain.StatusUpdateRequest{
		ExternalID: "wamid.1", Status: domain.StatusDelivered,
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if modified {
		t.Fatalf("backward transition reported modified")
	}
	if got.Status != domain.StatusRead {
		t.Fatalf("returned status = %s, want read", got.Status)
	}
	if st.get(msg.ID).Status != domain.StatusRead {
		t.Fatalf("stored status regressed to %s", st.get(msg.ID).Status)
	}
	if len(bus.sent) != 0 {
		t.Fatalf("no-op transition published events")
	}
}

func TestUpdateStatusForward(t *testing.T) {
	svc, _, bus, _ := newTestService()
	_, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi", ExternalID: "wamid.1",
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bus.reset()

	got, modified, err := svc.UpdateStatus(context.Background(), domain.StatusUpdateRequest{
		ExternalID: "wamid.1", Status: domain.StatusDelivered,
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !modified || got.Status != domain.StatusDelivered || got.DeliveredAt == nil {
		t.Fatalf("delivered transition not applied: %+v", got)
	}
	if len(bus.byType(events.TypeStatus)) != 2 {
		t.Fatalf("status event not published to both parties")
	}
}

func TestMarkConversationReadExactSet(t *testing.T) {
	svc, st, bus, _ := newTestService()
	ctx := context.Background()
	now := time.Now().UTC()

	// two unread b->a, one a->b
	m1, _ := svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "b", RecipientID: "a", Text: "one", ExternalID: "w1"}, now)
	m2, _ := svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "b", RecipientID: "a", Text: "two"}, now)
	m3, _ := svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "a", RecipientID: "b", Text: "mine"}, now)
	bus.reset()

	res, err := svc.MarkConversationRead(ctx, "", "a", "b", now)
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if res.Modified != 2 {
		t.Fatalf("modified = %d, want 2", res.Modified)
	}
	wantIDs := map[string]bool{"w1": true, m2.ID: true}
	for _, id := range res.Identifiers {
		if !wantIDs[id] {
			t.Fatalf("unexpected identifier %q", id)
		}
	}

	if st.get(m1.ID).Status != domain.StatusRead || st.get(m2.ID).Status != domain.StatusRead {
		t.Fatalf("inbound messages not marked read")
	}
	if st.get(m3.ID).Status == domain.StatusRead {
		t.Fatalf("outbound message swept into bulk read")
	}

	bulk := bus.byType(events.TypeStatusBulk)
	if len(bulk) != 2 {
		t.Fatalf("bulk event published %d times, want 2 (both parties)", len(bulk))
	}
	if len(bulk[0].ev.IDs) != 2 {
		t.Fatalf("bulk event carries %d ids, want 2", len(bulk[0].ev.IDs))
	}
}

func TestMarkConversationReadEmptyIsSilent(t *testing.T) {
	svc, _, bus, _ := newTestService()
	res, err := svc.MarkConversationRead(context.Background(), "", "a", "b", time.Now().UTC())
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if res.Modified != 0 {
		t.Fatalf("modified = %d, want 0", res.Modified)
	}
	if len(bus.sent) != 0 {
		t.Fatalf("no-op open published events")
	}
}

func TestMarkConversationReadRecordsPresenceFirst(t *testing.T) {
	svc, _, _, reg := newTestService()
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.MarkConversationRead(ctx, "c9", "b", "a", now); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if !reg.IsConversationOpen("b", "a") {
		t.Fatalf("open conversation not recorded in the registry")
	}

	// a message sent while the chat is open is created directly as read
	msg, err := svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "a", RecipientID: "b", Text: "hi"}, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Status != domain.StatusRead {
		t.Fatalf("status = %s, want read", msg.Status)
	}
}

// Full walk of the offline -> online -> viewing sequence.
func TestSendWhileOfflineThenConnectThenOpen(t *testing.T) {
	svc, st, _, reg := newTestService()
	ctx := context.Background()
	now := time.Now().UTC()

	// B offline: message stays sent
	msg, err := svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "A", RecipientID: "B", Text: "hi"}, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg.Status != domain.StatusSent {
		t.Fatalf("status = %s, want sent", msg.Status)
	}

	// B connects: nothing changes retroactively
	reg.Identify("cB", "B")
	if st.get(msg.ID).Status != domain.StatusSent {
		t.Fatalf("identify retroactively changed status to %s", st.get(msg.ID).Status)
	}

	// B opens the conversation with A: the unread A->B message becomes read
	res, err := svc.MarkConversationRead(ctx, "cB", "B", "A", now.Add(time.Second))
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if res.Modified != 1 {
		t.Fatalf("modified = %d, want 1", res.Modified)
	}
	if st.get(msg.ID).Status != domain.StatusRead {
		t.Fatalf("status = %s after open, want read", st.get(msg.ID).Status)
	}

	// a fresh send while B is viewing is created directly as read
	msg2, err := svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "A", RecipientID: "B", Text: "again"}, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if msg2.Status != domain.StatusRead {
		t.Fatalf("status = %s, want read (conversation open)", msg2.Status)
	}
}

func TestConversationDirection(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()
	now := time.Now().UTC()

	svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "a", RecipientID: "b", Text: "out"}, now)
	svc.CreateMessage(ctx, domain.CreateMessageRequest{SenderID: "b", RecipientID: "a", Text: "in"}, now)

	msgs, err := svc.Conversation(ctx, "a", "b", 50, nil)
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Direction != "out" || msgs[1].Direction != "in" {
		t.Fatalf("directions = %s/%s, want out/in", msgs[0].Direction, msgs[1].Direction)
	}
}

// Replaying an identical provider batch must add nothing: creations dedup
// on the external id and the statuses it carries are already applied.
func TestIngestReplayIsIdempotent(t *testing.T) {
	svc, st, _, _ := newTestService()
	p := &ingest.Processor{Dispatch: svc}

	raw := `{
	  "metaData": {"entry": [{"changes": [
	    {"value": {
	      "metadata": {"display_phone_number": "918329446654"},
	      "contacts": [{"wa_id": "919937320320", "profile": {"name": "Ravi"}}],
	      "messages": [{"from": "919937320320", "id": "wamid.R1", "text": {"body": "hello"}}]
	    }},
	    {"value": {"statuses": [{"id": "wamid.R1", "status": "delivered"}]}}
	  ]}]}
	}`
	var payload whatsapp.Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	now := time.Now().UTC()

	first := p.ProcessBatch(context.Background(), payload, now)
	if first.Messages != 1 || first.Statuses != 1 || first.Failed != 0 {
		t.Fatalf("first pass = %+v", first)
	}
	if st.count() != 1 {
		t.Fatalf("store holds %d messages, want 1", st.count())
	}
	msg, found, _ := st.FindByExternalID(context.Background(), "wamid.R1")
	if !found || msg.Status != domain.StatusDelivered {
		t.Fatalf("after first pass: found=%v status=%s", found, msg.Status)
	}
	firstStamp := msg.DeliveredAt

	second := p.ProcessBatch(context.Background(), payload, now.Add(time.Minute))
	if second.Failed != 0 {
		t.Fatalf("replay failed records: %d", second.Failed)
	}
	if st.count() != 1 {
		t.Fatalf("replay created messages: store holds %d", st.count())
	}
	msg, _, _ = st.FindByExternalID(context.Background(), "wamid.R1")
	if msg.Status != domain.StatusDelivered {
		t.Fatalf("replay changed status to %s", msg.Status)
	}
	if firstStamp != nil && msg.DeliveredAt != nil && !msg.DeliveredAt.Equal(*firstStamp) {
		t.Fatalf("replay moved deliveredAt from %v to %v", firstStamp, msg.DeliveredAt)
	}
}

func TestCreateMessageStoreFailure(t *testing.T) {
	svc, st, bus, _ := newTestService()
	st.failInsertExt["wamid.bad"] = errors.New("connection refused")

	_, err := svc.CreateMessage(context.Background(), domain.CreateMessageRequest{
		SenderID: "a", RecipientID: "b", Text: "hi", ExternalID: "wamid.bad",
	}, time.Now().UTC())
	if err == nil {
		t.Fatalf("store failure not surfaced")
	}
	if len(bus.sent) != 0 {
		t.Fatalf("events published despite failed persistence")
	}
}
