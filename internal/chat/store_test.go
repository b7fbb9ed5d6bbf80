package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"mentorchat/internal/bus"
)

// fakeAPI is a scriptable REST collaborator. Responses are keyed by
// "METHOD path" (plus "?query" when one is sent) and hold raw JSON.
type fakeAPI struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		responses: make(map[string]string),
		errs:      make(map[string]error),
	}
}

func (f *fakeAPI) roundTrip(method, path string, query url.Values, out any) error {
	key := method + " " + path
	if len(query) > 0 {
		key += "?" + query.Encode()
	}
	f.mu.Lock()
	f.calls = append(f.calls, key)
	err := f.errs[key]
	body := f.responses[key]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if out != nil && body != "" {
		return json.Unmarshal([]byte(body), out)
	}
	return nil
}

func (f *fakeAPI) Get(_ context.Context, path string, query url.Values, out any) error {
	return f.roundTrip("GET", path, query, out)
}

func (f *fakeAPI) Post(_ context.Context, path string, _, out any) error {
	return f.roundTrip("POST", path, nil, out)
}

func (f *fakeAPI) Delete(_ context.Context, path string, out any) error {
	return f.roundTrip("DELETE", path, nil, out)
}

func (f *fakeAPI) called(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == key {
			return true
		}
	}
	return false
}

// fakeChannels records connect/disconnect/send traffic. Tests flip the open
// map to simulate an established live channel.
type fakeChannels struct {
	mu              sync.Mutex
	open            map[int64]bool
	connectCalls    []int64
	disconnectCalls []int64
	disconnectAll   int
	sent            []OutboundFrame
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{open: make(map[int64]bool)}
}

func (f *fakeChannels) Connect(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls = append(f.connectCalls, id)
}

func (f *fakeChannels) Disconnect(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls = append(f.disconnectCalls, id)
	delete(f.open, id)
}

func (f *fakeChannels) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectAll++
	f.open = make(map[int64]bool)
}

func (f *fakeChannels) IsConnected(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[id]
}

func (f *fakeChannels) Send(id int64, frame any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open[id] {
		return false
	}
	f.sent = append(f.sent, frame.(OutboundFrame))
	return true
}

func (f *fakeChannels) connectedTo(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.connectCalls {
		if c == id {
			return true
		}
	}
	return false
}

const selfID = 1

func newTestStore(api *fakeAPI, ch *fakeChannels) *Store {
	return NewStore(api, ch, bus.New(), nil, selfID, 50)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func messageJSON(id int64, conv int64, sender int64, content, createdAt string) string {
	return fmt.Sprintf(`{"id":%d,"conversation":%d,"sender":{"id":%d,"name":"u%d"},"content":%q,"created_at":%q}`,
		id, conv, sender, sender, content, createdAt)
}

func TestLoadConversationsReplacesList(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[
		{"id":1,"conversation_type":"one_to_one","created_by":1,"unread_count":2},
		{"id":2,"conversation_type":"group","name":"algebra","created_by":3,"unread_count":0}
	]`
	s := newTestStore(api, newFakeChannels())

	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != 1 || convs[1].Type != Group {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
}

func TestLoadConversationsFailureClearsList(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":1,"conversation_type":"one_to_one"}]`
	s := newTestStore(api, newFakeChannels())
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.errs["GET /api/chat/conversations/"] = fmt.Errorf("network unreachable")
	api.mu.Unlock()

	if err := s.LoadConversations(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := s.Conversations(); len(got) != 0 {
		t.Errorf("list not cleared on failure: %+v", got)
	}
}

func TestCreateConversationValidation(t *testing.T) {
	api := newFakeAPI()
	s := newTestStore(api, newFakeChannels())

	tests := []struct {
		name string
		req  CreateConversationRequest
	}{
		{"one_to_one without other user", CreateConversationRequest{Type: OneToOne}},
		{"group without name", CreateConversationRequest{Type: Group, ParticipantIDs: []int64{2, 3}}},
		{"group without participants", CreateConversationRequest{Type: Group, Name: "study"}},
		{"unknown type", CreateConversationRequest{Type: "broadcast"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateConversation(context.Background(), tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if len(api.calls) != 0 {
		t.Errorf("invalid requests must not reach the API, got calls %v", api.calls)
	}
}

// Scenario: creating a one_to_one conversation prepends it to the list and
// opens its live channel.
func TestCreateConversationPrependsAndConnects(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":1,"conversation_type":"one_to_one"}]`
	api.responses["POST /api/chat/conversations/create/"] = `{"id":9,"conversation_type":"one_to_one","created_by":1,"participants":[{"id":1},{"id":42}]}`
	ch := newFakeChannels()
	s := newTestStore(api, ch)
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	other := int64(42)
	conv, err := s.CreateConversation(context.Background(), CreateConversationRequest{
		Type:        OneToOne,
		OtherUserID: &other,
	})
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != 9 {
		t.Fatalf("conv.ID = %d, want 9", conv.ID)
	}
	convs := s.Conversations()
	if len(convs) != 2 || convs[0].ID != 9 {
		t.Errorf("new conversation not prepended: %+v", convs)
	}
	if !ch.connectedTo(9) {
		t.Error("no connect attempt for new conversation")
	}
}

func TestCreateConversationReplacesExisting(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":1},{"id":9,"name":"old"}]`
	api.responses["POST /api/chat/conversations/create/"] = `{"id":9,"conversation_type":"group","name":"new","created_by":1}`
	s := newTestStore(api, newFakeChannels())
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	_, err := s.CreateConversation(context.Background(), CreateConversationRequest{
		Type:           Group,
		Name:           "new",
		ParticipantIDs: []int64{2, 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	convs := s.Conversations()
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2 (replace, not append)", len(convs))
	}
	if convs[1].ID != 9 || convs[1].Name != "new" {
		t.Errorf("existing conversation not replaced in place: %+v", convs[1])
	}
}

// Scenario: server returns newest-first with a total; the window ends up
// oldest-first with the cursor advanced.
func TestLoadMessagesReversesAndTracksCursor(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=0"] = fmt.Sprintf(
		`{"messages":[%s,%s,%s],"total":10}`,
		messageJSON(3, 7, 2, "three", "2024-05-01T10:02:00Z"),
		messageJSON(2, 7, 1, "two", "2024-05-01T10:01:00Z"),
		messageJSON(1, 7, 2, "one", "2024-05-01T10:00:00Z"),
	)
	ch := newFakeChannels()
	s := newTestStore(api, ch)

	if err := s.LoadMessages(context.Background(), 7, 50, 0); err != nil {
		t.Fatal(err)
	}

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []int64{1, 2, 3} {
		if msgs[i].ID != want {
			t.Errorf("window[%d].ID = %d, want %d", i, msgs[i].ID, want)
		}
	}
	// Strictly ascending timestamps.
	for i := 1; i < len(msgs); i++ {
		if !msgs[i].CreatedAt.After(msgs[i-1].CreatedAt) {
			t.Errorf("window not in ascending time order at %d", i)
		}
	}
	if s.ActiveConversation() != 7 {
		t.Errorf("active = %d, want 7", s.ActiveConversation())
	}
	if s.totalMessages != 10 || s.currentOffset != 3 {
		t.Errorf("cursor = (%d,%d), want (10,3)", s.totalMessages, s.currentOffset)
	}
	if !s.HasMoreMessages() {
		t.Error("HasMoreMessages() = false, want true")
	}
	if !ch.connectedTo(7) {
		t.Error("no connect attempt after load")
	}
}

func TestLoadMessagesBareArrayFallsBackToCount(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=0"] = fmt.Sprintf(
		`[%s,%s]`,
		messageJSON(2, 7, 2, "two", "2024-05-01T10:01:00Z"),
		messageJSON(1, 7, 2, "one", "2024-05-01T10:00:00Z"),
	)
	s := newTestStore(api, newFakeChannels())

	if err := s.LoadMessages(context.Background(), 7, 50, 0); err != nil {
		t.Fatal(err)
	}
	if s.totalMessages != 2 || s.currentOffset != 2 {
		t.Errorf("cursor = (%d,%d), want (2,2)", s.totalMessages, s.currentOffset)
	}
	if s.HasMoreMessages() {
		t.Error("HasMoreMessages() = true, want false")
	}
}

func TestLoadMessagesFailureKeepsWindow(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=0"] = fmt.Sprintf(
		`[%s]`, messageJSON(1, 7, 2, "one", "2024-05-01T10:00:00Z"))
	api.errs["GET /api/chat/conversations/8/messages/?limit=50&offset=0"] = fmt.Errorf("boom")
	s := newTestStore(api, newFakeChannels())

	if err := s.LoadMessages(context.Background(), 7, 50, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadMessages(context.Background(), 8, 50, 0); err == nil {
		t.Fatal("expected error")
	}
	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].ID != 1 {
		t.Errorf("window mutated on failed load: %+v", msgs)
	}
}

// Pagination never regresses and exhaustion returns 0 without error.
func TestLoadMoreMessagesPrependsUntilExhausted(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=0"] = fmt.Sprintf(
		`{"messages":[%s,%s],"total":4}`,
		messageJSON(4, 7, 2, "four", "2024-05-01T10:03:00Z"),
		messageJSON(3, 7, 2, "three", "2024-05-01T10:02:00Z"),
	)
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=2"] = fmt.Sprintf(
		`{"messages":[%s,%s],"total":4}`,
		messageJSON(2, 7, 2, "two", "2024-05-01T10:01:00Z"),
		messageJSON(1, 7, 2, "one", "2024-05-01T10:00:00Z"),
	)
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=4"] = `{"messages":[],"total":4}`
	s := newTestStore(api, newFakeChannels())

	if err := s.LoadMessages(context.Background(), 7, 50, 0); err != nil {
		t.Fatal(err)
	}
	added, err := s.LoadMoreMessages(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	msgs := s.Messages()
	for i, want := range []int64{1, 2, 3, 4} {
		if msgs[i].ID != want {
			t.Errorf("window[%d].ID = %d, want %d", i, msgs[i].ID, want)
		}
	}
	if s.currentOffset != 4 {
		t.Errorf("offset = %d, want 4", s.currentOffset)
	}

	// Exhausted: keeps returning 0, never errors, offset stays put.
	for i := 0; i < 2; i++ {
		added, err = s.LoadMoreMessages(context.Background(), 7)
		if err != nil {
			t.Fatal(err)
		}
		if added != 0 {
			t.Errorf("added = %d after exhaustion, want 0", added)
		}
	}
	if s.currentOffset != 4 {
		t.Errorf("offset regressed to %d", s.currentOffset)
	}
	if s.HasMoreMessages() {
		t.Error("HasMoreMessages() = true after exhaustion")
	}
}

func TestSendMessageLivePath(t *testing.T) {
	api := newFakeAPI()
	ch := newFakeChannels()
	ch.open[7] = true
	s := newTestStore(api, ch)

	msg, err := s.SendMessage(context.Background(), 7, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Errorf("live path returned a message: %+v", msg)
	}
	if len(ch.sent) != 1 || ch.sent[0].Type != "message" || ch.sent[0].Content != "hi" {
		t.Errorf("unexpected frames: %+v", ch.sent)
	}
	if len(api.calls) != 0 {
		t.Errorf("live path must not hit REST, got %v", api.calls)
	}
}

// Scenario: REST fallback marks the message undelivered/unread, appends it
// to the active window and refreshes the denormalized last_message.
func TestSendMessageRESTFallback(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":7,"conversation_type":"one_to_one"}]`
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=0"] = `{"messages":[],"total":0}`
	api.responses["POST /api/chat/conversations/7/messages/send/"] = messageJSON(99, 7, selfID, "hi", "2024-05-01T11:00:00Z")
	s := newTestStore(api, newFakeChannels())
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadMessages(context.Background(), 7, 50, 0); err != nil {
		t.Fatal(err)
	}

	msg, err := s.SendMessage(context.Background(), 7, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if msg == nil || msg.ID != 99 {
		t.Fatalf("msg = %+v, want id 99", msg)
	}
	if msg.IsDelivered == nil || *msg.IsDelivered || msg.IsRead == nil || *msg.IsRead {
		t.Errorf("flags = (%v,%v), want both false", msg.IsDelivered, msg.IsRead)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != 99 {
		t.Errorf("window = %+v, want [99]", msgs)
	}
	conv := s.Conversation(7)
	if conv.LastMessage == nil || conv.LastMessage.ID != 99 {
		t.Errorf("last_message not updated: %+v", conv.LastMessage)
	}
	if !conv.UpdatedAt.Equal(msg.CreatedAt) {
		t.Errorf("updated_at = %v, want %v", conv.UpdatedAt, msg.CreatedAt)
	}
}

func TestSendMessageRESTInactiveConversation(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":5},{"id":7}]`
	api.responses["GET /api/chat/conversations/5/messages/?limit=50&offset=0"] = `{"messages":[],"total":0}`
	api.responses["POST /api/chat/conversations/7/messages/send/"] = messageJSON(99, 7, selfID, "hi", "2024-05-01T11:00:00Z")
	s := newTestStore(api, newFakeChannels())
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadMessages(context.Background(), 5, 50, 0); err != nil {
		t.Fatal(err)
	}

	if _, err := s.SendMessage(context.Background(), 7, "hi"); err != nil {
		t.Fatal(err)
	}
	if msgs := s.Messages(); len(msgs) != 0 {
		t.Errorf("inactive conversation's send leaked into window: %+v", msgs)
	}
	if conv := s.Conversation(7); conv.LastMessage == nil || conv.LastMessage.ID != 99 {
		t.Error("last_message must update regardless of active status")
	}
}

func TestSendTyping(t *testing.T) {
	ch := newFakeChannels()
	ch.open[7] = true
	s := newTestStore(newFakeAPI(), ch)

	s.SendTyping(7, true)
	if len(ch.sent) != 1 || ch.sent[0].Type != "typing" || ch.sent[0].Typing == nil || !*ch.sent[0].Typing {
		t.Errorf("unexpected frames: %+v", ch.sent)
	}
}

func TestMarkAsReadBestEffort(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":7,"unread_count":4}]`
	api.errs["POST /api/chat/conversations/7/read/"] = fmt.Errorf("boom")
	s := newTestStore(api, newFakeChannels())
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Failure is swallowed and the local count stays.
	s.MarkAsRead(context.Background(), 7)
	if s.Conversation(7).UnreadCount != 4 {
		t.Error("unread count changed despite failed receipt")
	}

	api.mu.Lock()
	delete(api.errs, "POST /api/chat/conversations/7/read/")
	api.mu.Unlock()

	s.MarkAsRead(context.Background(), 7)
	if s.Conversation(7).UnreadCount != 0 {
		t.Error("unread count not zeroed after successful receipt")
	}
}

func TestDeleteConversation(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":7},{"id":8}]`
	api.responses["GET /api/chat/conversations/7/messages/?limit=50&offset=0"] = fmt.Sprintf(
		`[%s]`, messageJSON(1, 7, 2, "one", "2024-05-01T10:00:00Z"))
	ch := newFakeChannels()
	s := newTestStore(api, ch)
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.LoadMessages(context.Background(), 7, 50, 0); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConversation(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	if s.Conversation(7) != nil {
		t.Error("conversation still present after delete")
	}
	if s.ActiveConversation() != 0 || len(s.Messages()) != 0 {
		t.Error("active window not cleared after deleting active conversation")
	}
	if len(ch.disconnectCalls) != 1 || ch.disconnectCalls[0] != 7 {
		t.Errorf("disconnect calls = %v, want [7]", ch.disconnectCalls)
	}
}

func TestDeleteConversationFailureLeavesState(t *testing.T) {
	api := newFakeAPI()
	api.responses["GET /api/chat/conversations/"] = `[{"id":7}]`
	api.errs["DELETE /api/chat/conversations/7/"] = fmt.Errorf("boom")
	ch := newFakeChannels()
	s := newTestStore(api, ch)
	if err := s.LoadConversations(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConversation(context.Background(), 7); err == nil {
		t.Fatal("expected error")
	}
	if s.Conversation(7) == nil {
		t.Error("conversation removed despite failed delete")
	}
	if len(ch.disconnectCalls) != 0 {
		t.Error("channel disconnected despite failed delete")
	}
}
