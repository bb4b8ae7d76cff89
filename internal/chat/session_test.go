package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zapcamp/internal/gateway"
	"zapcamp/pkg/zapcamp"
)

type fakeSessionGateway struct {
	mu      sync.Mutex
	history []gateway.MessageRecord
	findErr error

	receipt *gateway.SendReceipt
	sendErr error
	sends   []string
	// sendGate, when set, blocks SendText until the channel is closed.
	sendGate chan struct{}

	validNumbers []string
	checkErr     error
}

func (f *fakeSessionGateway) FindMessages(_ context.Context, _, _ string, _, _ int) ([]gateway.MessageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.history, nil
}

func (f *fakeSessionGateway) SendText(_ context.Context, _, number, text string) (*gateway.SendReceipt, error) {
	if f.sendGate != nil {
		<-f.sendGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, number+":"+text)
	return f.receipt, nil
}

func (f *fakeSessionGateway) CheckNumbers(_ context.Context, _ string, numbers []string) ([]string, error) {
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.validNumbers != nil {
		return f.validNumbers, nil
	}
	return numbers, nil
}

type fakeMessageStore struct {
	mu       sync.Mutex
	cached   []zapcamp.Message
	loadErr  error
	upserted []zapcamp.Message
	touched  []int64
}

func (f *fakeMessageStore) UpsertMessage(_, _ string, message zapcamp.Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, message)
	return true, nil
}

func (f *fakeMessageStore) MessagesByConversation(_, _, _ string) ([]zapcamp.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.cached, nil
}

func (f *fakeMessageStore) TouchContact(_, _, _ string, timestamp int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, timestamp)
	return nil
}

func (f *fakeMessageStore) upsertedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.upserted))
	for _, message := range f.upserted {
		ids = append(ids, message.ID)
	}
	return ids
}

// quiet session options: the poll interval is long enough that no cycle
// fires during a test.
func testSessionOptions(extra ...SessionOption) []SessionOption {
	options := []SessionOption{
		WithSessionLogger(discardLogger()),
		WithSessionPollInterval(time.Hour),
	}
	return append(options, extra...)
}

func newOpenSession(t *testing.T, fake *fakeSessionGateway, store *fakeMessageStore, extra ...SessionOption) *Session {
	t.Helper()

	session, err := NewSession(fake, store, "user-1", "main", "5511", testSessionOptions(extra...)...)
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func TestSessionOpenMergesCacheAndRemote(t *testing.T) {
	t.Parallel()

	store := &fakeMessageStore{cached: []zapcamp.Message{
		{ID: "cached-1", ConversationKey: "5511@s.whatsapp.net", Text: "old", Timestamp: 1000, Status: zapcamp.StatusReceived},
	}}
	fake := &fakeSessionGateway{history: []gateway.MessageRecord{
		inboundRecord("cached-1", "5511@s.whatsapp.net", "old", 1),
		inboundRecord("remote-1", "5511@s.whatsapp.net", "new", 2),
	}}

	session := newOpenSession(t, fake, store)

	if got := session.State(); got != SessionReady {
		t.Fatalf("state = %s, want %s", got, SessionReady)
	}

	messages := session.Messages()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].ID != "cached-1" || messages[1].ID != "remote-1" {
		t.Fatalf("order = [%s %s], want [cached-1 remote-1]", messages[0].ID, messages[1].ID)
	}

	// Only the message missing from the cache is written back.
	if ids := store.upsertedIDs(); len(ids) != 1 || ids[0] != "remote-1" {
		t.Fatalf("persisted = %v, want [remote-1]", ids)
	}
	if session.LastSyncedAt().IsZero() {
		t.Fatal("last sync not recorded")
	}
}

func TestSessionOpenDegradesToCacheOnGatewayFailure(t *testing.T) {
	t.Parallel()

	store := &fakeMessageStore{cached: []zapcamp.Message{
		{ID: "cached-1", ConversationKey: "5511@s.whatsapp.net", Text: "old", Timestamp: 1000, Status: zapcamp.StatusReceived},
	}}
	fake := &fakeSessionGateway{findErr: zapcamp.ErrGatewayUnavailable}

	session := newOpenSession(t, fake, store)

	if got := session.State(); got != SessionReady {
		t.Fatalf("state = %s, want %s", got, SessionReady)
	}
	messages := session.Messages()
	if len(messages) != 1 || messages[0].ID != "cached-1" {
		t.Fatalf("messages = %+v, want cached history", messages)
	}
	if !session.LastSyncedAt().IsZero() {
		t.Fatal("last sync recorded despite gateway failure")
	}
}

func TestSessionOpenTwiceFails(t *testing.T) {
	t.Parallel()

	session := newOpenSession(t, &fakeSessionGateway{}, &fakeMessageStore{})

	if err := session.Open(context.Background()); err == nil {
		t.Fatal("second open succeeded")
	}

	session.Close()
	if err := session.Open(context.Background()); !errors.Is(err, zapcamp.ErrSessionClosed) {
		t.Fatalf("open after close error = %v, want ErrSessionClosed", err)
	}
}

func TestSessionMergeBatchDeduplicatesAndPersists(t *testing.T) {
	t.Parallel()

	store := &fakeMessageStore{}
	fake := &fakeSessionGateway{history: []gateway.MessageRecord{
		inboundRecord("m1", "5511@s.whatsapp.net", "oi", 1),
	}}

	var updates atomic.Int64
	session := newOpenSession(t, fake, store, WithOnUpdate(func() { updates.Add(1) }))
	updates.Store(0)

	session.mergeBatch(Batch{
		ConversationKey: "5511@s.whatsapp.net",
		Messages: []zapcamp.Message{
			{ID: "m1", ConversationKey: "5511@s.whatsapp.net", Text: "oi", Timestamp: 1000, Status: zapcamp.StatusReceived},
			{ID: "m2", ConversationKey: "5511@s.whatsapp.net", Text: "tudo bem", Timestamp: 2000, Status: zapcamp.StatusReceived},
		},
	})

	messages := session.Messages()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if ids := store.upsertedIDs(); len(ids) != 2 || ids[1] != "m2" {
		t.Fatalf("persisted = %v, want duplicate m1 skipped", ids)
	}
	if updates.Load() != 1 {
		t.Fatalf("update callbacks = %d, want 1", updates.Load())
	}
}

func TestSessionMergeBatchDiscardsStaleConversation(t *testing.T) {
	t.Parallel()

	store := &fakeMessageStore{}
	session := newOpenSession(t, &fakeSessionGateway{}, store)

	session.mergeBatch(Batch{
		ConversationKey: "other@s.whatsapp.net",
		Messages: []zapcamp.Message{
			{ID: "stale-1", ConversationKey: "other@s.whatsapp.net", Text: "oi", Timestamp: 1000},
		},
	})

	if messages := session.Messages(); len(messages) != 0 {
		t.Fatalf("stale batch reached the list: %+v", messages)
	}
	if ids := store.upsertedIDs(); len(ids) != 0 {
		t.Fatalf("stale batch persisted: %v", ids)
	}
}

func TestSessionSendConfirmsAndPersists(t *testing.T) {
	t.Parallel()

	store := &fakeMessageStore{}
	fake := &fakeSessionGateway{receipt: &gateway.SendReceipt{
		MessageID: "sent-1",
		RemoteJid: "5511@s.whatsapp.net",
		Status:    "PENDING",
	}}

	session := newOpenSession(t, fake, store)

	confirmed, err := session.Send(context.Background(), "oi")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if confirmed.ID != "sent-1" {
		t.Fatalf("confirmed id = %q, want sent-1", confirmed.ID)
	}
	if !confirmed.FromMe {
		t.Fatal("confirmed message not marked outbound")
	}
	if confirmed.Status != zapcamp.StatusSent {
		t.Fatalf("confirmed status = %s, want %s", confirmed.Status, zapcamp.StatusSent)
	}

	if got := session.State(); got != SessionReady {
		t.Fatalf("state = %s, want %s", got, SessionReady)
	}

	messages := session.Messages()
	if len(messages) != 1 || messages[0].ID != "sent-1" {
		t.Fatalf("messages = %+v, want the confirmed message only", messages)
	}

	if ids := store.upsertedIDs(); len(ids) != 1 || ids[0] != "sent-1" {
		t.Fatalf("persisted = %v, want [sent-1]", ids)
	}
	store.mu.Lock()
	touched := len(store.touched)
	store.mu.Unlock()
	if touched != 1 {
		t.Fatalf("contact touched %d times, want 1", touched)
	}

	fake.mu.Lock()
	sends := fake.sends
	fake.mu.Unlock()
	if len(sends) != 1 || sends[0] != "5511:oi" {
		t.Fatalf("gateway sends = %v, want [5511:oi]", sends)
	}
}

func TestSessionSendFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	store := &fakeMessageStore{}
	fake := &fakeSessionGateway{sendErr: zapcamp.ErrGatewayTimeout}

	session := newOpenSession(t, fake, store)

	if _, err := session.Send(context.Background(), "oi"); !errors.Is(err, zapcamp.ErrGatewayTimeout) {
		t.Fatalf("error = %v, want ErrGatewayTimeout", err)
	}

	if got := session.State(); got != SessionReady {
		t.Fatalf("state = %s, want %s after rollback", got, SessionReady)
	}
	if messages := session.Messages(); len(messages) != 0 {
		t.Fatalf("messages = %+v, want empty history after failed send", messages)
	}
	if ids := store.upsertedIDs(); len(ids) != 0 {
		t.Fatalf("persisted = %v, want nothing", ids)
	}
}

func TestSessionSendOnClosedSession(t *testing.T) {
	t.Parallel()

	session := newOpenSession(t, &fakeSessionGateway{}, &fakeMessageStore{})
	session.Close()

	if _, err := session.Send(context.Background(), "oi"); !errors.Is(err, zapcamp.ErrSessionClosed) {
		t.Fatalf("error = %v, want ErrSessionClosed", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	session := newOpenSession(t, &fakeSessionGateway{}, &fakeMessageStore{})
	session.Close()
	session.Close()

	if got := session.State(); got != SessionClosed {
		t.Fatalf("state = %s, want %s", got, SessionClosed)
	}
}

// gatedLoadStore stalls the cache load so a Close can land mid-Open.
type gatedLoadStore struct {
	fakeMessageStore
	loadStarted chan struct{}
	loadGate    chan struct{}
}

func (g *gatedLoadStore) MessagesByConversation(userID, instance, conversation string) ([]zapcamp.Message, error) {
	close(g.loadStarted)
	<-g.loadGate
	return g.fakeMessageStore.MessagesByConversation(userID, instance, conversation)
}

func waitForState(t *testing.T, session *Session, want SessionState) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for session.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", session.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSessionCloseDuringInFlightSendStaysClosed(t *testing.T) {
	t.Parallel()

	store := &fakeMessageStore{}
	fake := &fakeSessionGateway{
		receipt:  &gateway.SendReceipt{MessageID: "sent-1", Status: "PENDING"},
		sendGate: make(chan struct{}),
	}

	session := newOpenSession(t, fake, store)

	sendDone := make(chan error, 1)
	go func() {
		_, err := session.Send(context.Background(), "oi")
		sendDone <- err
	}()
	waitForState(t, session, SessionSending)

	session.Close()
	if got := session.State(); got != SessionClosed {
		t.Fatalf("state after close = %s, want %s", got, SessionClosed)
	}

	close(fake.sendGate)
	if err := <-sendDone; err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if got := session.State(); got != SessionClosed {
		t.Fatalf("state after in-flight send completed = %s, want %s", got, SessionClosed)
	}
	if messages := session.Messages(); len(messages) != 0 {
		t.Fatalf("messages on closed session = %+v, want none", messages)
	}
	if ids := store.upsertedIDs(); len(ids) != 1 || ids[0] != "sent-1" {
		t.Fatalf("persisted = %v, want [sent-1]", ids)
	}
}

func TestSessionCloseDuringOpenAbortsOpen(t *testing.T) {
	t.Parallel()

	store := &gatedLoadStore{
		loadStarted: make(chan struct{}),
		loadGate:    make(chan struct{}),
	}
	session, err := NewSession(&fakeSessionGateway{}, store, "user-1", "main", "5511", testSessionOptions()...)
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}

	openDone := make(chan error, 1)
	go func() {
		openDone <- session.Open(context.Background())
	}()
	<-store.loadStarted

	closeDone := make(chan struct{})
	go func() {
		session.Close()
		close(closeDone)
	}()
	waitForState(t, session, SessionClosed)

	close(store.loadGate)
	if err := <-openDone; !errors.Is(err, zapcamp.ErrSessionClosed) {
		t.Fatalf("open error = %v, want ErrSessionClosed", err)
	}
	<-closeDone

	if got := session.State(); got != SessionClosed {
		t.Fatalf("state = %s, want %s", got, SessionClosed)
	}
}

func TestManagerOpenReplacesPreviousSession(t *testing.T) {
	t.Parallel()

	fake := &fakeSessionGateway{}
	manager, err := NewManager(fake, &fakeMessageStore{},
		WithManagerLogger(discardLogger()),
		WithSessionOptions(WithSessionPollInterval(time.Hour)),
	)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	defer manager.CloseAll()

	first, err := manager.OpenConversation(context.Background(), "user-1", "main", "5511")
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	second, err := manager.OpenConversation(context.Background(), "user-1", "main", "5522")
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}

	if got := first.State(); got != SessionClosed {
		t.Fatalf("previous session state = %s, want %s", got, SessionClosed)
	}

	active, err := manager.ActiveSession("user-1")
	if err != nil {
		t.Fatalf("active session failed: %v", err)
	}
	if active != second {
		t.Fatal("active session is not the newest one")
	}
	if active.ConversationKey() != "5522@s.whatsapp.net" {
		t.Fatalf("active conversation = %s, want 5522@s.whatsapp.net", active.ConversationKey())
	}
}

func TestManagerRejectsInvalidNumber(t *testing.T) {
	t.Parallel()

	fake := &fakeSessionGateway{validNumbers: []string{"5522"}}
	manager, err := NewManager(fake, &fakeMessageStore{},
		WithManagerLogger(discardLogger()),
		WithNumberChecker(fake),
		WithSessionOptions(WithSessionPollInterval(time.Hour)),
	)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	defer manager.CloseAll()

	if _, err := manager.OpenConversation(context.Background(), "user-1", "main", "5511"); !errors.Is(err, zapcamp.ErrInvalidNumber) {
		t.Fatalf("error = %v, want ErrInvalidNumber", err)
	}
	if _, err := manager.ActiveSession("user-1"); !errors.Is(err, zapcamp.ErrSessionNotFound) {
		t.Fatalf("active session error = %v, want ErrSessionNotFound", err)
	}
}

func TestManagerOpensWhenNumberCheckUnavailable(t *testing.T) {
	t.Parallel()

	fake := &fakeSessionGateway{checkErr: zapcamp.ErrGatewayUnavailable}
	manager, err := NewManager(fake, &fakeMessageStore{},
		WithManagerLogger(discardLogger()),
		WithNumberChecker(fake),
		WithSessionOptions(WithSessionPollInterval(time.Hour)),
	)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}
	defer manager.CloseAll()

	session, err := manager.OpenConversation(context.Background(), "user-1", "main", "5511")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if got := session.State(); got != SessionReady {
		t.Fatalf("state = %s, want %s", got, SessionReady)
	}
}

func TestManagerCloseConversation(t *testing.T) {
	t.Parallel()

	manager, err := NewManager(&fakeSessionGateway{}, &fakeMessageStore{},
		WithManagerLogger(discardLogger()),
		WithSessionOptions(WithSessionPollInterval(time.Hour)),
	)
	if err != nil {
		t.Fatalf("new manager failed: %v", err)
	}

	session, err := manager.OpenConversation(context.Background(), "user-1", "main", "5511")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := manager.CloseConversation("user-1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := session.State(); got != SessionClosed {
		t.Fatalf("state = %s, want %s", got, SessionClosed)
	}
	if err := manager.CloseConversation("user-1"); !errors.Is(err, zapcamp.ErrSessionNotFound) {
		t.Fatalf("second close error = %v, want ErrSessionNotFound", err)
	}
}
