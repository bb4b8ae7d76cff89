package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"zapcamp/internal/gateway"
	"zapcamp/pkg/zapcamp"
)

const defaultHistoryLimit = 100

// SessionState is the lifecycle state of a chat session.
type SessionState string

const (
	SessionIdle         SessionState = "IDLE"
	SessionLoadingCache SessionState = "LOADING_CACHE"
	SessionReconciling  SessionState = "RECONCILING_REMOTE"
	SessionReady        SessionState = "READY"
	SessionSending      SessionState = "SENDING"
	SessionPolling      SessionState = "POLLING"
	SessionClosed       SessionState = "CLOSED"
)

// TextSender sends one plain-text message through the gateway.
type TextSender interface {
	SendText(ctx context.Context, instanceName, number, text string) (*gateway.SendReceipt, error)
}

// SessionGateway is the gateway surface a chat session needs.
type SessionGateway interface {
	MessageFetcher
	TextSender
}

// MessageStore is the store surface a chat session needs.
type MessageStore interface {
	UpsertMessage(userID, instanceName string, message zapcamp.Message) (bool, error)
	MessagesByConversation(userID, instanceName, conversationKey string) ([]zapcamp.Message, error)
	TouchContact(userID, instanceName, conversationKey string, timestamp int64) error
}

// SessionOption mutates session configuration.
type SessionOption func(*sessionConfig)

// WithSessionLogger configures structured logging for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(cfg *sessionConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithHistoryLimit configures how many records the initial reconciliation
// requests from the gateway.
func WithHistoryLimit(limit int) SessionOption {
	return func(cfg *sessionConfig) {
		if limit > 0 {
			cfg.historyLimit = limit
		}
	}
}

// WithSessionPollInterval configures the live-poll cadence.
func WithSessionPollInterval(interval time.Duration) SessionOption {
	return func(cfg *sessionConfig) {
		if interval > 0 {
			cfg.pollInterval = interval
		}
	}
}

// WithOnUpdate configures a callback fired after the message list
// changed. The callback runs outside the session lock.
func WithOnUpdate(onUpdate func()) SessionOption {
	return func(cfg *sessionConfig) {
		cfg.onUpdate = onUpdate
	}
}

type sessionConfig struct {
	logger       *slog.Logger
	historyLimit int
	pollInterval time.Duration
	onUpdate     func()
}

// Session owns one open conversation: the in-memory message list, its
// reconciliation against gateway history, the live poller, and the
// two-phase send path.
//
// All list mutations are serialized by the session mutex; reconciliation,
// poll merges, and send appends never interleave their read-modify-write
// of the list even though the surrounding gateway and store I/O runs
// outside the lock.
type Session struct {
	cfg     sessionConfig
	gateway SessionGateway
	store   MessageStore

	userID          string
	instanceName    string
	contactNumber   string
	conversationKey string

	mu       sync.Mutex
	state    SessionState
	messages []zapcamp.Message
	seen     map[string]struct{}
	lastSync time.Time

	poller      *Poller
	pollCancel  context.CancelFunc
	consumeDone chan struct{}

	now func() time.Time
}

// NewSession creates a session for one conversation. Call Open to load
// history and start polling.
func NewSession(
	sessionGateway SessionGateway,
	messageStore MessageStore,
	userID, instanceName, contactNumber string,
	options ...SessionOption,
) (*Session, error) {
	if sessionGateway == nil {
		return nil, fmt.Errorf("new session: nil gateway")
	}
	if messageStore == nil {
		return nil, fmt.Errorf("new session: nil store")
	}
	if userID == "" || instanceName == "" || contactNumber == "" {
		return nil, fmt.Errorf("new session: user, instance, and contact number are required")
	}

	cfg := sessionConfig{
		logger:       slog.New(slog.NewJSONHandler(io.Discard, nil)),
		historyLimit: defaultHistoryLimit,
		pollInterval: defaultPollInterval,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Session{
		cfg:             cfg,
		gateway:         sessionGateway,
		store:           messageStore,
		userID:          userID,
		instanceName:    instanceName,
		contactNumber:   contactNumber,
		conversationKey: zapcamp.ConversationKeyFromNumber(contactNumber),
		state:           SessionIdle,
		seen:            make(map[string]struct{}),
		consumeDone:     make(chan struct{}),
		now:             time.Now,
	}, nil
}

// ConversationKey returns the full remote JID of the conversation.
func (s *Session) ConversationKey() string {
	return s.conversationKey
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns a copy of the current in-memory message list in
// chronological order.
func (s *Session) Messages() []zapcamp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]zapcamp.Message, len(s.messages))
	copy(copied, s.messages)
	return copied
}

// LastSyncedAt returns when the list last changed from gateway data,
// zero before the first successful reconciliation. Callers use it as a
// staleness indicator when polling degrades.
func (s *Session) LastSyncedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSync
}

// Open loads cached history, reconciles it against the gateway, and
// starts the live poller. A gateway failure degrades to cached history;
// only a session reused after Close fails.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionIdle {
		state := s.state
		s.mu.Unlock()
		if state == SessionClosed {
			return fmt.Errorf("open session: %w", zapcamp.ErrSessionClosed)
		}
		return fmt.Errorf("open session: already open")
	}
	s.state = SessionLoadingCache
	s.mu.Unlock()

	cached, err := s.store.MessagesByConversation(s.userID, s.instanceName, s.conversationKey)
	if err != nil {
		s.cfg.logger.Warn("load cached history failed",
			"conversation", s.conversationKey,
			"error", err,
		)
		cached = nil
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		close(s.consumeDone)
		return fmt.Errorf("open session: %w", zapcamp.ErrSessionClosed)
	}
	for _, message := range cached {
		s.appendLocked(message)
	}
	s.state = SessionReconciling
	s.mu.Unlock()

	records, err := s.gateway.FindMessages(ctx, s.instanceName, s.conversationKey, 1, s.cfg.historyLimit)
	if err != nil {
		s.cfg.logger.Warn("history reconciliation failed, serving cached messages",
			"conversation", s.conversationKey,
			"error", err,
		)
	} else {
		s.reconcile(gateway.MapMessageRecords(records))
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		close(s.consumeDone)
		return fmt.Errorf("open session: %w", zapcamp.ErrSessionClosed)
	}
	s.state = SessionReady
	s.mu.Unlock()

	s.startPolling()
	return nil
}

// reconcile merges remote history into the list and persists it. Cached
// messages absent from the remote page are kept.
func (s *Session) reconcile(remote []zapcamp.Message) {
	admitted := make([]zapcamp.Message, 0, len(remote))

	s.mu.Lock()
	for _, message := range remote {
		if message.ConversationKey != s.conversationKey {
			continue
		}
		if s.appendLocked(message) {
			admitted = append(admitted, message)
		}
	}
	s.lastSync = s.now()
	s.mu.Unlock()

	for _, message := range admitted {
		if _, err := s.store.UpsertMessage(s.userID, s.instanceName, message); err != nil {
			s.cfg.logger.Warn("persist reconciled message failed",
				"message", message.StorageKey(),
				"error", err,
			)
		}
	}

	if len(admitted) > 0 {
		s.notify()
	}
}

func (s *Session) startPolling() {
	pollCtx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel

	poller, err := NewPoller(s.gateway, s.instanceName, s.conversationKey,
		WithPollInterval(s.cfg.pollInterval),
		WithPollPageSize(s.cfg.historyLimit),
		WithPollerLogger(s.cfg.logger),
	)
	if err != nil {
		// Construction only fails on empty identifiers, which NewSession
		// already rejected.
		s.cfg.logger.Error("start poller failed", "error", err)
		close(s.consumeDone)
		return
	}
	s.poller = poller
	s.poller.Start(pollCtx)

	go func() {
		defer close(s.consumeDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case batch := <-s.poller.Batches():
				s.mergeBatch(batch)
			}
		}
	}()
}

// mergeBatch splices one poll cycle into the list. Batches for a different
// conversation are stale deliveries from a superseded poller and are
// discarded before touching the list.
func (s *Session) mergeBatch(batch Batch) {
	if batch.ConversationKey != s.conversationKey {
		s.cfg.logger.Debug("discarding stale poll batch",
			"got", batch.ConversationKey,
			"want", s.conversationKey,
		)
		return
	}

	admitted := make([]zapcamp.Message, 0, len(batch.Messages))

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	previous := s.state
	if previous == SessionReady {
		s.state = SessionPolling
	}
	for _, message := range batch.Messages {
		if s.appendLocked(message) {
			admitted = append(admitted, message)
		}
	}
	s.lastSync = s.now()
	if s.state == SessionPolling {
		s.state = previous
	}
	s.mu.Unlock()

	for _, message := range admitted {
		if _, err := s.store.UpsertMessage(s.userID, s.instanceName, message); err != nil {
			s.cfg.logger.Warn("persist polled message failed",
				"message", message.StorageKey(),
				"error", err,
			)
		}
	}

	if len(admitted) > 0 {
		s.notify()
	}
}

// appendLocked admits one message into the list when its storage identity
// was not seen before. Caller holds the session lock.
func (s *Session) appendLocked(message zapcamp.Message) bool {
	key := message.StorageKey()
	if key == "" {
		return false
	}
	if _, ok := s.seen[key]; ok {
		return false
	}

	s.seen[key] = struct{}{}
	s.messages = append(s.messages, message)
	s.sortLocked()
	return true
}

func (s *Session) sortLocked() {
	sort.SliceStable(s.messages, func(i, j int) bool {
		if s.messages[i].Timestamp != s.messages[j].Timestamp {
			return s.messages[i].Timestamp < s.messages[j].Timestamp
		}
		return s.messages[i].ID < s.messages[j].ID
	})
}

// Send delivers a text in two phases: a provisional message is appended
// immediately, and the gateway acknowledgement either promotes it to a
// confirmed, persisted message or rolls it back. A failed send leaves no
// trace in the history.
func (s *Session) Send(ctx context.Context, text string) (zapcamp.Message, error) {
	if text == "" {
		return zapcamp.Message{}, fmt.Errorf("send message: empty text")
	}

	pendingID := "pending-" + uuid.NewString()
	pending := zapcamp.Message{
		ID:              pendingID,
		ConversationKey: s.conversationKey,
		Text:            text,
		Timestamp:       s.now().UnixMilli(),
		FromMe:          true,
		Status:          zapcamp.StatusPending,
	}

	s.mu.Lock()
	switch s.state {
	case SessionClosed:
		s.mu.Unlock()
		return zapcamp.Message{}, fmt.Errorf("send message: %w", zapcamp.ErrSessionClosed)
	case SessionSending:
		s.mu.Unlock()
		return zapcamp.Message{}, fmt.Errorf("send message: another send is in flight")
	case SessionReady, SessionPolling:
	default:
		state := s.state
		s.mu.Unlock()
		return zapcamp.Message{}, fmt.Errorf("send message: session not ready (state %s)", state)
	}
	s.state = SessionSending
	s.appendLocked(pending)
	s.mu.Unlock()

	s.notify()

	receipt, err := s.gateway.SendText(ctx, s.instanceName, s.contactNumber, text)

	s.mu.Lock()
	s.removePendingLocked(pendingID)
	closed := s.state == SessionClosed
	if err != nil {
		if !closed {
			s.state = SessionReady
		}
		s.mu.Unlock()
		if !closed {
			s.notify()
		}
		return zapcamp.Message{}, fmt.Errorf("send message: %w", err)
	}

	confirmed := gateway.MessageFromReceipt(receipt, s.conversationKey, text, s.now())
	if confirmed.ID == "" {
		confirmed.ID = pendingID
	}
	// When Close raced the ack the message still reached the wire, so the
	// store records it below; only the dead session's list stays untouched.
	if !closed {
		s.appendLocked(confirmed)
		s.state = SessionReady
	}
	s.mu.Unlock()

	if _, err := s.store.UpsertMessage(s.userID, s.instanceName, confirmed); err != nil {
		s.cfg.logger.Warn("persist sent message failed",
			"message", confirmed.StorageKey(),
			"error", err,
		)
	}
	if err := s.store.TouchContact(s.userID, s.instanceName, s.conversationKey, confirmed.Timestamp); err != nil {
		s.cfg.logger.Warn("advance contact timestamp failed",
			"conversation", s.conversationKey,
			"error", err,
		)
	}

	if !closed {
		s.notify()
	}
	return confirmed, nil
}

func (s *Session) removePendingLocked(pendingID string) {
	for i, message := range s.messages {
		if message.ID == pendingID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			delete(s.seen, pendingID)
			return
		}
	}
}

// Close stops the poller and marks the session closed. It is synchronous:
// once Close returns, no late poll result can reach the message list.
// Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state != SessionIdle
	s.state = SessionClosed
	s.mu.Unlock()

	if !wasOpen {
		return
	}

	if s.pollCancel != nil {
		s.pollCancel()
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	<-s.consumeDone
}

func (s *Session) notify() {
	if s.cfg.onUpdate != nil {
		s.cfg.onUpdate()
	}
}
