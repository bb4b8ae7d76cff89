package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"zapcamp/pkg/zapcamp"
)

// NumberChecker filters phone numbers down to those with an active
// messaging account.
type NumberChecker interface {
	CheckNumbers(ctx context.Context, instanceName string, numbers []string) ([]string, error)
}

// ManagerOption mutates manager configuration.
type ManagerOption func(*managerConfig)

// WithManagerLogger configures structured logging for the manager and the
// sessions it creates.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(cfg *managerConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithNumberChecker enables verification of the contact number against
// the gateway before a conversation is opened.
func WithNumberChecker(checker NumberChecker) ManagerOption {
	return func(cfg *managerConfig) {
		cfg.checker = checker
	}
}

// WithSessionOptions configures options applied to every created session.
func WithSessionOptions(options ...SessionOption) ManagerOption {
	return func(cfg *managerConfig) {
		cfg.sessionOptions = options
	}
}

type managerConfig struct {
	logger         *slog.Logger
	checker        NumberChecker
	sessionOptions []SessionOption
}

// Manager tracks the single active conversation per user. Opening a
// conversation synchronously closes the user's previous one, so at most
// one poller per user is ever live.
type Manager struct {
	cfg     managerConfig
	gateway SessionGateway
	store   MessageStore

	mu     sync.Mutex
	active map[string]*Session
}

// NewManager creates a session manager.
func NewManager(sessionGateway SessionGateway, messageStore MessageStore, options ...ManagerOption) (*Manager, error) {
	if sessionGateway == nil {
		return nil, fmt.Errorf("new session manager: nil gateway")
	}
	if messageStore == nil {
		return nil, fmt.Errorf("new session manager: nil store")
	}

	cfg := managerConfig{
		logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Manager{
		cfg:     cfg,
		gateway: sessionGateway,
		store:   messageStore,
		active:  make(map[string]*Session),
	}, nil
}

// OpenConversation opens a session for the given contact, replacing the
// user's previous session. The previous poller is fully stopped before
// any new setup begins.
func (m *Manager) OpenConversation(ctx context.Context, userID, instanceName, contactNumber string) (*Session, error) {
	m.mu.Lock()
	previous := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	if m.cfg.checker != nil {
		valid, err := m.cfg.checker.CheckNumbers(ctx, instanceName, []string{contactNumber})
		if err != nil {
			m.cfg.logger.Warn("number check unavailable, proceeding",
				"instance", instanceName,
				"error", err,
			)
		} else if !slices.Contains(valid, contactNumber) {
			return nil, fmt.Errorf("open conversation with %s: %w", contactNumber, zapcamp.ErrInvalidNumber)
		}
	}

	options := append([]SessionOption{WithSessionLogger(m.cfg.logger)}, m.cfg.sessionOptions...)
	session, err := NewSession(m.gateway, m.store, userID, instanceName, contactNumber, options...)
	if err != nil {
		return nil, err
	}
	if err := session.Open(ctx); err != nil {
		session.Close()
		return nil, err
	}

	m.mu.Lock()
	if existing := m.active[userID]; existing != nil {
		// A concurrent open for the same user won the race; the newer
		// session stays active.
		m.mu.Unlock()
		session.Close()
		return existing, nil
	}
	m.active[userID] = session
	m.mu.Unlock()

	return session, nil
}

// ActiveSession returns the user's open session.
func (m *Manager) ActiveSession(userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.active[userID]
	if !ok {
		return nil, fmt.Errorf("active session of %s: %w", userID, zapcamp.ErrSessionNotFound)
	}
	return session, nil
}

// CloseConversation closes the user's open session, if any.
func (m *Manager) CloseConversation(userID string) error {
	m.mu.Lock()
	session, ok := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("close conversation of %s: %w", userID, zapcamp.ErrSessionNotFound)
	}
	session.Close()
	return nil
}

// CloseAll closes every active session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, session := range m.active {
		sessions = append(sessions, session)
	}
	m.active = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
