package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"zapcamp/internal/gateway"
	"zapcamp/pkg/zapcamp"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultPollPageSize = 50
)

// MessageFetcher fetches one page of message history for a conversation.
type MessageFetcher interface {
	FindMessages(ctx context.Context, instanceName, conversationKey string, page, limit int) ([]gateway.MessageRecord, error)
}

// Batch is one poll cycle's worth of normalized candidate messages.
type Batch struct {
	ConversationKey string
	Messages        []zapcamp.Message
}

// PollerOption mutates poller configuration.
type PollerOption func(*pollerConfig)

// WithPollInterval configures the poll cadence.
func WithPollInterval(interval time.Duration) PollerOption {
	return func(cfg *pollerConfig) {
		if interval > 0 {
			cfg.interval = interval
		}
	}
}

// WithPollPageSize configures how many records each poll cycle requests.
func WithPollPageSize(pageSize int) PollerOption {
	return func(cfg *pollerConfig) {
		if pageSize > 0 {
			cfg.pageSize = pageSize
		}
	}
}

// WithPollerLogger configures structured logging for poll cycles.
func WithPollerLogger(logger *slog.Logger) PollerOption {
	return func(cfg *pollerConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

type pollerConfig struct {
	interval time.Duration
	pageSize int
	logger   *slog.Logger
}

// Poller periodically fetches the newest page of one conversation's
// history and emits normalized batches on a channel. The channel has a
// single consumer; a cycle blocks until its batch is taken or the poller
// stops. Fetch failures degrade to a logged skip, never to an exit.
type Poller struct {
	cfg             pollerConfig
	fetcher         MessageFetcher
	instanceName    string
	conversationKey string

	batches chan Batch
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// NewPoller creates a poller for one conversation. Call Start to begin
// polling and Stop to shut it down.
func NewPoller(fetcher MessageFetcher, instanceName, conversationKey string, options ...PollerOption) (*Poller, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("new poller: nil fetcher")
	}
	if instanceName == "" || conversationKey == "" {
		return nil, fmt.Errorf("new poller: instance and conversation key are required")
	}

	cfg := pollerConfig{
		interval: defaultPollInterval,
		pageSize: defaultPollPageSize,
		logger:   slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Poller{
		cfg:             cfg,
		fetcher:         fetcher,
		instanceName:    instanceName,
		conversationKey: conversationKey,
		batches:         make(chan Batch),
		done:            make(chan struct{}),
	}, nil
}

// Batches returns the channel carrying poll results.
func (p *Poller) Batches() <-chan Batch {
	return p.batches
}

// Start launches the poll loop. The loop ends when Stop is called or the
// supplied context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go func() {
		defer close(p.done)
		p.run(pollCtx)
	}()
}

// Stop cancels the poll loop and waits for it to exit. After Stop returns
// no further batch is delivered.
func (p *Poller) Stop() {
	p.once.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	if p.cancel != nil {
		<-p.done
	}
}

func (p *Poller) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	records, err := p.fetcher.FindMessages(ctx, p.instanceName, p.conversationKey, 1, p.cfg.pageSize)
	if err != nil {
		if ctx.Err() == nil {
			p.cfg.logger.Warn("poll cycle failed",
				"instance", p.instanceName,
				"conversation", p.conversationKey,
				"error", err,
			)
		}
		return
	}

	messages := gateway.MapMessageRecords(records)
	if len(messages) == 0 {
		return
	}

	select {
	case p.batches <- Batch{ConversationKey: p.conversationKey, Messages: messages}:
	case <-ctx.Done():
	}
}
