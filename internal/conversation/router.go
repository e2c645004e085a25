// ABOUTME: Router turns inbound customer messages into persisted history and a delivered reply
// ABOUTME: Messages for one (branch, customer) pair run in receipt order; other pairs run concurrently

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/branchline/internal/dedupe"
	"github.com/2389/branchline/internal/driver"
	"github.com/2389/branchline/internal/reply"
	"github.com/2389/branchline/internal/session"
	"github.com/2389/branchline/internal/store"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultHistoryLimit = 10
	DefaultReplyTimeout = 20 * time.Second
	defaultSaveTimeout  = 5 * time.Second
)

// ErrRouterClosed is returned by Close when it gives up waiting.
var ErrRouterClosed = errors.New("conversation router closed")

// Sender delivers a reply. *session.Pool satisfies it.
type Sender interface {
	Send(ctx context.Context, branchID, address, text string) error
}

// BranchNamer resolves display names for replies. Optional.
type BranchNamer interface {
	GetBranch(ctx context.Context, id string) (*store.Branch, error)
}

// Options configures a Router.
type Options struct {
	Store  store.ConversationStore
	Sender Sender
	Engine reply.Engine
	// Dedupe drops redelivered message IDs. Nil disables deduplication.
	Dedupe   *dedupe.Cache
	Branches BranchNamer

	HistoryLimit int
	CacheSize    int
	ReplyTimeout time.Duration
	SaveTimeout  time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

type lane struct {
	queue []driver.Message
}

// Router implements session.InboundHandler.
type Router struct {
	store    store.ConversationStore
	sender   Sender
	engine   reply.Engine
	seen     *dedupe.Cache
	branches BranchNamer
	cache    *contextCache

	historyLimit int
	replyTimeout time.Duration
	saveTimeout  time.Duration
	now          func() time.Time
	logger       *slog.Logger

	// base is cancelled when Close gives up on in-flight work.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[convKey]*lane
	closed bool
	wg     sync.WaitGroup
}

// New creates a Router.
func New(opts Options) (*Router, error) {
	if opts.Store == nil || opts.Sender == nil || opts.Engine == nil {
		return nil, fmt.Errorf("conversation: store, sender and engine are required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	base, cancel := context.WithCancel(context.Background())
	return &Router{
		store:        opts.Store,
		sender:       opts.Sender,
		engine:       opts.Engine,
		seen:         opts.Dedupe,
		branches:     opts.Branches,
		cache:        newContextCache(opts.CacheSize),
		historyLimit: opts.HistoryLimit,
		replyTimeout: opts.ReplyTimeout,
		saveTimeout:  opts.SaveTimeout,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "conversation"),
		base:         base,
		cancel:       cancel,
		lanes:        make(map[convKey]*lane),
	}, nil
}

// HandleInbound queues msg and returns immediately.
func (r *Router) HandleInbound(branchID string, msg driver.Message) {
	if !msg.IsText() {
		r.logger.Debug("ignoring non-text message",
			"branch_id", branchID,
			"message_id", msg.ID,
			"kind", msg.Kind,
			"has_media", msg.HasMedia)
		return
	}
	if r.seen != nil && r.seen.Seen(branchID, msg.ID) {
		r.logger.Debug("dropping duplicate message", "branch_id", branchID, "message_id", msg.ID)
		return
	}

	k := convKey{branchID: branchID, customer: msg.From}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("router closed, dropping message", "branch_id", branchID, "message_id", msg.ID)
		return
	}
	if l, ok := r.lanes[k]; ok {
		l.queue = append(l.queue, msg)
		return
	}
	r.lanes[k] = &lane{queue: []driver.Message{msg}}
	r.wg.Add(1)
	go r.drain(k)
}

// drain processes one lane until its queue is empty, then retires it.
func (r *Router) drain(k convKey) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		l := r.lanes[k]
		if len(l.queue) == 0 {
			delete(r.lanes, k)
			r.mu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		r.mu.Unlock()

		r.process(k, msg)
	}
}

func (r *Router) process(k convKey, msg driver.Message) {
	logger := r.logger.With("branch_id", k.branchID, "message_id", msg.ID)
	ctx := r.base

	conv, err := r.loadContext(ctx, k)
	if err != nil {
		logger.Error("failed to load conversation", "error", err)
		r.forget(k, msg)
		return
	}

	prior := append([]store.HistoryEntry(nil), conv.History...)

	// Record first, then act.
	conv.Append(store.HistoryEntry{Direction: store.DirectionInbound, Text: msg.Text, Timestamp: r.now()}, r.historyLimit)
	if err := r.saveContext(conv); err != nil {
		logger.Error("failed to record inbound message", "error", err)
		r.forget(k, msg)
		return
	}

	req := reply.Request{
		BranchID:        k.branchID,
		BranchName:      r.branchName(ctx, k.branchID),
		CustomerAddress: k.customer,
		Text:            msg.Text,
		History:         prior,
		Config:          r.branchConfig(ctx, k.branchID, logger),
	}
	text := r.generate(ctx, req, logger)

	conv.Append(store.HistoryEntry{Direction: store.DirectionOutbound, Text: text, Timestamp: r.now()}, r.historyLimit)
	if err := r.saveContext(conv); err != nil {
		// The reply still goes out; the next load reads the store again.
		logger.Error("failed to record reply", "error", err)
	}

	if err := r.sender.Send(ctx, k.branchID, k.customer, text); err != nil {
		if errors.Is(err, session.ErrChannelNotReady) {
			logger.Warn("reply undeliverable, channel not ready", "error", err)
			return
		}
		logger.Error("reply delivery failed", "error", err)
		return
	}
	logger.Debug("reply delivered", "history_len", len(conv.History))
}

// forget lets a redelivery of msg be processed after a storage failure.
func (r *Router) forget(k convKey, msg driver.Message) {
	if r.seen != nil && msg.ID != "" {
		r.seen.Forget(dedupe.Key(k.branchID, msg.ID))
	}
}

func (r *Router) loadContext(ctx context.Context, k convKey) (*store.ConversationContext, error) {
	if conv, ok := r.cache.get(k); ok {
		return conv, nil
	}
	conv, err := r.store.GetConversation(ctx, k.branchID, k.customer)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ConversationContext{BranchID: k.branchID, CustomerAddress: k.customer}, nil
	}
	if err != nil {
		return nil, err
	}
	r.cache.put(conv)
	return conv, nil
}

// saveContext writes with its own timeout so persistence is not tied to
// whatever cancelled the caller.
func (r *Router) saveContext(conv *store.ConversationContext) error {
	saveCtx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
	defer cancel()

	if err := r.store.SaveConversation(saveCtx, conv); err != nil {
		r.cache.drop(convKey{conv.BranchID, conv.CustomerAddress})
		return err
	}
	r.cache.put(conv)
	return nil
}

func (r *Router) branchConfig(ctx context.Context, branchID string, logger *slog.Logger) store.BranchConfig {
	cfg, err := r.store.GetBranchConfig(ctx, branchID)
	switch {
	case err == nil:
		return *cfg
	case errors.Is(err, store.ErrNotFound):
	default:
		logger.Warn("failed to load branch config, using defaults", "error", err)
	}
	return store.BranchConfig{BranchID: branchID}
}

func (r *Router) branchName(ctx context.Context, branchID string) string {
	if r.branches == nil {
		return ""
	}
	b, err := r.branches.GetBranch(ctx, branchID)
	if err != nil {
		return ""
	}
	return b.Name
}

// generate bounds the engine by replyTimeout. An engine that overruns or
// returns nothing yields reply.Fallback.
func (r *Router) generate(ctx context.Context, req reply.Request, logger *slog.Logger) string {
	genCtx, cancel := context.WithTimeout(ctx, r.replyTimeout)
	defer cancel()

	out := make(chan string, 1)
	go func() { out <- r.engine.Generate(genCtx, req) }()

	select {
	case text := <-out:
		if text == "" {
			logger.Warn("reply engine returned empty text, using fallback")
			return reply.Fallback
		}
		return text
	case <-genCtx.Done():
		logger.Warn("reply engine timed out, using fallback", "timeout", r.replyTimeout)
		return reply.Fallback
	}
}

// Pending returns the number of messages queued or in flight.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.lanes {
		n += len(l.queue) + 1
	}
	return n
}

// Close stops accepting messages and waits for queued ones to finish. If ctx
// ends first, in-flight work is cancelled and ErrRouterClosed is returned.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return fmt.Errorf("%w: %w", ErrRouterClosed, ctx.Err())
	}
}

var _ session.InboundHandler = (*Router)(nil)
