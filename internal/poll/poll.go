// Package poll implements the client-side pull loop for session events: a
// repeating fetch on a fixed interval, bound to the session's lifetime and
// cancellable exactly once. Fetch errors are transparently retried on the
// next tick; duplicate messages are dropped through a bounded LRU keyed on
// message text and timestamp.
package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/deskpilot/deskpilot/pkg/models"
)

// Source fetches events published after the cursor.
type Source interface {
	Fetch(ctx context.Context, sessionID string, cursor int64) ([]models.Event, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, sessionID string, cursor int64) ([]models.Event, error)

// Fetch calls the function.
func (f SourceFunc) Fetch(ctx context.Context, sessionID string, cursor int64) ([]models.Event, error) {
	return f(ctx, sessionID, cursor)
}

// Handler receives each new, deduplicated event.
type Handler func(ev models.Event)

// dedupCacheSize bounds the seen-message cache per poller.
const dedupCacheSize = 512

// Poller repeatedly fetches a session's events and hands new ones to the
// handler. It terminates on its own when a completion or task_completed
// event arrives, and can be stopped explicitly; Stop is safe to call any
// number of times from any goroutine.
type Poller struct {
	sessionID string
	source    Source
	handler   Handler
	interval  time.Duration
	seen      *lru.Cache[string, struct{}]
	debugLog  func(format string, args ...interface{})

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	cursor int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the polling interval. Default is one second.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithDebugLog sets the debug log function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(p *Poller) { p.debugLog = fn }
}

// New creates a Poller for a session.
func New(sessionID string, source Source, handler Handler, opts ...Option) (*Poller, error) {
	seen, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}

	p := &Poller{
		sessionID: sessionID,
		source:    source,
		handler:   handler,
		interval:  time.Second,
		seen:      seen,
		done:      make(chan struct{}),
		debugLog:  func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start launches the poll loop. The loop runs until Stop is called, the
// context is cancelled, or a terminal event is observed.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if terminal := p.poll(ctx); terminal {
					return
				}
			}
		}
	}()
}

// poll runs one fetch cycle. It reports whether a terminal event ended the
// session's stream.
func (p *Poller) poll(ctx context.Context) bool {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	events, err := p.source.Fetch(ctx, p.sessionID, cursor)
	if err != nil {
		// Transient by assumption; the next tick retries from the same
		// cursor so nothing is skipped.
		p.debugLog("poll %s: fetch failed at cursor %d: %v", p.sessionID, cursor, err)
		return false
	}

	terminal := false
	for _, ev := range events {
		if ev.Seq > cursor {
			cursor = ev.Seq
		}
		if p.isDuplicate(ev) {
			continue
		}
		p.handler(ev)
		if ev.Type == models.EventCompletion || ev.Type == models.EventTaskCompleted {
			terminal = true
		}
	}

	p.mu.Lock()
	if cursor > p.cursor {
		p.cursor = cursor
	}
	p.mu.Unlock()
	return terminal
}

// isDuplicate records the event in the seen cache and reports whether it
// was already there. Keyed on message text and timestamp, matching how
// upstream clients identify repeated messages across fetches.
func (p *Poller) isDuplicate(ev models.Event) bool {
	key := fmt.Sprintf("%s|%d", ev.Message, ev.Timestamp.UnixNano())
	_, dup := p.seen.Get(key)
	if !dup {
		p.seen.Add(key, struct{}{})
	}
	return dup
}

// Stop cancels the poll loop and waits for it to exit. Safe to call
// multiple times; only the first call has an effect.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
	})
	if p.cancel != nil {
		<-p.done
	}
}

// Cursor returns the highest sequence number observed so far.
func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}
