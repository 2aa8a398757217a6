// Package status implements the event channel between the orchestration
// core and its clients. Events are published onto a per-session append-only
// log and fanned out to push subscribers; clients that prefer polling read
// the log through a sequence cursor instead.
package status

import (
	"sync"
	"time"

	"github.com/deskpilot/deskpilot/pkg/models"
)

// Subscriber receives every published event. Subscribers must not block;
// long-running work belongs in the subscriber's own goroutine.
type Subscriber func(models.Event)

// Sink receives events for durable storage. The state package provides the
// SQLite implementation.
type Sink interface {
	AppendEvent(ev models.Event) error
}

// SeqSource reports the last sequence number durably recorded for a
// session. The channel consults it before assigning the first in-memory
// sequence number for a session, so numbering continues across restarts
// instead of colliding with rows already in the sink.
type SeqSource interface {
	LastSeq(sessionID string) (int64, error)
}

// subscription pairs a subscriber with its registration identity so it can
// be removed later without disturbing delivery order.
type subscription struct {
	id int64
	fn Subscriber
}

// Channel is the fan-out point for session events. Publish assigns each
// event a per-session monotonic sequence number, appends it to the session
// log, and delivers it to every subscriber in registration order. A
// panicking subscriber is isolated so it cannot take down the publisher or
// starve later subscribers.
type Channel struct {
	mu          sync.RWMutex
	logs        map[string][]models.Event
	seqs        map[string]int64
	subscribers []subscription
	nextSubID   int64
	sink        Sink
	seqSource   SeqSource
	debugLog    func(format string, args ...interface{})
}

// Option configures a Channel.
type Option func(*Channel)

// WithSink attaches a durable event sink. Sink failures are logged and do
// not block delivery.
func WithSink(sink Sink) Option {
	return func(c *Channel) { c.sink = sink }
}

// WithSeqSource attaches the durable sequence authority used to continue a
// session's numbering after a restart.
func WithSeqSource(source SeqSource) Option {
	return func(c *Channel) { c.seqSource = source }
}

// WithDebugLog sets the debug log function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(c *Channel) { c.debugLog = fn }
}

// NewChannel creates an empty Channel.
func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		logs:     make(map[string][]models.Event),
		seqs:     make(map[string]int64),
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a push subscriber. Delivery order follows
// registration order. The returned function removes the subscriber; it is
// safe to call more than once.
func (c *Channel) Subscribe(fn Subscriber) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subscribers = append(c.subscribers, subscription{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subscribers {
			if sub.id == id {
				c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
				return
			}
		}
	}
}

// Publish assigns the event's sequence number and timestamp, appends it to
// the session log, and delivers it to all subscribers. It returns the event
// as published.
func (c *Channel) Publish(ev models.Event) models.Event {
	c.mu.Lock()
	if _, seen := c.seqs[ev.SessionID]; !seen && c.seqSource != nil {
		last, err := c.seqSource.LastSeq(ev.SessionID)
		if err != nil {
			c.debugLog("seq source for session %s: %v", ev.SessionID, err)
		} else {
			c.seqs[ev.SessionID] = last
		}
	}
	c.seqs[ev.SessionID]++
	ev.Seq = c.seqs[ev.SessionID]
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	c.logs[ev.SessionID] = append(c.logs[ev.SessionID], ev)
	subs := make([]subscription, len(c.subscribers))
	copy(subs, c.subscribers)
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		if err := sink.AppendEvent(ev); err != nil {
			c.debugLog("event sink failed for session %s seq %d: %v", ev.SessionID, ev.Seq, err)
		}
	}

	for _, sub := range subs {
		c.deliver(sub.fn, ev)
	}
	return ev
}

// deliver invokes one subscriber, recovering its panic so the remaining
// subscribers still receive the event.
func (c *Channel) deliver(fn Subscriber, ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.debugLog("subscriber panicked on %s event for session %s: %v", ev.Type, ev.SessionID, r)
		}
	}()
	fn(ev)
}

// Since returns the session's events with sequence numbers strictly greater
// than cursor, in order. A cursor of zero returns the whole log. Repeating
// a call with the same cursor returns the same events, so polling clients
// can retry without duplication.
func (c *Channel) Since(sessionID string, cursor int64) []models.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	log := c.logs[sessionID]
	if len(log) == 0 {
		return nil
	}
	// Seq is dense, so the cursor maps to a slice index once the first
	// in-memory sequence number is subtracted out. The log starts above
	// one when numbering was continued from the durable sink.
	idx := cursor - (log[0].Seq - 1)
	if idx < 0 {
		idx = 0
	}
	if idx >= int64(len(log)) {
		return nil
	}
	out := make([]models.Event, len(log)-int(idx))
	copy(out, log[idx:])
	return out
}

// Latest returns the highest sequence number published for the session, or
// zero if none.
func (c *Channel) Latest(sessionID string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seqs[sessionID]
}

// Discard drops the session's log and sequence counter. Used on session
// reset; a recreated session starts its log from sequence one.
func (c *Channel) Discard(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.logs, sessionID)
	delete(c.seqs, sessionID)
}
