package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/codespin-ai/shaman/pkg/metrics"
)

// catchupBatchSize is the page size of the catch-up query. Replay loops
// until a short page, so subscribers always receive the complete history.
const catchupBatchSize = 200

// listenTimeout bounds how long a LISTEN command may block when
// subscribing to a new PG channel. Without this, a stalled connection
// would block the subscribing request indefinitely.
const listenTimeout = 10 * time.Second

// maxBufferedEvents caps a subscription's undelivered backlog. A consumer
// that stops draining is cut off with ErrSubscriptionLagged and must
// resubscribe from its last cursor.
const maxBufferedEvents = 4096

var (
	// ErrSubscriptionClosed is returned by Next after Close, or when the
	// hub drops the subscription because its channel's LISTEN failed.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrSubscriptionLagged is returned by Next when the subscription's
	// backlog overflowed and events were dropped.
	ErrSubscriptionLagged = errors.New("subscription lagged behind the live feed")
)

// CatchupQuerier replays persisted events for late subscribers.
// Implemented by EventStore.
type CatchupQuerier interface {
	GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]StoredEvent, error)
}

// StoredEvent is one persisted events row used during catch-up replay.
type StoredEvent struct {
	ID      int64
	Payload map[string]any
}

// SubscriberHub fans NOTIFY payloads out to in-process subscriptions.
// Each process holds one hub; the streaming RPC surfaces subscribe here
// and drain events into SSE responses.
type SubscriberHub struct {
	// Active subscriptions: subscription id → *Subscription
	subs map[string]*Subscription
	mu   sync.RWMutex

	// Channel subscriptions: channel → set of subscription ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchup CatchupQuerier

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex

	metrics *metrics.Metrics
}

// NewSubscriberHub creates a hub. catchup may be nil, in which case
// subscriptions start from the live feed without replay.
func NewSubscriberHub(catchup CatchupQuerier, m *metrics.Metrics) *SubscriberHub {
	return &SubscriberHub{
		subs:     make(map[string]*Subscription),
		channels: make(map[string]map[string]bool),
		catchup:  catchup,
		metrics:  m,
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN. Called
// once during startup after both hub and listener are created. A hub
// without a listener delivers only locally broadcast events, which is
// what unit tests use.
func (h *SubscriberHub) SetListener(l *NotifyListener) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listener = l
}

// Subscribe attaches a consumer to a channel's event feed. Persisted
// events with id > sinceID are replayed first; live events observed while
// the replay runs are parked and reconciled against it by db_event_id, so
// the consumer sees every persistent event exactly once, in id order.
// sinceID 0 replays from the beginning.
//
// The returned subscription must be closed when the consumer is done.
func (h *SubscriberHub) Subscribe(ctx context.Context, channel string, sinceID int64) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.New().String(),
		Channel:   channel,
		hub:       h,
		wake:      make(chan struct{}, 1),
		replaying: true,
		lastID:    sinceID,
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	h.channelMu.Lock()
	needsListen := false
	if _, exists := h.channels[channel]; !exists {
		h.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	h.channels[channel][sub.ID] = true
	h.channelMu.Unlock()

	h.metrics.SubscriberAttached()

	// LISTEN is synchronous so it completes before the replay query runs.
	// This closes the gap where an event committed between the catch-up
	// snapshot and LISTEN becoming active would be lost: once LISTEN is
	// up, every later commit reaches the hub, and everything earlier is
	// visible to the replay query.
	if needsListen {
		h.listenerMu.RLock()
		l := h.listener
		h.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				h.cleanupFailedChannel(sub, channel)
				h.unsubscribe(sub)
				return nil, fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	if err := h.replay(ctx, sub); err != nil {
		h.unsubscribe(sub)
		return nil, err
	}

	return sub, nil
}

// replay pages through persisted events and hands them to the
// subscription, then switches it live.
func (h *SubscriberHub) replay(ctx context.Context, sub *Subscription) error {
	if h.catchup == nil {
		sub.finishReplay(nil, sub.lastID)
		return nil
	}

	var replayed []json.RawMessage
	cursor := sub.lastID
	for {
		rows, err := h.catchup.GetEventsSince(ctx, sub.Channel, cursor, catchupBatchSize)
		if err != nil {
			return fmt.Errorf("catch-up query for %s: %w", sub.Channel, err)
		}
		for _, row := range rows {
			// The stored payload doesn't contain db_event_id (it is only
			// added to the NOTIFY copy at publish time), so inject it
			// here from the row id.
			row.Payload["db_event_id"] = row.ID
			raw, err := json.Marshal(row.Payload)
			if err != nil {
				slog.Warn("Skipping unmarshalable catch-up event", "channel", sub.Channel, "id", row.ID, "error", err)
				continue
			}
			replayed = append(replayed, raw)
			cursor = row.ID
		}
		if len(rows) < catchupBatchSize {
			break
		}
	}

	sub.finishReplay(replayed, cursor)
	return nil
}

// Broadcast hands an event payload to every subscription on the channel.
// Called by the NotifyListener's receive loop; also used directly by
// tests that bypass PostgreSQL.
func (h *SubscriberHub) Broadcast(channel string, event []byte) {
	h.channelMu.RLock()
	subIDs, exists := h.channels[channel]
	if !exists {
		h.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(subIDs))
	for id := range subIDs {
		ids = append(ids, id)
	}
	h.channelMu.RUnlock()

	h.mu.RLock()
	targets := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		if sub, ok := h.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		sub.push(event)
	}
}

// ActiveSubscriptions returns the count of attached subscriptions.
func (h *SubscriberHub) ActiveSubscriptions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (h *SubscriberHub) subscriberCount(channel string) int {
	h.channelMu.RLock()
	defer h.channelMu.RUnlock()
	return len(h.channels[channel])
}

// cleanupFailedChannel removes ALL subscribers from a channel after a
// LISTEN failure.
//
// Between unlocking channelMu (after creating the channel entry) and
// l.Subscribe completing, other goroutines may have subscribed to the
// same channel. Because they saw the channel already existed they skipped
// LISTEN and may already be live with no PG LISTEN behind them. Those
// subscriptions are closed here; their consumers observe
// ErrSubscriptionClosed and resubscribe from their cursor.
func (h *SubscriberHub) cleanupFailedChannel(triggering *Subscription, channel string) {
	h.channelMu.Lock()
	affectedIDs := make([]string, 0, len(h.channels[channel]))
	for subID := range h.channels[channel] {
		if subID != triggering.ID {
			affectedIDs = append(affectedIDs, subID)
		}
	}
	delete(h.channels, channel)
	h.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	h.mu.RLock()
	affected := make([]*Subscription, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if sub, ok := h.subs[id]; ok {
			affected = append(affected, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range affected {
		slog.Warn("Dropping orphaned subscriber after LISTEN failure",
			"subscription_id", sub.ID, "channel", channel)
		h.unsubscribe(sub)
	}
}

// unsubscribe detaches a subscription and stops LISTEN if it was the
// channel's last. Idempotent.
func (h *SubscriberHub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, present := h.subs[sub.ID]
	delete(h.subs, sub.ID)
	h.mu.Unlock()
	if !present {
		return
	}

	h.channelMu.Lock()
	if subs, exists := h.channels[sub.Channel]; exists {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.channels, sub.Channel)
			// Last subscriber left — stop LISTEN. The goroutine re-checks
			// h.channels before issuing UNLISTEN to prevent a race where
			// a rapid close/resubscribe cycle would drop the LISTEN:
			//   subscribe → LISTEN active
			//   close → goroutine: UNLISTEN (deferred)
			//   resubscribe → channel re-added to h.channels
			//   goroutine → sees resubscribed → skips UNLISTEN
			h.listenerMu.RLock()
			l := h.listener
			h.listenerMu.RUnlock()
			if l != nil {
				channel := sub.Channel
				go func() {
					h.channelMu.RLock()
					_, resubscribed := h.channels[channel]
					h.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	h.channelMu.Unlock()

	sub.markClosed()
	h.metrics.SubscriberDetached()
}

// Subscription is one attached consumer of a channel's event feed.
// Events are pulled with Next. The hub guarantees persistent events
// arrive exactly once, in events-table id order; transient events slot in
// wherever the NOTIFY pipe delivers them.
type Subscription struct {
	ID      string
	Channel string

	hub  *SubscriberHub
	wake chan struct{} // 1-buffered; signaled on push and close

	mu        sync.Mutex
	queue     []json.RawMessage // undelivered events in delivery order
	pending   []json.RawMessage // live events parked during replay
	replaying bool
	lastID    int64 // highest db_event_id queued so far
	closed    bool
	lagged    bool
}

// Next blocks until an event is available, the context ends, or the
// subscription terminates.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return evt, nil
		}
		if s.lagged {
			s.mu.Unlock()
			return nil, ErrSubscriptionLagged
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		}
	}
}

// LastEventID returns the id of the newest persistent event queued so
// far, the cursor to resubscribe from after a lag drop.
func (s *Subscription) LastEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Close detaches the subscription from the hub. Idempotent. Events still
// queued are discarded once Next returns ErrSubscriptionClosed.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

// push delivers one live event. During replay the event is parked for
// later reconciliation; afterwards duplicates of replayed events are
// dropped by db_event_id. Transient events carry no id and always pass.
func (s *Subscription) push(event []byte) {
	id := gjson.GetBytes(event, "db_event_id").Int()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.lagged {
		return
	}
	if s.replaying {
		s.pending = append(s.pending, json.RawMessage(event))
		return
	}
	if id != 0 && id <= s.lastID {
		return // already delivered via replay
	}
	if len(s.queue) >= maxBufferedEvents {
		s.lagged = true
		slog.Warn("Subscription lagged, dropping it",
			"subscription_id", s.ID, "channel", s.Channel, "buffered", len(s.queue))
		s.signal()
		return
	}
	if id != 0 {
		s.lastID = id
	}
	s.queue = append(s.queue, event)
	s.signal()
}

// finishReplay queues the replayed events, reconciles live events that
// arrived while the replay ran, and switches the subscription live.
func (s *Subscription) finishReplay(replayed []json.RawMessage, cursor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, replayed...)
	if cursor > s.lastID {
		s.lastID = cursor
	}
	for _, evt := range s.pending {
		id := gjson.GetBytes(evt, "db_event_id").Int()
		if id != 0 && id <= s.lastID {
			continue // duplicate of a replayed event
		}
		if id != 0 {
			s.lastID = id
		}
		s.queue = append(s.queue, evt)
	}
	s.pending = nil
	s.replaying = false
	s.signal()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// signal wakes a blocked Next without ever blocking the caller.
func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
