// Package sse implements the SSE delivery core: a broadcaster with
// bounded per-subscriber buffers, cursor resolution, watermark progression,
// and filter application, independent of any HTTP framing.
package sse

import (
	"sync"
)

// Frame is one SSE frame, already shaped for wire encoding by the adapter
// layer (gateway/httpapi writes "event:"/"id:"/"data:" lines from this).
type Frame struct {
	Event string
	ID    string // empty for frames that don't advance a cursor (e.g. session.ready)
	Data  map[string]any
}

// Candidate is one event considered for delivery to a subscriber.
type Candidate struct {
	ID string
	// Event overrides the subscriber's default delivered event name when
	// set (e.g. "agent_card.removed" vs. a subscription's default
	// "agent_card.upsert"), so one broadcaster topic can carry more than
	// one delivered event kind. Left empty, the subscriber's eventName
	// from Subscribe is used, matching session.event streams where every
	// delivered frame shares one kind.
	Event   string
	Payload map[string]any
}

// Filter decides whether a candidate passes. A filtered-out candidate still
// advances the watermark.
type Filter func(Candidate) bool

// AllowAll is the zero-filter: every candidate passes.
func AllowAll(Candidate) bool { return true }

const subscriberBufferSize = 256

// reasonBackpressureDropped is the reasonCode in the terminal frame's payload
// when a subscriber's buffer overflows.
const reasonBackpressureDropped = "BACKPRESSURE_DROPPED"

type subscriber struct {
	id     uint64
	ch     chan Frame
	filter Filter
	// eventName and watermarkName are the delivered event-kind frame name
	// (session.event, agent_card.upsert, ...) and the watermark-kind frame
	// name; the broadcaster is otherwise stream-kind agnostic.
	eventName     string
	watermarkName string
	closed        bool
	mu            sync.Mutex
}

// topicHead tracks the running head-snapshot counters for one topic: every
// candidate ever published to it, regardless of any subscriber's filter.
type topicHead struct {
	count   int64
	firstID string
	lastID  string
}

// Broadcaster fans out candidates to per-stream subscriber lists. The
// subscriber-list mutation is guarded by a short-held lock; delivery itself
// happens without holding it.
type Broadcaster struct {
	mu          sync.Mutex
	subsByTopic map[string][]*subscriber
	heads       map[string]*topicHead
	nextID      uint64
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subsByTopic: map[string][]*subscriber{}, heads: map[string]*topicHead{}}
}

// Head reports topic's running candidate count and first/last candidate
// ids, for streams (agent cards) with no backing store.StreamHead to read
// an authoritative head snapshot from.
func (b *Broadcaster) Head(topic string) (count int64, firstID, lastID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := b.heads[topic]
	if h == nil {
		return 0, "", ""
	}
	return h.count, h.firstID, h.lastID
}

// Subscription is returned to the HTTP handler driving one SSE connection.
type Subscription struct {
	Frames <-chan Frame
	cancel func()
}

// Cancel unsubscribes and releases the subscriber's buffer. Safe to call
// more than once.
func (s *Subscription) Cancel() { s.cancel() }

// Subscribe registers a new subscriber on topic (e.g. a session's streamId,
// or the fixed public agent-cards topic), with the delivered/watermark
// event names it should use and a filter predicate.
func (b *Broadcaster) Subscribe(topic string, eventName, watermarkName string, filter Filter) *Subscription {
	if filter == nil {
		filter = AllowAll
	}
	b.mu.Lock()
	b.nextID++
	sub := &subscriber{
		id: b.nextID, ch: make(chan Frame, subscriberBufferSize),
		filter: filter, eventName: eventName, watermarkName: watermarkName,
	}
	b.subsByTopic[topic] = append(b.subsByTopic[topic], sub)
	b.mu.Unlock()

	return &Subscription{
		Frames: sub.ch,
		cancel: func() { b.remove(topic, sub) },
	}
}

func (b *Broadcaster) remove(topic string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subsByTopic[topic]
	for i, s := range subs {
		if s == target {
			b.subsByTopic[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	target.mu.Lock()
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
	target.mu.Unlock()
}

// Publish fans candidate out to every subscriber on topic: delivered as an
// event frame if the subscriber's filter passes, otherwise as a watermark
// frame that advances the cursor without the payload.
func (b *Broadcaster) Publish(topic string, candidate Candidate) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subsByTopic[topic]))
	copy(subs, b.subsByTopic[topic])
	h := b.heads[topic]
	if h == nil {
		h = &topicHead{}
		b.heads[topic] = h
	}
	if h.count == 0 {
		h.firstID = candidate.ID
	}
	h.count++
	h.lastID = candidate.ID
	b.mu.Unlock()

	for _, s := range subs {
		frame := Frame{ID: candidate.ID}
		if s.filter(candidate) {
			frame.Event = s.eventName
			if candidate.Event != "" {
				frame.Event = candidate.Event
			}
			frame.Data = candidate.Payload
		} else {
			frame.Event = s.watermarkName
			frame.Data = map[string]any{"id": candidate.ID}
		}
		b.deliver(topic, s, frame)
	}
}

// deliver sends frame to s, dropping s with a terminal error frame once its
// buffer is full apart from the one slot kept free for that terminal frame.
// The broadcaster never blocks on a slow subscriber.
func (b *Broadcaster) deliver(topic string, s *subscriber, frame Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ch) < cap(s.ch)-1 {
		s.ch <- frame
		s.mu.Unlock()
	} else {
		// Only deliver sends on s.ch, under s.mu, so the reserved slot is free.
		s.ch <- Frame{Event: "session.error", Data: map[string]any{"reasonCode": reasonBackpressureDropped}}
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		b.mu.Lock()
		subs := b.subsByTopic[topic]
		for i, sub := range subs {
			if sub == s {
				b.subsByTopic[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}
}

// SubscriberCount reports the live subscriber count for topic, used for the
// observability gauge.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subsByTopic[topic])
}
