package bus

import (
	"context"
	"sync"
	"time"
)

// Well-known event kinds.
const (
	EventBackpressure     = "backpressure"
	EventConfigChanged    = "config:changed"
	EventDeviceApproved   = "device:approved"
	EventDeviceRevoked    = "device:revoked"
	EventPairRequested    = "pairing:requested"
	EventPairApproved     = "pairing:approved"
	EventChannelStatus    = "channel:status"
	EventVoiceState       = "voice:state"
	EventTranscript       = "voice:transcript"
	EventVoiceError       = "voice:error"
	EventHookFired        = "hook:fired"
	EventThinkerPreflight = "thinker:preflight"
	EventThinkerComplete  = "thinker:complete"
	EventHealth           = "health:status"
	EventChatMessage      = "chat:message"
)

// Broker fans events out to subscribers. Each subscriber has its own bounded
// queue: when a queue is full the oldest non-critical event is dropped and
// the subscriber gets a single backpressure event for the whole overflow
// episode. Critical events are never dropped.
type Broker struct {
	mu   sync.Mutex
	subs map[string]*Subscription
	seq  uint64
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]*Subscription)}
}

// Subscribe registers a subscriber. kinds filters delivery; nil means all.
func (b *Broker) Subscribe(id string, kinds []string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = 64
	}
	sub := &Subscription{
		id:     id,
		limit:  queueSize,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if kinds != nil {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	if old, ok := b.subs[id]; ok {
		old.Close()
	}
	b.subs[id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	if sub, ok := b.subs[id]; ok {
		sub.Close()
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// Publish stamps the event and delivers it to every matching subscriber.
func (b *Broker) Publish(kind string, payload map[string]any) Event {
	return b.publish(Event{Kind: kind, Payload: payload})
}

// PublishCritical publishes an event exempt from queue drops.
func (b *Broker) PublishCritical(kind string, payload map[string]any) Event {
	return b.publish(Event{Kind: kind, Payload: payload, Critical: true})
}

// publish stamps and fans out under one exclusive lock: a subscriber must
// never see sequence numbers out of order, so the stamp and every queue
// push happen as one atomic step with respect to other publishers.
func (b *Broker) publish(evt Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	evt.Seq = b.seq
	evt.TS = time.Now().UTC()

	for _, sub := range b.subs {
		if sub.push(evt) {
			// First drop of an overflow episode: queue one signal for the
			// whole episode. Its dropped count is filled in at delivery,
			// so it reflects the full burst rather than just this drop.
			b.seq++
			sub.pushSignal(Event{
				Kind:     EventBackpressure,
				Seq:      b.seq,
				TS:       evt.TS,
				Payload:  map[string]any{"subscriber": sub.id, "dropped": uint64(1)},
				Critical: true,
			})
		}
	}
	return evt
}

func (b *Broker) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		sub.Close()
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	id    string
	kinds map[string]bool
	limit int

	mu           sync.Mutex
	queue        []Event
	dropped      uint64
	inEpisode    bool
	episodeDrops uint64
	episodeSeq   uint64
	closed       bool

	signal chan struct{}
	done   chan struct{}
}

func (s *Subscription) ID() string { return s.id }

// Dropped returns the total number of events dropped from this queue.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Next blocks until an event is available, the context ends, or the
// subscription closes.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			if evt.Kind == EventBackpressure && evt.Seq == s.episodeSeq {
				// Delivering the episode's signal: stamp the burst total.
				// The payload is never touched again after this.
				evt.Payload["dropped"] = s.episodeDrops
				s.episodeSeq = 0
			}
			if len(s.queue) == 0 {
				s.queue = nil
				s.inEpisode = false
				s.episodeDrops = 0
			}
			s.mu.Unlock()
			return evt, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (s *Subscription) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

// push enqueues the event, evicting the oldest non-critical entry on
// overflow. Returns true when this push started a new overflow episode.
func (s *Subscription) push(evt Event) bool {
	if s.kinds != nil && !s.kinds[evt.Kind] && evt.Kind != EventBackpressure {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	newEpisode := false
	if len(s.queue) >= s.limit {
		if idx := s.oldestNonCritical(); idx >= 0 {
			s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
			newEpisode = s.recordDrop()
		} else if !evt.Critical {
			// Queue is all critical; shed the incoming event instead.
			newEpisode = s.recordDrop()
			s.notify()
			return newEpisode
		}
	}

	s.queue = append(s.queue, evt)
	s.notify()
	return newEpisode
}

// recordDrop bumps the drop counters. Caller holds s.mu.
func (s *Subscription) recordDrop() (newEpisode bool) {
	s.dropped++
	s.episodeDrops++
	newEpisode = !s.inEpisode
	s.inEpisode = true
	return newEpisode
}

// pushSignal queues a backpressure event bypassing the overflow check;
// the event is critical and must reach the subscriber even when the
// queue is saturated.
func (s *Subscription) pushSignal(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.episodeSeq = evt.Seq
	s.queue = append(s.queue, evt)
	s.notify()
}

func (s *Subscription) oldestNonCritical() int {
	for i, evt := range s.queue {
		if !evt.Critical {
			return i
		}
	}
	return -1
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
