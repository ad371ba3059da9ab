// Package eventbus fans process state transitions out to subscribers.
package eventbus

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"github.com/Rushilwiz/director4/schema"
)

// allSites subscribes to transitions of every site.
const allSites schema.SiteID = ""

// subscriber owns one delivery channel. Sends and the close are
// serialized on its mutex so a publish that raced a cancel can never
// hit a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan schema.ProcessEvent
	closed bool
}

// send delivers without blocking. Returns false when the event was
// dropped because the buffer was full; delivery to a cancelled
// subscriber counts as delivered.
func (s *subscriber) send(event schema.ProcessEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus fanouts process events to per-site subscribers. Slow
// subscribers drop events rather than stall state transitions.
type Bus struct {
	mu    sync.Mutex
	subs  map[schema.SiteID]map[*subscriber]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[schema.SiteID]map[*subscriber]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber for one site's transitions and
// returns the channel plus a cancel func.
func (b *Bus) Subscribe(siteID schema.SiteID) (<-chan schema.ProcessEvent, func()) {
	return b.subscribe(siteID)
}

// SubscribeAll registers a subscriber for every site's transitions.
func (b *Bus) SubscribeAll() (<-chan schema.ProcessEvent, func()) {
	return b.subscribe(allSites)
}

func (b *Bus) subscribe(siteID schema.SiteID) (<-chan schema.ProcessEvent, func()) {
	if b == nil {
		return nil, func() {}
	}
	sub := &subscriber{ch: make(chan schema.ProcessEvent, b.depth)}
	b.mu.Lock()
	siteSubs := b.subs[siteID]
	if siteSubs == nil {
		siteSubs = make(map[*subscriber]struct{})
		b.subs[siteID] = siteSubs
	}
	siteSubs[sub] = struct{}{}
	count := len(siteSubs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.With("site", siteID).Debug("eventbus subscribe", "subs", count)
	}
	return sub.ch, func() {
		b.mu.Lock()
		if subs := b.subs[siteID]; subs != nil {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.subs, siteID)
			}
		}
		b.mu.Unlock()
		sub.close()
		if b.log != nil {
			b.log.With("site", siteID).Debug("eventbus unsubscribe")
		}
	}
}

// Publish delivers a transition to the site's subscribers and to
// wildcard subscribers.
func (b *Bus) Publish(event schema.ProcessEvent) {
	if b == nil {
		return
	}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs[event.SiteID])+len(b.subs[allSites]))
	for sub := range b.subs[event.SiteID] {
		subs = append(subs, sub)
	}
	if event.SiteID != allSites {
		for sub := range b.subs[allSites] {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	dropped := 0
	for _, sub := range subs {
		if !sub.send(event) {
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.With("site", event.SiteID).Warn("eventbus dropped events", "dropped", dropped)
	}
}
