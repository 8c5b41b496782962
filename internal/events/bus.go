/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories published on the bus.
type EventType string

const (
	// EventNowPlaying fires whenever the scheduler promotes a prepared
	// buffer into the active broadcast slot.
	EventNowPlaying EventType = "now_playing"
	// EventHealth is the type for ring/listener/transcode health snapshots;
	// no component in this module publishes it.
	EventHealth EventType = "health"
	// EventListenerStats fires when a sink's listener count changes.
	EventListenerStats EventType = "listener_stats"
	// EventTrackFailed fires when a prebuild attempt fails (queue entry or
	// random candidate); it does not mean the track boundary stalled.
	EventTrackFailed EventType = "track.failed"
	// EventFallbackUsed fires when the retry budget is exhausted and the
	// configured fallback payload is substituted.
	EventFallbackUsed EventType = "track.fallback_used"
	// EventSkipIssued fires when an operator Skip message is processed.
	EventSkipIssued EventType = "operator.skip"
	// EventQueueChanged fires on any Queue mutation (push/pop/clear).
	EventQueueChanged EventType = "queue.changed"
	// EventLeaderAcquired/EventLeaderLost track this instance's leadership state.
	EventLeaderAcquired EventType = "leader.acquired"
	EventLeaderLost     EventType = "leader.lost"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
