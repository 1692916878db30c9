// Package events is an in-process pub/sub bus for gateway activity
// (completed requests, guardrail blocks and masks). Subscribers receive
// events in real time; slow subscribers drop, never backpressure the
// request path.
package events

import (
	"fmt"
	"sync"
	"time"
)

// Event types emitted by the gateway.
const (
	TypeRequest = "ai.request"
	TypeBlocked = "ai.request.blocked"
	TypeMasked  = "ai.request.masked"
)

// Event is one gateway activity record.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Time    time.Time              `json:"time"`
	Subject string                 `json:"subject,omitempty"` // key alias or workspace id
	Data    map[string]interface{} `json:"data"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:      fmt.Sprintf("ev-%d", time.Now().UnixNano()),
		Type:    eventType,
		Time:    time.Now().UTC(),
		Subject: subject,
		Data:    data,
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan *Event
	bufferSize int
}

// NewBus creates a bus with a per-subscriber buffer of 64 events.
func NewBus() *Bus {
	return &Bus{bufferSize: 64}
}

// Subscribe registers a new subscriber channel. The returned cancel
// function removes and closes it.
func (b *Bus) Subscribe() (<-chan *Event, func()) {
	ch := make(chan *Event, b.bufferSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Emit publishes an event to every subscriber. Non-blocking: a full
// subscriber buffer drops the event for that subscriber.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	ev := NewEvent(eventType, subject, data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
