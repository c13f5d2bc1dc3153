// Package events carries session lifecycle events from the orchestrator to
// observers such as the journal and the CLI progress output.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventStateChanged EventType = "state_changed"
	EventToolCall     EventType = "tool_call"
	EventToolResult   EventType = "tool_result"
	EventArtifact     EventType = "artifact"
	EventWarning      EventType = "warning"
	EventText         EventType = "text"
)

// AllEventTypes is the subscription set used by SubscribeAll.
var AllEventTypes = []EventType{
	EventStateChanged,
	EventToolCall,
	EventToolResult,
	EventArtifact,
	EventWarning,
	EventText,
}

type Event struct {
	Type      EventType
	SessionID string
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber has its own
// buffered channel and goroutine, so delivery order per subscriber matches
// publish order. A full channel drops the event for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	dropped     map[EventType]int
	closed      bool
	wg          sync.WaitGroup
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		dropped:     make(map[EventType]int),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type through a single channel,
// preserving cross-type ordering.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, et := range AllEventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range ch {
			deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, et := range AllEventTypes {
				subs := b.subscribers[et]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[et] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

func deliver(fn Subscriber, event Event) {
	defer func() {
		// a panicking subscriber must not take the bus down
		_ = recover()
	}()
	fn(event)
}

func (b *Bus) Publish(eventType EventType, sessionID string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	event := Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped[eventType]++
		}
	}
}

// Dropped returns how many deliveries of eventType were dropped because a
// subscriber was full.
func (b *Bus) Dropped(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[eventType]
}

// Close closes every subscriber channel and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	seen := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
