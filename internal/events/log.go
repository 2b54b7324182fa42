// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events keeps a bounded in-memory ring of recent operational
// events (violations, enforcements, re-enables, admin actions) for the
// admin facade. It is purely diagnostic; durable enforcement state lives
// in the store.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/devicewall/internal/clock"
)

// DefaultCapacity bounds the ring when no explicit capacity is given.
const DefaultCapacity = 100

// Event is one recorded occurrence.
type Event struct {
	ID      string            `json:"id"`
	Time    time.Time         `json:"time"`
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Log is a fixed-capacity ring of recent events, newest first.
type Log struct {
	mu   sync.Mutex
	ring []Event
	next int
	full bool
}

// NewLog builds a Log holding at most capacity events; capacity <= 0
// takes DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{ring: make([]Event, capacity)}
}

// Add records one event, evicting the oldest when the ring is full.
func (l *Log) Add(eventType, message string, details map[string]string) {
	e := Event{
		ID:      uuid.NewString(),
		Time:    clock.Now(),
		Type:    eventType,
		Message: message,
		Details: details,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = e
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
}

// Recent returns up to limit events, newest first. limit <= 0 returns
// everything held.
func (l *Log) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Event, 0, limit)
	i := l.next - 1
	for len(out) < limit {
		if i < 0 {
			i = len(l.ring) - 1
		}
		out = append(out, l.ring[i])
		i--
	}
	return out
}

// Clear drops every held event.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	l.full = false
	for i := range l.ring {
		l.ring[i] = Event{}
	}
}

// SendSimple satisfies the enforcement coordinator's Notifier interface,
// so the ring can sit alongside the notification dispatcher as a second
// sink for enforcement outcomes.
func (l *Log) SendSimple(title, message, level string) {
	l.Add(level, title+": "+message, nil)
}
