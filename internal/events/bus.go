// Package events carries the moderation event stream: an in-process
// pub/sub bus every engine publishes to, plus an optional Redis bridge
// that fans events out to external consumers.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the moderation engines.
const (
	TypeReportSubmitted     = "report.submitted"
	TypeReportCaptured      = "report.captured"
	TypeReportFinalized     = "report.finalized"
	TypeReportAppealed      = "report.appealed"
	TypeAssignmentDelivered = "assignment.delivered"
	TypeAssignmentAccepted  = "assignment.accepted"
	TypeAssignmentDispensed = "assignment.dispensed"
	TypeAssignmentExpired   = "assignment.expired"
	TypeAssignmentInactive  = "assignment.inactive"
	TypeVoteCast            = "vote.cast"
	TypePunishmentApplied   = "punishment.applied"
	TypeShiftChanged        = "shift.changed"
	TypeCaptchaIssued       = "captcha.issued"
	TypeCaptchaAnswered     = "captcha.answered"
	TypeCaptchaExpired      = "captcha.expired"
)

// Emitter is the publishing side of the bus. Engines hold this interface
// so tests can capture emissions.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Event is the envelope for every moderation event.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	Subject string                 `json:"subject,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data"`
}

// NewEvent builds an envelope with a fresh id and the current time.
func NewEvent(eventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub event bus. Delivery is non-blocking: a
// subscriber whose buffer is full misses the event rather than stalling
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates a bus with a 100-event buffer per subscriber.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		allSubs:     make([]chan *Event, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel receiving events of the given types, or all
// events when no type is named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *Event, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := make([]chan *Event, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop for this subscriber.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
