// Package events is the in-process message bus between the orchestration
// components and their observers (SSE and WebSocket clients).
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const subscriberBufSize = 256

// Topic names one kind of event.
type Topic string

const (
	TopicSessionCreated  Topic = "session.created"
	TopicSessionExpired  Topic = "session.expired"
	TopicBusy            Topic = "session.busy"
	TopicScreenshot      Topic = "screenshot.updated"
	TopicStepAppended    Topic = "step.appended"
	TopicStepFailed      Topic = "step.failed"
	TopicStepTextEdited  Topic = "step.text_edited"
	TopicTabOpened       Topic = "tab.opened"
	TopicTabActivated    Topic = "tab.activated"
	TopicReplayState     Topic = "replay.state"
	TopicReplayStep      Topic = "replay.step"
	TopicReplayContext   Topic = "replay.context"
	TopicReplayNeedInput Topic = "replay.need_input"
	TopicLiveState       Topic = "live.state"
	TopicRecordingSaved  Topic = "recording.saved"
)

// Event is one published message. Data is the JSON encoded payload.
type Event struct {
	Topic Topic           `json:"topic"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

type subscriber struct {
	ch     chan Event
	topics map[Topic]bool
}

// Bus fans out events to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]subscriber
	nextID      atomic.Int64
	dropped     atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[int64]subscriber)}
}

// Subscribe registers a consumer for the given topics, or for all topics
// when none are given.
func (b *Bus) Subscribe(topics ...Topic) (int64, <-chan Event) {
	id := b.nextID.Add(1)
	sub := subscriber{ch: make(chan Event, subscriberBufSize)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	return id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish encodes payload and delivers it to every interested subscriber.
func (b *Bus) Publish(topic Topic, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("event payload not encodable", "topic", topic, "error", err)
		return
	}
	evt := Event{Topic: topic, At: time.Now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of active subscribers.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries were skipped for slow consumers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
