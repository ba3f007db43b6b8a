//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package bridge translates database row changes into stream events and
// fans them out to per-run subscribers.
package bridge

import (
	"context"
	"sync"
	"time"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
	"trpc.group/trpc-go/trpc-cogmem-go/notify"
	"trpc.group/trpc-go/trpc-cogmem-go/session"
)

const (
	defaultQueueSize         = 64
	defaultHeartbeatInterval = 30 * time.Second

	// DefaultChannel is the notify channel the session schema publishes on.
	DefaultChannel = "event_stream"
)

// subscriber is one bounded delivery queue for a run.
type subscriber struct {
	queue chan *Event
}

// Bridge converts notify payloads to stream events and delivers them to
// subscribers. Enqueue never blocks: slow consumers drop events.
type Bridge struct {
	queueSize int
	heartbeat time.Duration

	mu   sync.Mutex
	subs map[string][]*subscriber
}

// Option configures the bridge.
type Option func(*Bridge)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithHeartbeatInterval sets the idle interval before a heartbeat is emitted.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.heartbeat = d
		}
	}
}

// New creates a bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		queueSize: defaultQueueSize,
		heartbeat: defaultHeartbeatInterval,
		subs:      make(map[string][]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Bind wires the bridge to a notify listener channel.
func (b *Bridge) Bind(listener *notify.Listener, channel string) error {
	if channel == "" {
		channel = DefaultChannel
	}
	return listener.Subscribe(channel, b.HandleNotify)
}

// HandleNotify is the notify.Handler entry point.
func (b *Bridge) HandleNotify(n notify.NotifyEvent) {
	ev := Translate(n.Payload)
	if ev == nil {
		log.Debugf("bridge: dropping unmapped payload on channel %s", n.Channel)
		return
	}
	b.Publish(ev)
}

// Publish enqueues an event to every subscriber of its run. Full queues drop.
func (b *Bridge) Publish(ev *Event) {
	b.mu.Lock()
	subs := make([]*subscriber, len(b.subs[ev.RunID]))
	copy(subs, b.subs[ev.RunID])
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.queue <- ev:
		default:
			log.Warnf("bridge: subscriber queue full, dropping %s for run %s", ev.Type, ev.RunID)
		}
	}
}

// Subscribe returns a stream of events for a run. The stream closes after a
// terminal event (RUN_FINISHED or RUN_ERROR) or when ctx is cancelled. Idle
// periods longer than the heartbeat interval emit CUSTOM heartbeat events.
func (b *Bridge) Subscribe(ctx context.Context, runID string) <-chan *Event {
	sub := &subscriber{queue: make(chan *Event, b.queueSize)}
	b.mu.Lock()
	b.subs[runID] = append(b.subs[runID], sub)
	b.mu.Unlock()

	out := make(chan *Event)
	go func() {
		defer close(out)
		defer b.remove(runID, sub)
		timer := time.NewTimer(b.heartbeat)
		defer timer.Stop()
		for {
			select {
			case ev := <-sub.queue:
				if !deliver(ctx, out, ev) {
					return
				}
				if ev.IsTerminal() {
					return
				}
			case <-timer.C:
				if !deliver(ctx, out, NewHeartbeat(runID)) {
					return
				}
			case <-ctx.Done():
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.heartbeat)
		}
	}()
	return out
}

// SubscriberCount returns the number of active subscribers for a run.
func (b *Bridge) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

func (b *Bridge) remove(runID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[runID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, runID)
		return
	}
	b.subs[runID] = subs
}

func deliver(ctx context.Context, out chan<- *Event, ev *Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Translate maps a {table, operation, data} payload to a stream event. The
// mapping is closed: anything outside it returns nil and is dropped.
func Translate(payload map[string]any) *Event {
	table, _ := payload["table"].(string)
	operation, _ := payload["operation"].(string)
	data, _ := payload["data"].(map[string]any)
	if table == "" || data == nil {
		return nil
	}
	runID := stringField(data, "run_id")

	switch table {
	case "runs":
		if runID == "" {
			runID = stringField(data, "id")
		}
		switch operation {
		case "INSERT":
			return newEvent(TypeRunStarted, runID, map[string]any{
				"threadId": stringField(data, "thread_id"),
			})
		case "UPDATE":
			switch stringField(data, "status") {
			case session.RunStatusCompleted:
				return newEvent(TypeRunFinished, runID, map[string]any{
					"threadId": stringField(data, "thread_id"),
				})
			case session.RunStatusFailed:
				return newEvent(TypeRunError, runID, map[string]any{
					"message": stringField(data, "error"),
				})
			}
		}
	case "events":
		if operation != "INSERT" {
			return nil
		}
		if runID == "" {
			runID = stringField(data, "thread_id")
		}
		content := mapField(data, "content")
		switch stringField(data, "event_type") {
		case "message":
			return newEvent(TypeTextMessageContent, runID, map[string]any{
				"messageId": stringField(data, "id"),
				"delta":     stringField(content, "text"),
			})
		case "tool_call":
			return newEvent(TypeToolCallStart, runID, map[string]any{
				"toolCallId":   stringField(data, "id"),
				"toolCallName": stringField(content, "tool_name"),
			})
		}
	case "threads":
		if operation != "UPDATE" {
			return nil
		}
		state, ok := data["state"]
		if !ok {
			return nil
		}
		if runID == "" {
			runID = stringField(data, "id")
		}
		return newEvent(TypeStateDelta, runID, map[string]any{
			"threadId": stringField(data, "id"),
			"delta":    state,
		})
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}
