//
// Tencent is pleased to support the open source community by making trpc-cogmem-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-cogmem-go is licensed under the Apache License Version 2.0.
//
//

// Package notify bridges PostgreSQL LISTEN/NOTIFY onto in-process callbacks.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"trpc.group/trpc-go/trpc-cogmem-go/log"
)

const (
	// waitTimeout bounds each WaitForNotification call so the loop can
	// notice shutdown and freshly subscribed channels.
	waitTimeout = 30 * time.Second
	// maxReconnectInterval caps the reconnect backoff.
	maxReconnectInterval = 30 * time.Second
)

// NotifyEvent is one decoded NOTIFY delivery.
type NotifyEvent struct {
	// Channel is the pg_notify channel name.
	Channel string
	// Payload is the decoded JSON payload. Non-JSON payloads are wrapped
	// as {"raw": <text>}.
	Payload map[string]any
	// ReceivedAt is when the notification reached this process.
	ReceivedAt time.Time
}

// Handler consumes notifications for a channel.
type Handler func(event NotifyEvent)

// Listener holds a single dedicated connection executing LISTEN for all
// subscribed channels and fans deliveries out to handlers.
type Listener struct {
	dsn string

	mu       sync.RWMutex
	handlers map[string][]Handler
	pending  []string // channels subscribed after Start, awaiting LISTEN

	conn    *pgx.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures the listener.
type Option func(*Listener)

// New creates a listener for the given connection string.
func New(dsn string, opts ...Option) *Listener {
	l := &Listener{
		dsn:      dsn,
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers a handler for a channel. Subscribing after Start is
// allowed; the LISTEN is issued on the next loop turn.
func (l *Listener) Subscribe(channel string, handler Handler) error {
	if channel == "" {
		return errors.New("notify: channel is empty")
	}
	if handler == nil {
		return errors.New("notify: handler is nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, known := l.handlers[channel]
	l.handlers[channel] = append(l.handlers[channel], handler)
	if l.started && !known {
		l.pending = append(l.pending, channel)
	}
	return nil
}

// Start dials the dedicated connection, issues LISTEN for all subscribed
// channels and starts the notification loop.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errors.New("notify: listener already started")
	}
	l.started = true
	l.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	conn, err := l.connect(loopCtx)
	if err != nil {
		cancel()
		return err
	}
	l.conn = conn

	go l.loop(loopCtx)
	return nil
}

// Stop cancels the loop and closes the connection.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}

func (l *Listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return nil, fmt.Errorf("notify: connect failed: %w", err)
	}
	for _, channel := range l.channels() {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("notify: listen on %q failed: %w", channel, err)
		}
	}
	return conn, nil
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)
	defer func() {
		if l.conn != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = l.conn.Close(closeCtx)
			cancel()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.drainPending(ctx); err != nil {
			log.Errorf("notify: listen for new channel failed: %v", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
		notification, err := l.conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Warnf("notify: connection lost, reconnecting: %v", err)
			if !l.reconnect(ctx) {
				return
			}
			continue
		}
		l.dispatch(NotifyEvent{
			Channel:    notification.Channel,
			Payload:    decodePayload(notification.Payload),
			ReceivedAt: time.Now(),
		})
	}
}

// reconnect re-dials with exponential backoff and re-issues LISTEN for every
// subscribed channel. Returns false when ctx was cancelled.
func (l *Listener) reconnect(ctx context.Context) bool {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxReconnectInterval
	policy.MaxElapsedTime = 0

	conn, err := backoff.RetryWithData(func() (*pgx.Conn, error) {
		return l.connect(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return false
	}
	old := l.conn
	l.conn = conn
	if old != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = old.Close(closeCtx)
		cancel()
	}
	log.Infof("notify: reconnected, listening on %d channels", len(l.channels()))
	return true
}

func (l *Listener) drainPending(ctx context.Context) error {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, channel := range pending {
		if _, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) dispatch(event NotifyEvent) {
	l.mu.RLock()
	handlers := make([]Handler, len(l.handlers[event.Channel]))
	copy(handlers, l.handlers[event.Channel])
	l.mu.RUnlock()
	for _, handler := range handlers {
		callHandler(handler, event)
	}
}

func callHandler(handler Handler, event NotifyEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("notify: handler panic on channel %s: %v", event.Channel, r)
		}
	}()
	handler(event)
}

func (l *Listener) channels() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	channels := make([]string, 0, len(l.handlers))
	for channel := range l.handlers {
		channels = append(channels, channel)
	}
	return channels
}

// decodePayload parses the payload as a JSON object, wrapping anything else
// as {"raw": payload} so handlers always see a map.
func decodePayload(payload string) map[string]any {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return map[string]any{"raw": payload}
	}
	return decoded
}
