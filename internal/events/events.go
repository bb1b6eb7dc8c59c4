// Package events is the engine's in-process pub/sub. Components publish
// UI-facing signals (activity changes, notices, banners) to topics; the
// local server's websocket writer and tests subscribe to them.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// HandlerFunc is called when an event is published to a subscribed topic.
type HandlerFunc func(context.Context, any) error

// SubjectOption configures a Subject.
type SubjectOption func(*subjectConfig)

type subjectConfig struct {
	bufferSize   int
	syncDelivery bool
	logger       *slog.Logger
}

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.bufferSize = size
	}
}

// WithSyncDelivery forces synchronous (inline) handler calls inside the
// dispatch goroutine. Required when handlers must not run concurrently,
// e.g. a single websocket writer.
func WithSyncDelivery() SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.syncDelivery = true
	}
}

// WithLogger sets a structured logger for handler errors.
func WithLogger(logger *slog.Logger) SubjectOption {
	return func(cfg *subjectConfig) {
		cfg.logger = logger
	}
}

type event struct {
	topic   string
	message any
}

// Subscription is a handler bound to a topic. Call Unsubscribe to detach.
type Subscription struct {
	Topic       string
	ID          string
	Handler     HandlerFunc
	Unsubscribe func()
}

// Subject routes published events to topic subscribers through a single
// dispatch goroutine, preserving publish order per Subject.
type Subject struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Subscription
	nextSubID   int64

	eventsCh chan event
	shutdown chan struct{}
	closed   int32
	wg       sync.WaitGroup

	config subjectConfig
}

// NewSubject creates a Subject and starts its dispatch goroutine.
func NewSubject(opts ...SubjectOption) *Subject {
	cfg := subjectConfig{bufferSize: 256}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Subject{
		subscribers: make(map[string]map[string]Subscription),
		eventsCh:    make(chan event, cfg.bufferSize),
		shutdown:    make(chan struct{}),
		config:      cfg,
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Publish emits a value to a topic. It fails rather than blocking forever
// if the buffer stays full.
func Publish[T any](s *Subject, topic string, value T) error {
	select {
	case s.eventsCh <- event{topic: topic, message: value}:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("publish to %s timed out", topic)
	}
}

// Subscribe attaches a typed handler to a topic.
func Subscribe[T any](s *Subject, topic string, handler func(context.Context, T) error) Subscription {
	wrapped := HandlerFunc(func(ctx context.Context, data any) error {
		typed, ok := data.(T)
		if !ok {
			return fmt.Errorf("unexpected payload %T on topic %s", data, topic)
		}
		return handler(ctx, typed)
	})

	id := fmt.Sprintf("%s-%d", topic, atomic.AddInt64(&s.nextSubID, 1))
	sub := Subscription{Topic: topic, ID: id, Handler: wrapped}
	sub.Unsubscribe = func() { s.remove(topic, id) }

	s.mu.Lock()
	if s.subscribers[topic] == nil {
		s.subscribers[topic] = make(map[string]Subscription)
	}
	s.subscribers[topic][id] = sub
	s.mu.Unlock()

	return sub
}

// Complete shuts the Subject down. Idempotent.
func Complete(s *Subject) {
	if s == nil {
		return
	}
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.shutdown)
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *Subject) dispatch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case evt := <-s.eventsCh:
			s.mu.RLock()
			subs := make([]Subscription, 0, len(s.subscribers[evt.topic]))
			for _, sub := range s.subscribers[evt.topic] {
				subs = append(subs, sub)
			}
			s.mu.RUnlock()

			for _, sub := range subs {
				s.deliver(sub, evt)
			}
		}
	}
}

func (s *Subject) deliver(sub Subscription, evt event) {
	call := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sub.Handler(ctx, evt.message); err != nil && s.config.logger != nil {
			s.config.logger.Debug("event handler error",
				"topic", evt.topic, "subscription", sub.ID, "error", err)
		}
	}
	if s.config.syncDelivery {
		call()
	} else {
		go call()
	}
}

func (s *Subject) remove(topic, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subscribers[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(s.subscribers, topic)
		}
	}
}
