// Package stream is the push channel to the agent runtime backend. A single
// WebSocket carries notifications for every subscribed thread; the channel
// tracks a per-thread sequence number, detects gaps, and resubscribes with
// resume instead of trusting whatever arrives next.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SeqStore persists per-thread last-seen sequence numbers across restarts.
type SeqStore interface {
	Get(threadID string) (uint64, error)
	Put(threadID string, seq uint64) error
}

// Handlers receive the channel's typed events. Nil handlers are skipped.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func()
	OnNotification func(threadID, method string, params json.RawMessage, seq uint64)
	OnSnapshot     func(threadID string, seqBase uint64, thread json.RawMessage)
	OnSync         func(threadID string, latestSeq uint64)
	OnRequest      func(id, method string, params json.RawMessage)
	OnError        func(message string)
}

// envelope is the wire frame in both directions.
type envelope struct {
	Type       string          `json:"type"`
	ThreadID   string          `json:"threadId,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	SeqBase    uint64          `json:"seqBase,omitempty"`
	LatestSeq  uint64          `json:"latestSeq,omitempty"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	ID         string          `json:"id,omitempty"`
	Thread     json.RawMessage `json:"thread,omitempty"`
	Message    string          `json:"message,omitempty"`
	Resume     bool            `json:"resume,omitempty"`
	ResumeFrom uint64          `json:"resumeFrom,omitempty"`
	Wake       bool            `json:"wake,omitempty"`
}

// Channel is the WebSocket push channel.
type Channel struct {
	url      string
	token    string
	handlers Handlers
	cursors  SeqStore
	log      *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes

	mu        sync.RWMutex
	subs      map[string]bool   // threads we want events for
	lastSeq   map[string]uint64 // per-thread last delivered seq
	connected bool
	done      chan struct{}
}

// Connect dials the gateway and starts the read loop. Subscriptions are
// replayed automatically after every reconnect.
func Connect(ctx context.Context, url, token string, handlers Handlers, cursors SeqStore, log *slog.Logger) (*Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Channel{
		url:      url,
		token:    token,
		handlers: handlers,
		cursors:  cursors,
		log:      log.With("component", "stream"),
		subs:     make(map[string]bool),
		lastSeq:  make(map[string]uint64),
		done:     make(chan struct{}),
	}
	if err := c.dial(ctx); err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	go c.readLoop()
	return c, nil
}

func (c *Channel) dial(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	return nil
}

// Close shuts the channel down; no reconnect after this.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected reports whether the socket is up.
func (c *Channel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Subscribe asks the gateway for a thread's events. With resume, delivery
// restarts from the last persisted sequence instead of "now".
func (c *Channel) Subscribe(threadID string, resume bool) error {
	var from uint64
	if resume {
		from = c.cursor(threadID)
	}
	c.mu.Lock()
	c.subs[threadID] = true
	c.mu.Unlock()
	return c.write(envelope{
		Type:       "subscribe",
		ThreadID:   threadID,
		Resume:     resume,
		ResumeFrom: from,
		Wake:       true,
	})
}

// Unsubscribe stops a thread's events.
func (c *Channel) Unsubscribe(threadID string) error {
	c.mu.Lock()
	delete(c.subs, threadID)
	c.mu.Unlock()
	return c.write(envelope{Type: "unsubscribe", ThreadID: threadID})
}

func (c *Channel) write(env envelope) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("stream not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

func (c *Channel) cursor(threadID string) uint64 {
	c.mu.RLock()
	seq, ok := c.lastSeq[threadID]
	c.mu.RUnlock()
	if ok {
		return seq
	}
	if c.cursors != nil {
		if persisted, err := c.cursors.Get(threadID); err == nil {
			return persisted
		}
	}
	return 0
}

func (c *Channel) readLoop() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			if c.handlers.OnDisconnected != nil {
				c.handlers.OnDisconnected()
			}
			go c.reconnect()
			return
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Malformed payloads never crash the loop.
		c.log.Debug("dropping malformed frame", "error", err)
		return
	}

	switch env.Type {
	case "notification":
		if env.ThreadID == "" || env.Method == "" {
			c.log.Debug("dropping notification without thread or method")
			return
		}
		if !c.advance(env.ThreadID, env.Seq) {
			return
		}
		if c.handlers.OnNotification != nil {
			c.handlers.OnNotification(env.ThreadID, env.Method, env.Params, env.Seq)
		}
	case "thread_snapshot":
		c.rebase(env.ThreadID, env.SeqBase)
		if c.handlers.OnSnapshot != nil {
			c.handlers.OnSnapshot(env.ThreadID, env.SeqBase, env.Thread)
		}
	case "thread_sync":
		c.checkSync(env.ThreadID, env.LatestSeq)
		if c.handlers.OnSync != nil {
			c.handlers.OnSync(env.ThreadID, env.LatestSeq)
		}
	case "request":
		if c.handlers.OnRequest != nil {
			c.handlers.OnRequest(env.ID, env.Method, env.Params)
		}
	case "error":
		if c.handlers.OnError != nil {
			c.handlers.OnError(env.Message)
		}
	default:
		c.log.Debug("dropping unrecognized frame", "type", env.Type)
	}
}

// advance validates a notification's sequence number. A skipped or
// out-of-order seq means we lost frames somewhere; rather than deliver a
// view with a hole in it, force a resubscribe that replays from the last
// seq we actually saw.
func (c *Channel) advance(threadID string, seq uint64) bool {
	if seq == 0 {
		// Unsequenced notification, deliver as-is.
		return true
	}
	c.mu.Lock()
	last, known := c.lastSeq[threadID]
	if known && seq <= last {
		c.mu.Unlock()
		c.log.Debug("dropping replayed frame", "thread", threadID, "seq", seq, "last", last)
		return false
	}
	if known && seq != last+1 {
		// Keep the cursor at the last seq we actually saw so the
		// resubscribe replays the missing frames, not just new ones.
		c.mu.Unlock()
		c.log.Warn("sequence gap, resubscribing with resume", "thread", threadID, "have", last, "got", seq)
		if err := c.Subscribe(threadID, true); err != nil {
			c.log.Warn("resubscribe failed", "thread", threadID, "error", err)
		}
		return false
	}
	c.lastSeq[threadID] = seq
	c.mu.Unlock()

	c.persist(threadID, seq)
	return true
}

// rebase accepts a full snapshot's baseline: everything before seqBase is
// superseded by the snapshot body.
func (c *Channel) rebase(threadID string, seqBase uint64) {
	if threadID == "" {
		return
	}
	c.mu.Lock()
	c.lastSeq[threadID] = seqBase
	c.mu.Unlock()
	c.persist(threadID, seqBase)
}

// checkSync compares the server's latest seq against ours and resumes if
// we are behind.
func (c *Channel) checkSync(threadID string, latestSeq uint64) {
	if threadID == "" || latestSeq == 0 {
		return
	}
	c.mu.RLock()
	last := c.lastSeq[threadID]
	c.mu.RUnlock()
	if last >= latestSeq {
		return
	}
	c.log.Info("behind on thread, resuming", "thread", threadID, "have", last, "latest", latestSeq)
	if err := c.Subscribe(threadID, true); err != nil {
		c.log.Warn("resume failed", "thread", threadID, "error", err)
	}
}

func (c *Channel) persist(threadID string, seq uint64) {
	if c.cursors == nil {
		return
	}
	if err := c.cursors.Put(threadID, seq); err != nil {
		c.log.Warn("persist cursor failed", "thread", threadID, "error", err)
	}
}

func (c *Channel) reconnect() {
	base := 100 * time.Millisecond
	cap := 10 * time.Second
	attempt := 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		delay := min(base*time.Duration(1<<attempt), cap)
		// Add jitter: ±25%
		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		delay = delay - delay/4 + jitter
		if attempt < 10 {
			attempt++
		}

		c.log.Info("reconnecting", "attempt", attempt, "delay", delay)
		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			c.log.Warn("reconnect failed", "error", err, "attempt", attempt)
			continue
		}

		// Resubscribe every thread with resume so missed frames replay.
		c.mu.RLock()
		threads := make([]string, 0, len(c.subs))
		for id := range c.subs {
			threads = append(threads, id)
		}
		c.mu.RUnlock()
		for _, id := range threads {
			if err := c.Subscribe(id, true); err != nil {
				c.log.Warn("resubscribe after reconnect failed", "thread", id, "error", err)
			}
		}

		go c.readLoop()
		c.log.Info("reconnected", "attempt", attempt)
		return
	}
}
