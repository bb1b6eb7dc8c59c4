package engine

import "sync"

// lane serializes event handling for one thread. Push notifications for a
// thread arrive in send order and must be processed in that order without
// interleaving with snapshot application for the same thread.
type lane struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{} // buffered(1), wakeup for the pump goroutine
	stop   chan struct{}
}

func newLane() *lane {
	l := &lane{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go l.pump()
	return l
}

func (l *lane) enqueue(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *lane) pump() {
	for {
		select {
		case <-l.stop:
			return
		case <-l.notify:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
	}
}

// dispatch runs fn on the thread's lane, creating the lane on first use.
func (e *Engine) dispatch(threadID string, fn func()) {
	e.laneMu.Lock()
	if e.closed {
		e.laneMu.Unlock()
		return
	}
	ln, ok := e.lanes[threadID]
	if !ok {
		ln = newLane()
		e.lanes[threadID] = ln
	}
	e.laneMu.Unlock()
	ln.enqueue(fn)
}

// RemoveThread tears down everything tracked for a thread: its lane, its
// timers, its queue pause, and its run state.
func (e *Engine) RemoveThread(threadID string) {
	e.laneMu.Lock()
	if ln, ok := e.lanes[threadID]; ok {
		close(ln.stop)
		delete(e.lanes, threadID)
	}
	e.laneMu.Unlock()

	e.coord.Reset(threadID)
	e.gate.Remove(threadID)
	e.store.Remove(threadID)
	if subs := e.subscriber(); subs != nil {
		if err := subs.Unsubscribe(threadID); err != nil {
			e.log.Debug("unsubscribe failed", "thread", threadID, "error", err)
		}
	}
}

// Close stops every lane. Pending handlers already dequeued still finish.
func (e *Engine) Close() {
	e.laneMu.Lock()
	defer e.laneMu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ln := range e.lanes {
		close(ln.stop)
		delete(e.lanes, id)
	}
}
