package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/conveyordev/conveyor/internal/metrics"
)

const (
	defaultReplaySize = 64
	defaultSinkBuffer = 256
	sinkWriteTimeout  = 5 * time.Second
)

// Manager fans progress events out to subscribers and sinks. Publish
// never blocks: slow subscribers and a full sink queue drop events
// rather than stall the workflow.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// Per-session ring buffer for replay after reconnect.
	history  map[string]*ring
	capacity int
	sinks    []Sink

	sinkCh    chan Event
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewManager creates a manager with the given replay ring capacity
// and sink queue size. Zero values fall back to defaults.
func NewManager(replaySize, sinkBuffer int, logger *zap.Logger) *Manager {
	if replaySize <= 0 {
		replaySize = defaultReplaySize
	}
	if sinkBuffer <= 0 {
		sinkBuffer = defaultSinkBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    replaySize,
		sinkCh:      make(chan Event, sinkBuffer),
		stopCh:      make(chan struct{}),
		logger:      logger,
	}

	m.wg.Add(1)
	go m.sinkWorker()
	return m
}

// AddSink registers a sink for mirrored events.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Subscribe adds a subscriber channel for a session's events. The
// caller must drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish stamps and delivers an event to the session's subscribers
// and the sink queue.
func (m *Manager) Publish(sessionID string, evt Event) {
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	// Deliver under the lock so Unsubscribe cannot close a channel
	// mid-send. Sends never block.
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			metrics.RecordEventDropped()
		}
	}
	hasSinks := len(m.sinks) > 0
	m.mu.Unlock()

	metrics.RecordEventPublished(string(evt.Type))

	if hasSinks {
		select {
		case m.sinkCh <- evt:
		default:
			metrics.RecordEventDropped()
			m.logger.Debug("Sink queue full, dropping event",
				zap.String("session_id", sessionID),
				zap.String("type", string(evt.Type)),
			)
		}
	}
}

// ReplaySince returns the session's buffered events with Seq > since,
// best-effort within ring capacity.
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops a session's replay history and subscriber set.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, sessionID)
	if subs, ok := m.subscribers[sessionID]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(m.subscribers, sessionID)
	}
}

// Close stops the sink worker after draining queued events and closes
// every sink.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		sinks := m.sinks
		m.sinks = nil
		m.mu.Unlock()
		for _, s := range sinks {
			if err := s.Close(); err != nil {
				m.logger.Warn("Error closing event sink", zap.Error(err))
			}
		}
	})
}

// sinkWorker mirrors queued events to the registered sinks.
func (m *Manager) sinkWorker() {
	defer m.wg.Done()
	for {
		select {
		case evt := <-m.sinkCh:
			m.writeToSinks(evt)
		case <-m.stopCh:
			for {
				select {
				case evt := <-m.sinkCh:
					m.writeToSinks(evt)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) writeToSinks(evt Event) {
	m.mu.RLock()
	sinks := make([]Sink, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.RUnlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if err := s.Write(ctx, evt); err != nil {
			m.logger.Warn("Event sink write failed",
				zap.String("session_id", evt.SessionID),
				zap.String("type", string(evt.Type)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// ring is a fixed-capacity ring buffer of events. Sequence numbers
// start at 1 so ReplaySince(0) returns everything buffered.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity), nextSeq: 1}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
