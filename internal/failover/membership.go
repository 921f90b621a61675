// Package failover detects the termination of the active node of a pair,
// promotes the passive and routes clients to whichever node is active.
package failover

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// TerminationEvent reports that a node left the pair
type TerminationEvent struct {
	NodeID string
	At     time.Time
}

// Membership tracks which node of the pair is active
type Membership interface {
	// CurrentActive returns the active node id, or "" while there is none
	CurrentActive() string
	SetActive(nodeID string)
	// SubscribeToTermination returns a channel receiving every later
	// termination of the active node
	SubscribeToTermination() <-chan TerminationEvent
}

const subscriberBuffer = 16

// subscribers fans termination events out to every subscriber
type subscribers struct {
	mu     sync.Mutex
	chans  []chan TerminationEvent
	closed bool
	logger *zap.Logger
}

func (s *subscribers) subscribe() <-chan TerminationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan TerminationEvent, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch
	}
	s.chans = append(s.chans, ch)
	return ch
}

func (s *subscribers) publish(ev TerminationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("Termination subscriber is full, dropping event",
				zap.String("node_id", ev.NodeID))
		}
	}
}

func (s *subscribers) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.chans {
		close(ch)
	}
	s.chans = nil
}

// StaticMembership is membership controlled in process. Terminate plays the
// part of a failure detector.
type StaticMembership struct {
	mu     sync.RWMutex
	active string
	subs   subscribers
	logger *zap.Logger
}

// NewStaticMembership creates a membership whose active node is active
func NewStaticMembership(active string, logger *zap.Logger) *StaticMembership {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticMembership{
		active: active,
		subs:   subscribers{logger: logger},
		logger: logger,
	}
}

func (m *StaticMembership) CurrentActive() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

func (m *StaticMembership) SetActive(nodeID string) {
	m.mu.Lock()
	m.active = nodeID
	m.mu.Unlock()
	m.logger.Info("Active node set", zap.String("node_id", nodeID))
}

func (m *StaticMembership) SubscribeToTermination() <-chan TerminationEvent {
	return m.subs.subscribe()
}

// Terminate marks nodeID as gone. Subscribers are notified when it was the
// active node.
func (m *StaticMembership) Terminate(nodeID string) {
	m.mu.Lock()
	wasActive := m.active == nodeID
	if wasActive {
		m.active = ""
	}
	m.mu.Unlock()

	m.logger.Info("Node terminated",
		zap.String("node_id", nodeID),
		zap.Bool("was_active", wasActive))
	if wasActive {
		m.subs.publish(TerminationEvent{NodeID: nodeID, At: time.Now()})
	}
}

// Close closes every subscription channel
func (m *StaticMembership) Close() {
	m.subs.close()
}
