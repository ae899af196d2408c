package engine

import (
	"sync"
	"time"

	"github.com/fabiohfernandes/Matchmaker/internal/clock"
	"github.com/fabiohfernandes/Matchmaker/internal/events"
	"github.com/fabiohfernandes/Matchmaker/internal/ids"
	"github.com/fabiohfernandes/Matchmaker/internal/protocol"
	"github.com/fabiohfernandes/Matchmaker/internal/session"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

const (
	// AssignmentCooldown keeps a just-assigned node ineligible until its
	// clientConnected arrives, so two clients cannot race onto it.
	AssignmentCooldown = 10 * time.Second

	// StaleNodeThreshold unregisters nodes that stopped pinging.
	StaleNodeThreshold = 120 * time.Second

	// DefaultAverageHold is the ETA estimate per queue position.
	DefaultAverageHold = 5 * time.Minute
)

// StreamNode is a registered streaming server.
type StreamNode struct {
	ID               string                 `json:"id"`
	Address          string                 `json:"address"`
	Port             int                    `json:"port"`
	Secure           bool                   `json:"secure"`
	ConnectedClients int                    `json:"connected_clients"`
	LastPingAt       time.Time              `json:"last_ping_at"`
	Ready            bool                   `json:"ready"`
	CooldownUntil    time.Time              `json:"cooldown_until"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// eligible reports whether the node can take a new assignment at now.
func (n *StreamNode) eligible(now time.Time) bool {
	return n.Ready && n.ConnectedClients == 0 && !now.Before(n.CooldownUntil)
}

// QueueStatus describes a session's place in the wait queue.
type QueueStatus struct {
	Position     int   `json:"position"`
	TotalInQueue int   `json:"total_in_queue"`
	ETAMs        int64 `json:"eta_ms"`
}

// Stats is a read-only snapshot of engine state.
type Stats struct {
	TotalNodes       int `json:"total_nodes"`
	EligibleNodes    int `json:"eligible_nodes"`
	ConnectedClients int `json:"connected_clients"`
	QueueLength      int `json:"queue_length"`
	SessionCount     int `json:"session_count"`
}

// Options tunes engine behavior.
type Options struct {
	SessionTimeout time.Duration // idle session expiry, default 30m
	AverageHold    time.Duration // per-position ETA estimate, default 5m
}

// Engine is the matchmaker core: node registry, priority wait queue, and
// the assignment state machine. All public operations are serialized by a
// single mutex; events are published synchronously with each mutation.
type Engine struct {
	logger   logging.Logger
	clock    clock.Clock
	bus      *events.Bus
	sessions *session.Store

	sessionTimeout time.Duration
	averageHold    time.Duration

	mu        sync.Mutex
	nodes     map[string]*StreamNode
	nodeOrder []string // insertion order, drives acquireNode determinism
	queue     priorityQueue
}

// New creates an engine bound to a session store and notification bus.
func New(logger logging.Logger, clk clock.Clock, bus *events.Bus, sessions *session.Store, opts Options) *Engine {
	if opts.SessionTimeout == 0 {
		opts.SessionTimeout = 30 * time.Minute
	}
	if opts.AverageHold == 0 {
		opts.AverageHold = DefaultAverageHold
	}
	return &Engine{
		logger:         logger,
		clock:          clk,
		bus:            bus,
		sessions:       sessions,
		sessionTimeout: opts.SessionTimeout,
		averageHold:    opts.AverageHold,
		nodes:          make(map[string]*StreamNode),
	}
}

// RegisterNode inserts a node from a connect message. A prior node with
// the same (address, port) is evicted first.
func (e *Engine) RegisterNode(msg protocol.Message) string {
	now := e.clock.Now()

	e.mu.Lock()
	var evicted string
	for id, n := range e.nodes {
		if n.Address == msg.Address && n.Port == msg.Port {
			evicted = id
			break
		}
	}
	if evicted != "" {
		e.dropNodeLocked(evicted)
	}

	node := &StreamNode{
		ID:         ids.NewNodeID(),
		Address:    msg.Address,
		Port:       msg.Port,
		Secure:     msg.HTTPS,
		LastPingAt: now,
		Ready:      msg.Ready,
		Metadata:   msg.Metadata,
	}
	if msg.PlayerConnected {
		node.ConnectedClients = 1
	}
	e.nodes[node.ID] = node
	e.nodeOrder = append(e.nodeOrder, node.ID)
	e.mu.Unlock()

	if evicted != "" {
		e.bus.Publish(events.Event{Kind: events.NodeUnregistered, NodeID: evicted})
	}
	e.bus.Publish(events.Event{Kind: events.NodeRegistered, NodeID: node.ID})

	e.logger.WithFields(logging.Fields{
		"node_id": node.ID,
		"address": msg.Address,
		"port":    msg.Port,
		"ready":   msg.Ready,
	}).Info("Stream node registered")

	return node.ID
}

// UpdateNode applies a non-connect control message to a registered node.
// Unknown nodes are logged and ignored.
func (e *Engine) UpdateNode(nodeID string, msg protocol.Message) {
	e.mu.Lock()
	node, ok := e.nodes[nodeID]
	if !ok {
		e.mu.Unlock()
		e.logger.WithFields(logging.Fields{
			"node_id": nodeID,
			"type":    msg.Type,
		}).Warn("Update for unknown node")
		return
	}

	switch msg.Type {
	case protocol.TypeStreamerConnected:
		node.Ready = true
	case protocol.TypeStreamerDisconnected:
		node.Ready = false
	case protocol.TypeClientConnected:
		node.ConnectedClients++
	case protocol.TypeClientDisconnected:
		if node.ConnectedClients > 0 {
			node.ConnectedClients--
		}
		if node.ConnectedClients == 0 {
			node.CooldownUntil = time.Time{}
		}
	case protocol.TypePing:
		node.LastPingAt = e.clock.Now()
	}
	e.mu.Unlock()

	e.bus.Publish(events.Event{Kind: events.NodeUpdated, NodeID: nodeID})
}

// UnregisterNode removes a node. Idempotent.
func (e *Engine) UnregisterNode(nodeID string) {
	e.mu.Lock()
	_, ok := e.nodes[nodeID]
	if ok {
		e.dropNodeLocked(nodeID)
	}
	e.mu.Unlock()

	if ok {
		e.bus.Publish(events.Event{Kind: events.NodeUnregistered, NodeID: nodeID})
		e.logger.WithField("node_id", nodeID).Info("Stream node unregistered")
	}
}

func (e *Engine) dropNodeLocked(nodeID string) {
	delete(e.nodes, nodeID)
	for i, id := range e.nodeOrder {
		if id == nodeID {
			e.nodeOrder = append(e.nodeOrder[:i], e.nodeOrder[i+1:]...)
			break
		}
	}
}

// AcquireNode returns the first eligible node in insertion order and
// starts its assignment cooldown. Returns false when none is eligible.
func (e *Engine) AcquireNode() (StreamNode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acquireNodeLocked()
}

func (e *Engine) acquireNodeLocked() (StreamNode, bool) {
	now := e.clock.Now()
	for _, id := range e.nodeOrder {
		node := e.nodes[id]
		if node.eligible(now) {
			node.CooldownUntil = now.Add(AssignmentCooldown)
			return *node, true
		}
	}
	return StreamNode{}, false
}

// GetNode returns a copy of a node by id.
func (e *Engine) GetNode(nodeID string) (StreamNode, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	node, ok := e.nodes[nodeID]
	if !ok {
		return StreamNode{}, false
	}
	return *node, true
}

// Nodes returns copies of all registered nodes in insertion order.
func (e *Engine) Nodes() []StreamNode {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StreamNode, 0, len(e.nodeOrder))
	for _, id := range e.nodeOrder {
		out = append(out, *e.nodes[id])
	}
	return out
}

// Enqueue creates a queued session and inserts it by priority.
func (e *Engine) Enqueue(clientID string, priority int) session.Session {
	sess := e.sessions.Create(clientID, priority)

	e.mu.Lock()
	e.queue.insert(sess.ID, priority)
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Kind:      events.SessionQueued,
		SessionID: sess.ID,
		ClientID:  sess.ClientID,
	})
	return sess
}

// QueuePosition reports a session's 1-based queue slot and ETA.
func (e *Engine) QueuePosition(sessionID string) (QueueStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.queue.position(sessionID)
	if pos == 0 {
		return QueueStatus{}, false
	}
	return QueueStatus{
		Position:     pos,
		TotalInQueue: e.queue.len(),
		ETAMs:        int64(pos) * e.averageHold.Milliseconds(),
	}, true
}

type assignment struct {
	sessionID string
	node      StreamNode
}

// DrainQueue assigns queued sessions to eligible nodes until either runs
// out. Reports whether at least one assignment happened. The cooldown is
// started in the same critical section that pops the queue head, so a
// node is handed to at most one session per cooldown window.
func (e *Engine) DrainQueue() bool {
	var assigned []assignment

	e.mu.Lock()
	for e.queue.len() > 0 {
		node, ok := e.acquireNodeLocked()
		if !ok {
			break
		}
		head, _ := e.queue.pop()
		assigned = append(assigned, assignment{sessionID: head.sessionID, node: node})
	}
	e.mu.Unlock()

	for _, a := range assigned {
		// Status transition precedes the sessionAssigned event.
		e.sessions.UpdateStatus(a.sessionID, session.StatusConnected, a.node.ID)
		sess, _ := e.sessions.Get(a.sessionID)
		e.bus.Publish(events.Event{
			Kind:      events.SessionAssigned,
			SessionID: a.sessionID,
			ClientID:  sess.ClientID,
			NodeID:    a.node.ID,
			Data: map[string]interface{}{
				"address": a.node.Address,
				"port":    a.node.Port,
				"secure":  a.node.Secure,
			},
		})
		e.logger.WithFields(logging.Fields{
			"session_id": a.sessionID,
			"node_id":    a.node.ID,
		}).Info("Session assigned to stream node")
	}

	return len(assigned) > 0
}

// RemoveSession drops a session from the queue and the store. Idempotent.
func (e *Engine) RemoveSession(sessionID string) {
	e.mu.Lock()
	e.queue.remove(sessionID)
	e.mu.Unlock()

	e.sessions.Remove(sessionID)
}

// Stats returns a read-only snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	now := e.clock.Now()
	st := Stats{
		TotalNodes:  len(e.nodes),
		QueueLength: e.queue.len(),
	}
	for _, n := range e.nodes {
		if n.eligible(now) {
			st.EligibleNodes++
		}
		st.ConnectedClients += n.ConnectedClients
	}
	e.mu.Unlock()

	st.SessionCount = e.sessions.Stats().Total
	return st
}

// SweepStaleNodes unregisters nodes that have not pinged within the
// staleness threshold. A node exactly at the threshold is removed.
func (e *Engine) SweepStaleNodes() int {
	now := e.clock.Now()

	e.mu.Lock()
	var stale []string
	for _, id := range e.nodeOrder {
		if now.Sub(e.nodes[id].LastPingAt) >= StaleNodeThreshold {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		e.dropNodeLocked(id)
	}
	e.mu.Unlock()

	for _, id := range stale {
		e.bus.Publish(events.Event{Kind: events.NodeUnregistered, NodeID: id})
		e.logger.WithField("node_id", id).Warn("Stream node removed: stale ping")
	}
	return len(stale)
}

// SweepSessions removes sessions idle longer than the session timeout and
// emits one sweepCompleted with the count.
func (e *Engine) SweepSessions() int {
	expired := e.sessions.ExpiredSnapshot(e.clock.Now(), e.sessionTimeout)
	for _, id := range expired {
		e.mu.Lock()
		e.queue.remove(id)
		e.mu.Unlock()
		e.sessions.UpdateStatus(id, session.StatusExpired, "")
		e.sessions.Remove(id)
	}

	e.bus.Publish(events.Event{Kind: events.SweepCompleted, Removed: len(expired)})
	if len(expired) > 0 {
		e.logger.WithField("removed", len(expired)).Info("Session sweep completed")
	}
	return len(expired)
}

// SessionTimeout exposes the configured idle expiry.
func (e *Engine) SessionTimeout() time.Duration {
	return e.sessionTimeout
}
