package state

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fabiohfernandes/Matchmaker/internal/engine"
	"github.com/fabiohfernandes/Matchmaker/internal/events"
	"github.com/fabiohfernandes/Matchmaker/internal/session"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

// RedisMirror writes engine and session snapshots to Redis for external
// inspection. The mirror is observability only: nothing is read back to
// rebuild state after a restart.
type RedisMirror struct {
	client     goredis.UniversalClient
	logger     logging.Logger
	instanceID string
}

// NewRedisMirror creates a mirror using the given client.
func NewRedisMirror(client goredis.UniversalClient, logger logging.Logger, instanceID string) *RedisMirror {
	return &RedisMirror{client: client, logger: logger, instanceID: instanceID}
}

func (r *RedisMirror) keyNode(nodeID string) string {
	return fmt.Sprintf("{%s}:nodes:%s", r.instanceID, nodeID)
}

func (r *RedisMirror) keySession(sessionID string) string {
	return fmt.Sprintf("{%s}:sessions:%s", r.instanceID, sessionID)
}

func (r *RedisMirror) setJSON(ctx context.Context, key string, value any) error {
	bytes, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, key, bytes, 0).Err()
}

// SetNode mirrors one node snapshot.
func (r *RedisMirror) SetNode(ctx context.Context, node engine.StreamNode) error {
	return r.setJSON(ctx, r.keyNode(node.ID), node)
}

// DeleteNode drops a node snapshot.
func (r *RedisMirror) DeleteNode(ctx context.Context, nodeID string) error {
	return r.client.Del(ctx, r.keyNode(nodeID)).Err()
}

// SetSession mirrors one session snapshot.
func (r *RedisMirror) SetSession(ctx context.Context, sess session.Session) error {
	return r.setJSON(ctx, r.keySession(sess.ID), sess)
}

// DeleteSession drops a session snapshot.
func (r *RedisMirror) DeleteSession(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.keySession(sessionID)).Err()
}

// GetAllNodes reads back every mirrored node, for diagnostics.
func (r *RedisMirror) GetAllNodes(ctx context.Context) (map[string]engine.StreamNode, error) {
	return scanMirror(ctx, r, "{"+r.instanceID+"}:nodes:*", func(data string) (engine.StreamNode, string, error) {
		var n engine.StreamNode
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			return engine.StreamNode{}, "", err
		}
		return n, n.ID, nil
	})
}

// GetAllSessions reads back every mirrored session, for diagnostics.
func (r *RedisMirror) GetAllSessions(ctx context.Context) (map[string]session.Session, error) {
	return scanMirror(ctx, r, "{"+r.instanceID+"}:sessions:*", func(data string) (session.Session, string, error) {
		var s session.Session
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return session.Session{}, "", err
		}
		return s, s.ID, nil
	})
}

// Flush deletes every key written by this instance, used on clean shutdown.
func (r *RedisMirror) Flush(ctx context.Context) error {
	for _, pattern := range []string{
		"{" + r.instanceID + "}:nodes:*",
		"{" + r.instanceID + "}:sessions:*",
	} {
		cursor := uint64(0)
		for {
			keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				if err := r.client.Del(ctx, keys...).Err(); err != nil {
					return err
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

// Attach subscribes the mirror to the notification bus so snapshots track
// engine mutations. Redis failures are logged and never block matchmaking.
func (r *RedisMirror) Attach(bus *events.Bus, eng *engine.Engine, sessions *session.Store) {
	bus.Subscribe(func(e events.Event) {
		ctx := context.Background()
		switch e.Kind {
		case events.NodeRegistered, events.NodeUpdated:
			if node, ok := eng.GetNode(e.NodeID); ok {
				if err := r.SetNode(ctx, node); err != nil {
					r.logger.WithError(err).Warn("Redis mirror: node write failed")
				}
			}
		case events.NodeUnregistered:
			if err := r.DeleteNode(ctx, e.NodeID); err != nil {
				r.logger.WithError(err).Warn("Redis mirror: node delete failed")
			}
		case events.SessionCreated, events.SessionStatusChanged, events.SessionAssigned:
			if sess, ok := sessions.Get(e.SessionID); ok {
				if err := r.SetSession(ctx, sess); err != nil {
					r.logger.WithError(err).Warn("Redis mirror: session write failed")
				}
			}
		case events.SessionRemoved:
			if err := r.DeleteSession(ctx, e.SessionID); err != nil {
				r.logger.WithError(err).Warn("Redis mirror: session delete failed")
			}
		}
	},
		events.NodeRegistered, events.NodeUpdated, events.NodeUnregistered,
		events.SessionCreated, events.SessionStatusChanged, events.SessionAssigned,
		events.SessionRemoved,
	)
}

type mirrorScanner[T any] func(data string) (T, string, error)

func scanMirror[T any](ctx context.Context, r *RedisMirror, pattern string, parser mirrorScanner[T]) (map[string]T, error) {
	cursor := uint64(0)
	result := make(map[string]T)

	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}

		for _, key := range keys {
			value, err := r.client.Get(ctx, key).Result()
			if err != nil {
				r.logger.WithError(err).WithField("key", key).Warn("Failed to GET redis key during scan")
				continue
			}
			parsed, resultKey, err := parser(value)
			if err != nil {
				r.logger.WithError(err).WithField("key", key).Warn("Failed to parse redis value during scan")
				continue
			}
			if resultKey == "" {
				continue
			}
			result[resultKey] = parsed
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return result, nil
}
