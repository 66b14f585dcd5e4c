// Package checkpoint persists serialized turn state between conversation
// turns so the latest state of every conversation survives a restart.
//
// A [Store] keeps one record per completed turn. [FileStore] is the durable
// implementation; [MemStore] backs tests and configurations that disable
// persistence.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one persisted turn snapshot.
type Record struct {
	ConversationID  string          `json:"conversation_id"`
	ThreadID        string          `json:"thread_id"`
	TurnIndex       int             `json:"turn_index"`
	SerializedState json.RawMessage `json:"serialized_state"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Store persists and recovers turn snapshots. Implementations serialize
// writes per conversation; turns of the same conversation never interleave.
type Store interface {
	// Put durably writes one turn snapshot. serialized must be valid JSON.
	Put(ctx context.Context, conversationID, threadID string, turnIndex int, serialized []byte) error

	// GetLatest returns the newest snapshot for a conversation. The second
	// return is false when the conversation has no checkpoints.
	GetLatest(ctx context.Context, conversationID string) (Record, bool, error)

	// List returns the stored turn indices in ascending order.
	List(ctx context.Context, conversationID string) ([]int, error)
}
