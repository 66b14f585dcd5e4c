package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
)

// MemStore is an in-memory [Store] for tests and for configurations that
// run without durable persistence.
type MemStore struct {
	mu   sync.Mutex
	recs map[string][]Record
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string][]Record)}
}

// Put stores one snapshot, replacing any existing record for the same turn.
func (s *MemStore) Put(ctx context.Context, conversationID, threadID string, turnIndex int, serialized []byte) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindOf(err), "checkpoint.put", err)
	}
	if conversationID == "" {
		return fault.New(fault.Validation, "checkpoint.put", "empty conversation id")
	}
	if turnIndex < 0 {
		return fault.New(fault.Validation, "checkpoint.put", fmt.Sprintf("negative turn index %d", turnIndex))
	}
	if !json.Valid(serialized) {
		return fault.New(fault.Validation, "checkpoint.put", "serialized state is not valid JSON")
	}

	rec := Record{
		ConversationID:  conversationID,
		ThreadID:        threadID,
		TurnIndex:       turnIndex,
		SerializedState: slices.Clone(serialized),
		CreatedAt:       time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[conversationID]
	for i, old := range recs {
		if old.TurnIndex == turnIndex {
			recs[i] = rec
			return nil
		}
	}
	recs = append(recs, rec)
	slices.SortFunc(recs, func(a, b Record) int { return a.TurnIndex - b.TurnIndex })
	s.recs[conversationID] = recs
	return nil
}

// GetLatest returns the snapshot with the highest turn index.
func (s *MemStore) GetLatest(ctx context.Context, conversationID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, fault.Wrap(fault.KindOf(err), "checkpoint.get_latest", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[conversationID]
	if len(recs) == 0 {
		return Record{}, false, nil
	}
	return recs[len(recs)-1], true, nil
}

// List returns stored turn indices in ascending order.
func (s *MemStore) List(ctx context.Context, conversationID string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindOf(err), "checkpoint.list", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.recs[conversationID]
	indices := make([]int, 0, len(recs))
	for _, r := range recs {
		indices = append(indices, r.TurnIndex)
	}
	return indices, nil
}
