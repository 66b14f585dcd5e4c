package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antiphon-ai/antiphon/internal/fault"
)

const checkpointsDir = "checkpoints"

// FileStore keeps checkpoints under
// <root>/<conversation_id>/checkpoints/<turn_index>.json.
//
// Writes go to a temp file first and are renamed into place, so a crash
// mid-write never damages the previous latest snapshot.
type FileStore struct {
	root   string
	keep   int
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*sync.Mutex
}

var _ Store = (*FileStore)(nil)

// FileStoreOption customizes a [FileStore].
type FileStoreOption func(*FileStore)

// WithKeepLast prunes all but the newest n checkpoints after each write.
// Zero or negative keeps everything.
func WithKeepLast(n int) FileStoreOption {
	return func(s *FileStore) { s.keep = n }
}

// WithLogger sets the logger for prune warnings. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates root if needed and returns a store rooted there.
func NewFileStore(root string, opts ...FileStoreOption) (*FileStore, error) {
	s := &FileStore{
		root:    root,
		logger:  slog.Default(),
		writers: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fault.Wrap(fault.Persistence, "checkpoint.open", err)
	}
	return s, nil
}

// Put writes one turn snapshot. Writes within a conversation are serialized;
// a rename failure leaves the previous latest snapshot intact.
func (s *FileStore) Put(ctx context.Context, conversationID, threadID string, turnIndex int, serialized []byte) error {
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.KindOf(err), "checkpoint.put", err)
	}
	if !safeID(conversationID) {
		return fault.New(fault.Validation, "checkpoint.put", fmt.Sprintf("unusable conversation id %q", conversationID))
	}
	if turnIndex < 0 {
		return fault.New(fault.Validation, "checkpoint.put", fmt.Sprintf("negative turn index %d", turnIndex))
	}
	if !json.Valid(serialized) {
		return fault.New(fault.Validation, "checkpoint.put", "serialized state is not valid JSON")
	}

	data, err := json.MarshalIndent(Record{
		ConversationID:  conversationID,
		ThreadID:        threadID,
		TurnIndex:       turnIndex,
		SerializedState: serialized,
		CreatedAt:       time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Persistence, "checkpoint.put", err)
	}

	w := s.writerFor(conversationID)
	w.Lock()
	defer w.Unlock()

	dir := filepath.Join(s.root, conversationID, checkpointsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.Persistence, "checkpoint.put", err)
	}

	path := filepath.Join(dir, strconv.Itoa(turnIndex)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Wrap(fault.Persistence, "checkpoint.put", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fault.Wrap(fault.Persistence, "checkpoint.put", err)
	}

	s.prune(dir, conversationID, turnIndex)
	return nil
}

// GetLatest returns the snapshot with the highest turn index.
func (s *FileStore) GetLatest(ctx context.Context, conversationID string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, fault.Wrap(fault.KindOf(err), "checkpoint.get_latest", err)
	}
	if !safeID(conversationID) {
		return Record{}, false, fault.New(fault.Validation, "checkpoint.get_latest", fmt.Sprintf("unusable conversation id %q", conversationID))
	}

	indices, err := s.indices(conversationID)
	if err != nil {
		return Record{}, false, err
	}
	if len(indices) == 0 {
		return Record{}, false, nil
	}

	latest := indices[len(indices)-1]
	path := filepath.Join(s.root, conversationID, checkpointsDir, strconv.Itoa(latest)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, false, fault.Wrap(fault.Persistence, "checkpoint.get_latest", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fault.Wrap(fault.Persistence, "checkpoint.get_latest", err)
	}
	return rec, true, nil
}

// List returns stored turn indices in ascending order. A conversation with
// no checkpoints yields an empty slice.
func (s *FileStore) List(ctx context.Context, conversationID string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.KindOf(err), "checkpoint.list", err)
	}
	if !safeID(conversationID) {
		return nil, fault.New(fault.Validation, "checkpoint.list", fmt.Sprintf("unusable conversation id %q", conversationID))
	}
	return s.indices(conversationID)
}

func (s *FileStore) indices(conversationID string) ([]int, error) {
	dir := filepath.Join(s.root, conversationID, checkpointsDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.Persistence, "checkpoint.list", err)
	}

	var indices []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok {
			continue
		}
		// Stray .tmp files and anything else non-numeric are skipped.
		n, err := strconv.Atoi(name)
		if err != nil || n < 0 {
			continue
		}
		indices = append(indices, n)
	}
	slices.Sort(indices)
	return indices, nil
}

// prune removes old snapshots past the keep limit. Failures are logged and
// swallowed; the write that triggered the prune has already succeeded.
func (s *FileStore) prune(dir, conversationID string, justWritten int) {
	if s.keep <= 0 {
		return
	}
	indices, err := s.indices(conversationID)
	if err != nil || len(indices) <= s.keep {
		return
	}
	for _, n := range indices[:len(indices)-s.keep] {
		if n == justWritten {
			continue
		}
		path := filepath.Join(dir, strconv.Itoa(n)+".json")
		if err := os.Remove(path); err != nil {
			s.logger.Warn("checkpoint prune failed",
				"conversation_id", conversationID,
				"turn_index", n,
				"err", err)
		}
	}
}

func (s *FileStore) writerFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[conversationID]
	if !ok {
		w = &sync.Mutex{}
		s.writers[conversationID] = w
	}
	return w
}

// safeID rejects IDs that would escape the store root when used as a
// directory name.
func safeID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
