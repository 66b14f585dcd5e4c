package checkpoint_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/antiphon-ai/antiphon/internal/checkpoint"
	"github.com/antiphon-ai/antiphon/internal/fault"
)

type payload struct {
	Turn int    `json:"turn"`
	Text string `json:"text"`
}

func serialized(t *testing.T, p payload) []byte {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func newFileStore(t *testing.T, opts ...checkpoint.FileStoreOption) *checkpoint.FileStore {
	t.Helper()
	s, err := checkpoint.NewFileStore(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

// TestFileStore_PutGetLatest verifies the newest turn wins and the record
// fields round-trip.
func TestFileStore_PutGetLatest(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	for i := 0; i < 3; i++ {
		p := payload{Turn: i, Text: fmt.Sprintf("turn %d", i)}
		if err := s.Put(ctx, "conv-1", "thread-a", i, serialized(t, p)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	rec, ok, err := s.GetLatest(ctx, "conv-1")
	if err != nil || !ok {
		t.Fatalf("GetLatest: ok=%v err=%v", ok, err)
	}
	if rec.ConversationID != "conv-1" || rec.ThreadID != "thread-a" || rec.TurnIndex != 2 {
		t.Errorf("record = %+v", rec)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt not stamped")
	}

	var p payload
	if err := json.Unmarshal(rec.SerializedState, &p); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if p.Turn != 2 || p.Text != "turn 2" {
		t.Errorf("state = %+v, want turn 2", p)
	}
}

// TestFileStore_GetLatestEmpty verifies an unknown conversation reports
// not-found without an error.
func TestFileStore_GetLatestEmpty(t *testing.T) {
	s := newFileStore(t)

	rec, ok, err := s.GetLatest(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if ok {
		t.Errorf("ok = true for empty conversation, record %+v", rec)
	}
}

// TestFileStore_ListNumericOrder verifies indices sort numerically, not
// lexically.
func TestFileStore_ListNumericOrder(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	for _, n := range []int{2, 10, 1} {
		if err := s.Put(ctx, "conv-1", "t", n, serialized(t, payload{Turn: n})); err != nil {
			t.Fatalf("Put(%d): %v", n, err)
		}
	}

	got, err := s.List(ctx, "conv-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []int{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List = %v, want %v", got, want)
		}
	}
}

// TestFileStore_OverwriteSameTurn verifies a rewrite of the same turn index
// replaces the snapshot instead of duplicating it.
func TestFileStore_OverwriteSameTurn(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	if err := s.Put(ctx, "conv-1", "t", 0, serialized(t, payload{Text: "first"})); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "conv-1", "t", 0, serialized(t, payload{Text: "second"})); err != nil {
		t.Fatalf("Put: %v", err)
	}

	indices, err := s.List(ctx, "conv-1")
	if err != nil || len(indices) != 1 {
		t.Fatalf("List = %v, %v; want one entry", indices, err)
	}

	rec, ok, err := s.GetLatest(ctx, "conv-1")
	if err != nil || !ok {
		t.Fatalf("GetLatest: ok=%v err=%v", ok, err)
	}
	var p payload
	if err := json.Unmarshal(rec.SerializedState, &p); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if p.Text != "second" {
		t.Errorf("Text = %q, want second", p.Text)
	}
}

// TestFileStore_RejectsBadInput verifies validation of IDs, indices, and
// state bytes before anything touches the disk.
func TestFileStore_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	good := serialized(t, payload{})

	tests := []struct {
		name  string
		conv  string
		turn  int
		state []byte
	}{
		{"empty conversation id", "", 0, good},
		{"path traversal", "..", 0, good},
		{"separator in id", "a/b", 0, good},
		{"backslash in id", `a\b`, 0, good},
		{"negative turn", "conv-1", -1, good},
		{"state not json", "conv-1", 0, []byte("not json")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Put(ctx, tt.conv, "t", tt.turn, tt.state)
			if err == nil {
				t.Fatal("Put succeeded, want validation error")
			}
			if kind := fault.KindOf(err); kind != fault.Validation {
				t.Errorf("kind = %s, want %s", kind, fault.Validation)
			}
		})
	}
}

// TestFileStore_KeepLastPrunes verifies the prune policy keeps only the
// newest snapshots while the latest stays recoverable.
func TestFileStore_KeepLastPrunes(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t, checkpoint.WithKeepLast(2))

	for i := 0; i < 5; i++ {
		if err := s.Put(ctx, "conv-1", "t", i, serialized(t, payload{Turn: i})); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	indices, err := s.List(ctx, "conv-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(indices) != 2 || indices[0] != 3 || indices[1] != 4 {
		t.Errorf("List = %v, want [3 4]", indices)
	}

	rec, ok, err := s.GetLatest(ctx, "conv-1")
	if err != nil || !ok || rec.TurnIndex != 4 {
		t.Errorf("GetLatest = %+v, ok=%v, err=%v; want turn 4", rec, ok, err)
	}
}

// TestFileStore_SkipsStrayFiles verifies leftovers from interrupted writes
// and unrelated files never break listing or recovery.
func TestFileStore_SkipsStrayFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := checkpoint.NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if err := s.Put(ctx, "conv-1", "t", 0, serialized(t, payload{Text: "real"})); err != nil {
		t.Fatalf("Put: %v", err)
	}

	dir := filepath.Join(root, "conv-1", "checkpoints")
	for _, name := range []string{"5.json.tmp", "notes.txt", "x.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("junk"), 0o644); err != nil {
			t.Fatalf("write stray %s: %v", name, err)
		}
	}

	indices, err := s.List(ctx, "conv-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(indices) != 1 || indices[0] != 0 {
		t.Errorf("List = %v, want [0]", indices)
	}

	rec, ok, err := s.GetLatest(ctx, "conv-1")
	if err != nil || !ok || rec.TurnIndex != 0 {
		t.Errorf("GetLatest = %+v, ok=%v, err=%v", rec, ok, err)
	}
}

// TestFileStore_DurableAcrossReopen verifies a fresh store over the same
// root recovers what an earlier store wrote.
func TestFileStore_DurableAcrossReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first, err := checkpoint.NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := first.Put(ctx, "conv-1", "t", 7, serialized(t, payload{Text: "persisted"})); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second, err := checkpoint.NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	rec, ok, err := second.GetLatest(ctx, "conv-1")
	if err != nil || !ok {
		t.Fatalf("GetLatest after reopen: ok=%v err=%v", ok, err)
	}
	if rec.TurnIndex != 7 {
		t.Errorf("TurnIndex = %d, want 7", rec.TurnIndex)
	}
}

// TestFileStore_ConcurrentPuts verifies writers to the same conversation
// serialize without losing snapshots.
func TestFileStore_ConcurrentPuts(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				idx := g*5 + i
				p := payload{Turn: idx}
				if err := s.Put(ctx, "conv-1", "t", idx, serialized(t, p)); err != nil {
					t.Errorf("Put(%d): %v", idx, err)
				}
			}
		}(g)
	}
	wg.Wait()

	indices, err := s.List(ctx, "conv-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(indices) != 20 {
		t.Errorf("List len = %d, want 20", len(indices))
	}

	rec, ok, err := s.GetLatest(ctx, "conv-1")
	if err != nil || !ok {
		t.Fatalf("GetLatest: ok=%v err=%v", ok, err)
	}
	var p payload
	if err := json.Unmarshal(rec.SerializedState, &p); err != nil {
		t.Fatalf("latest snapshot unreadable: %v", err)
	}
	if p.Turn != 19 {
		t.Errorf("latest Turn = %d, want 19", p.Turn)
	}
}

// TestFileStore_ContextCancelled verifies cancellation is classified before
// any file work happens.
func TestFileStore_ContextCancelled(t *testing.T) {
	s := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Put(ctx, "conv-1", "t", 0, serialized(t, payload{}))
	if err == nil {
		t.Fatal("Put succeeded with cancelled context")
	}
	if kind := fault.KindOf(err); kind != fault.Cancelled {
		t.Errorf("kind = %s, want %s", kind, fault.Cancelled)
	}
}
