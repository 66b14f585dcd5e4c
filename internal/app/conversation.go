package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/antiphon-ai/antiphon/internal/checkpoint"
	"github.com/antiphon-ai/antiphon/internal/config"
	"github.com/antiphon-ai/antiphon/internal/flow"
	"github.com/antiphon-ai/antiphon/internal/graph"
	"github.com/antiphon-ai/antiphon/internal/state"
)

// defaultConversationID keys the single-user conversation. Checkpoints from
// earlier processes share it, which is what lets a restart resume where the
// last run left off.
const defaultConversationID = "default"

// Conversation drives turns through the graph and carries state between
// them. One instance serializes all turns; concurrent RunTurn calls queue
// on the mutex.
type Conversation struct {
	engine *graph.Engine
	store  checkpoint.Store
	cfg    *config.Config
	logger *slog.Logger

	mu       sync.Mutex
	state    state.State
	threadID string
	turn     int
}

func newConversation(store checkpoint.Store, cfg *config.Config, logger *slog.Logger) *Conversation {
	s := state.New(cfg.Activation.Mode)
	s.Config = turnConfigFrom(cfg)
	return &Conversation{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		state:    s,
		threadID: uuid.NewString(),
	}
}

func turnConfigFrom(cfg *config.Config) state.TurnConfig {
	return state.TurnConfig{
		TTSEnabled:          cfg.Voice.TTSEnabled,
		MemoryEnabled:       cfg.Memory.Enabled,
		LatencyPriority:     cfg.Integration.Strategy == "fastest",
		SummarizeThreshold:  cfg.Memory.SummarizationThreshold,
		KeepRecent:          cfg.Memory.KeepRecent,
		LocalTimeoutMS:      cfg.Local.TimeoutMS,
		APITimeoutMS:        cfg.Remote.TimeoutMS,
		MinAcceptableTokens: cfg.Local.MinAcceptableTokens,
	}
}

// Restore loads the newest checkpoint and adopts its messages and memory.
// Activation and per-turn processing scratch are reset; a restart never
// resumes mid-turn.
func (c *Conversation) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	rec, ok, err := c.store.GetLatest(ctx, defaultConversationID)
	if err != nil {
		return fmt.Errorf("load latest checkpoint: %w", err)
	}
	if !ok {
		return nil
	}
	restored, err := state.Unmarshal(rec.SerializedState)
	if err != nil {
		return fmt.Errorf("decode checkpoint turn %d: %w", rec.TurnIndex, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Messages = restored.Messages
	c.state.Memory = restored.Memory
	c.turn = rec.TurnIndex + 1
	c.logger.Info("conversation restored",
		"turn", rec.TurnIndex,
		"messages", len(restored.Messages),
		"checkpointed_at", rec.CreatedAt)
	return nil
}

// saveFunc returns the checkpoint hook the graph calls after every merged
// node. It runs on the turn's goroutine while the conversation mutex is
// held by RunTurn, so reading c.turn without locking is safe.
func (c *Conversation) saveFunc() graph.SaveFunc {
	if c.store == nil {
		return nil
	}
	return func(ctx context.Context, s state.State, node string) error {
		b, err := state.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal state at %s: %w", node, err)
		}
		return c.store.Put(ctx, defaultConversationID, c.threadID, c.turn, b)
	}
}

// RunTurn merges the capture payload into the carried state, runs the graph
// to completion, and keeps the resulting messages and memory for the next
// turn. The returned state is the turn's final snapshot.
func (c *Conversation) RunTurn(ctx context.Context, audioIn map[string]any) (state.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.state.Clone()
	if s.Audio == nil {
		s.Audio = make(map[string]any, len(audioIn))
	}
	for k, v := range audioIn {
		s.Audio[k] = v
	}
	if s.Processing == nil {
		s.Processing = make(map[string]any, 1)
	}
	s.Processing[flow.KeyConversationID] = defaultConversationID

	out, err := c.engine.Run(ctx, s)
	if err != nil {
		return out, err
	}

	// Carry messages, memory, and activation forward; drop the per-turn
	// audio and processing scratch.
	next := state.New(c.cfg.Activation.Mode)
	next.Config = turnConfigFrom(c.cfg)
	next.Messages = out.Messages
	next.Memory = out.Memory
	next.Activation = out.Activation
	c.state = next
	c.turn++
	return out, nil
}

// Turn reports the index the next turn will checkpoint under.
func (c *Conversation) Turn() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turn
}
