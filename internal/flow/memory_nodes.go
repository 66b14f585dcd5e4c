package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/pkg/memory"
)

const (
	memoryTimeout  = 3 * time.Second
	summaryTimeout = 15 * time.Second
)

// retrieveMemory fans the last user message out to the memory engine's
// three retrieval queries and attaches whatever comes back. Each query
// fails independently; the turn proceeds on partial or empty context.
func (p *Pipeline) retrieveMemory(ctx context.Context, s state.State) (state.Delta, error) {
	if p.memory == nil || !s.Config.MemoryEnabled {
		return state.Delta{Memory: map[string]any{"retrieval_status": "disabled"}}, nil
	}
	user, ok := s.LastMessage(state.RoleUser)
	if !ok || strings.TrimSpace(user.Content) == "" {
		return state.Delta{Memory: map[string]any{"retrieval_status": "skipped"}}, nil
	}
	query := user.Content
	limit := p.cfg.MaxRelevantMemories

	mctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()

	start := time.Now()
	var (
		items []memory.Item
		convs []memory.ConversationSnippet
		prefs []memory.Preference

		itemsErr, convsErr, prefsErr error
	)
	// Plain group, not WithContext: one failing query must not cancel its
	// siblings.
	var g errgroup.Group
	g.Go(func() error {
		items, itemsErr = p.memory.RetrieveContext(mctx, query, limit)
		return nil
	})
	g.Go(func() error {
		convs, convsErr = p.memory.RetrieveConversations(mctx, query, limit)
		return nil
	})
	g.Go(func() error {
		prefs, prefsErr = p.memory.RetrievePreferences(mctx, "", limit)
		return nil
	})
	_ = g.Wait()

	failed := 0
	for _, err := range []error{itemsErr, convsErr, prefsErr} {
		if err != nil {
			failed++
			p.logger.Warn("memory retrieval degraded", "err", err)
		}
	}
	status := "ok"
	switch failed {
	case 0:
	case 3:
		status = "unavailable"
	default:
		status = "degraded"
	}

	retrieved := buildRetrieved(items, convs, prefs, p.cfg.MemoryTokenCap)
	if p.metrics != nil {
		p.metrics.RecordMemoryOp(ctx, "retrieve", status)
	}
	return state.Delta{Memory: map[string]any{
		"retrieved_context": retrieved,
		"retrieval_status":  status,
		"retrieval_ms":      msSince(start),
	}}, nil
}

// buildRetrieved shapes the retrieval results for the state map and
// enforces the token budget, dropping the lowest-scored snippets first.
// Results arrive most-relevant first, so trimming from the tail keeps the
// best material.
func buildRetrieved(items []memory.Item, convs []memory.ConversationSnippet, prefs []memory.Preference, tokenCap int) map[string]any {
	est := func() int {
		n := 0
		for _, it := range items {
			n += estimateTokens(it.Content)
		}
		for _, c := range convs {
			n += estimateTokens(c.UserMessage) + estimateTokens(c.AssistantMessage)
		}
		for _, pr := range prefs {
			n += estimateTokens(pr.Content)
		}
		return n
	}

	if tokenCap > 0 {
		for est() > tokenCap && len(items) > 0 {
			items = items[:len(items)-1]
		}
		for est() > tokenCap && len(convs) > 0 {
			convs = convs[:len(convs)-1]
		}
	}

	itemMaps := make([]any, 0, len(items))
	for _, it := range items {
		itemMaps = append(itemMaps, map[string]any{
			"id":      it.ID,
			"content": it.Content,
			"score":   it.Score,
		})
	}
	convMaps := make([]any, 0, len(convs))
	for _, c := range convs {
		convMaps = append(convMaps, map[string]any{
			"id":        c.ID,
			"user":      c.UserMessage,
			"assistant": c.AssistantMessage,
			"score":     c.Score,
		})
	}
	prefMaps := make([]any, 0, len(prefs))
	for _, pr := range prefs {
		prefMaps = append(prefMaps, map[string]any{
			"category": pr.Category,
			"content":  pr.Content,
		})
	}
	return map[string]any{
		"items":          itemMaps,
		"conversations":  convMaps,
		"preferences":    prefMaps,
		"token_estimate": est(),
	}
}

// retrievedContextText renders memory.retrieved_context as prompt text.
// Empty when nothing was retrieved.
func retrievedContextText(s state.State) string {
	rc, _ := s.Memory["retrieved_context"].(map[string]any)
	if rc == nil {
		return ""
	}
	var b strings.Builder

	if items, _ := rc["items"].([]any); len(items) > 0 {
		b.WriteString("Relevant context:\n")
		for _, it := range items {
			m, _ := it.(map[string]any)
			if c, _ := m["content"].(string); c != "" {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
	}
	if convs, _ := rc["conversations"].([]any); len(convs) > 0 {
		b.WriteString("Earlier exchanges:\n")
		for _, cv := range convs {
			m, _ := cv.(map[string]any)
			u, _ := m["user"].(string)
			a, _ := m["assistant"].(string)
			if u != "" || a != "" {
				fmt.Fprintf(&b, "- User: %s / Assistant: %s\n", u, a)
			}
		}
	}
	if prefs, _ := rc["preferences"].([]any); len(prefs) > 0 {
		b.WriteString("User preferences:\n")
		for _, pv := range prefs {
			m, _ := pv.(map[string]any)
			if c, _ := m["content"].(string); c != "" {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// storeMemory persists the turn's exchange and appends it to the rolling
// in-state history. The history entry is written even when the engine
// write fails, so working memory survives a storage outage.
func (p *Pipeline) storeMemory(ctx context.Context, s state.State) (state.Delta, error) {
	if p.memory == nil || !s.Config.MemoryEnabled {
		return state.Delta{Memory: map[string]any{"store_status": "disabled"}}, nil
	}
	user, uok := s.LastMessage(state.RoleUser)
	asst, aok := s.LastMessage(state.RoleAssistant)
	if !uok || !aok {
		return state.Delta{Memory: map[string]any{"store_status": "skipped"}}, nil
	}
	if len(s.Messages) <= memoryInt(s, "last_stored_message_count") {
		return state.Delta{Memory: map[string]any{"store_status": "skipped"}}, nil
	}

	mctx, cancel := context.WithTimeout(ctx, memoryTimeout)
	defer cancel()

	now := time.Now()
	in := memory.Interaction{
		ID:               uuid.NewString(),
		ConversationID:   s.ProcessingString(KeyConversationID),
		UserMessage:      user.Content,
		AssistantMessage: asst.Content,
		Metadata: map[string]any{
			"path":   s.ProcessingString("path"),
			"source": s.ProcessingString("response_source"),
		},
		Timestamp: now,
	}

	status := "ok"
	if err := p.memory.StoreInteraction(mctx, in); err != nil {
		status = "failed"
		p.logger.Warn("interaction store failed", "err", err)
	} else if err := p.memory.UpdateEmbeddings(mctx, user.Content+"\n"+asst.Content, map[string]any{
		"conversation_id": in.ConversationID,
		"interaction_id":  in.ID,
	}); err != nil {
		status = "degraded"
		p.logger.Warn("embedding update failed", "err", err)
	}

	hist := append(cloneHistory(memoryHistory(s)), map[string]any{
		"id":        in.ID,
		"user":      user.Content,
		"assistant": asst.Content,
		"time":      state.Timestamp(now),
	})

	if p.metrics != nil {
		p.metrics.RecordMemoryOp(ctx, "store", status)
	}
	return state.Delta{Memory: map[string]any{
		"conversation_history":      hist,
		"last_stored_message_count": len(s.Messages),
		"store_status":              status,
	}}, nil
}

// summarizeMemory compacts a long conversation: the exchanges beyond the
// keep-recent window are condensed into one system message, the message
// list is replaced atomically, and the condensed exchanges are archived in
// the engine. A summary failure leaves everything untouched.
func (p *Pipeline) summarizeMemory(ctx context.Context, s state.State) (state.Delta, error) {
	hist := memoryHistory(s)
	keep := s.Config.KeepRecent
	if keep <= 0 {
		keep = defaultKeepRecent
	}
	if p.memory == nil || len(hist) <= keep {
		return state.Delta{Memory: map[string]any{"summary_status": "skipped"}}, nil
	}

	older := hist[:len(hist)-keep]
	texts := make([]string, 0, len(older))
	ids := make([]string, 0, len(older))
	for _, e := range older {
		m, _ := e.(map[string]any)
		u, _ := m["user"].(string)
		a, _ := m["assistant"].(string)
		texts = append(texts, "User: "+u+"\nAssistant: "+a)
		if id, _ := m["id"].(string); id != "" {
			ids = append(ids, id)
		}
	}

	mctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	summary, err := p.memory.GenerateSummary(mctx, texts)
	if err != nil {
		p.logger.Warn("summarization failed", "err", err)
		if p.metrics != nil {
			p.metrics.RecordMemoryOp(ctx, "summarize", "failed")
		}
		return state.Delta{Memory: map[string]any{"summary_status": "failed"}}, nil
	}
	if len(ids) > 0 {
		if err := p.memory.ArchiveConversations(mctx, ids); err != nil {
			p.logger.Warn("archive failed", "err", err)
		}
	}

	now := time.Now()
	msgs := []state.Message{{
		Type:        state.RoleSystem,
		Content:     "Conversation summary: " + summary,
		Metadata:    map[string]any{"kind": "summary"},
		CreatedTime: now,
	}}
	// Keep one message pair per kept exchange.
	tail := 2 * keep
	if tail > len(s.Messages) {
		tail = len(s.Messages)
	}
	msgs = append(msgs, s.Messages[len(s.Messages)-tail:]...)

	if p.metrics != nil {
		p.metrics.RecordMemoryOp(ctx, "summarize", "ok")
	}
	p.logger.Info("conversation summarized",
		"condensed", len(older),
		"kept", keep,
		"summary_tokens", estimateTokens(summary),
	)
	return state.Delta{
		Messages:        msgs,
		ReplaceMessages: true,
		Memory: map[string]any{
			"conversation_history": cloneHistory(hist[len(hist)-keep:]),
			"summary_status":       "ok",
			"last_summary_time":    state.Timestamp(now),
			// The truncated list is the new storage baseline.
			"last_stored_message_count": len(msgs),
		},
	}, nil
}

// pruneMemory is the last node of every turn. It hard-caps a history that
// grew while summarization was failing or disabled, and returns activation
// to idle so the next utterance starts cleanly.
func (p *Pipeline) pruneMemory(ctx context.Context, s state.State) (state.Delta, error) {
	delta := state.Delta{}

	hist := memoryHistory(s)
	if limit := p.historyCap(s); len(hist) > limit {
		delta.Memory = map[string]any{
			"conversation_history": cloneHistory(hist[len(hist)-limit:]),
		}
		p.logger.Debug("history pruned", "dropped", len(hist)-limit, "cap", limit)
	}

	if s.Activation.Status != state.StatusInactive {
		act := s.Activation
		act.Status = state.StatusInactive
		delta.Activation = &act
	}
	return delta, nil
}

func (p *Pipeline) historyCap(s state.State) int {
	if thr := s.Config.SummarizeThreshold; thr > 0 {
		if c := 2 * thr; c > 16 {
			return c
		}
		return 16
	}
	return 64
}

func cloneHistory(hist []any) []any {
	return append([]any(nil), hist...)
}
