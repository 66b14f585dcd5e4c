// Package filestore implements [memory.Engine] on the local filesystem.
//
// Interactions are stored one JSON document per file under
// conversations/<date>/<id>.json, preferences under
// preferences/<category>/<id>.json, and indexed text is appended to a
// journal under vectors/. Retrieval ranks documents by keyword overlap
// with the query, so the store works fully offline without an embedding
// model. Archiving moves conversation files into archive/<date>/.
//
// The store is safe for concurrent use. Document writes go to a temp file
// first and are renamed into place, so a crash mid-write never leaves a
// half-written document behind.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/antiphon-ai/antiphon/pkg/memory"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

const (
	conversationsDir = "conversations"
	archiveDir       = "archive"
	preferencesDir   = "preferences"
	vectorsDir       = "vectors"
	vectorsJournal   = "index.jsonl"

	dateLayout = "2006-01-02"

	defaultMaxResults = 5

	// extractiveSnippets and extractiveMaxRunes bound the degraded summary
	// produced when no model is available.
	extractiveSnippets = 6
	extractiveMaxRunes = 600

	// maxJournalLine bounds a single vectors journal line when scanning.
	maxJournalLine = 1 << 20
)

const summarySystemPrompt = "You summarize conversation excerpts between a user and a voice " +
	"assistant. Produce a compact third-person summary that preserves names, " +
	"decisions, stated preferences and unresolved questions. Reply with the " +
	"summary only."

// Store is a filesystem-backed [memory.Engine].
type Store struct {
	root       string
	summarizer llm.Provider
	logger     *slog.Logger

	mu sync.RWMutex
}

var _ memory.Engine = (*Store)(nil)

// Option customizes a [Store].
type Option func(*Store)

// WithSummarizer sets the model used by GenerateSummary. Without one,
// summaries fall back to an extractive tail of the history.
func WithSummarizer(p llm.Provider) Option {
	return func(s *Store) { s.summarizer = p }
}

// WithLogger sets the logger for skipped-document and summary-fallback
// warnings. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates the store's directory layout under root if needed and returns
// a store rooted there.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{
		root,
		filepath.Join(root, conversationsDir),
		filepath.Join(root, archiveDir),
		filepath.Join(root, preferencesDir),
		filepath.Join(root, vectorsDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create layout: %w", err)
		}
	}
	return s, nil
}

// interactionRecord is the on-disk form of a [memory.Interaction].
type interactionRecord struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversation_id,omitempty"`
	UserMessage      string         `json:"user_message"`
	AssistantMessage string         `json:"assistant_message"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// preferenceRecord is the on-disk form of a [memory.Preference].
type preferenceRecord struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// journalRecord is one line of the vectors journal.
type journalRecord struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	StoredAt time.Time      `json:"stored_at"`
}

// StoreInteraction implements [memory.Engine].
func (s *Store) StoreInteraction(ctx context.Context, in memory.Interaction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("filestore: store interaction: %w", err)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	in.Timestamp = in.Timestamp.UTC()

	rec := interactionRecord{
		ID:               in.ID,
		ConversationID:   in.ConversationID,
		UserMessage:      in.UserMessage,
		AssistantMessage: in.AssistantMessage,
		Metadata:         in.Metadata,
		Timestamp:        in.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, conversationsDir, in.Timestamp.Format(dateLayout))
	if err := writeDocument(dir, in.ID+".json", rec); err != nil {
		return fmt.Errorf("filestore: store interaction: %w", err)
	}
	return nil
}

// StorePreference implements [memory.Engine].
func (s *Store) StorePreference(ctx context.Context, pref memory.Preference) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("filestore: store preference: %w", err)
	}
	if !safeSegment(pref.Category) {
		return fmt.Errorf("filestore: store preference: unusable category %q", pref.Category)
	}
	if pref.ID == "" {
		pref.ID = uuid.NewString()
	}
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now()
	}
	pref.UpdatedAt = pref.UpdatedAt.UTC()

	rec := preferenceRecord{
		ID:        pref.ID,
		Category:  pref.Category,
		Content:   pref.Content,
		Metadata:  pref.Metadata,
		UpdatedAt: pref.UpdatedAt,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, preferencesDir, pref.Category)
	if err := writeDocument(dir, pref.ID+".json", rec); err != nil {
		return fmt.Errorf("filestore: store preference: %w", err)
	}
	return nil
}

// UpdateEmbeddings implements [memory.Engine]. The text and metadata are
// appended to the vectors journal; there is no embedding model in this
// engine, so "indexing" means making the text findable by keyword overlap.
func (s *Store) UpdateEmbeddings(ctx context.Context, text string, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("filestore: update embeddings: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("filestore: update embeddings: empty text")
	}

	line, err := json.Marshal(journalRecord{
		ID:       uuid.NewString(),
		Text:     text,
		Metadata: metadata,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("filestore: update embeddings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, vectorsDir, vectorsJournal)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: update embeddings: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("filestore: update embeddings: %w", err)
	}
	return nil
}

// RetrieveContext implements [memory.Engine]. It scans the vectors journal
// and scores each entry by the fraction of query tokens present in its text.
func (s *Store) RetrieveContext(ctx context.Context, query string, maxResults int) ([]memory.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("filestore: retrieve context: %w", err)
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []memory.Item{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.root, vectorsDir, vectorsJournal)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []memory.Item{}, nil
		}
		return nil, fmt.Errorf("filestore: retrieve context: %w", err)
	}
	defer f.Close()

	type scored struct {
		item     memory.Item
		storedAt time.Time
	}
	var hits []scored

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxJournalLine)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			s.logger.Warn("skipping corrupt journal line", "path", path, "error", err)
			continue
		}
		score := keywordScore(tokens, rec.Text)
		if score <= 0 {
			continue
		}
		hits = append(hits, scored{
			item: memory.Item{
				ID:       rec.ID,
				Content:  rec.Text,
				Score:    score,
				Metadata: rec.Metadata,
			},
			storedAt: rec.StoredAt,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: retrieve context: %w", err)
	}

	slices.SortFunc(hits, func(a, b scored) int {
		if a.item.Score != b.item.Score {
			if a.item.Score > b.item.Score {
				return -1
			}
			return 1
		}
		// Recent entries win ties.
		return b.storedAt.Compare(a.storedAt)
	})
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}

	items := make([]memory.Item, len(hits))
	for i, h := range hits {
		items[i] = h.item
	}
	return items, nil
}

// RetrieveConversations implements [memory.Engine]. It scans every stored
// conversation document and scores it against the query; archived
// conversations live outside the scanned directory and are never returned.
func (s *Store) RetrieveConversations(ctx context.Context, query string, maxResults int) ([]memory.ConversationSnippet, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("filestore: retrieve conversations: %w", err)
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []memory.ConversationSnippet{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []memory.ConversationSnippet
	root := filepath.Join(s.root, conversationsDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rec, err := readInteraction(path)
		if err != nil {
			s.logger.Warn("skipping unreadable conversation document", "path", path, "error", err)
			return nil
		}
		score := keywordScore(tokens, rec.UserMessage+" "+rec.AssistantMessage)
		if score <= 0 {
			return nil
		}
		hits = append(hits, memory.ConversationSnippet{
			ID:               rec.ID,
			UserMessage:      rec.UserMessage,
			AssistantMessage: rec.AssistantMessage,
			Score:            score,
			Timestamp:        rec.Timestamp,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: retrieve conversations: %w", err)
	}

	slices.SortFunc(hits, func(a, b memory.ConversationSnippet) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return b.Timestamp.Compare(a.Timestamp)
	})
	if len(hits) > maxResults {
		hits = hits[:maxResults]
	}
	if hits == nil {
		hits = []memory.ConversationSnippet{}
	}
	return hits, nil
}

// RetrievePreferences implements [memory.Engine].
func (s *Store) RetrievePreferences(ctx context.Context, category string, maxResults int) ([]memory.Preference, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("filestore: retrieve preferences: %w", err)
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	if category != "" && !safeSegment(category) {
		return nil, fmt.Errorf("filestore: retrieve preferences: unusable category %q", category)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	root := filepath.Join(s.root, preferencesDir)
	if category != "" {
		root = filepath.Join(root, category)
	}

	var prefs []memory.Preference
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				// No preferences stored in this category yet.
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rec preferenceRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping unreadable preference document", "path", path, "error", err)
			return nil
		}
		prefs = append(prefs, memory.Preference{
			ID:        rec.ID,
			Category:  rec.Category,
			Content:   rec.Content,
			Metadata:  rec.Metadata,
			UpdatedAt: rec.UpdatedAt,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filestore: retrieve preferences: %w", err)
	}

	slices.SortFunc(prefs, func(a, b memory.Preference) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if len(prefs) > maxResults {
		prefs = prefs[:maxResults]
	}
	if prefs == nil {
		prefs = []memory.Preference{}
	}
	return prefs, nil
}

// GenerateSummary implements [memory.Engine]. With a summarizer configured
// the history is condensed by the model; otherwise, or when the model call
// fails, the summary degrades to a verbatim tail of the history.
func (s *Store) GenerateSummary(ctx context.Context, history []string) (string, error) {
	if len(history) == 0 {
		return "", nil
	}
	if s.summarizer != nil {
		resp, err := s.summarizer.Complete(ctx, llm.CompletionRequest{
			Messages: []llm.Message{
				{Role: "user", Content: strings.Join(history, "\n")},
			},
			SystemPrompt: summarySystemPrompt,
			Temperature:  0.3,
			MaxTokens:    256,
		})
		if err == nil && resp != nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("filestore: generate summary: %w", ctxErr)
		}
		s.logger.Warn("summary model failed, using extractive fallback", "error", err)
	}
	return summarizeExtractive(history), nil
}

// ArchiveConversations implements [memory.Engine]. Archived documents are
// moved under archive/<date>/ keeping their file names; unknown IDs are
// ignored so the call is idempotent.
func (s *Store) ArchiveConversations(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("filestore: archive conversations: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	root := filepath.Join(s.root, conversationsDir)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		id := strings.TrimSuffix(d.Name(), ".json")
		if !want[id] {
			return nil
		}
		dest := filepath.Join(s.root, archiveDir, filepath.Base(filepath.Dir(path)))
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		return os.Rename(path, filepath.Join(dest, d.Name()))
	})
	if err != nil {
		return fmt.Errorf("filestore: archive conversations: %w", err)
	}
	return nil
}

// Close implements [memory.Engine]. The store holds no open resources
// between calls, so Close only exists to satisfy the interface.
func (s *Store) Close() error { return nil }

// writeDocument marshals v and writes it atomically to dir/name.
func writeDocument(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// readInteraction loads one conversation document.
func readInteraction(path string) (interactionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return interactionRecord{}, err
	}
	var rec interactionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return interactionRecord{}, err
	}
	return rec, nil
}

// summarizeExtractive keeps the tail of the history verbatim. Recent turns
// carry the most context, so the oldest snippets are dropped first.
func summarizeExtractive(history []string) string {
	keep := history
	if len(keep) > extractiveSnippets {
		keep = keep[len(keep)-extractiveSnippets:]
	}
	s := strings.Join(keep, "\n")
	runes := []rune(s)
	if len(runes) > extractiveMaxRunes {
		s = string(runes[:extractiveMaxRunes]) + "..."
	}
	return s
}

// tokenize splits s into distinct lowercase word tokens, dropping
// single-rune tokens that carry no signal.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// keywordScore is the fraction of query tokens that occur in text.
func keywordScore(queryTokens []string, text string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	present := make(map[string]bool)
	for _, tok := range tokenize(text) {
		present[tok] = true
	}
	hits := 0
	for _, tok := range queryTokens {
		if present[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

// safeSegment reports whether s can be used as a single directory name.
func safeSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
