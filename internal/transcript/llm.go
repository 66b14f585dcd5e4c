package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

const reviewTemperature = 0.1

// reviewPrompt instructs the model to fix vocabulary misrecognitions only.
// The vocabulary list is appended per request.
const reviewPrompt = `You review speech-recognition output for a voice assistant.

Your task: fix words that are misrecognized versions of the vocabulary terms listed below.

Rules:
- ONLY replace words that are plausibly misheard versions of a listed term.
- Do NOT change ordinary words, grammar, punctuation, or sentence structure.
- Be conservative: when unsure, leave the word unchanged.
- Replacements must use the exact spelling from the vocabulary list.

Vocabulary:
%s

Respond with ONLY a JSON object, no markdown and no prose:
{
  "text": "<full corrected transcript>",
  "changes": [
    {"heard": "<original span>", "applied": "<vocabulary term>", "confidence": <0.0-1.0>}
  ]
}

If nothing needs fixing, return the input text with an empty changes array.`

type reviewResponse struct {
	Text    string `json:"text"`
	Changes []struct {
		Heard      string  `json:"heard"`
		Applied    string  `json:"applied"`
		Confidence float64 `json:"confidence"`
	} `json:"changes"`
}

// reviewWithLLM asks the model to fix vocabulary misrecognitions in text.
// Every declared change is then verified against the actual token diff;
// edits the model made but did not declare are reverted. Any failure in
// the round trip returns text unchanged.
func (c *Corrector) reviewWithLLM(ctx context.Context, text string) (string, []Correction) {
	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(reviewPrompt, bulletList(c.vocab)),
		Temperature:  reviewTemperature,
		Messages:     []llm.Message{{Role: "user", Content: text}},
	})
	if err != nil {
		slog.Debug("transcript review failed", "err", err)
		return text, nil
	}

	var r reviewResponse
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &r); err != nil {
		slog.Debug("transcript review unparseable", "err", err)
		return text, nil
	}
	if r.Text == "" || r.Text == text {
		return text, nil
	}

	declared := make([]Correction, 0, len(r.Changes))
	for _, ch := range r.Changes {
		if ch.Heard == "" || ch.Heard == ch.Applied {
			continue
		}
		declared = append(declared, Correction{
			Heard:      ch.Heard,
			Applied:    ch.Applied,
			Confidence: ch.Confidence,
			Stage:      StageLLM,
		})
	}
	return verifyEdits(text, r.Text, declared)
}

func bulletList(items []string) string {
	var sb strings.Builder
	for _, it := range items {
		sb.WriteString("- ")
		sb.WriteString(it)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// stripFences removes the markdown code fences some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// verifyEdits cross-references the token-level differences between original
// and edited against the declared corrections. Edited regions that match a
// declared correction are kept; everything else reverts to the original
// tokens. Returns the verified text and the corrections that survived.
func verifyEdits(original, edited string, declared []Correction) (string, []Correction) {
	origTokens := strings.Fields(original)
	editTokens := strings.Fields(edited)

	anchors := tokenLCS(origTokens, editTokens)

	type key struct{ heard, applied string }
	lookup := make(map[key]Correction, len(declared))
	for _, c := range declared {
		lookup[key{canon(c.Heard), canon(c.Applied)}] = c
	}

	var out []string
	var kept []Correction

	resolve := func(orig, edit []string) {
		k := key{canon(strings.Join(orig, " ")), canon(strings.Join(edit, " "))}
		if c, ok := lookup[k]; ok {
			out = append(out, edit...)
			kept = append(kept, c)
		} else {
			out = append(out, orig...)
		}
	}

	oi, ei := 0, 0
	for _, a := range anchors {
		if oi < a.origIdx || ei < a.editIdx {
			resolve(origTokens[oi:a.origIdx], editTokens[ei:a.editIdx])
		}
		out = append(out, origTokens[a.origIdx])
		oi, ei = a.origIdx+1, a.editIdx+1
	}
	if oi < len(origTokens) || ei < len(editTokens) {
		resolve(origTokens[oi:], editTokens[ei:])
	}

	return strings.Join(out, " "), kept
}

// canon lowercases s and strips trailing punctuation so "Piper." matches a
// change declared as "Piper".
func canon(s string) string {
	return strings.ToLower(strings.TrimRight(s, ".,;:!?\"')"))
}

type anchor struct {
	origIdx int
	editIdx int
}

// tokenLCS returns the index pairs of the longest common subsequence of the
// two token slices. O(m*n) dynamic programming; transcripts are sentences,
// not documents.
func tokenLCS(a, b []string) []anchor {
	m, n := len(a), len(b)
	if m == 0 || n == 0 {
		return nil
	}

	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}
	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			switch {
			case a[i-1] == b[j-1]:
				dp[i][j] = dp[i-1][j-1] + 1
			case dp[i-1][j] >= dp[i][j-1]:
				dp[i][j] = dp[i-1][j]
			default:
				dp[i][j] = dp[i][j-1]
			}
		}
	}

	length := dp[m][n]
	if length == 0 {
		return nil
	}
	anchors := make([]anchor, length)
	i, j, k := m, n, length-1
	for i > 0 && j > 0 {
		switch {
		case a[i-1] == b[j-1]:
			anchors[k] = anchor{origIdx: i - 1, editIdx: j - 1}
			i--
			j--
			k--
		case dp[i-1][j] >= dp[i][j-1]:
			i--
		default:
			j--
		}
	}
	return anchors
}
