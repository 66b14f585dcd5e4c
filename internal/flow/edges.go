package flow

import (
	"strings"
	"time"

	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/state"
)

// The edge predicates below are total: every input maps to a label, and
// the label the graph cannot resolve falls back to the safe target wired
// in Build.

// shouldProcess gates the whole turn on activation. Anything not actively
// listening, processing, or speaking ends the run immediately.
func (p *Pipeline) shouldProcess(s state.State) string {
	switch s.Activation.Status {
	case state.StatusListening, state.StatusProcessing, state.StatusSpeaking:
		return "continue"
	default:
		return "end"
	}
}

// afterSTT ends the turn when transcription produced no user message. The
// stt node has already returned activation to LISTENING in that case, so
// the assistant waits for the next utterance.
func (p *Pipeline) afterSTT(s state.State) string {
	if s.Activation.Status != state.StatusProcessing {
		return "end"
	}
	return "continue"
}

// pathLabel maps the routing decision onto the track topology. STAGED runs
// the local track first; afterLocal decides whether to escalate. Unknown
// paths run both tracks, which is the most expensive but never the wrong
// answer.
func (p *Pipeline) pathLabel(s state.State) string {
	switch router.Path(s.ProcessingString("path")) {
	case router.PathLocal:
		return "local"
	case router.PathAPI:
		return "api"
	case router.PathStaged:
		return "staged"
	default:
		return "parallel"
	}
}

// afterLocal escalates a staged turn to the API track when the local
// response is unusable: failed, or shorter than the acceptable token floor.
func (p *Pipeline) afterLocal(s state.State) string {
	if router.Path(s.ProcessingString("path")) != router.PathStaged {
		return "integrate"
	}
	if p.localInsufficient(s) {
		return "escalate"
	}
	return "integrate"
}

func (p *Pipeline) localInsufficient(s state.State) bool {
	if p.api == nil {
		return false
	}
	resp, ok := trackResponse(s, "local_response")
	if !ok || !resp.Success {
		return true
	}
	floor := s.Config.MinAcceptableTokens
	if floor <= 0 {
		floor = minAcceptableTokens
	}
	return resp.TokensUsed < floor
}

// processingComplete reports whether every track the path requires has
// finished, or the turn guard has expired. Integration logs a warning when
// it runs on "waiting"; it never blocks on it.
func (p *Pipeline) processingComplete(s state.State) string {
	localDone := s.ProcessingBool("local_completed")
	apiDone := s.ProcessingBool("api_completed")

	var ready bool
	switch router.Path(s.ProcessingString("path")) {
	case router.PathLocal:
		ready = localDone
	case router.PathAPI:
		ready = apiDone
	case router.PathParallel:
		ready = localDone && apiDone
	case router.PathStaged:
		ready = localDone
		if _, escalated := trackResponse(s, "api_response"); escalated {
			ready = localDone && apiDone
		}
	default:
		ready = localDone || apiDone
	}
	if ready {
		return "ready"
	}
	if start := turnStart(s); !start.IsZero() && time.Since(start) > p.guard() {
		return "ready"
	}
	return "waiting"
}

// afterIntegration picks the post-response route: speak, store the
// exchange, or wind down. It composes shouldSynthesize and
// shouldUpdateMemory so the skip path still reaches memory when it should.
func (p *Pipeline) afterIntegration(s state.State) string {
	if p.shouldSynthesize(s) == "synthesize" {
		return "synthesize"
	}
	if p.shouldUpdateMemory(s) == "update" {
		return "store"
	}
	return "skip"
}

// shouldSynthesize speaks only when there is something to say, synthesis
// is enabled for the turn, and a TTS provider is wired.
func (p *Pipeline) shouldSynthesize(s state.State) string {
	if !s.Config.TTSEnabled || p.tts == nil {
		return "skip"
	}
	msg, ok := s.LastMessage(state.RoleAssistant)
	if !ok || strings.TrimSpace(msg.Content) == "" {
		return "skip"
	}
	return "synthesize"
}

// shouldUpdateMemory stores only when the turn produced a new complete
// user/assistant pair that has not been stored yet.
func (p *Pipeline) shouldUpdateMemory(s state.State) string {
	if !s.Config.MemoryEnabled || p.memory == nil {
		return "skip"
	}
	if _, ok := s.LastMessage(state.RoleUser); !ok {
		return "skip"
	}
	if _, ok := s.LastMessage(state.RoleAssistant); !ok {
		return "skip"
	}
	if len(s.Messages) <= memoryInt(s, "last_stored_message_count") {
		return "skip"
	}
	return "update"
}

// shouldSummarize fires once the rolling history outgrows the configured
// threshold.
func (p *Pipeline) shouldSummarize(s state.State) string {
	thr := s.Config.SummarizeThreshold
	if p.memory == nil || thr <= 0 {
		return "continue"
	}
	if len(memoryHistory(s)) > thr {
		return "summarize"
	}
	return "continue"
}
