package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/antiphon-ai/antiphon/internal/fault"
	"github.com/antiphon-ai/antiphon/internal/integrate"
	"github.com/antiphon-ai/antiphon/internal/observe"
	"github.com/antiphon-ai/antiphon/internal/optimize"
	"github.com/antiphon-ai/antiphon/internal/router"
	"github.com/antiphon-ai/antiphon/internal/state"
	"github.com/antiphon-ai/antiphon/internal/track"
	"github.com/antiphon-ai/antiphon/pkg/provider/llm"
)

// routerNode decides the processing path for the turn and stamps the
// turn's identity and start time. The optimizer, when wired, contributes
// routing preferences, the parallel budget, and suggested track deadlines.
func (p *Pipeline) routerNode(ctx context.Context, s state.State) (state.Delta, error) {
	query := ""
	if m, ok := s.LastMessage(state.RoleUser); ok {
		query = m.Content
	}

	cond := router.Conditions{
		Off:             s.Activation.Mode == state.ModeOff,
		HistoryLength:   len(s.Messages),
		ParallelAllowed: p.local != nil && p.api != nil,
		Preferences:     router.DefaultPreferences(),
	}

	proc := map[string]any{}
	if p.opt != nil {
		rec := p.opt.Recommendations(query, nil)
		cond.Preferences = rec.RoutingPreferences
		cond.ParallelAllowed = cond.ParallelAllowed && rec.ResourceStatus.AllowParallel
		proc["timeouts"] = map[string]any{
			"local_ms": rec.Timeouts.SuggestedLocalMS,
			"api_ms":   rec.Timeouts.SuggestedAPIMS,
		}
	}

	d := p.router.DeterminePath(query, cond)
	d = p.clampPath(d)

	// Every pass through the router starts a fresh generation attempt, so
	// the previous turn's track results must not leak into this one.
	proc["local_response"] = nil
	proc["local_completed"] = false
	proc["api_response"] = nil
	proc["api_completed"] = false
	proc["integration"] = nil
	proc["response"] = nil
	proc["response_source"] = nil

	turnID := uuid.NewString()
	if p.opt != nil {
		p.opt.RecordRequestStart(turnID, query, map[string]any{"path": string(d.Path)})
	}
	if p.metrics != nil {
		p.metrics.RecordRouteDecision(ctx, string(d.Path))
	}
	p.logger.Debug("path decided",
		"turn_id", turnID,
		"path", d.Path,
		"confidence", d.Confidence,
		"reasoning", d.Reasoning,
	)

	proc["turn_id"] = turnID
	proc["path"] = string(d.Path)
	proc["routing"] = routingMap(d)
	proc["start_time"] = state.Timestamp(time.Now())
	return state.Delta{Processing: proc}, nil
}

// clampPath downgrades decisions that name a track this process does not
// have, so the completion check never waits on a branch that cannot run.
func (p *Pipeline) clampPath(d router.Decision) router.Decision {
	switch {
	case p.api == nil && (d.Path == router.PathAPI || d.Path == router.PathParallel || d.Path == router.PathStaged):
		d.Path = router.PathLocal
		d.Reasoning += "; api track unavailable"
	case p.local == nil && (d.Path == router.PathLocal || d.Path == router.PathParallel || d.Path == router.PathStaged):
		d.Path = router.PathAPI
		d.Reasoning += "; local track unavailable"
	}
	return d
}

func routingMap(d router.Decision) map[string]any {
	features := make(map[string]any, len(d.Features))
	for k, v := range d.Features {
		features[k] = v
	}
	return map[string]any{
		"path":               string(d.Path),
		"confidence":         d.Confidence,
		"reasoning":          d.Reasoning,
		"features":           features,
		"estimated_local_ms": d.EstimatedLocalMS,
		"estimated_api_ms":   d.EstimatedAPIMS,
	}
}

func (p *Pipeline) localNode(ctx context.Context, s state.State) (state.Delta, error) {
	resp := p.runTrack(ctx, s, track.SourceLocal)
	return trackDelta("local", resp), nil
}

func (p *Pipeline) apiNode(ctx context.Context, s state.State) (state.Delta, error) {
	resp := p.runTrack(ctx, s, track.SourceAPI)
	return trackDelta("api", resp), nil
}

// runTrack executes one generation attempt under the resolved deadline and
// reports the outcome to the optimizer and metrics. Failures come back as
// unsuccessful responses, never as errors.
func (p *Pipeline) runTrack(ctx context.Context, s state.State, src track.Source) track.Response {
	var (
		tr       Track
		params   track.Params
		deadline time.Duration
		path     router.Path
	)
	if src == track.SourceLocal {
		tr, params, deadline, path = p.local, p.cfg.LocalParams, p.localTimeout(s), router.PathLocal
	} else {
		tr, params, deadline, path = p.api, p.cfg.APIParams, p.apiTimeout(s), router.PathAPI
	}

	if tr == nil {
		return track.Response{
			Success:      false,
			ErrorKind:    fault.ServiceUnavailable,
			FinishReason: "error",
			Source:       src,
		}
	}

	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	resp := tr.Generate(tctx, p.promptMessages(s), params)

	if p.metrics != nil {
		status := "ok"
		if !resp.Success {
			status = string(resp.ErrorKind)
			if status == "" {
				status = "error"
			}
		}
		p.metrics.TrackDuration.Record(ctx, time.Since(start).Seconds(),
			trackAttrs(string(src), status))
	}
	if p.opt != nil {
		var quality *float64
		if resp.QualityScore != 0 {
			q := resp.QualityScore
			quality = &q
		}
		p.opt.RecordRequestCompletion(s.ProcessingString("turn_id"), optimize.Completion{
			Path:         path,
			LatencyMS:    resp.LatencyMS,
			Tokens:       resp.TokensUsed,
			CostEstimate: resp.CostEstimate,
			QualityScore: quality,
			Success:      resp.Success,
			ErrorKind:    resp.ErrorKind,
		})
	}
	return resp
}

func trackAttrs(trk, status string) metric.MeasurementOption {
	return metric.WithAttributes(observe.Attr("track", trk), observe.Attr("status", status))
}

func trackDelta(prefix string, resp track.Response) state.Delta {
	return state.Delta{Processing: map[string]any{
		prefix + "_response":  resp.AsMap(),
		prefix + "_completed": true,
		prefix + "_ms":        resp.LatencyMS,
	}}
}

func trackResponse(s state.State, key string) (track.Response, bool) {
	m, _ := s.Processing[key].(map[string]any)
	return track.FromMap(m)
}

// promptMessages renders the conversation for a model call: the configured
// system prompt plus any retrieved memory context, then the message
// history in order.
func (p *Pipeline) promptMessages(s state.State) []llm.Message {
	system := p.cfg.SystemPrompt
	if ctxText := retrievedContextText(s); ctxText != "" {
		if system != "" {
			system += "\n\n"
		}
		system += ctxText
	}

	msgs := make([]llm.Message, 0, len(s.Messages)+1)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	for _, m := range s.Messages {
		msgs = append(msgs, llm.Message{Role: string(m.Type), Content: m.Content})
	}
	return msgs
}

// integrationNode merges whatever the tracks produced into the assistant
// message and moves the turn to SPEAKING. The integrator tolerates missing
// responses, so this node runs even when the guard expired a track.
func (p *Pipeline) integrationNode(ctx context.Context, s state.State) (state.Delta, error) {
	if p.processingComplete(s) == "waiting" {
		p.logger.Warn("integrating with incomplete tracks",
			"path", s.ProcessingString("path"),
			"local_completed", s.ProcessingBool("local_completed"),
			"api_completed", s.ProcessingBool("api_completed"),
		)
	}

	var localResp, apiResp *track.Response
	if r, ok := trackResponse(s, "local_response"); ok {
		localResp = &r
	}
	if r, ok := trackResponse(s, "api_response"); ok {
		apiResp = &r
	}

	path := router.Path(s.ProcessingString("path"))
	res := p.integrator.Integrate(localResp, apiResp, path, s.Config.LatencyPriority)

	act := s.Activation
	act.Status = state.StatusSpeaking

	msg := state.Message{
		Type:        state.RoleAssistant,
		Content:     res.Content,
		CreatedTime: time.Now(),
		Metadata: map[string]any{
			"source":   string(res.Source),
			"strategy": string(res.Strategy),
		},
	}

	if p.metrics != nil {
		status := "completed"
		if res.Source == integrate.SourceFallback {
			status = "fallback"
		}
		p.metrics.RecordTurn(ctx, string(path), status, turnElapsed(s))
	}

	return state.Delta{
		Messages:   []state.Message{msg},
		Activation: &act,
		Processing: map[string]any{
			"integration":     res.AsMap(),
			"response":        res.Content,
			"response_source": string(res.Source),
		},
	}, nil
}

func turnElapsed(s state.State) time.Duration {
	start := turnStart(s)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
