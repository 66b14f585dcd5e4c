// Package graph runs a named-node workflow over conversation state. Nodes
// return deltas that are folded into the state by the reducer rules in
// [github.com/antiphon-ai/antiphon/internal/state]; edges pick the next
// node, either statically or through a total predicate with a safe
// fallback. A failing or panicking node never aborts the walk. Instead the
// engine records the failure in the processing section and keeps going, so
// downstream completion checks can not deadlock on a branch that died.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antiphon-ai/antiphon/internal/state"
)

// End is the terminal target. Reaching it finishes the run cleanly.
const End = "__end__"

// NodeFunc is one unit of work. It receives a snapshot it must treat as
// read-only and returns the delta to merge. Returning an error marks the
// node failed without stopping the walk.
type NodeFunc func(ctx context.Context, s state.State) (state.Delta, error)

// Predicate inspects the current state and returns an edge label. It must
// be total; unknown labels fall back to the edge's default target.
type Predicate func(s state.State) string

// SaveFunc persists the state after a node completes. Failures are logged
// and do not interrupt the run.
type SaveFunc func(ctx context.Context, s state.State, node string) error

type conditionalEdge struct {
	pred     Predicate
	targets  map[string]string
	fallback string
}

type parallelGroup struct {
	branches []string
	join     string
	guard    time.Duration
}

// Engine is an immutable compiled workflow. Run may be called from
// multiple goroutines; all per-run data lives on the stack.
type Engine struct {
	nodes    map[string]NodeFunc
	static   map[string]string
	cond     map[string]conditionalEdge
	groups   map[string]parallelGroup
	entry    string
	maxSteps int
	logger   *slog.Logger
	save     SaveFunc
}

// Builder assembles an [Engine]. Methods may be chained; errors are
// collected and reported by [Builder.Compile].
type Builder struct {
	e    *Engine
	errs []error
}

// Option customizes a [Builder].
type Option func(*Builder)

// WithLogger sets the logger used for node failures and checkpoint
// warnings. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.e.logger = l }
}

// WithMaxSteps bounds the number of nodes a single run may execute.
// Defaults to 64.
func WithMaxSteps(n int) Option {
	return func(b *Builder) { b.e.maxSteps = n }
}

// WithSave installs a checkpoint hook invoked after every merged node.
func WithSave(fn SaveFunc) Option {
	return func(b *Builder) { b.e.save = fn }
}

// New returns an empty builder.
func New(opts ...Option) *Builder {
	b := &Builder{e: &Engine{
		nodes:    map[string]NodeFunc{},
		static:   map[string]string{},
		cond:     map[string]conditionalEdge{},
		groups:   map[string]parallelGroup{},
		maxSteps: 64,
		logger:   slog.Default(),
	}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddNode registers a named node. Names must be unique across nodes and
// parallel groups.
func (b *Builder) AddNode(name string, fn NodeFunc) *Builder {
	if _, dup := b.e.nodes[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate node %q", name))
		return b
	}
	if fn == nil {
		b.errs = append(b.errs, fmt.Errorf("node %q has nil func", name))
		return b
	}
	b.e.nodes[name] = fn
	return b
}

// AddParallel registers a pseudo-node that runs branches concurrently on
// independent snapshots, merges their deltas in completion order, and then
// continues at join. guard bounds the whole group; zero means no bound.
func (b *Builder) AddParallel(name string, branches []string, join string, guard time.Duration) *Builder {
	if _, dup := b.e.groups[name]; dup {
		b.errs = append(b.errs, fmt.Errorf("duplicate parallel group %q", name))
		return b
	}
	if len(branches) == 0 {
		b.errs = append(b.errs, fmt.Errorf("parallel group %q has no branches", name))
		return b
	}
	b.e.groups[name] = parallelGroup{branches: branches, join: join, guard: guard}
	return b
}

// SetEntry names the first node of every run.
func (b *Builder) SetEntry(name string) *Builder {
	b.e.entry = name
	return b
}

// AddEdge wires a static transition from one node to the next.
func (b *Builder) AddEdge(from, to string) *Builder {
	if _, dup := b.e.static[from]; dup {
		b.errs = append(b.errs, fmt.Errorf("node %q already has a static edge", from))
		return b
	}
	b.e.static[from] = to
	return b
}

// AddConditionalEdges wires a predicate-driven transition. The label the
// predicate returns selects from targets; labels without a mapping go to
// the target registered under fallback.
func (b *Builder) AddConditionalEdges(from string, pred Predicate, targets map[string]string, fallback string) *Builder {
	if pred == nil {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q has nil predicate", from))
		return b
	}
	if _, ok := targets[fallback]; !ok {
		b.errs = append(b.errs, fmt.Errorf("conditional edge from %q: fallback label %q not in targets", from, fallback))
		return b
	}
	b.e.cond[from] = conditionalEdge{pred: pred, targets: targets, fallback: fallback}
	return b
}

// Compile validates the wiring and returns the runnable engine.
func (b *Builder) Compile() (*Engine, error) {
	errs := b.errs
	e := b.e

	exists := func(name string) bool {
		if name == End {
			return true
		}
		if _, ok := e.nodes[name]; ok {
			return true
		}
		_, ok := e.groups[name]
		return ok
	}

	if e.entry == "" {
		errs = append(errs, errors.New("no entry node set"))
	} else if !exists(e.entry) {
		errs = append(errs, fmt.Errorf("entry node %q not registered", e.entry))
	}
	for from, to := range e.static {
		if !exists(from) || !exists(to) {
			errs = append(errs, fmt.Errorf("static edge %q -> %q references unknown node", from, to))
		}
	}
	for from, ce := range e.cond {
		if !exists(from) {
			errs = append(errs, fmt.Errorf("conditional edge from unknown node %q", from))
		}
		for label, to := range ce.targets {
			if !exists(to) {
				errs = append(errs, fmt.Errorf("conditional edge %q[%q] -> %q references unknown node", from, label, to))
			}
		}
	}
	for name, g := range e.groups {
		for _, br := range g.branches {
			if _, ok := e.nodes[br]; !ok {
				errs = append(errs, fmt.Errorf("parallel group %q branch %q not registered", name, br))
			}
		}
		if !exists(g.join) {
			errs = append(errs, fmt.Errorf("parallel group %q join %q not registered", name, g.join))
		}
	}
	for name := range e.nodes {
		if _, ok := e.static[name]; ok {
			continue
		}
		if _, ok := e.cond[name]; ok {
			continue
		}
		if b.inGroup(name) {
			continue
		}
		errs = append(errs, fmt.Errorf("node %q has no outgoing edge", name))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("graph: compile: %w", err)
	}
	return e, nil
}

func (b *Builder) inGroup(name string) bool {
	for _, g := range b.e.groups {
		for _, br := range g.branches {
			if br == name {
				return true
			}
		}
	}
	return false
}

// ─── Execution ───

// ErrStepLimit is returned when a run walks more nodes than allowed,
// which indicates an edge cycle rather than a node failure.
var ErrStepLimit = errors.New("graph: step limit exceeded")

// Run walks the graph from the entry node until End. The returned state
// is always the latest merged state, even on error. Context cancellation
// aborts the walk, drops activation to inactive, and records the cause
// under processing.fatal_error.
func (e *Engine) Run(ctx context.Context, init state.State) (state.State, error) {
	cur := init
	node := e.entry

	for step := 0; step < e.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			cur = state.Merge(cur, abortDelta(cur, err))
			return cur, fmt.Errorf("graph: run: %w", err)
		}
		if node == End {
			return cur, nil
		}

		if g, ok := e.groups[node]; ok {
			for _, d := range e.runGroup(ctx, g, cur) {
				cur = state.Merge(cur, d)
			}
			e.checkpoint(ctx, cur, node)
			node = g.join
			continue
		}

		delta := e.runNode(ctx, node, cur)
		cur = state.Merge(cur, delta)
		e.checkpoint(ctx, cur, node)

		next, err := e.next(node, cur)
		if err != nil {
			cur = state.Merge(cur, abortDelta(cur, err))
			return cur, err
		}
		node = next
	}

	cur = state.Merge(cur, abortDelta(cur, ErrStepLimit))
	return cur, ErrStepLimit
}

// runNode executes one node, converting errors and panics into a failure
// delta that marks the node complete so joins do not wait forever.
func (e *Engine) runNode(ctx context.Context, name string, s state.State) state.Delta {
	delta, err := func() (d state.Delta, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.nodes[name](ctx, s)
	}()
	if err != nil {
		e.logger.Warn("node failed", "node", name, "err", err)
		return state.Delta{Processing: map[string]any{
			name + "_error":     err.Error(),
			name + "_completed": true,
		}}
	}
	return delta
}

// runGroup executes the branches concurrently on cloned snapshots and
// returns their deltas ordered by completion.
func (e *Engine) runGroup(ctx context.Context, g parallelGroup, s state.State) []state.Delta {
	gctx := ctx
	if g.guard > 0 {
		var cancel context.CancelFunc
		gctx, cancel = context.WithTimeout(ctx, g.guard)
		defer cancel()
	}

	var mu sync.Mutex
	deltas := make([]state.Delta, 0, len(g.branches))

	eg, gctx := errgroup.WithContext(gctx)
	for _, name := range g.branches {
		snap := s.Clone()
		eg.Go(func() error {
			d := e.runNode(gctx, name, snap)
			mu.Lock()
			deltas = append(deltas, d)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return deltas
}

func (e *Engine) next(from string, s state.State) (string, error) {
	if ce, ok := e.cond[from]; ok {
		label := ce.pred(s)
		if to, ok := ce.targets[label]; ok {
			return to, nil
		}
		return ce.targets[ce.fallback], nil
	}
	if to, ok := e.static[from]; ok {
		return to, nil
	}
	return "", fmt.Errorf("graph: run: node %q has no outgoing edge", from)
}

func (e *Engine) checkpoint(ctx context.Context, s state.State, node string) {
	if e.save == nil {
		return
	}
	if err := e.save(ctx, s, node); err != nil {
		e.logger.Warn("checkpoint save failed", "node", node, "err", err)
	}
}

func abortDelta(cur state.State, cause error) state.Delta {
	act := cur.Activation
	act.Status = state.StatusInactive
	return state.Delta{
		Activation: &act,
		Processing: map[string]any{"fatal_error": cause.Error()},
	}
}
