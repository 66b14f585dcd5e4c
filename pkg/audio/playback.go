package audio

import (
	"math/rand/v2"
	"sync"
	"time"
)

// PlaybackEventType classifies playback lifecycle events emitted by a
// [Player].
type PlaybackEventType int

const (
	// PlaybackStarted is emitted when the first chunk of an utterance is
	// about to play.
	PlaybackStarted PlaybackEventType = iota

	// PlaybackCompleted is emitted when an utterance plays to its end.
	PlaybackCompleted

	// PlaybackInterrupted is emitted when an utterance is cut short, either
	// by [Player.Interrupt] or by [Player.Close].
	PlaybackInterrupted

	// QueueEmpty is emitted when the queue drains after at least one
	// utterance played. The activation manager keys off this to stop
	// treating the assistant as speaking.
	QueueEmpty
)

// String returns the human-readable name of the event type.
func (t PlaybackEventType) String() string {
	switch t {
	case PlaybackStarted:
		return "PLAYBACK_STARTED"
	case PlaybackCompleted:
		return "PLAYBACK_COMPLETED"
	case PlaybackInterrupted:
		return "PLAYBACK_INTERRUPTED"
	case QueueEmpty:
		return "QUEUE_EMPTY"
	default:
		return "UNKNOWN"
	}
}

// PlaybackEvent describes one playback lifecycle change.
type PlaybackEvent struct {
	// Type is the kind of lifecycle change.
	Type PlaybackEventType

	// UtteranceID is the [Handle.ID] the event concerns. Empty for
	// [QueueEmpty].
	UtteranceID string

	// Position is how much audio of the utterance had played when the event
	// fired. Zero for [PlaybackStarted] and [QueueEmpty].
	Position time.Duration
}

// DefaultGap is the base silence inserted between consecutive utterances
// when no explicit gap is configured via [WithGap].
const DefaultGap = 300 * time.Millisecond

// PlayerOption configures a [Player] during construction.
type PlayerOption func(*Player)

// WithGap sets the base silence gap between consecutive utterances. Jitter
// of one sixth of the gap is applied automatically. Zero disables the gap.
func WithGap(d time.Duration) PlayerOption {
	return func(p *Player) { p.gap = d }
}

// Player turns queued [Handle] utterances into a stream of output frames.
// Utterances play in FIFO order with a short natural pause between them;
// [Player.Interrupt] yields the floor to the user mid-utterance.
//
// All exported methods are safe for concurrent use.
type Player struct {
	output func(Frame) // receives playback frames; called from the dispatch goroutine

	mu            sync.Mutex
	queue         []*Handle
	gap           time.Duration
	playing       *Handle
	cancelPlaying chan struct{} // closed to interrupt the current utterance
	listeners     []func(PlaybackEvent)

	notify chan struct{} // signalled when an utterance is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// NewPlayer creates a [Player] delivering frames to the output callback and
// starts its dispatch goroutine. output must not be nil; it is called
// sequentially and must not block for extended periods.
//
// Call [Player.Close] to stop the goroutine and release resources.
func NewPlayer(output func(Frame), opts ...PlayerOption) *Player {
	p := &Player{
		output: output,
		gap:    DefaultGap,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	go p.dispatch()
	return p
}

// Enqueue schedules an utterance for playback after everything already
// queued. Enqueue on a closed player drains the handle and drops it.
func (p *Player) Enqueue(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		go Drain(h.Audio)
		return
	}
	p.queue = append(p.queue, h)

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Interrupt stops the current utterance and clears the queue; the user is
// taking the floor. A [PlaybackInterrupted] event fires for the cut
// utterance, followed by [QueueEmpty]. No-op when nothing is playing or
// queued.
func (p *Player) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interruptLocked(true)
}

// OnEvent adds cb to the listener list. Every registered listener receives
// every subsequent event. Listeners run on the dispatch goroutine and must
// not block.
func (p *Player) OnEvent(cb func(PlaybackEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, cb)
}

// Close stops the dispatch goroutine, drains queued utterances, and releases
// resources. Close is idempotent; subsequent calls are no-ops and return
// nil.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.interruptLocked(true)
	p.mu.Unlock()

	close(p.done)
	return nil
}

// interruptLocked cancels the current utterance and optionally clears the
// queue. Must be called with p.mu held.
func (p *Player) interruptLocked(clearQueue bool) {
	if p.cancelPlaying != nil {
		close(p.cancelPlaying)
		p.cancelPlaying = nil
	}
	p.playing = nil

	if clearQueue {
		for _, h := range p.queue {
			go Drain(h.Audio)
		}
		p.queue = p.queue[:0]
	}
}

// dispatch pulls utterances off the queue and streams their chunks to the
// output callback. Runs until [Player.Close].
func (p *Player) dispatch() {
	var lastPlayed bool // an utterance just played, so insert a gap before the next
	var playedAny bool  // something played since the last QueueEmpty

	// Reusable timer for inter-utterance gaps.
	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			h, cancel, ok := p.dequeue()
			if !ok {
				break
			}

			if lastPlayed {
				gapDur := p.gapWithJitter()
				if gapDur > 0 {
					gapTimer.Reset(gapDur)
					select {
					case <-p.done:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						go Drain(h.Audio)
						return
					case <-cancel:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						// Preempted before it started; no events fire.
						go Drain(h.Audio)
						continue
					case <-gapTimer.C:
					}
				}
			}

			p.play(h, cancel)
			lastPlayed = true
			playedAny = true

			p.mu.Lock()
			if p.playing == h {
				p.playing = nil
				p.cancelPlaying = nil
			}
			p.mu.Unlock()
		}

		if playedAny {
			p.emit(PlaybackEvent{Type: QueueEmpty})
			playedAny = false
		}
	}
}

// dequeue pops the next utterance and marks it as playing. Returns ok=false
// when the queue is empty.
func (p *Player) dequeue() (h *Handle, cancel chan struct{}, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return nil, nil, false
	}

	h = p.queue[0]
	p.queue = p.queue[1:]
	cancel = make(chan struct{})
	p.playing = h
	p.cancelPlaying = cancel
	return h, cancel, true
}

// play streams chunks from h to the output callback until the utterance ends
// or cancel is closed.
func (p *Player) play(h *Handle, cancel chan struct{}) {
	p.emit(PlaybackEvent{Type: PlaybackStarted, UtteranceID: h.ID})

	var played time.Duration
	for {
		select {
		case <-p.done:
			go Drain(h.Audio)
			p.emit(PlaybackEvent{Type: PlaybackInterrupted, UtteranceID: h.ID, Position: played})
			return
		case <-cancel:
			go Drain(h.Audio)
			p.emit(PlaybackEvent{Type: PlaybackInterrupted, UtteranceID: h.ID, Position: played})
			return
		case chunk, ok := <-h.Audio:
			if !ok {
				p.emit(PlaybackEvent{Type: PlaybackCompleted, UtteranceID: h.ID, Position: played})
				return
			}
			f := Frame{Data: chunk, SampleRate: h.SampleRate, Channels: h.Channels}
			played += f.Duration()
			p.output(f)
		}
	}
}

// emit delivers ev to every registered listener.
func (p *Player) emit(ev PlaybackEvent) {
	p.mu.Lock()
	listeners := make([]func(PlaybackEvent), len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, cb := range listeners {
		cb(ev)
	}
}

// gapWithJitter returns the configured gap with one sixth jitter applied, or
// zero when the base gap is zero.
func (p *Player) gapWithJitter() time.Duration {
	p.mu.Lock()
	base := p.gap
	p.mu.Unlock()

	if base <= 0 {
		return 0
	}

	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}

	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}
