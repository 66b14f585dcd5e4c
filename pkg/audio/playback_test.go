package audio_test

import (
	"sync"
	"testing"
	"time"

	"github.com/antiphon-ai/antiphon/pkg/audio"
)

// frameSink collects frames delivered by a Player's output callback.
type frameSink struct {
	mu     sync.Mutex
	frames []audio.Frame
}

func (s *frameSink) put(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *frameSink) frame(i int) audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func eventChan(p *audio.Player) <-chan audio.PlaybackEvent {
	ch := make(chan audio.PlaybackEvent, 32)
	p.OnEvent(func(ev audio.PlaybackEvent) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan audio.PlaybackEvent, want audio.PlaybackEventType) audio.PlaybackEvent {
	t.Helper()
	select {
	case ev := <-ch:
		if ev.Type != want {
			t.Fatalf("event = %s (utterance %q), want %s", ev.Type, ev.UtteranceID, want)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
		return audio.PlaybackEvent{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan audio.PlaybackEvent, within time.Duration) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s (utterance %q)", ev.Type, ev.UtteranceID)
	case <-time.After(within):
	}
}

// chunk20ms is one 20 ms chunk of 16 kHz mono silence (320 samples).
func chunk20ms() []byte { return make([]byte, 320*2) }

func newHandle(id string, audioCh <-chan []byte) *audio.Handle {
	return &audio.Handle{
		ID:         id,
		Audio:      audioCh,
		SampleRate: 16000,
		Channels:   1,
	}
}

func TestPlayer_PlaysUtterancesInOrder(t *testing.T) {
	sink := &frameSink{}
	p := audio.NewPlayer(sink.put, audio.WithGap(0))
	defer p.Close()
	events := eventChan(p)

	ch1 := make(chan []byte, 2)
	ch2 := make(chan []byte, 1)
	p.Enqueue(newHandle("utt-1", ch1))
	p.Enqueue(newHandle("utt-2", ch2))

	ch1 <- chunk20ms()
	ch1 <- chunk20ms()
	close(ch1)
	ch2 <- chunk20ms()
	close(ch2)

	if ev := waitEvent(t, events, audio.PlaybackStarted); ev.UtteranceID != "utt-1" {
		t.Errorf("started %q first, want utt-1", ev.UtteranceID)
	}
	ev := waitEvent(t, events, audio.PlaybackCompleted)
	if ev.UtteranceID != "utt-1" {
		t.Errorf("completed %q, want utt-1", ev.UtteranceID)
	}
	if ev.Position != 40*time.Millisecond {
		t.Errorf("utt-1 Position = %v, want 40ms", ev.Position)
	}

	if ev := waitEvent(t, events, audio.PlaybackStarted); ev.UtteranceID != "utt-2" {
		t.Errorf("started %q second, want utt-2", ev.UtteranceID)
	}
	waitEvent(t, events, audio.PlaybackCompleted)
	waitEvent(t, events, audio.QueueEmpty)

	if got := sink.count(); got != 3 {
		t.Fatalf("output frames = %d, want 3", got)
	}
	f := sink.frame(0)
	if f.SampleRate != 16000 || f.Channels != 1 || len(f.Data) != 640 {
		t.Errorf("output frame = %dHz %dch %d bytes, want 16000Hz 1ch 640 bytes", f.SampleRate, f.Channels, len(f.Data))
	}
}

func TestPlayer_InterruptCutsCurrentAndQueue(t *testing.T) {
	sink := &frameSink{}
	p := audio.NewPlayer(sink.put, audio.WithGap(0))
	defer p.Close()
	events := eventChan(p)

	ch1 := make(chan []byte, 4)
	ch2 := make(chan []byte)
	defer close(ch2)
	p.Enqueue(newHandle("utt-1", ch1))
	p.Enqueue(newHandle("utt-2", ch2))

	ch1 <- chunk20ms()
	waitEvent(t, events, audio.PlaybackStarted)
	// Let the first chunk reach the output before interrupting.
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first chunk never played")
		}
		time.Sleep(time.Millisecond)
	}

	p.Interrupt()

	ev := waitEvent(t, events, audio.PlaybackInterrupted)
	if ev.UtteranceID != "utt-1" {
		t.Errorf("interrupted %q, want utt-1", ev.UtteranceID)
	}
	if ev.Position != 20*time.Millisecond {
		t.Errorf("Position = %v, want 20ms", ev.Position)
	}
	waitEvent(t, events, audio.QueueEmpty)

	// utt-2 was dropped from the queue: no further events fire.
	expectNoEvent(t, events, 100*time.Millisecond)
	close(ch1)
}

func TestPlayer_GapBetweenUtterances(t *testing.T) {
	sink := &frameSink{}
	p := audio.NewPlayer(sink.put, audio.WithGap(60*time.Millisecond))
	defer p.Close()
	events := eventChan(p)

	ch1 := make(chan []byte, 1)
	ch2 := make(chan []byte, 1)
	p.Enqueue(newHandle("utt-1", ch1))
	p.Enqueue(newHandle("utt-2", ch2))
	ch1 <- chunk20ms()
	close(ch1)
	ch2 <- chunk20ms()
	close(ch2)

	waitEvent(t, events, audio.PlaybackStarted)
	waitEvent(t, events, audio.PlaybackCompleted)
	completedAt := time.Now()
	waitEvent(t, events, audio.PlaybackStarted)
	// Jitter is one sixth of the gap, so the pause is at least 50ms.
	if elapsed := time.Since(completedAt); elapsed < 40*time.Millisecond {
		t.Errorf("gap = %v, want >= 40ms", elapsed)
	}
}

func TestPlayer_CloseInterruptsAndDropsLateEnqueues(t *testing.T) {
	sink := &frameSink{}
	p := audio.NewPlayer(sink.put, audio.WithGap(0))
	events := eventChan(p)

	ch1 := make(chan []byte, 1)
	p.Enqueue(newHandle("utt-1", ch1))
	ch1 <- chunk20ms()
	waitEvent(t, events, audio.PlaybackStarted)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitEvent(t, events, audio.PlaybackInterrupted)
	waitEvent(t, events, audio.QueueEmpty)
	close(ch1)

	// Late enqueues are drained, never played.
	ch2 := make(chan []byte, 1)
	ch2 <- chunk20ms()
	close(ch2)
	p.Enqueue(newHandle("utt-late", ch2))
	expectNoEvent(t, events, 100*time.Millisecond)

	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
