// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Session] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// tests can assert on call counts and arguments, and they expose exported
// fields the test can set to control return values.
//
// Typical usage:
//
//	in := make(chan audio.Frame, 16)
//	sess := &mock.Session{InputChan: in}
//	platform := &mock.Platform{OpenResult: sess}
//	got, err := platform.Open(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/antiphon-ai/antiphon/pkg/audio"
)

// Session is a mock implementation of [audio.Session].
// Set the exported fields before use; inspect the CallCount fields after.
type Session struct {
	mu sync.Mutex

	// InputChan is returned by [Session.Input]. Tests feed captured frames
	// into it. Defaults to a closed channel if left nil.
	InputChan chan audio.Frame

	// OutputChan is returned by [Session.Output]. Defaults to a buffered
	// channel of 64 frames if left nil, so writes never block a test.
	OutputChan chan audio.Frame

	// CloseError is returned by [Session.Close].
	CloseError error

	// CallCountInput records how many times Input was called.
	CallCountInput int

	// CallCountOutput records how many times Output was called.
	CallCountOutput int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Input implements [audio.Session]. Returns InputChan, lazily creating a
// closed channel when none was set.
func (s *Session) Input() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountInput++
	if s.InputChan == nil {
		s.InputChan = make(chan audio.Frame)
		close(s.InputChan)
	}
	return s.InputChan
}

// Output implements [audio.Session]. Returns OutputChan, lazily creating a
// buffered channel when none was set.
func (s *Session) Output() chan<- audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountOutput++
	if s.OutputChan == nil {
		s.OutputChan = make(chan audio.Frame, 64)
	}
	return s.OutputChan
}

// Close implements [audio.Session]. Returns CloseError.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Played returns a snapshot of the frames written to OutputChan so far.
// Only valid when OutputChan is buffered and nothing else consumes it.
func (s *Session) Played() []audio.Frame {
	s.mu.Lock()
	out := s.OutputChan
	s.mu.Unlock()
	if out == nil {
		return nil
	}

	var frames []audio.Frame
	for {
		select {
		case f := <-out:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// Reset clears recorded calls while keeping configured channels and errors.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountInput = 0
	s.CallCountOutput = 0
	s.CallCountClose = 0
}

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// OpenResult is the [audio.Session] returned by Open.
	OpenResult audio.Session

	// OpenError is the error returned by Open.
	OpenError error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Platform]. Records the call and returns
// OpenResult / OpenError.
func (p *Platform) Open(_ context.Context) (audio.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountOpen++
	return p.OpenResult, p.OpenError
}

// Reset clears recorded calls while keeping configured results.
func (p *Platform) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountOpen = 0
}
