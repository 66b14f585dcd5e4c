package audio

import "context"

// Session is an open capture/playback stream pair on an audio device.
//
// A Session is obtained from [Platform.Open] and remains valid until
// [Session.Close] is called. The Input channel is closed automatically when
// the session terminates.
//
// Implementations must be safe for concurrent use.
type Session interface {
	// Input returns the read-only channel of captured microphone frames.
	// The platform closes it when the session ends or the device fails.
	Input() <-chan Frame

	// Output returns the write-only channel for playback frames.
	//
	// Ownership: the returned channel is owned by the caller (writer). The
	// platform does NOT close it on Close; the caller stops writing instead.
	// Writing after Close results in dropped frames, not a panic.
	Output() chan<- Frame

	// Close tears down the session and releases the device. Safe to call
	// more than once; subsequent calls are no-ops and return nil.
	Close() error
}

// Platform is the entry point for an audio device provider. Implementations
// wrap OS or transport specific capture/playback APIs and expose the uniform
// [Session] abstraction.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Open acquires the capture and playback devices and starts streaming.
	// The supplied ctx governs the lifetime of the open attempt only; once
	// open, the Session remains alive until [Session.Close].
	//
	// Returns an error when the device cannot be acquired (missing hardware,
	// exclusive use by another process, unsupported format).
	Open(ctx context.Context) (Session, error)
}
