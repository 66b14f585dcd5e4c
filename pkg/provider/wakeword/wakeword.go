// Package wakeword defines the wake-phrase detection contract and provides a
// transcription-based matcher.
//
// Two detection surfaces exist. Detector scans raw audio frames on the
// capture path, ahead of transcription; acoustic implementations plug in
// behind it. TextMatcher scans already-transcribed text for the wake phrase
// and is what the activation gate uses by default: it needs no model files
// and tolerates the recognition errors speech-to-text introduces ("hey
// antiphon" heard as "hay antifon").
package wakeword

import "github.com/antiphon-ai/antiphon/pkg/audio"

// Detection is the result of scanning audio or text for the wake phrase.
type Detection struct {
	// Hit reports whether the wake phrase was detected.
	Hit bool

	// Confidence is the detection confidence in [0, 1]. Zero when Hit is
	// false.
	Confidence float64

	// TimestampMs is the detection offset from the start of the scanned
	// audio in milliseconds. Detectors that cannot place the hit in time,
	// including TextMatcher, report -1.
	TimestampMs int64
}

// Detector scans audio frames for the wake phrase.
//
// Detect runs on the capture path and must return quickly without blocking;
// frames arrive every few tens of milliseconds. Implementations must be safe
// for concurrent use.
type Detector interface {
	Detect(frame audio.Frame) (Detection, error)
}
