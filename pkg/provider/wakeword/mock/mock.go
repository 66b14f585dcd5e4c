// Package mock provides a scripted wake word detector for tests.
package mock

import (
	"sync"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/wakeword"
)

// DetectCall records a single Detect invocation.
type DetectCall struct {
	Frame audio.Frame
}

// Detector is a scripted wakeword.Detector. Results are consumed in
// order; once exhausted, Result is returned for every call. Err, when
// set, takes precedence over both.
type Detector struct {
	mu sync.Mutex

	Results []wakeword.Detection
	Result  wakeword.Detection
	Err     error

	Calls []DetectCall
}

var _ wakeword.Detector = (*Detector)(nil)

// Detect records the call and returns the next scripted detection.
func (d *Detector) Detect(frame audio.Frame) (wakeword.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Calls = append(d.Calls, DetectCall{Frame: frame})

	if d.Err != nil {
		return wakeword.Detection{}, d.Err
	}
	if len(d.Results) > 0 {
		res := d.Results[0]
		d.Results = d.Results[1:]
		return res, nil
	}
	return d.Result, nil
}

// Reset clears recorded calls and scripted behavior.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Calls = nil
	d.Results = nil
	d.Result = wakeword.Detection{}
	d.Err = nil
}
