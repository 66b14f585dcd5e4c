// Package piper provides a local Piper-backed TTS provider that connects to a
// running Piper HTTP server. It implements the tts.Provider interface.
//
// The Piper HTTP server (python -m piper.http_server) operates in batch mode:
// one POST per utterance returning a complete WAV file. To keep time-to-first-
// audio low, Synthesize splits the utterance into sentences and dispatches
// concurrent HTTP requests with a small lookahead buffer while emitting PCM in
// the original sentence order.
//
// Typical usage:
//
//	p, err := piper.New("http://localhost:5000",
//	    piper.WithTimeout(15*time.Second),
//	    piper.WithOutputSampleRate(22050),
//	)
//	handle, err := p.Synthesize(ctx, "Hello there. How can I help?", voice)
package piper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/antiphon-ai/antiphon/pkg/audio"
	"github.com/antiphon-ai/antiphon/pkg/provider/tts"
	"github.com/google/uuid"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultTimeout = 30 * time.Second

	// defaultOutputRate is the rate all synthesised PCM is normalised to.
	// Medium-quality Piper voices are natively 22050 Hz, so the common case
	// is a pass-through.
	defaultOutputRate = 22050

	// sentenceLookaheadBuf controls how many concurrent HTTP synthesis
	// requests may be in-flight simultaneously. Higher values reduce
	// perceived latency at the cost of additional server load.
	sentenceLookaheadBuf = 4

	// audioChanBuf is the buffer depth of the handle's audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// Option is a functional option for configuring a Piper Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout for calls to the Piper server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithVoiceName sets the display name reported by ListVoices. The Piper HTTP
// server loads a single model per instance, so the name is informational.
func WithVoiceName(name string) Option {
	return func(p *Provider) {
		p.voiceName = name
	}
}

// WithOutputSampleRate configures the provider to resample synthesised PCM to
// the given sample rate. Defaults to 22050 Hz.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// Provider implements tts.Provider backed by a locally-running Piper HTTP
// server. It is safe for concurrent use; multiple Synthesize calls may run in
// parallel.
type Provider struct {
	serverURL  string
	voiceName  string
	outputRate int
	httpClient *http.Client
}

// New creates a new Piper Provider that targets the server at serverURL
// (e.g., "http://localhost:5000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		outputRate: defaultOutputRate,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.outputRate <= 0 {
		return nil, fmt.Errorf("piper: output sample rate %d is not positive", p.outputRate)
	}
	return p, nil
}

// ---- internal request/response types ----

// synthesisRequest is the JSON body sent to POST /. Servers running
// single-speaker models ignore the optional fields.
type synthesisRequest struct {
	Text string `json:"text"`

	// Speaker selects a speaker in multi-speaker models.
	Speaker string `json:"speaker,omitempty"`

	// LengthScale stretches phoneme durations; it is the inverse of the
	// speaking rate.
	LengthScale float64 `json:"length_scale,omitempty"`
}

// synthResult carries a synthesised PCM byte slice or an error from a worker
// goroutine.
type synthResult struct {
	pcm []byte
	err error
}

// ---- Synthesize ----

// Synthesize splits text into sentences, issues one HTTP synthesis request per
// sentence with a small concurrent lookahead, and returns an audio handle
// whose channel emits the resulting PCM in sentence order.
//
// The handle's channel is closed when all sentences have been synthesised,
// a request fails (see Handle.Err), or ctx is cancelled.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*audio.Handle, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, errors.New("piper: text must not be empty")
	}

	audioCh := make(chan []byte, audioChanBuf)
	h := &audio.Handle{
		ID:         uuid.NewString(),
		Text:       text,
		Audio:      audioCh,
		SampleRate: p.outputRate,
		Channels:   1,
	}

	// The collector cancels this context when it stops early so the
	// dispatcher and any in-flight requests unwind instead of blocking.
	ctx, cancel := context.WithCancel(ctx)

	// resultQueue carries ordered future channels so the collector can drain
	// results in sentence order regardless of HTTP completion order.
	resultQueue := make(chan chan synthResult, sentenceLookaheadBuf)

	// Dispatcher: launch one HTTP request per sentence, bounded by the
	// resultQueue buffer.
	go func() {
		defer close(resultQueue)
		for _, sentence := range sentences {
			ch := make(chan synthResult, 1)
			select {
			case resultQueue <- ch:
			case <-ctx.Done():
				return
			}
			go func(s string, out chan<- synthResult) {
				pcm, err := p.synthesize(ctx, s, voice)
				out <- synthResult{pcm: pcm, err: err}
			}(sentence, ch)
		}
	}()

	// Collector: drain resultQueue in order and emit PCM chunks.
	go func() {
		defer close(audioCh)
		defer cancel()
		for ch := range resultQueue {
			select {
			case result := <-ch:
				if result.err != nil {
					h.SetStreamErr(result.err)
					return
				}
				pcm := result.pcm
				for len(pcm) > 0 {
					end := min(pcmChunkSize, len(pcm))
					select {
					case audioCh <- pcm[:end]:
					case <-ctx.Done():
						h.SetStreamErr(ctx.Err())
						return
					}
					pcm = pcm[end:]
				}
			case <-ctx.Done():
				h.SetStreamErr(ctx.Err())
				return
			}
		}
	}()

	return h, nil
}

// synthesize performs a single POST / call and returns the WAV payload as PCM
// at the configured output rate.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.Voice) ([]byte, error) {
	body := synthesisRequest{Text: sentence}
	if voice.ID != "" {
		body.Speaker = voice.ID
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1.0 {
		body.LengthScale = 1.0 / voice.SpeedFactor
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("piper: marshal synthesis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("piper: create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("piper: POST /: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("piper: POST / returned status %d", resp.StatusCode)
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("piper: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[info.DataOffset:]
	if info.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if info.SampleRate != p.outputRate {
		pcm = audio.Resample(pcm, 1, info.SampleRate, p.outputRate)
	}
	return pcm, nil
}

// ---- ListVoices ----

// ListVoices returns the single voice served by the configured Piper process.
// The HTTP server loads one model per instance and exposes no catalogue
// endpoint, so the result is derived from the provider options.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	name := p.voiceName
	if name == "" {
		name = "default"
	}
	return []tts.Voice{
		{
			ID:       name,
			Name:     name,
			Provider: "piper",
		},
	}, nil
}

// ---- helpers ----

// splitSentences breaks text into synthesis units on sentence-ending
// punctuation followed by whitespace or end of input. A trailing fragment
// without terminal punctuation is included as its own unit.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no sentence boundary is found.
//
// Requiring whitespace after the punctuation keeps decimal numbers like
// "3.14" intact; abbreviations like "Dr." are still split, which is harmless
// for synthesis.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g., 16000, 22050)
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. Walking the chunks is more
// robust than assuming a fixed 44-byte header because the fmt chunk size may
// vary.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("piper: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("piper: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("piper: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// The fmt chunk should appear before data; assume the
				// common Piper format when it does not.
				info.SampleRate = defaultOutputRate
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("piper: WAV response missing data chunk")
}
