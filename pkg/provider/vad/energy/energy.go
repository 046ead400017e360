// Package energy provides a dependency-free VAD engine based on short-term
// RMS energy, for deployments that cannot reach a cloud or model-backed
// detector. It trades accuracy for zero external runtime requirements: no
// ONNX model, no native library, just a per-frame loudness threshold with
// hangover smoothing so a brief dip mid-word is not mistaken for silence.
package energy

import (
	"errors"
	"math"
	"sync"

	"github.com/tenvoicebridge/realtime-bridge/pkg/provider/vad"
	"github.com/tenvoicebridge/realtime-bridge/pkg/types"
)

// Engine is a vad.Engine backed by RMS-energy thresholding.
type Engine struct{}

// New returns a ready-to-use energy-based VAD engine. It holds no state of
// its own; all detection state lives in the per-stream Session.
func New() *Engine { return &Engine{} }

// NewSession creates a Session for cfg. SpeechThreshold and
// SilenceThreshold are interpreted as normalised RMS levels in [0,1]
// rather than model probabilities, consistent with the package's
// comment that thresholds are in "the model's native scale".
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSizeMs <= 0 {
		return nil, errors.New("energy: invalid sample rate or frame size")
	}
	frameBytes := 2 * cfg.SampleRate * cfg.FrameSizeMs / 1000
	return &Session{
		cfg:        cfg,
		frameBytes: frameBytes,
		// ~300ms of continued silence ends a speech segment; at 20ms
		// frames that is 15 consecutive silent frames.
		hangoverFrames: maxInt(1, 300/cfg.FrameSizeMs),
	}, nil
}

// Session tracks speech/silence state across ProcessFrame calls for one
// audio stream.
type Session struct {
	cfg        vad.Config
	frameBytes int

	hangoverFrames int

	mu           sync.Mutex
	speaking     bool
	silenceCount int
}

// ProcessFrame computes the frame's normalised RMS level and classifies it
// against the session's speech/silence thresholds, applying hangover so a
// short dip below SilenceThreshold does not immediately end a segment.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.frameBytes > 0 && len(frame) != s.frameBytes {
		return types.VADEvent{}, errors.New("energy: frame size mismatch")
	}

	level := rmsLevel(frame)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case level >= s.cfg.SpeechThreshold:
		s.silenceCount = 0
		if !s.speaking {
			s.speaking = true
			return types.VADEvent{Type: types.VADSpeechStart, Probability: level}, nil
		}
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: level}, nil

	case level <= s.cfg.SilenceThreshold:
		if !s.speaking {
			return types.VADEvent{Type: types.VADSilence, Probability: level}, nil
		}
		s.silenceCount++
		if s.silenceCount >= s.hangoverFrames {
			s.speaking = false
			s.silenceCount = 0
			return types.VADEvent{Type: types.VADSpeechEnd, Probability: level}, nil
		}
		return types.VADEvent{Type: types.VADSpeechContinue, Probability: level}, nil

	default:
		// Between thresholds: hold the current state.
		if s.speaking {
			s.silenceCount = 0
			return types.VADEvent{Type: types.VADSpeechContinue, Probability: level}, nil
		}
		return types.VADEvent{Type: types.VADSilence, Probability: level}, nil
	}
}

// Reset clears accumulated speech/silence state without releasing
// resources.
func (s *Session) Reset() {
	s.mu.Lock()
	s.speaking = false
	s.silenceCount = 0
	s.mu.Unlock()
}

// Close is a no-op: the session holds no external resources. Safe to call
// more than once.
func (s *Session) Close() error { return nil }

// rmsLevel computes the RMS of 16-bit little-endian PCM samples, normalised
// to [0,1] against the full-scale amplitude.
func rmsLevel(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		sample := int16(uint16(frame[2*i]) | uint16(frame[2*i+1])<<8)
		f := float64(sample)
		sumSq += f * f
	}
	rms := math.Sqrt(sumSq / float64(n))
	return rms / 32768.0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

var _ vad.Engine = (*Engine)(nil)
