// Package energy provides a pure-Go VAD engine that classifies frames by their
// RMS energy.
//
// The RMS of each frame is normalised to a score in [0, 1] by dividing by a
// configurable full-scale level. A frame is speech when its score reaches
// SpeechThreshold; once in speech, the session stays in speech until the score
// drops below SilenceThreshold (hysteresis). The score is reported as the
// classifier confidence.
//
// The engine needs no model files and is the default classifier.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/voxstream/pkg/provider/vad"
	"github.com/MrWong99/voxstream/pkg/types"
)

const (
	// defaultFullScale is the normalised RMS (0..1 of int16 full scale) that
	// maps to a score of 1.0. A threshold of 0.5 then gates at RMS 0.025.
	defaultFullScale = 0.05
)

// ErrClosed is returned by ProcessFrame after the session has been closed.
var ErrClosed = errors.New("energy vad: session closed")

// Option is a functional option for [Engine].
type Option func(*Engine)

// WithFullScale sets the normalised RMS level that maps to a score of 1.0.
// Values outside (0, 1] are ignored.
func WithFullScale(level float64) Option {
	return func(e *Engine) {
		if level > 0 && level <= 1 {
			e.fullScale = level
		}
	}
}

// Engine implements [vad.Engine] using RMS energy.
type Engine struct {
	fullScale float64
}

var _ vad.Engine = (*Engine)(nil)

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{fullScale: defaultFullScale}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy vad: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSamples <= 0 {
		return nil, fmt.Errorf("energy vad: frame samples must be positive, got %d", cfg.FrameSamples)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy vad: speech threshold %.2f out of range (0, 1]", cfg.SpeechThreshold)
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = cfg.SpeechThreshold
	}
	if silence < 0 || silence > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy vad: silence threshold %.2f must be in [0, %.2f]", silence, cfg.SpeechThreshold)
	}
	return &Session{
		frameBytes: cfg.FrameSamples * 2,
		speech:     cfg.SpeechThreshold,
		silence:    silence,
		fullScale:  e.fullScale,
	}, nil
}

// Session is a per-stream energy classifier. It is not safe for concurrent
// use; each connection owns one.
type Session struct {
	frameBytes int
	speech     float64
	silence    float64
	fullScale  float64

	mu       sync.Mutex
	inSpeech bool
	closed   bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (types.ClassifierResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ClassifierResult{}, ErrClosed
	}
	if len(frame) != s.frameBytes {
		return types.ClassifierResult{}, fmt.Errorf("energy vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	score := math.Min(RMS(frame)/s.fullScale, 1)

	if s.inSpeech {
		if score < s.silence {
			s.inSpeech = false
		}
	} else if score >= s.speech {
		s.inSpeech = true
	}

	return types.ClassifierResult{IsSpeech: s.inSpeech, Confidence: score}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RMS returns the root-mean-square energy of 16-bit little-endian PCM,
// normalised to [0, 1] of int16 full scale. Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}
