// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script ClassifierResult responses and inspect the frames that
// were submitted for classification.
//
// Example:
//
//	sess := &mock.Session{
//	    Results: []types.ClassifierResult{{IsSpeech: true, Confidence: 0.9}},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/voxstream/pkg/provider/vad"
	"github.com/MrWong99/voxstream/pkg/types"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
//
// ProcessFrame pops results from Results in order; once Results is exhausted
// it returns Result. Errs works the same way for errors: a non-nil entry at
// the call's index is returned instead of a result.
type Session struct {
	mu sync.Mutex

	// Results is consumed one entry per ProcessFrame call.
	Results []types.ClassifierResult

	// Result is returned once Results is exhausted.
	Result types.ClassifierResult

	// Errs, indexed by call number, injects per-call errors.
	Errs []error

	// Classify, if set, overrides Results and Result. It receives the frame.
	Classify func(frame []byte) (types.ClassifierResult, error)

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records a copy of every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessFrame records the call and returns the next scripted result.
func (s *Session) ProcessFrame(frame []byte) (types.ClassifierResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.Frames)
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)

	if s.Classify != nil {
		return s.Classify(cp)
	}
	if n < len(s.Errs) && s.Errs[n] != nil {
		return types.ClassifierResult{}, s.Errs[n]
	}
	if n < len(s.Results) {
		return s.Results[n], nil
	}
	return s.Result, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// FrameCount returns the number of frames processed so far. Thread-safe.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
