// ABOUTME: Generation engine contract consumed by dispatch strategies and job workers
// ABOUTME: Ships a scripted generator for tests and local development

package generation

import (
	"context"
	"fmt"
	"sync"
)

// Request carries everything the engine needs for one participant's response.
type Request struct {
	RoomID        string
	ParticipantID string
	LastMessageID string // the triggering human message
	Language      string // requesting user's preferred language
	CostShare     int64  // the share this response will be billed at on success
	Sensitive     bool   // mature-handling constraint from the selection oracle
}

// Result is the engine's output for one request.
type Result struct {
	Content string
}

// Generator produces one AI participant's response. The engine's internals
// (prompting, model choice, safety handling) are outside this gateway.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Scripted is a deterministic generator keyed by participant ID. Unknown
// participants get an echo response. Used in tests and `serve` dev mode.
type Scripted struct {
	mu      sync.Mutex
	replies map[string]string
	errors  map[string]error
	calls   []*Request
}

// NewScripted creates an empty scripted generator.
func NewScripted() *Scripted {
	return &Scripted{
		replies: make(map[string]string),
		errors:  make(map[string]error),
	}
}

// Reply scripts a fixed reply for a participant.
func (s *Scripted) Reply(participantID, content string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[participantID] = content
	return s
}

// Fail scripts a failure for a participant.
func (s *Scripted) Fail(participantID string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[participantID] = err
	return s
}

// Calls returns a copy of all requests seen so far.
func (s *Scripted) Calls() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// Generate implements Generator.
func (s *Scripted) Generate(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if err, ok := s.errors[req.ParticipantID]; ok {
		return nil, err
	}
	if reply, ok := s.replies[req.ParticipantID]; ok {
		return &Result{Content: reply}, nil
	}
	return &Result{Content: fmt.Sprintf("[%s] responding to %s", req.ParticipantID, req.LastMessageID)}, nil
}

// Ensure Scripted implements Generator.
var _ Generator = (*Scripted)(nil)
