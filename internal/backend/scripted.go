package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msageha/relay/internal/model"
)

// Turn is one scripted backend reply.
type Turn struct {
	Text      string
	ToolCalls []model.ToolCall
	// Err is delivered as an event after Text and ToolCalls.
	Err error
	// Delay holds the reply back; a done context ends the wait with the
	// context's error.
	Delay time.Duration
}

// Scripted replays fixed turns in order. When the script runs out it
// answers with a closing text turn and no tool calls. It records everything
// it receives.
type Scripted struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	echo     bool
	opened   []OpenRequest
	received []Message
	closed   int
	openErr  error
}

func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// DryRun is a scripted backend that describes the request it was given
// and finishes without calling tools.
func DryRun() *Scripted {
	return &Scripted{echo: true}
}

// FailOpen makes the next Open calls return err.
func (s *Scripted) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Open(ctx context.Context, req OpenRequest) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	s.opened = append(s.opened, req)
	return &scriptedSession{backend: s, req: req}, nil
}

// Opened returns the requests Open has accepted.
func (s *Scripted) Opened() []OpenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OpenRequest(nil), s.opened...)
}

// Received returns every message sent to any session, in order.
func (s *Scripted) Received() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.received...)
}

// Closed reports how many sessions were closed.
func (s *Scripted) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Scripted) take(req OpenRequest, msg Message) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, msg)
	if s.next < len(s.turns) {
		t := s.turns[s.next]
		s.next++
		return t
	}
	if s.echo {
		return Turn{Text: describe(req, msg)}
	}
	return Turn{Text: "done"}
}

func describe(req OpenRequest, msg Message) string {
	if len(msg.ToolResults) > 0 {
		return fmt.Sprintf("dry run: received %d tool results", len(msg.ToolResults))
	}
	names := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		names = append(names, t.Name)
	}
	return fmt.Sprintf("dry run: model=%s prompt_chars=%d tools=[%s]", req.Model, len(msg.Text), strings.Join(names, ", "))
}

type scriptedSession struct {
	backend *Scripted
	req     OpenRequest
	mu      sync.Mutex
	closed  bool
}

var errSessionClosed = errors.New("session closed")

func (s *scriptedSession) Send(ctx context.Context, msg Message) (<-chan Event, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errSessionClosed
	}
	t := s.backend.take(s.req, msg)
	ch := make(chan Event, 1+len(t.ToolCalls)+1)
	go func() {
		defer close(ch)
		if t.Delay > 0 {
			timer := time.NewTimer(t.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				ch <- Event{Err: ctx.Err()}
				return
			}
		}
		if t.Text != "" {
			ch <- Event{Text: t.Text}
		}
		for i := range t.ToolCalls {
			call := t.ToolCalls[i]
			ch <- Event{ToolCall: &call}
		}
		if t.Err != nil {
			ch <- Event{Err: t.Err}
		}
	}()
	return ch, nil
}

func (s *scriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.backend.mu.Lock()
	s.backend.closed++
	s.backend.mu.Unlock()
	return nil
}
