// Package backend connects relay to the coding-assistant service that
// drives a session. The orchestrator sees only Backend and Session; the
// service's reasoning is opaque.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
)

// OpenRequest describes a new session. History replays an earlier
// conversation when a session is resumed.
type OpenRequest struct {
	Model     string
	System    string
	Tools     []model.ToolDefinition
	MaxTokens int
	History   []model.Message
}

// Message is one turn sent to the backend: free text, tool results for the
// calls of the previous turn, or both.
type Message struct {
	Text        string
	ToolResults []model.ToolResult
}

// Event is one item of a backend reply. Exactly one field is set.
type Event struct {
	Text     string
	ToolCall *model.ToolCall
	Err      error
}

// Session is a single conversation. Send must not be called again until
// the channel of the previous call is closed; the channel closes at the end
// of the backend's turn.
type Session interface {
	Send(ctx context.Context, msg Message) (<-chan Event, error)
	Close() error
}

type Backend interface {
	Name() string
	Open(ctx context.Context, req OpenRequest) (Session, error)
}

// New builds the backend selected by cfg.Backend.Kind.
func New(cfg *model.Config, logger *logging.Logger) (Backend, error) {
	switch cfg.Backend.Kind {
	case "", "scripted":
		return DryRun(), nil
	case "anthropic":
		return NewAnthropic(cfg.Backend, cfg.StreamingEnabled, logger)
	case "openai":
		return NewOpenAI(cfg.Backend, cfg.StreamingEnabled, logger)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// ResumePrompt is sent as the first message of a resumed session.
const ResumePrompt = "Continue the task from where the conversation left off."

type turn struct {
	role string // user or assistant
	text string
}

// replay flattens a stored conversation into alternating user and
// assistant turns. Tool traffic is folded into the text of the turn it
// belongs to, since the original call ids are not kept.
func replay(history []model.Message) []turn {
	var out []turn
	for _, m := range history {
		role := model.RoleUser
		text := m.Content
		switch m.Role {
		case model.RoleAssistant:
			role = model.RoleAssistant
		case model.RoleTool:
			text = "Tool result:\n" + m.Content
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].role == role {
			out[n-1].text += "\n\n" + text
			continue
		}
		out = append(out, turn{role: role, text: text})
	}
	if len(out) > 0 && out[0].role != model.RoleUser {
		out = append([]turn{{role: model.RoleUser, text: "(conversation resumed)"}}, out...)
	}
	return out
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
