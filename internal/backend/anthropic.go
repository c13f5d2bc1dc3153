package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
)

const defaultMaxTokens = 4096

// AnthropicBackend runs sessions on the Anthropic Messages API.
type AnthropicBackend struct {
	client    anthropic.Client
	model     string
	streaming bool
	logger    *logging.Logger
}

func NewAnthropic(cfg model.BackendConfig, streaming bool, logger *logging.Logger, extra ...option.RequestOption) (*AnthropicBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic backend requires ANTHROPIC_API_KEY")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	return &AnthropicBackend{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		streaming: streaming,
		logger:    logger.With("backend.anthropic"),
	}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) Open(ctx context.Context, req OpenRequest) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := req.Model
	if m == "" {
		m = b.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	s := &anthropicSession{
		backend: b,
		params: anthropic.MessageNewParams{
			Model:     anthropic.Model(m),
			MaxTokens: maxTokens,
			Tools:     anthropicTools(req.Tools),
		},
	}
	if req.System != "" {
		s.params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, t := range replay(req.History) {
		if t.role == model.RoleAssistant {
			s.messages = append(s.messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.text)))
		} else {
			s.messages = append(s.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.text)))
		}
	}
	b.logger.Debugf("open model=%s tools=%d history=%d", m, len(req.Tools), len(s.messages))
	return s, nil
}

func anthropicTools(defs []model.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := d.InputSchema()
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   d.RequiredParams(),
				},
			},
		})
	}
	return out
}

type anthropicSession struct {
	backend  *AnthropicBackend
	mu       sync.Mutex
	params   anthropic.MessageNewParams
	messages []anthropic.MessageParam
}

func (s *anthropicSession) userMessage(msg Message) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion
	for _, r := range msg.ToolResults {
		content := r.Result
		if !r.Success {
			content = r.Error
		}
		blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, content, !r.Success))
	}
	if msg.Text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
	}
	return anthropic.NewUserMessage(blocks...)
}

func (s *anthropicSession) Send(ctx context.Context, msg Message) (<-chan Event, error) {
	if msg.Text == "" && len(msg.ToolResults) == 0 {
		return nil, errors.New("empty message")
	}
	s.mu.Lock()
	s.messages = append(s.messages, s.userMessage(msg))
	params := s.params
	params.Messages = append([]anthropic.MessageParam(nil), s.messages...)
	s.mu.Unlock()

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		var (
			resp *anthropic.Message
			err  error
		)
		if s.backend.streaming {
			resp, err = s.stream(ctx, params, ch)
		} else {
			resp, err = s.backend.client.Messages.New(ctx, params)
		}
		if err != nil {
			send(ctx, ch, Event{Err: fmt.Errorf("anthropic messages: %w", err)})
			return
		}
		s.deliver(ctx, resp, ch, !s.backend.streaming)
	}()
	return ch, nil
}

// stream relays text deltas as they arrive and returns the accumulated
// message for tool-use extraction.
func (s *anthropicSession) stream(ctx context.Context, params anthropic.MessageNewParams, ch chan<- Event) (*anthropic.Message, error) {
	stream := s.backend.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, err
		}
		if ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if !send(ctx, ch, Event{Text: delta.Text}) {
					return nil, ctx.Err()
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &acc, nil
}

// deliver records the assistant turn and emits its tool calls, and its text
// when it was not already streamed.
func (s *anthropicSession) deliver(ctx context.Context, resp *anthropic.Message, ch chan<- Event, withText bool) {
	var blocks []anthropic.ContentBlockParamUnion
	var events []Event
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			if withText && b.Text != "" {
				events = append(events, Event{Text: b.Text})
			}
		case anthropic.ToolUseBlock:
			var args map[string]any
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					events = append(events, Event{Err: fmt.Errorf("decode tool input for %s: %w", b.Name, err)})
					continue
				}
			}
			blocks = append(blocks, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{ID: b.ID, Name: b.Name, Input: args},
			})
			events = append(events, Event{ToolCall: &model.ToolCall{ID: b.ID, Name: b.Name, Arguments: args}})
		}
	}
	if len(blocks) > 0 {
		s.mu.Lock()
		s.messages = append(s.messages, anthropic.NewAssistantMessage(blocks...))
		s.mu.Unlock()
	}
	s.backend.logger.Debugf("turn stop_reason=%s input_tokens=%d output_tokens=%d", resp.StopReason, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	for _, ev := range events {
		if !send(ctx, ch, ev) {
			return
		}
	}
}

func (s *anthropicSession) Close() error { return nil }
