package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
)

// OpenAIBackend runs sessions on an OpenAI-compatible chat completions
// endpoint with function tools. With streaming on, text deltas are relayed
// as they arrive and tool calls are assembled from their fragments.
type OpenAIBackend struct {
	client    *openai.Client
	model     string
	streaming bool
	logger    *logging.Logger
}

func NewOpenAI(cfg model.BackendConfig, streaming bool, logger *logging.Logger) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai backend requires OPENAI_API_KEY")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAIBackend{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		streaming: streaming,
		logger:    logger.With("backend.openai"),
	}, nil
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Open(ctx context.Context, req OpenRequest) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := req.Model
	if m == "" {
		m = b.model
	}
	s := &openaiSession{backend: b, model: m, maxTokens: req.MaxTokens, tools: openaiTools(req.Tools)}
	if req.System != "" {
		s.messages = append(s.messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, t := range replay(req.History) {
		role := openai.ChatMessageRoleUser
		if t.role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		s.messages = append(s.messages, openai.ChatCompletionMessage{Role: role, Content: t.text})
	}
	b.logger.Debugf("open model=%s tools=%d history=%d", m, len(req.Tools), len(s.messages))
	return s, nil
}

func openaiTools(defs []model.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema(),
			},
		})
	}
	return out
}

type openaiSession struct {
	backend   *OpenAIBackend
	model     string
	maxTokens int
	tools     []openai.Tool
	mu        sync.Mutex
	messages  []openai.ChatCompletionMessage
}

func (s *openaiSession) Send(ctx context.Context, msg Message) (<-chan Event, error) {
	if msg.Text == "" && len(msg.ToolResults) == 0 {
		return nil, errors.New("empty message")
	}
	s.mu.Lock()
	for _, r := range msg.ToolResults {
		content := r.Result
		if !r.Success {
			content = "error: " + r.Error
		}
		s.messages = append(s.messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			Content:    content,
			ToolCallID: r.CallID,
		})
	}
	if msg.Text != "" {
		s.messages = append(s.messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text})
	}
	req := openai.ChatCompletionRequest{
		Model:     s.model,
		Messages:  append([]openai.ChatCompletionMessage(nil), s.messages...),
		MaxTokens: s.maxTokens,
		Tools:     s.tools,
	}
	s.mu.Unlock()

	ch := make(chan Event, 16)
	go func() {
		defer close(ch)
		var (
			reply openai.ChatCompletionMessage
			err   error
		)
		if s.backend.streaming {
			reply, err = s.stream(ctx, req, ch)
		} else {
			reply, err = s.complete(ctx, req)
		}
		if err != nil {
			send(ctx, ch, Event{Err: err})
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, reply)
		s.mu.Unlock()

		if !s.backend.streaming && reply.Content != "" && !send(ctx, ch, Event{Text: reply.Content}) {
			return
		}
		for _, tc := range reply.ToolCalls {
			var args map[string]any
			if tc.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
					if !send(ctx, ch, Event{Err: fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)}) {
						return
					}
					continue
				}
			}
			if !send(ctx, ch, Event{ToolCall: &model.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}}) {
				return
			}
		}
	}()
	return ch, nil
}

func (s *openaiSession) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionMessage, error) {
	resp, err := s.backend.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return openai.ChatCompletionMessage{}, errors.New("chat completion returned no choices")
	}
	s.backend.logger.Debugf("turn finish_reason=%s prompt_tokens=%d completion_tokens=%d",
		resp.Choices[0].FinishReason, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return resp.Choices[0].Message, nil
}

// stream relays text deltas and returns the assembled assistant message.
// Tool call fragments are merged by their index.
func (s *openaiSession) stream(ctx context.Context, req openai.ChatCompletionRequest, ch chan<- Event) (openai.ChatCompletionMessage, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	stream, err := s.backend.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	var (
		text   strings.Builder
		calls  []openai.ToolCall
		slot   = map[int]int{}
		finish openai.FinishReason
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return openai.ChatCompletionMessage{}, fmt.Errorf("chat completion stream: %w", err)
		}
		if resp.Usage != nil {
			s.backend.logger.Debugf("turn prompt_tokens=%d completion_tokens=%d", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if d := choice.Delta.Content; d != "" {
			text.WriteString(d)
			if !send(ctx, ch, Event{Text: d}) {
				return openai.ChatCompletionMessage{}, ctx.Err()
			}
		}
		for _, frag := range choice.Delta.ToolCalls {
			idx := len(calls)
			if frag.Index != nil {
				idx = *frag.Index
			}
			i, ok := slot[idx]
			if !ok {
				i = len(calls)
				slot[idx] = i
				calls = append(calls, openai.ToolCall{Type: openai.ToolTypeFunction})
			}
			if frag.ID != "" {
				calls[i].ID = frag.ID
			}
			if frag.Function.Name != "" {
				calls[i].Function.Name = frag.Function.Name
			}
			calls[i].Function.Arguments += frag.Function.Arguments
		}
	}
	s.backend.logger.Debugf("turn finish_reason=%s streamed", finish)
	return openai.ChatCompletionMessage{
		Role:      openai.ChatMessageRoleAssistant,
		Content:   text.String(),
		ToolCalls: calls,
	}, nil
}

func (s *openaiSession) Close() error { return nil }
