package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/msageha/relay/internal/model"
)

// Confirmer approves tools flagged RequiresConfirmation before they run.
// A denial becomes a failed tool result; an error fails the call the same
// way.
type Confirmer interface {
	Confirm(ctx context.Context, call model.ToolCall, def model.ToolDefinition) (bool, error)
}

type ConfirmFunc func(ctx context.Context, call model.ToolCall, def model.ToolDefinition) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, call model.ToolCall, def model.ToolDefinition) (bool, error) {
	return f(ctx, call, def)
}

var (
	AutoApprove = ConfirmFunc(func(context.Context, model.ToolCall, model.ToolDefinition) (bool, error) { return true, nil })
	DenyAll     = ConfirmFunc(func(context.Context, model.ToolCall, model.ToolDefinition) (bool, error) { return false, nil })
)

// Prompt asks on a terminal. Only "y" and "yes" approve. One goroutine
// reads the input for the life of the Prompt, so an abandoned question
// never leaves a second read pending on the same reader.
type Prompt struct {
	mu        sync.Mutex
	in        io.Reader
	out       io.Writer
	always    map[string]bool
	start     sync.Once
	answers   chan answer
	abandoned bool
	// err is a read failure seen while dropping a stale answer.
	err error
}

type answer struct {
	line string
	err  error
}

func NewPrompt(in io.Reader, out io.Writer) *Prompt {
	return &Prompt{in: in, out: out, always: make(map[string]bool), answers: make(chan answer)}
}

// read forwards input lines until the reader fails. io.EOF closes the
// channel; any other error is delivered first.
func (p *Prompt) read() {
	r := bufio.NewReader(p.in)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			p.answers <- answer{line: line}
		}
		if err != nil {
			if err != io.EOF {
				p.answers <- answer{err: err}
			}
			close(p.answers)
			return
		}
	}
}

// Confirm prints the call and waits for an answer or for ctx to end.
// Answering "a" approves this tool for the rest of the process.
func (p *Prompt) Confirm(ctx context.Context, call model.ToolCall, def model.ToolDefinition) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.always[def.Name] {
		return true, nil
	}
	p.start.Do(func() { go p.read() })
	if p.abandoned {
		p.dropStale()
	}
	if p.err != nil {
		return false, p.err
	}
	fmt.Fprintf(p.out, "\nAllow %s(%s)? [y/N/a] ", def.Name, summarizeArgs(call.Arguments))

	select {
	case <-ctx.Done():
		p.abandoned = true
		return false, ctx.Err()
	case a, ok := <-p.answers:
		if !ok {
			return false, nil
		}
		if a.err != nil {
			return false, a.err
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		case "a", "always":
			p.always[def.Name] = true
			return true, nil
		}
		return false, nil
	}
}

// dropStale discards an answer typed for a question that was abandoned.
func (p *Prompt) dropStale() {
	p.abandoned = false
	select {
	case a, ok := <-p.answers:
		if ok && a.err != nil {
			p.err = a.err
		}
	default:
	}
}

const maxArgPreview = 60

func summarizeArgs(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.ReplaceAll(fmt.Sprint(args[k]), "\n", `\n`)
		if len(v) > maxArgPreview {
			v = v[:maxArgPreview] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ", ")
}
