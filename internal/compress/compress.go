// Package compress fits ranked context chunks into a token budget.
package compress

import (
	"fmt"
	"maps"
	"sort"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/score"
	"github.com/msageha/relay/internal/tokens"
)

// DefaultMinTruncateTokens is the smallest remaining budget worth
// truncating a code chunk into.
const DefaultMinTruncateTokens = 50

// MetaTruncated is set to "true" on chunks whose content was shortened.
const MetaTruncated = "truncated"

type Compressor struct {
	counter           tokens.Counter
	truncator         Truncator
	minTruncateTokens int
	logger            *logging.Logger
}

type Option func(*Compressor)

func WithTruncator(t Truncator) Option {
	return func(c *Compressor) { c.truncator = t }
}

func WithMinTruncateTokens(n int) Option {
	return func(c *Compressor) { c.minTruncateTokens = n }
}

func New(counter tokens.Counter, logger *logging.Logger, opts ...Option) *Compressor {
	if counter == nil {
		counter = tokens.Estimator{}
	}
	c := &Compressor{
		counter:           counter,
		truncator:         HeuristicTruncator{ImportShare: DefaultImportShare},
		minTruncateTokens: DefaultMinTruncateTokens,
		logger:            logger.With("compress"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compress greedily includes chunks in descending score order. A code
// chunk that does not fit is truncated into the remaining space when
// possible; anything else that does not fit is dropped. The result never
// exceeds budget.Available(), and budget.InputUsed grows by the included
// total. Equal inputs always produce equal outputs.
func (c *Compressor) Compress(scored []score.Scored, budget *model.TokenBudget) (model.CompressedContext, error) {
	ranked := make([]score.Scored, len(scored))
	copy(ranked, scored)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	capacity := budget.Available()
	var out model.CompressedContext
	used := 0
	for _, s := range ranked {
		ch := s.Chunk
		cost := ch.Tokens
		if cost <= 0 && ch.Content != "" {
			cost = c.counter.Count(ch.Content)
			ch.Tokens = cost
		}
		remaining := capacity - used
		if cost <= remaining {
			out.Chunks = append(out.Chunks, ch)
			used += cost
			continue
		}
		out.Truncated = true
		if ch.IsCode() && remaining >= c.minTruncateTokens {
			if t, ok := c.truncate(ch, remaining); ok {
				out.Chunks = append(out.Chunks, t)
				used += t.Tokens
				continue
			}
		}
		out.Dropped = append(out.Dropped, ch.Source)
	}

	out.TotalTokens = used
	if budget.InputMax > 0 {
		out.Utilization = float64(used) / float64(budget.InputMax)
	}
	if used > capacity || !budget.CanFit(used) {
		return out, fmt.Errorf("%w: %d tokens against %d available", model.ErrBudgetExceeded, used, capacity)
	}
	budget.InputUsed += used

	c.logger.Infof("chunks_in=%d included=%d dropped=%d tokens=%d budget=%d truncated=%t",
		len(scored), len(out.Chunks), len(out.Dropped), used, budget.InputMax, out.Truncated)
	return out, nil
}

func (c *Compressor) truncate(ch model.ContextChunk, maxTokens int) (model.ContextChunk, bool) {
	text, ok := c.truncator.Truncate(ch.Content, ch.Meta(model.MetaLanguage), maxTokens, c.counter)
	if !ok {
		return model.ContextChunk{}, false
	}
	n := c.counter.Count(text)
	if n > maxTokens {
		return model.ContextChunk{}, false
	}
	meta := maps.Clone(ch.Metadata)
	if meta == nil {
		meta = map[string]string{}
	}
	meta[MetaTruncated] = "true"
	ch.Content = text
	ch.Tokens = n
	ch.Metadata = meta
	return ch, true
}
