// Package score ranks context chunks by relevance to a task.
package score

import (
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/msageha/relay/internal/model"
)

// Weights are the additive modifiers applied on top of a chunk's base
// priority score. Only their relative order is meaningful.
type Weights struct {
	TaskPattern    float64
	NamedInRequest float64
	Recent         float64
	// LargeChunk is the token size above which the size penalty applies.
	LargeChunk int
	// PenaltyPer is how many tokens over LargeChunk cost one point.
	PenaltyPer    int
	RecencyWindow time.Duration
}

func DefaultWeights() Weights {
	return Weights{
		TaskPattern:    300,
		NamedInRequest: 150,
		Recent:         100,
		LargeChunk:     2000,
		PenaltyPer:     50,
		RecencyWindow:  24 * time.Hour,
	}
}

// WeightsFromConfig maps the scoring section of the config. Zero values fall
// back to the defaults.
func WeightsFromConfig(cfg *model.Config) Weights {
	w := DefaultWeights()
	s := cfg.Scoring
	if s.TaskPattern > 0 {
		w.TaskPattern = s.TaskPattern
	}
	if s.NamedInRequest > 0 {
		w.NamedInRequest = s.NamedInRequest
	}
	if s.Recent > 0 {
		w.Recent = s.Recent
	}
	if s.LargeChunk > 0 {
		w.LargeChunk = s.LargeChunk
	}
	if s.PenaltyPer > 0 {
		w.PenaltyPer = s.PenaltyPer
	}
	if cfg.Gather.RecencyHours > 0 {
		w.RecencyWindow = time.Duration(cfg.Gather.RecencyHours) * time.Hour
	}
	return w
}

// pattern lists the terms that make a chunk relevant to a task type. Source
// terms are matched against the chunk's path, content terms against its
// text. Terms of three letters or fewer must match a whole path token so
// that "log" does not match "login".
type pattern struct {
	source  []string
	content []string
}

var taskPatterns = map[model.TaskType]pattern{
	model.TaskImplement: {source: []string{"model", "service", "handler", "controller", "route"}},
	model.TaskTest:      {source: []string{"test", "spec", "mock", "fixture"}},
	model.TaskDebug: {
		source:  []string{"error", "exception", "log", "test", "trace"},
		content: []string{"exception", "traceback", "stack trace", "panic("},
	},
	model.TaskDeploy:   {source: []string{"docker", "kubernetes", "k8s", "ci", "cd", "pipeline", "deploy", "helm"}},
	model.TaskRefactor: {source: []string{"util", "helper", "common", "shared"}},
	model.TaskOptimize: {source: []string{"performance", "perf", "cache", "index", "query", "bench"}},
	model.TaskMigrate:  {source: []string{"migration", "migrate", "schema"}},
	model.TaskAutomate: {source: []string{"script", "makefile", "workflow", "cron"}},
	model.TaskScaffold: {source: []string{"template", "skeleton", "example"}},
}

type Scorer struct {
	w   Weights
	now func() time.Time
}

func New(w Weights) *Scorer {
	return &Scorer{w: w, now: time.Now}
}

// Scored pairs a chunk with its score.
type Scored struct {
	Chunk model.ContextChunk
	Score float64
}

// Score returns the relevance of chunk for taskType given the request text.
// Modifiers apply in a fixed order: task pattern, named in request, recent,
// size penalty. The result is never negative.
func (s *Scorer) Score(chunk model.ContextChunk, taskType model.TaskType, request string) float64 {
	score := chunk.Priority.BaseScore()
	if MatchesTask(chunk, taskType) {
		score += s.w.TaskPattern
	}
	if NamedIn(chunk, request) {
		score += s.w.NamedInRequest
	}
	if s.recent(chunk) {
		score += s.w.Recent
	}
	score -= float64(s.penalty(chunk.Tokens))
	if score < 0 {
		return 0
	}
	return score
}

func (s *Scorer) penalty(tokens int) int {
	if s.w.PenaltyPer <= 0 || tokens <= s.w.LargeChunk {
		return 0
	}
	return (tokens - s.w.LargeChunk) / s.w.PenaltyPer
}

func (s *Scorer) recent(c model.ContextChunk) bool {
	if c.Meta(model.MetaRecent) == "true" {
		return true
	}
	raw := c.Meta(model.MetaModTime)
	if raw == "" || s.w.RecencyWindow <= 0 {
		return false
	}
	mtime, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return s.now().Sub(mtime) <= s.w.RecencyWindow
}

// Rank scores every chunk and sorts by descending score. Equal scores keep
// gather order.
func (s *Scorer) Rank(chunks []model.ContextChunk, taskType model.TaskType, request string) []Scored {
	out := make([]Scored, len(chunks))
	for i, c := range chunks {
		out[i] = Scored{Chunk: c, Score: s.Score(c, taskType, request)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Chunk.Order < out[j].Chunk.Order
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// MatchesTask reports whether the chunk matches the relevance pattern of
// taskType. Types without a pattern never match.
func MatchesTask(c model.ContextChunk, taskType model.TaskType) bool {
	p, ok := taskPatterns[taskType]
	if !ok || c.ChunkType == model.ChunkStructure || c.ChunkType == model.ChunkHistory {
		return false
	}
	toks := tokens(splitCamel(c.Source))
	for _, term := range p.source {
		if len(term) <= 3 {
			if toks[term] {
				return true
			}
			continue
		}
		for tok := range toks {
			if strings.HasPrefix(tok, term) {
				return true
			}
		}
	}
	if len(p.content) > 0 {
		content := strings.ToLower(c.Content)
		for _, term := range p.content {
			if containsWord(content, term) {
				return true
			}
		}
	}
	return false
}

// NamedIn reports whether request names the chunk's source by full path,
// base name, or stem (whole word, at least three characters).
func NamedIn(c model.ContextChunk, request string) bool {
	if request == "" || c.ChunkType == model.ChunkStructure || c.ChunkType == model.ChunkHistory {
		return false
	}
	req := strings.ToLower(request)
	src := strings.ToLower(c.Source)
	if containsPath(req, src) {
		return true
	}
	base := path.Base(src)
	if strings.Contains(base, ".") && containsPath(req, base) {
		return true
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if len(stem) < 3 {
		return false
	}
	return tokens(req)[stem]
}

// splitCamel lowercases s, breaking camelCase words with an underscore so
// userService yields user and service.
func splitCamel(s string) string {
	var b strings.Builder
	prev := rune(0)
	for _, r := range s {
		if unicode.IsUpper(r) && unicode.IsLower(prev) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

// containsWord reports whether term occurs in s at the start of a word.
func containsWord(s, term string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], term)
		if j < 0 {
			return false
		}
		at := i + j
		if at == 0 || !isWordByte(s[at-1]) {
			return true
		}
		i = at + 1
	}
}

// containsPath reports whether p occurs in s as whole path segments: not
// preceded by a name character and not followed by one, so a.go does not
// match inside data.go, a.gob or a.go.orig.
func containsPath(s, p string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], p)
		if j < 0 {
			return false
		}
		at, end := i+j, i+j+len(p)
		before := at == 0 || !(isWordByte(s[at-1]) || s[at-1] == '-' || s[at-1] == '.')
		after := end == len(s) || !(isWordByte(s[end]) || s[end] == '-' ||
			s[end] == '.' && end+1 < len(s) && isWordByte(s[end+1]))
		if before && after {
			return true
		}
		i = at + 1
	}
}

// tokens splits s on anything that is not a letter, digit or underscore.
// Underscore-joined tokens are also split so test_login yields test and
// login as well as test_login.
func tokens(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		out[f] = true
		if strings.Contains(f, "_") {
			for _, part := range strings.Split(f, "_") {
				if part != "" {
					out[part] = true
				}
			}
		}
	}
	return out
}
