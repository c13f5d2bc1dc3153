// Package classify maps a free-form request to a task type by deterministic
// surface scoring: keyword hits weighted by length, regex pattern bonuses,
// and a similarity bonus against example phrases.
package classify

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/msageha/relay/internal/logging"
	"github.com/msageha/relay/internal/model"
)

const (
	DefaultMinScore     = 0.3
	PatternBonus        = 0.5
	SimilarityThreshold = 0.5
	SimilarityWeight    = 2.0
	// MaxUnknownConfidence bounds the confidence reported for the unknown
	// fallback.
	MaxUnknownConfidence = 0.2
)

type Result struct {
	TaskType   model.TaskType
	Confidence float64
	Features   model.Features
	// Err wraps model.ErrClassificationAmbiguous when the request fell back
	// to unknown. It is informational; callers proceed either way.
	Err error
}

type compiledRule struct {
	taskType model.TaskType
	keywords []keyword
	patterns []*regexp.Regexp
	examples []map[string]bool
	maxScore float64
}

type keyword struct {
	text   string
	re     *regexp.Regexp
	weight float64
}

type Classifier struct {
	rules    []compiledRule
	minScore float64
	override model.TaskType
	logger   *logging.Logger
}

type Option func(*Classifier)

func WithMinScore(v float64) Option {
	return func(c *Classifier) { c.minScore = v }
}

// WithRules replaces the default rule set.
func WithRules(rules map[model.TaskType]Rule) Option {
	return func(c *Classifier) { c.rules = compileRules(rules) }
}

func New(logger *logging.Logger, opts ...Option) *Classifier {
	c := &Classifier{
		rules:    compileRules(DefaultRules()),
		minScore: DefaultMinScore,
		logger:   logger.With("classify"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithOverride returns a classifier whose result is always t. Scores and
// features are still computed.
func (c *Classifier) WithOverride(t model.TaskType) *Classifier {
	cp := *c
	cp.override = t
	return &cp
}

func compileRules(rules map[model.TaskType]Rule) []compiledRule {
	var out []compiledRule
	for _, t := range model.TaskTypes {
		r, ok := rules[t]
		if !ok || t == model.TaskUnknown {
			continue
		}
		cr := compiledRule{taskType: t, patterns: r.Patterns}
		for _, kw := range r.Keywords {
			kw = strings.ToLower(kw)
			w := float64(len(kw)) / 10
			cr.keywords = append(cr.keywords, keyword{
				text:   kw,
				re:     regexp.MustCompile(`(?:^|[^a-z0-9])` + regexp.QuoteMeta(kw) + `(?:$|[^a-z0-9])`),
				weight: w,
			})
			cr.maxScore += w
		}
		cr.maxScore += PatternBonus * float64(len(r.Patterns))
		for _, ex := range r.Examples {
			cr.examples = append(cr.examples, wordSet(ex))
		}
		if len(cr.examples) > 0 {
			cr.maxScore += SimilarityWeight
		}
		out = append(out, cr)
	}
	return out
}

type typeScore struct {
	taskType   model.TaskType
	score      float64
	keywords   []string
	patterns   []string
	similarity float64
	maxScore   float64
}

func (r compiledRule) score(text string, words map[string]bool) typeScore {
	ts := typeScore{taskType: r.taskType, maxScore: r.maxScore}
	for _, kw := range r.keywords {
		if kw.re.MatchString(text) {
			ts.score += kw.weight
			ts.keywords = append(ts.keywords, kw.text)
		}
	}
	for _, p := range r.patterns {
		if p.MatchString(text) {
			ts.score += PatternBonus
			ts.patterns = append(ts.patterns, p.String())
		}
	}
	for _, ex := range r.examples {
		if sim := jaccard(words, ex); sim > ts.similarity {
			ts.similarity = sim
		}
	}
	if ts.similarity >= SimilarityThreshold {
		ts.score += SimilarityWeight * ts.similarity
	}
	return ts
}

// Classify scores request against every rule. The highest score wins; a
// tie at the top or a best score under the minimum falls back to unknown.
// The same request always produces the same result.
func (c *Classifier) Classify(request string) Result {
	text := strings.ToLower(strings.TrimSpace(request))
	words := wordSet(text)

	features := model.Features{
		Keywords:       ExtractKeywords(request, 10),
		MentionedFiles: MentionedFiles(request),
		Action:         DetectAction(request).Name,
		Scores:         make(map[model.TaskType]float64, len(c.rules)),
	}

	scores := make([]typeScore, 0, len(c.rules))
	for _, r := range c.rules {
		ts := r.score(text, words)
		features.Scores[r.taskType] = round(ts.score)
		scores = append(scores, ts)
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if c.override != "" {
		features.Overridden = true
		for _, s := range scores {
			if s.taskType == c.override {
				features.MatchedKeywords = s.keywords
				features.MatchedPatterns = s.patterns
				features.Similarity = round(s.similarity)
			}
		}
		c.logger.Debugf("task_type=%s overridden=true", c.override)
		return Result{TaskType: c.override, Confidence: 1, Features: features}
	}

	if len(scores) == 0 {
		features.Ambiguous = true
		return Result{
			TaskType: model.TaskUnknown,
			Features: features,
			Err:      fmt.Errorf("%w: no rules", model.ErrClassificationAmbiguous),
		}
	}

	best := scores[0]
	tied := len(scores) > 1 && math.Abs(scores[1].score-best.score) < 1e-9
	if best.score < c.minScore || tied {
		features.Ambiguous = true
		conf := 0.0
		if best.maxScore > 0 {
			conf = math.Min(best.score/best.maxScore, MaxUnknownConfidence)
		}
		reason := "best score below minimum"
		if tied {
			reason = fmt.Sprintf("tie between %s and %s", best.taskType, scores[1].taskType)
		}
		c.logger.Debugf("task_type=unknown reason=%q best=%.2f", reason, best.score)
		return Result{
			TaskType:   model.TaskUnknown,
			Confidence: round(conf),
			Features:   features,
			Err:        fmt.Errorf("%w: %s", model.ErrClassificationAmbiguous, reason),
		}
	}

	features.MatchedKeywords = best.keywords
	features.MatchedPatterns = best.patterns
	features.Similarity = round(best.similarity)
	conf := 1.0
	if best.maxScore > 0 {
		conf = math.Min(best.score/best.maxScore, 1)
	}
	c.logger.Debugf("task_type=%s score=%.2f confidence=%.2f", best.taskType, best.score, conf)
	return Result{TaskType: best.taskType, Confidence: round(conf), Features: features}
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

func wordSet(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range splitWords(strings.ToLower(text)) {
		out[w] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
