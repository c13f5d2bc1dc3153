// Package tokens estimates the token cost of text. Every pipeline stage uses
// the same Counter so budget arithmetic stays consistent.
package tokens

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the token cost of text. Implementations must be pure,
// deterministic and monotonic in text length, and return 0 for "".
type Counter interface {
	Count(text string) int
}

// CharsPerToken is the estimator's characters-per-token ratio.
const CharsPerToken = 4

// Estimator counts ceil(runes/4). Appending characters never lowers the
// count, which keeps compressor arithmetic safe.
type Estimator struct{}

func (Estimator) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Estimate is the package-level estimator.
func Estimate(text string) int {
	return Estimator{}.Count(text)
}

// CharsForTokens is the largest rune count the estimator prices at n tokens.
func CharsForTokens(n int) int {
	if n <= 0 {
		return 0
	}
	return n * CharsPerToken
}

const defaultEncoding = "cl100k_base"

// Tiktoken counts BPE tokens with the cl100k_base encoding. The encoding is
// loaded on first use; if it cannot be loaded every call falls back to the
// estimator.
type Tiktoken struct {
	once     sync.Once
	enc      *tiktoken.Tiktoken
	err      error
	encoding string
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{encoding: defaultEncoding}
}

func (t *Tiktoken) load() error {
	t.once.Do(func() {
		t.enc, t.err = tiktoken.GetEncoding(t.encoding)
	})
	return t.err
}

// Available reports whether the BPE encoding loaded.
func (t *Tiktoken) Available() bool {
	return t.load() == nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	if err := t.load(); err != nil {
		return Estimate(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

const DefaultCacheSize = 4096

// Cached memoizes another Counter by content digest. Gathering re-reads the
// same files on every request, so most lookups hit.
type Cached struct {
	inner Counter
	cache *lru.Cache[[sha256.Size]byte, int]
}

func NewCached(inner Counter, size int) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[[sha256.Size]byte, int](size)
	if err != nil {
		return nil, fmt.Errorf("create token cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Count(text string) int {
	if text == "" {
		return 0
	}
	key := sha256.Sum256([]byte(text))
	if n, ok := c.cache.Get(key); ok {
		return n
	}
	n := c.inner.Count(text)
	c.cache.Add(key, n)
	return n
}

func (c *Cached) Len() int {
	return c.cache.Len()
}

// New builds the budget counter named by kind ("estimate" or "tiktoken"),
// wrapped in a cache.
func New(kind string) (Counter, error) {
	var inner Counter
	switch kind {
	case "", "estimate":
		inner = Estimator{}
	case "tiktoken":
		inner = NewTiktoken()
	default:
		return nil, fmt.Errorf("unknown token counter %q", kind)
	}
	return NewCached(inner, DefaultCacheSize)
}
