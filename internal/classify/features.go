package classify

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "could": true, "do": true,
	"does": true, "for": true, "from": true, "has": true, "have": true,
	"how": true, "i": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "me": true, "my": true, "need": true, "not": true, "of": true,
	"on": true, "or": true, "our": true, "please": true, "should": true,
	"so": true, "some": true, "that": true, "the": true, "their": true,
	"them": true, "then": true, "there": true, "these": true, "this": true,
	"to": true, "up": true, "us": true, "want": true, "was": true, "we": true,
	"what": true, "when": true, "which": true, "why": true, "will": true,
	"with": true, "would": true, "you": true, "your": true,
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// ExtractKeywords returns up to limit content words of request, most
// frequent first and then in order of first appearance.
func ExtractKeywords(request string, limit int) []string {
	counts := map[string]int{}
	first := map[string]int{}
	for i, w := range splitWords(strings.ToLower(request)) {
		if len(w) < 3 || stopWords[w] {
			continue
		}
		if _, ok := first[w]; !ok {
			first[w] = i
		}
		counts[w]++
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return first[words[i]] < first[words[j]]
	})
	if limit > 0 && len(words) > limit {
		words = words[:limit]
	}
	return words
}

var (
	pathToken = regexp.MustCompile(`^(?:\.{0,2}/)?(?:[\w.-]+/)*[\w.-]+/?$`)
	extSuffix = regexp.MustCompile(`[\w-]\.[A-Za-z][A-Za-z0-9]{0,7}$`)
)

var notPaths = map[string]bool{"e.g": true, "i.e": true, "etc": true, "and/or": true}

// MentionedFiles extracts file-like tokens (a slash-separated path or a name
// with an extension) from the request in order of appearance, without
// duplicates.
func MentionedFiles(request string) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range strings.Fields(request) {
		p := strings.Trim(f, "\"'`()[]{}<>,;:!?")
		p = strings.TrimRight(p, ".")
		if p == "" || strings.Contains(p, "://") || notPaths[strings.ToLower(p)] {
			continue
		}
		if !pathToken.MatchString(p) {
			continue
		}
		hasSlash := strings.Contains(p, "/") && strings.Trim(p, "./") != ""
		if !hasSlash && !extSuffix.MatchString(p) {
			continue
		}
		p = strings.TrimPrefix(strings.TrimSuffix(p, "/"), "./")
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Lightweight action names.
const (
	ActionListFiles   = "list_files"
	ActionReadFile    = "read_file"
	ActionCountTokens = "count_tokens"
	ActionRunTests    = "run_tests"
)

// Action is a request that a single built-in operation can serve.
type Action struct {
	Name string
	// Path is the file or directory the action targets, when it takes one.
	Path string
}

// maxActionWords keeps longer requests, which usually ask for more than one
// thing, on the full session route.
const maxActionWords = 8

var (
	listFilesRe   = regexp.MustCompile(`^(list|show)( all| the)? (files|directory|dir|contents)\b|^what files\b`)
	readFileRe    = regexp.MustCompile(`^(show|cat|read|print|open)( me)?( the)?( file| contents of)?\s+\S+$|^(contents of)\s+\S+$`)
	countTokensRe = regexp.MustCompile(`^(count|how many) tokens( are)? in\s+\S+$`)
	runTestsRe    = regexp.MustCompile(`^(run|execute)( all| the)?( unit)? tests?$`)
)

// DetectAction recognizes requests such as "list files", "read main.go",
// "count tokens in main.go" and "run the tests". It returns a zero Action
// when none applies.
func DetectAction(request string) Action {
	text := strings.ToLower(strings.TrimSpace(request))
	text = strings.TrimRight(text, ".!?")
	if text == "" || len(strings.Fields(text)) > maxActionWords {
		return Action{}
	}
	switch {
	case runTestsRe.MatchString(text):
		return Action{Name: ActionRunTests}
	case countTokensRe.MatchString(text):
		return Action{Name: ActionCountTokens, Path: lastField(request)}
	case listFilesRe.MatchString(text):
		a := Action{Name: ActionListFiles}
		if m := listInRe.FindStringSubmatch(text); m != nil && !genericDirs[m[1]] {
			a.Path = strings.TrimPrefix(lastField(request), "./")
		}
		return a
	case readFileRe.MatchString(text):
		if files := MentionedFiles(request); len(files) > 0 {
			return Action{Name: ActionReadFile, Path: files[len(files)-1]}
		}
	}
	return Action{}
}

var (
	listInRe    = regexp.MustCompile(`\bin\s+(?:the\s+)?(\S+)$`)
	genericDirs = map[string]bool{"directory": true, "dir": true, "folder": true, "here": true, ".": true, "workspace": true, "repo": true, "project": true}
)

func lastField(s string) string {
	f := strings.Fields(strings.TrimRight(strings.TrimSpace(s), ".!?"))
	if len(f) == 0 {
		return ""
	}
	return strings.Trim(f[len(f)-1], "\"'`")
}
