package compress

import (
	"fmt"
	"sort"
	"strings"

	"github.com/msageha/relay/internal/tokens"
)

// Truncator shortens source code to at most maxTokens, preserving as much
// structure as it can. ok is false when nothing useful fits.
type Truncator interface {
	Truncate(content, language string, maxTokens int, counter tokens.Counter) (out string, ok bool)
}

const DefaultImportShare = 0.3

// HeuristicTruncator keeps import lines (up to ImportShare of the budget)
// and top-level declaration lines, and replaces every elided run with a
// "... (N lines elided) ..." marker. Declarations are dropped from the end
// until the result fits.
type HeuristicTruncator struct {
	ImportShare float64
}

type lineKind int

const (
	lineBody lineKind = iota
	lineImport
	lineDecl
)

var importPrefixes = []string{
	"package ", "import ", "import(", "from ", "#include", "use ",
	"using ", "require ", "extern crate ",
}

var declModifiers = []string{
	"export default ", "export ", "pub(crate) ", "pub ", "public ", "private ",
	"protected ", "internal ", "static ", "async ", "abstract ", "final ",
	"override ", "open ", "sealed ", "data ", "unsafe ",
}

var declPrefixes = []string{
	"func ", "type ", "class ", "def ", "interface ", "struct ", "enum ",
	"fn ", "impl ", "impl<", "trait ", "function ", "module ", "record ",
	"object ", "fun ", "mod ", "namespace ", "@",
}

// topLevelOnly declarations count only at column zero; indented ones are
// locals.
var topLevelOnly = []string{"const ", "var ", "let "}

func (h HeuristicTruncator) Truncate(content, language string, maxTokens int, counter tokens.Counter) (string, bool) {
	if maxTokens <= 0 {
		return "", false
	}
	if counter.Count(content) <= maxTokens {
		return content, true
	}
	share := h.ImportShare
	if share <= 0 || share > 1 {
		share = DefaultImportShare
	}

	lines := strings.Split(content, "\n")
	kinds := classifyLines(lines)

	var imports, decls []int
	for i, k := range kinds {
		switch k {
		case lineImport:
			imports = append(imports, i)
		case lineDecl:
			decls = append(decls, i)
		}
	}

	keep := make([]bool, len(lines))
	importBudget := int(float64(maxTokens) * share)
	nImports := sort.Search(len(imports)+1, func(n int) bool {
		if n == 0 {
			return false
		}
		return counter.Count(joinLines(lines, imports[:n])) > importBudget
	}) - 1
	for _, i := range imports[:max(nImports, 0)] {
		keep[i] = true
	}

	fits := func(nDecls int) bool {
		k := append([]bool(nil), keep...)
		for _, i := range decls[:nDecls] {
			k[i] = true
		}
		return counter.Count(render(lines, k)) <= maxTokens
	}
	nDecls := sort.Search(len(decls)+1, func(n int) bool { return !fits(n) }) - 1
	if nDecls < 0 {
		// Imports alone overflow once markers are added; shed them too.
		nDecls = 0
		for nImports > 0 && !fits(0) {
			nImports--
			keep[imports[nImports]] = false
		}
	}
	for _, i := range decls[:nDecls] {
		keep[i] = true
	}

	if nImports <= 0 && nDecls == 0 {
		return "", false
	}
	out := render(lines, keep)
	if counter.Count(out) > maxTokens {
		return "", false
	}
	return out, true
}

func classifyLines(lines []string) []lineKind {
	kinds := make([]lineKind, len(lines))
	inImportBlock := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if inImportBlock {
			kinds[i] = lineImport
			if strings.HasPrefix(trimmed, ")") {
				inImportBlock = false
			}
			continue
		}
		if trimmed == "" {
			continue
		}
		indent := indentWidth(line)
		if indent == 0 && isImport(trimmed) {
			kinds[i] = lineImport
			if trimmed == "import (" || trimmed == "import(" {
				inImportBlock = true
			}
			continue
		}
		if indent <= 4 && isDecl(trimmed, indent) {
			kinds[i] = lineDecl
		}
	}
	return kinds
}

func isImport(trimmed string) bool {
	for _, p := range importPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return strings.HasPrefix(trimmed, "const ") && strings.Contains(trimmed, "require(")
}

func isDecl(trimmed string, indent int) bool {
	s := trimmed
	for changed := true; changed; {
		changed = false
		for _, m := range declModifiers {
			if strings.HasPrefix(s, m) {
				s = s[len(m):]
				changed = true
			}
		}
	}
	for _, p := range declPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	if indent == 0 {
		for _, p := range topLevelOnly {
			if strings.HasPrefix(s, p) {
				return true
			}
		}
	}
	return false
}

func indentWidth(line string) int {
	n := 0
	for _, r := range line {
		switch r {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

func joinLines(lines []string, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = lines[j]
	}
	return strings.Join(parts, "\n")
}

func render(lines []string, keep []bool) string {
	var b strings.Builder
	elided := 0
	flush := func() {
		if elided > 0 {
			fmt.Fprintf(&b, "... (%d lines elided) ...\n", elided)
			elided = 0
		}
	}
	for i, line := range lines {
		if !keep[i] {
			elided++
			continue
		}
		flush()
		b.WriteString(line)
		b.WriteByte('\n')
	}
	flush()
	return strings.TrimSuffix(b.String(), "\n")
}
