package toolset

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/msageha/relay/internal/gather"
	"github.com/msageha/relay/internal/model"
)

func (b *Builtins) SearchCode() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "search_code",
		Description: "Search workspace files for a regular expression. Returns matching lines with surrounding context.",
		Parameters: []model.ToolParameter{
			{Name: "pattern", Type: "string", Description: "Regular expression (RE2 syntax)", Required: true},
			{Name: "path", Type: "string", Description: "File or directory to search", Default: "."},
			{Name: "file_pattern", Type: "string", Description: "Glob matched against file names", Default: "*"},
			{Name: "case_sensitive", Type: "boolean", Description: "Match case exactly", Default: false},
		},
		Handler: b.searchCode,
	}
}

type searchMatch struct {
	File    string   `yaml:"file"`
	Line    int      `yaml:"line"`
	Text    string   `yaml:"text"`
	Context []string `yaml:"context,omitempty"`
}

type searchReport struct {
	Pattern   string        `yaml:"pattern"`
	Matches   []searchMatch `yaml:"matches"`
	Total     int           `yaml:"total_matches"`
	Truncated bool          `yaml:"truncated,omitempty"`
}

func (b *Builtins) searchCode(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	pattern, err := stringArg(args, "pattern", true, "")
	if err != nil {
		return model.ToolOutput{}, err
	}
	p, err := stringArg(args, "path", false, ".")
	if err != nil {
		return model.ToolOutput{}, err
	}
	filePattern, err := stringArg(args, "file_pattern", false, "*")
	if err != nil {
		return model.ToolOutput{}, err
	}
	caseSensitive, err := boolArg(args, "case_sensitive", false)
	if err != nil {
		return model.ToolOutput{}, err
	}
	expr := pattern
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return model.ToolOutput{}, fmt.Errorf("invalid regex pattern: %w", err)
	}
	files, err := b.walkFiles(ctx, p, filePattern, maxSearchFiles)
	if err != nil {
		return model.ToolOutput{}, err
	}

	report := searchReport{Pattern: pattern}
	for _, abs := range files {
		if err := ctx.Err(); err != nil {
			return model.ToolOutput{}, err
		}
		data, err := os.ReadFile(abs)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			continue
		}
		lines := strings.Split(strings.ToValidUTF8(string(data), "\uFFFD"), "\n")
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			if len(report.Matches) >= maxSearchMatches {
				report.Truncated = true
				break
			}
			report.Matches = append(report.Matches, searchMatch{
				File:    b.ws.Rel(abs),
				Line:    i + 1,
				Text:    clip(strings.TrimSpace(line), 200),
				Context: contextLines(lines, i, 2),
			})
		}
		if report.Truncated {
			break
		}
	}
	report.Total = len(report.Matches)
	out, err := render(report)
	if err != nil {
		return model.ToolOutput{}, err
	}
	return model.ToolOutput{Content: out}, nil
}

// walkFiles returns the regular files under p whose base name matches
// pattern, in lexical order and confined to the workspace. p may name a
// single file.
func (b *Builtins) walkFiles(ctx context.Context, p, pattern string, limit int) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid file pattern %q: %w", pattern, err)
	}
	root, err := b.ws.Resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("path not found: %s", p)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && gather.IgnoreDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !g.Match(d.Name()) {
			return nil
		}
		if _, err := b.ws.Resolve(path); err != nil {
			return nil
		}
		files = append(files, path)
		if len(files) >= limit {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func contextLines(lines []string, index, n int) []string {
	start := max(0, index-n)
	end := min(len(lines), index+n+1)
	out := make([]string, 0, end-start)
	for _, l := range lines[start:end] {
		out = append(out, clip(strings.TrimSpace(l), 100))
	}
	return out
}

func (b *Builtins) AnalyzeCode() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "analyze_code",
		Description: "Analyze the structure (types, functions) or dependencies (imports) of source files.",
		Parameters: []model.ToolParameter{
			{Name: "path", Type: "string", Description: "File or directory to analyze", Required: true},
			{Name: "analysis_type", Type: "string", Description: "Kind of analysis", Enum: []string{"structure", "dependencies"}, Default: "structure"},
		},
		Handler: b.analyzeCode,
	}
}

// FileAnalysis summarizes one source file.
type FileAnalysis struct {
	File      string   `yaml:"file"`
	Language  string   `yaml:"language"`
	Types     []string `yaml:"types,omitempty"`
	Functions []string `yaml:"functions,omitempty"`
	Imports   []string `yaml:"imports,omitempty"`
	Lines     int      `yaml:"total_lines"`
	CodeLines int      `yaml:"code_lines"`
	Error     string   `yaml:"error,omitempty"`
}

type analysisReport struct {
	AnalysisType string         `yaml:"analysis_type"`
	Results      []FileAnalysis `yaml:"results"`
}

func (b *Builtins) analyzeCode(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	p, err := stringArg(args, "path", true, "")
	if err != nil {
		return model.ToolOutput{}, err
	}
	kind, err := stringArg(args, "analysis_type", false, "structure")
	if err != nil {
		return model.ToolOutput{}, err
	}
	if kind != "structure" && kind != "dependencies" {
		return model.ToolOutput{}, fmt.Errorf("unknown analysis_type %q", kind)
	}
	files, err := b.walkFiles(ctx, p, "*", maxSearchFiles)
	if err != nil {
		return model.ToolOutput{}, err
	}
	report := analysisReport{AnalysisType: kind}
	for _, abs := range files {
		if len(report.Results) >= maxAnalyzeFiles {
			break
		}
		if gather.Kind(filepath.Base(abs)) != model.KindCode {
			continue
		}
		rel := b.ws.Rel(abs)
		data, err := os.ReadFile(abs)
		if err != nil {
			report.Results = append(report.Results, FileAnalysis{File: rel, Error: err.Error()})
			continue
		}
		fa := Analyze(rel, data)
		if kind == "structure" {
			fa.Imports = nil
		} else {
			fa.Types, fa.Functions = nil, nil
		}
		report.Results = append(report.Results, fa)
	}
	out, err := render(report)
	if err != nil {
		return model.ToolOutput{}, err
	}
	return model.ToolOutput{Content: out}, nil
}

type langPatterns struct {
	types   *regexp.Regexp
	funcs   *regexp.Regexp
	imports *regexp.Regexp
	comment string
}

var analysisPatterns = map[string]langPatterns{
	"python": {
		types:   regexp.MustCompile(`(?m)^class\s+(\w+)`),
		funcs:   regexp.MustCompile(`(?m)^(?:async\s+)?def\s+(\w+)`),
		imports: regexp.MustCompile(`(?m)^(?:from\s+(\S+)\s+import|import\s+(\S+))`),
		comment: "#",
	},
	"javascript": {
		types:   regexp.MustCompile(`(?m)^(?:export\s+)?(?:default\s+)?class\s+(\w+)`),
		funcs:   regexp.MustCompile(`(?m)^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\*?\s+(\w+)`),
		imports: regexp.MustCompile(`(?m)(?:^import\s.*?from\s+['"]([^'"]+)['"]|require\(\s*['"]([^'"]+)['"]\s*\))`),
		comment: "//",
	},
	"typescript": {
		types:   regexp.MustCompile(`(?m)^(?:export\s+)?(?:default\s+)?(?:abstract\s+)?(?:class|interface|type|enum)\s+(\w+)`),
		funcs:   regexp.MustCompile(`(?m)^(?:export\s+)?(?:default\s+)?(?:async\s+)?function\*?\s+(\w+)`),
		imports: regexp.MustCompile(`(?m)^import\s.*?from\s+['"]([^'"]+)['"]`),
		comment: "//",
	},
	"rust": {
		types:   regexp.MustCompile(`(?m)^\s*(?:pub(?:\([^)]*\))?\s+)?(?:struct|enum|trait)\s+(\w+)`),
		funcs:   regexp.MustCompile(`(?m)^\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+(\w+)`),
		imports: regexp.MustCompile(`(?m)^\s*use\s+([\w:]+)`),
		comment: "//",
	},
	"java": {
		types:   regexp.MustCompile(`(?m)^\s*(?:public\s+|private\s+|protected\s+)?(?:abstract\s+|final\s+)?(?:class|interface|enum|record)\s+(\w+)`),
		funcs:   regexp.MustCompile(`(?m)^\s+(?:public|private|protected)\s+(?:static\s+)?[\w<>\[\], ]+\s+(\w+)\s*\(`),
		imports: regexp.MustCompile(`(?m)^import\s+(?:static\s+)?([\w.*]+);`),
		comment: "//",
	},
}

// Analyze extracts declarations and imports from one source file. Go files
// are parsed; other languages are scanned with per-language patterns.
func Analyze(rel string, data []byte) FileAnalysis {
	lang := gather.Language(filepath.Base(rel))
	fa := FileAnalysis{File: rel, Language: lang}
	comment := "//"
	if lang == "go" {
		analyzeGo(&fa, data)
	} else if lp, ok := analysisPatterns[lang]; ok {
		fa.Types = submatches(lp.types, data)
		fa.Functions = submatches(lp.funcs, data)
		fa.Imports = dedupeSorted(submatches(lp.imports, data))
		comment = lp.comment
	} else if lang == "shell" || lang == "ruby" {
		comment = "#"
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxReadBytes)
	for sc.Scan() {
		fa.Lines++
		line := strings.TrimSpace(sc.Text())
		if line != "" && !strings.HasPrefix(line, comment) {
			fa.CodeLines++
		}
	}
	return fa
}

func analyzeGo(fa *FileAnalysis, data []byte) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, fa.File, data, parser.SkipObjectResolution)
	if f == nil {
		fa.Error = err.Error()
		return
	}
	if err != nil {
		fa.Error = err.Error()
	}
	for _, imp := range f.Imports {
		if p, err := strconv.Unquote(imp.Path.Value); err == nil {
			fa.Imports = append(fa.Imports, p)
		}
	}
	sort.Strings(fa.Imports)
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			name := d.Name.Name
			if d.Recv != nil && len(d.Recv.List) > 0 {
				name = receiverName(d.Recv.List[0].Type) + "." + name
			}
			fa.Functions = append(fa.Functions, name)
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				if ts, ok := spec.(*ast.TypeSpec); ok {
					fa.Types = append(fa.Types, ts.Name.Name)
				}
			}
		}
	}
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverName(t.X)
	case *ast.IndexListExpr:
		return receiverName(t.X)
	}
	return "?"
}

func submatches(re *regexp.Regexp, data []byte) []string {
	var out []string
	for _, m := range re.FindAllSubmatch(data, -1) {
		for _, g := range m[1:] {
			if len(g) > 0 {
				out = append(out, string(g))
				break
			}
		}
	}
	return out
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
