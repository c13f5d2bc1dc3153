package gather

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/msageha/relay/internal/model"
)

// structureChunk renders the workspace tree down to TreeDepth levels,
// directories before files, ignoring IgnoreDirs.
func (g *Gatherer) structureChunk(r *Result) model.ContextChunk {
	root := g.ws.Root()
	var b strings.Builder
	b.WriteString(filepath.Base(root) + "/\n")
	entries := 0
	truncated := false

	var walk func(dir, prefix string, depth int)
	walk = func(dir, prefix string, depth int) {
		if depth > g.opts.TreeDepth || truncated {
			return
		}
		list, err := os.ReadDir(dir)
		if err != nil {
			r.warn(g.ws.Rel(dir), "read directory: "+err.Error())
			return
		}
		kept := list[:0]
		for _, e := range list {
			if e.IsDir() && IgnoreDirs[e.Name()] {
				continue
			}
			kept = append(kept, e)
		}
		sort.SliceStable(kept, func(i, j int) bool {
			if kept[i].IsDir() != kept[j].IsDir() {
				return kept[i].IsDir()
			}
			return kept[i].Name() < kept[j].Name()
		})
		for i, e := range kept {
			if entries >= g.opts.TreeMaxEntries {
				truncated = true
				b.WriteString(prefix + "└── ...\n")
				return
			}
			entries++
			last := i == len(kept)-1
			connector, childPrefix := "├── ", prefix+"│   "
			if last {
				connector, childPrefix = "└── ", prefix+"    "
			}
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			b.WriteString(prefix + connector + name + "\n")
			if e.IsDir() {
				walk(filepath.Join(dir, e.Name()), childPrefix, depth+1)
			}
		}
	}
	walk(root, "", 1)

	content := strings.TrimRight(b.String(), "\n")
	return model.ContextChunk{
		Content:   content,
		Source:    model.SourceWorkspaceTree,
		ChunkType: model.ChunkStructure,
		Priority:  model.PriorityLow,
		Tokens:    g.counter.Count(content),
		Metadata: map[string]string{
			"entries":   strconv.Itoa(entries),
			"truncated": strconv.FormatBool(truncated),
		},
	}
}
