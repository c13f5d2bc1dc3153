package toolset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"unicode/utf8"

	"github.com/gobwas/glob"

	"github.com/msageha/relay/internal/gather"
	"github.com/msageha/relay/internal/model"
)

func (b *Builtins) ReadFile() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "read_file",
		Description: "Read the contents of a file in the workspace. Returns the file content as text.",
		Parameters: []model.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
		},
		Handler: b.readFile,
	}
}

func (b *Builtins) readFile(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	p, err := stringArg(args, "path", true, "")
	if err != nil {
		return model.ToolOutput{}, err
	}
	abs, err := b.ws.Resolve(p)
	if err != nil {
		return model.ToolOutput{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ToolOutput{}, fmt.Errorf("file not found: %s", p)
		}
		return model.ToolOutput{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		return model.ToolOutput{}, fmt.Errorf("not a file: %s", p)
	}
	if info.Size() > maxReadBytes {
		return model.ToolOutput{}, fmt.Errorf("file too large (%d bytes, limit %d)", info.Size(), maxReadBytes)
	}
	if err := ctx.Err(); err != nil {
		return model.ToolOutput{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return model.ToolOutput{}, fmt.Errorf("read %s: %w", p, err)
	}
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return model.ToolOutput{}, fmt.Errorf("not a text file: %s", p)
	}
	return model.ToolOutput{Content: string(data)}, nil
}

func (b *Builtins) WriteFile() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "write_file",
		Description: "Write content to a file in the workspace. Creates the file and missing parent directories if needed.",
		Parameters: []model.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
			{Name: "content", Type: "string", Description: "Full content to write", Required: true},
		},
		RequiresConfirmation: true,
		Writes:               true,
		Handler:              b.writeFile,
	}
}

func (b *Builtins) writeFile(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	p, err := stringArg(args, "path", true, "")
	if err != nil {
		return model.ToolOutput{}, err
	}
	content, ok := args["content"].(string)
	if !ok {
		return model.ToolOutput{}, fmt.Errorf("missing required argument %q", "content")
	}
	if err := ctx.Err(); err != nil {
		return model.ToolOutput{}, err
	}
	abs, err := b.ws.Resolve(p)
	if err != nil {
		return model.ToolOutput{}, err
	}
	existed, err := b.ws.WriteFile(abs, []byte(content))
	if err != nil {
		return model.ToolOutput{}, err
	}
	rel := b.ws.Rel(abs)
	action := model.ActionCreated
	if existed {
		action = model.ActionModified
	}
	return model.ToolOutput{
		Content:   fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
		Artifacts: []model.Artifact{b.artifact(rel, "write_file", action)},
	}, nil
}

func (b *Builtins) DeleteFile() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "delete_file",
		Description: "Delete a file in the workspace. Directories are not removed.",
		Parameters: []model.ToolParameter{
			{Name: "path", Type: "string", Description: "File path relative to the workspace root", Required: true},
		},
		RequiresConfirmation: true,
		Writes:               true,
		Handler:              b.deleteFile,
	}
}

func (b *Builtins) deleteFile(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	p, err := stringArg(args, "path", true, "")
	if err != nil {
		return model.ToolOutput{}, err
	}
	abs, err := b.ws.Resolve(p)
	if err != nil {
		return model.ToolOutput{}, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.ToolOutput{}, fmt.Errorf("file not found: %s", p)
		}
		return model.ToolOutput{}, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		return model.ToolOutput{}, fmt.Errorf("not a file: %s", p)
	}
	if err := ctx.Err(); err != nil {
		return model.ToolOutput{}, err
	}
	if err := b.ws.Remove(abs); err != nil {
		return model.ToolOutput{}, fmt.Errorf("delete %s: %w", p, err)
	}
	rel := b.ws.Rel(abs)
	return model.ToolOutput{
		Content:   "deleted " + rel,
		Artifacts: []model.Artifact{b.artifact(rel, "delete_file", model.ActionDeleted)},
	}, nil
}

func (b *Builtins) ListDirectory() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "list_directory",
		Description: "List files and directories under a path. Returns names, types and sizes.",
		Parameters: []model.ToolParameter{
			{Name: "path", Type: "string", Description: "Directory relative to the workspace root", Default: "."},
			{Name: "recursive", Type: "boolean", Description: "Descend into subdirectories", Default: false},
			{Name: "pattern", Type: "string", Description: "Glob matched against entry names, e.g. *.go", Default: "*"},
		},
		Handler: b.listDirectory,
	}
}

// DirEntry is one list_directory result. Size is nil for directories.
type DirEntry struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Size *int64 `yaml:"size,omitempty"`
}

type dirListing struct {
	Path      string     `yaml:"path"`
	Entries   []DirEntry `yaml:"entries"`
	Count     int        `yaml:"count"`
	Truncated bool       `yaml:"truncated,omitempty"`
}

func (b *Builtins) listDirectory(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	p, err := stringArg(args, "path", false, ".")
	if err != nil {
		return model.ToolOutput{}, err
	}
	recursive, err := boolArg(args, "recursive", false)
	if err != nil {
		return model.ToolOutput{}, err
	}
	pattern, err := stringArg(args, "pattern", false, "*")
	if err != nil {
		return model.ToolOutput{}, err
	}
	entries, truncated, err := b.List(ctx, p, pattern, recursive)
	if err != nil {
		return model.ToolOutput{}, err
	}
	out, err := render(dirListing{Path: p, Entries: entries, Count: len(entries), Truncated: truncated})
	if err != nil {
		return model.ToolOutput{}, err
	}
	return model.ToolOutput{Content: out}, nil
}

// List returns the entries of dir whose base name matches pattern, sorted by
// relative name. Ignored directories (dependency and build output) are
// skipped when recursing.
func (b *Builtins) List(ctx context.Context, dir, pattern string, recursive bool) ([]DirEntry, bool, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	abs, err := b.ws.Resolve(dir)
	if err != nil {
		return nil, false, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, fmt.Errorf("directory not found: %s", dir)
		}
		return nil, false, fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, false, fmt.Errorf("not a directory: %s", dir)
	}

	var (
		entries   []DirEntry
		truncated bool
	)
	walkErr := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if p == abs {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() && !recursive {
			if g.Match(d.Name()) {
				entries = append(entries, DirEntry{Name: d.Name(), Type: "directory"})
			}
			return filepath.SkipDir
		}
		if d.IsDir() && gather.IgnoreDirs[d.Name()] {
			return filepath.SkipDir
		}
		if !g.Match(d.Name()) {
			return nil
		}
		if len(entries) >= maxListEntries {
			truncated = true
			return filepath.SkipAll
		}
		rel, _ := filepath.Rel(abs, p)
		e := DirEntry{Name: filepath.ToSlash(rel), Type: "file"}
		if d.IsDir() {
			e.Type = "directory"
		} else if fi, err := d.Info(); err == nil {
			size := fi.Size()
			e.Size = &size
		}
		entries = append(entries, e)
		return nil
	})
	if walkErr != nil {
		return nil, false, walkErr
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, truncated, nil
}

// FormatListing renders entries one per line, directories with a trailing
// slash.
func FormatListing(entries []DirEntry) string {
	var buf bytes.Buffer
	for _, e := range entries {
		name := e.Name
		if e.Type == "directory" {
			name = path.Clean(name) + "/"
		}
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	return buf.String()
}
