// Package setup initializes the .relay state directory of a workspace.
package setup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/relay/internal/checkpoint"
	"github.com/msageha/relay/internal/model"
	atomicyaml "github.com/msageha/relay/internal/yaml"
	"github.com/msageha/relay/templates"
)

// Options tune Run.
type Options struct {
	// Backend preselects backend.kind in the generated config.
	Backend string
	// Checkpoint preselects checkpoint.backend.
	Checkpoint string
	// Force rewrites config.yaml when the directory already exists.
	Force bool
}

const ignoreFile = "# relay state; only the config is worth sharing\n*\n!.gitignore\n!config.yaml\n"

// Run creates <root>/.relay with its subdirectories and a config generated
// from the embedded template. It returns the state directory.
func Run(root string, opts Options) (string, error) {
	absDir, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", absDir)
	}

	base := filepath.Join(absDir, checkpoint.DefaultDirName)
	configPath := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists", configPath)
	}

	for _, d := range []string{"checkpoints", "state", "logs", "quarantine"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	content, err := generateConfig(opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWriteRaw(configPath, content); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	ignore := filepath.Join(base, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte(ignoreFile), 0644); err != nil {
			return "", fmt.Errorf("write .gitignore: %w", err)
		}
	}
	return base, nil
}

// generateConfig returns the template with the selected backends. The
// template's comments are kept unless a value has to change.
func generateConfig(opts Options) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	if opts.Backend == "" && opts.Checkpoint == "" {
		return data, nil
	}

	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}
	if opts.Backend != "" {
		if err := setScalar(&doc, opts.Backend, "backend", "kind"); err != nil {
			return nil, err
		}
	}
	if opts.Checkpoint != "" {
		if err := setScalar(&doc, opts.Checkpoint, "checkpoint", "backend"); err != nil {
			return nil, err
		}
	}
	out, err := yamlv3.Marshal(&doc)
	if err != nil {
		return nil, err
	}

	cfg := model.DefaultConfig()
	if err := yamlv3.Unmarshal(out, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// setScalar replaces the value at path in a YAML document node, keeping
// the surrounding comments.
func setScalar(doc *yamlv3.Node, value string, path ...string) error {
	n := doc
	if n.Kind == yamlv3.DocumentNode && len(n.Content) > 0 {
		n = n.Content[0]
	}
	for _, key := range path {
		if n.Kind != yamlv3.MappingNode {
			return fmt.Errorf("config template: %s is not a mapping", key)
		}
		var next *yamlv3.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return fmt.Errorf("config template: missing key %s", key)
		}
		n = next
	}
	n.Value = value
	n.Tag = "!!str"
	return nil
}
