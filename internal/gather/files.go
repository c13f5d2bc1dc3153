package gather

import (
	"path"
	"strings"

	"github.com/msageha/relay/internal/model"
)

var codeExts = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".go": true, ".rs": true, ".java": true, ".c": true, ".cpp": true,
	".h": true, ".hpp": true, ".cs": true, ".rb": true, ".php": true,
	".swift": true, ".kt": true, ".scala": true, ".sh": true, ".bash": true,
	".ps1": true, ".sql": true,
}

var configExts = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".xml": true,
	".ini": true, ".env": true, ".config": true, ".cfg": true,
}

var docExts = map[string]bool{
	".md": true, ".txt": true, ".rst": true, ".adoc": true,
}

// configNames are extensionless files treated as config.
var configNames = map[string]bool{
	"Dockerfile": true, "Makefile": true, "Procfile": true, "Jenkinsfile": true,
}

// IgnoreDirs are directory names never descended into.
var IgnoreDirs = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true, ".venv": true,
	"venv": true, "dist": true, "build": true, ".next": true, ".nuxt": true,
	"target": true, "bin": true, "obj": true, "vendor": true, ".idea": true,
	".vscode": true, "coverage": true, ".pytest_cache": true,
	".mypy_cache": true, ".ruff_cache": true, ".relay": true,
}

// Manifests are dependency files at the workspace root gathered as
// dependency chunks.
var Manifests = []string{
	"go.mod",
	"package.json",
	"requirements.txt",
	"pyproject.toml",
	"Cargo.toml",
	"pom.xml",
	"build.gradle",
}

var languages = map[string]string{
	".py": "python", ".js": "javascript", ".jsx": "javascript",
	".ts": "typescript", ".tsx": "typescript", ".go": "go", ".rs": "rust",
	".java": "java", ".c": "c", ".h": "c", ".cpp": "cpp", ".hpp": "cpp",
	".cs": "csharp", ".rb": "ruby", ".php": "php", ".swift": "swift",
	".kt": "kotlin", ".scala": "scala", ".sh": "shell", ".bash": "shell",
	".ps1": "powershell", ".sql": "sql", ".json": "json", ".yaml": "yaml",
	".yml": "yaml", ".toml": "toml", ".xml": "xml", ".ini": "ini",
	".md": "markdown", ".rst": "rst", ".adoc": "asciidoc",
}

// Language maps a file name to a language tag; unknown files are "text".
func Language(name string) string {
	if lang, ok := languages[strings.ToLower(path.Ext(name))]; ok {
		return lang
	}
	if path.Base(name) == "Dockerfile" {
		return "dockerfile"
	}
	return "text"
}

// Kind returns code, config or doc, or "" for files outside every set.
func Kind(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case codeExts[ext]:
		return model.KindCode
	case configExts[ext], configNames[path.Base(name)]:
		return model.KindConfig
	case docExts[ext]:
		return model.KindDoc
	default:
		return ""
	}
}

// defaultKinds selects the file kinds gathered when a request carries no
// include patterns.
func defaultKinds(t model.TaskType) map[string]bool {
	switch t {
	case model.TaskImplement, model.TaskRefactor, model.TaskDebug, model.TaskTest,
		model.TaskOptimize, model.TaskMigrate, model.TaskGenerate:
		return map[string]bool{model.KindCode: true, model.KindConfig: true}
	default:
		return map[string]bool{model.KindCode: true, model.KindConfig: true, model.KindDoc: true}
	}
}

// filePriority assigns the coarse priority class of a gathered file.
func filePriority(rel string, focus map[string]bool) model.Priority {
	if focusMatch(rel, focus) {
		return model.PriorityCritical
	}
	if Kind(rel) == model.KindDoc {
		return model.PriorityLow
	}
	return model.PriorityMedium
}

func focusMatch(rel string, focus map[string]bool) bool {
	if len(focus) == 0 {
		return false
	}
	return focus[rel] || focus[path.Base(rel)]
}
