package classify

import (
	"regexp"

	"github.com/msageha/relay/internal/model"
)

// Rule is the surface evidence that votes for one task type.
type Rule struct {
	Keywords []string
	Patterns []*regexp.Regexp
	Examples []string
}

func re(s string) *regexp.Regexp { return regexp.MustCompile(s) }

// DefaultRules covers every classifiable task type except unknown.
func DefaultRules() map[model.TaskType]Rule {
	return map[model.TaskType]Rule{
		model.TaskImplement: {
			Keywords: []string{"implement", "create", "add", "build", "make", "write",
				"develop", "code", "feature", "new", "endpoint", "function"},
			Patterns: []*regexp.Regexp{
				re(`\b(add|implement|create|build)\b.*\b(endpoint|feature|function|method|class|api|handler|command)\b`),
				re(`\bsupport for\b`),
			},
			Examples: []string{
				"add a new endpoint",
				"implement user authentication",
				"create a function that parses the config",
			},
		},
		model.TaskAnalyze: {
			Keywords: []string{"analyze", "review", "inspect", "check", "examine", "audit",
				"understand", "explain", "what does", "how does", "find"},
			Patterns: []*regexp.Regexp{
				re(`^(what|how|why|where|explain)\b`),
				re(`\?\s*$`),
			},
			Examples: []string{
				"explain how this module works",
				"review the code for problems",
				"what does this function do",
			},
		},
		model.TaskRefactor: {
			Keywords: []string{"refactor", "improve", "clean", "restructure",
				"simplify", "reorganize", "extract", "rename", "move", "duplicate"},
			Patterns: []*regexp.Regexp{
				re(`\b(refactor|clean ?up|extract)\b`),
				re(`\bsplit\b.*\binto\b`),
			},
			Examples: []string{
				"refactor the user service",
				"clean up this module",
				"extract the parsing logic into a helper",
			},
		},
		model.TaskDebug: {
			Keywords: []string{"debug", "fix", "error", "bug", "issue", "problem",
				"broken", "failing", "crash", "exception", "not working"},
			Patterns: []*regexp.Regexp{
				re(`\b(fix|debug)\b.*\b(bug|error|crash|test|issue|failure)s?\b`),
				re(`\b(traceback|stack ?trace|panic|segfault|exception)\b`),
				re(`\b(doesn't|does not|isn't|is not) work`),
			},
			Examples: []string{
				"fix the failing test",
				"fix this bug",
				"why is this crashing",
			},
		},
		model.TaskTest: {
			Keywords: []string{"test", "tests", "testing", "spec", "coverage", "unit",
				"integration", "e2e", "assert", "verify", "validate"},
			Patterns: []*regexp.Regexp{
				re(`\b(write|add|create)\b.*\btests?\b`),
				re(`\bunit tests?\b`),
				re(`\btest coverage\b`),
			},
			Examples: []string{
				"write unit tests for the parser",
				"add tests for the login handler",
				"increase test coverage",
			},
		},
		model.TaskGenerate: {
			Keywords: []string{"generate", "template", "boilerplate", "starter",
				"docs", "documentation", "stub"},
			Patterns: []*regexp.Regexp{
				re(`\bgenerate\b.*\b(code|docs?|documentation|client|boilerplate|stubs?)\b`),
			},
			Examples: []string{
				"generate documentation for the api",
				"generate a client from the openapi spec",
			},
		},
		model.TaskDeploy: {
			Keywords: []string{"deploy", "release", "publish", "ship", "production",
				"staging", "ci/cd", "pipeline", "docker", "kubernetes"},
			Patterns: []*regexp.Regexp{
				re(`\bdeploy\b.*\bto\b`),
				re(`\b(ci/cd|github actions|helm|dockerfile)\b`),
			},
			Examples: []string{
				"deploy the service to production",
				"set up a ci/cd pipeline",
				"write a dockerfile for the app",
			},
		},
		model.TaskAutomate: {
			Keywords: []string{"automate", "script", "workflow", "schedule",
				"cron", "batch", "pipeline", "process"},
			Patterns: []*regexp.Regexp{
				re(`\b(every|daily|nightly|hourly|weekly)\b`),
				re(`\bautomate\b`),
			},
			Examples: []string{
				"automate the release process",
				"write a script that runs nightly",
			},
		},
		model.TaskScaffold: {
			Keywords: []string{"scaffold", "structure", "layout", "architecture", "setup",
				"directory", "project structure", "folder", "bootstrap", "init"},
			Patterns: []*regexp.Regexp{
				re(`\b(new|create|start)\b.*\bproject\b`),
				re(`\bproject (structure|layout)\b`),
			},
			Examples: []string{
				"scaffold a new project",
				"set up the project structure",
			},
		},
		model.TaskMigrate: {
			Keywords: []string{"migrate", "migration", "upgrade", "convert", "port", "transition",
				"switch", "move to", "update from", "replace"},
			Patterns: []*regexp.Regexp{
				re(`\b(migrate|upgrade|port|convert)\b.*\bto\b`),
				re(`\bfrom\b.+\bto\b`),
			},
			Examples: []string{
				"migrate the database schema",
				"upgrade from python 2 to python 3",
			},
		},
		model.TaskOptimize: {
			Keywords: []string{"optimize", "performance", "speed", "fast", "faster", "slow",
				"memory", "cpu", "efficient", "bottleneck", "profile", "latency"},
			Patterns: []*regexp.Regexp{
				re(`\b(make|speed)\b.*\b(faster|up)\b`),
				re(`\b(latency|throughput|allocations?)\b`),
			},
			Examples: []string{
				"make the query faster",
				"optimize memory usage",
				"reduce latency of the api",
			},
		},
	}
}
