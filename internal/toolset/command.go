package toolset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/msageha/relay/internal/model"
)

// blockedCommands are refused outright, whatever the confirmation outcome.
var blockedCommands = []string{
	"rm -rf /", "rm -rf ~", "rm -rf *", "mkfs", "dd if=",
	":(){:|:&};:", "chmod -R 777 /", "> /dev/sd", "shutdown", "reboot",
}

func (b *Builtins) RunCommand() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "run_command",
		Description: "Execute a shell command in the workspace and return its output. Use for builds, linters and scripts.",
		Parameters: []model.ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command to execute", Required: true},
			{Name: "timeout", Type: "integer", Description: "Timeout in seconds", Default: int(b.commandTimeout / time.Second)},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace root", Default: "."},
		},
		RequiresConfirmation: true,
		Writes:               true,
		Handler:              b.runCommand,
	}
}

func (b *Builtins) runCommand(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	command, err := stringArg(args, "command", true, "")
	if err != nil {
		return model.ToolOutput{}, err
	}
	cwd, err := stringArg(args, "cwd", false, ".")
	if err != nil {
		return model.ToolOutput{}, err
	}
	timeout, err := b.timeoutArg(args)
	if err != nil {
		return model.ToolOutput{}, err
	}
	for _, p := range blockedCommands {
		if strings.Contains(command, p) {
			return model.ToolOutput{}, fmt.Errorf("blocked dangerous command pattern: %s", p)
		}
	}
	dir, err := b.ws.Resolve(cwd)
	if err != nil {
		return model.ToolOutput{}, err
	}
	return b.runProcess(ctx, dir, timeout, "sh", "-c", command)
}

func (b *Builtins) RunTests() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        "run_tests",
		Description: "Run the workspace test suite with the project's test runner and return the output.",
		Parameters: []model.ToolParameter{
			{Name: "target", Type: "string", Description: "Optional package, file or test selector passed to the runner"},
			{Name: "timeout", Type: "integer", Description: "Timeout in seconds", Default: int(b.commandTimeout / time.Second)},
		},
		RequiresConfirmation: true,
		Handler:              b.runTests,
	}
}

func (b *Builtins) runTests(ctx context.Context, args map[string]any) (model.ToolOutput, error) {
	target, err := stringArg(args, "target", false, "")
	if err != nil {
		return model.ToolOutput{}, err
	}
	timeout, err := b.timeoutArg(args)
	if err != nil {
		return model.ToolOutput{}, err
	}
	if b.testCommand != "" {
		cmd := b.testCommand
		if target != "" {
			cmd += " " + shellQuote(target)
		}
		return b.runProcess(ctx, b.ws.Root(), timeout, "sh", "-c", cmd)
	}
	argv, err := DetectTestCommand(b.ws.Root())
	if err != nil {
		return model.ToolOutput{}, err
	}
	if target != "" {
		if strings.HasPrefix(target, "-") {
			return model.ToolOutput{}, fmt.Errorf("target must not start with '-': %s", target)
		}
		argv = append(argv, target)
	}
	return b.runProcess(ctx, b.ws.Root(), timeout, argv[0], argv[1:]...)
}

// DetectTestCommand picks a test runner from the manifests at root.
func DetectTestCommand(root string) ([]string, error) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(root, name))
		return err == nil
	}
	switch {
	case exists("go.mod"):
		return []string{"go", "test", "./..."}, nil
	case exists("Cargo.toml"):
		return []string{"cargo", "test"}, nil
	case exists("package.json"):
		return []string{"npm", "test", "--silent"}, nil
	case exists("pyproject.toml"), exists("pytest.ini"), exists("setup.py"), exists("requirements.txt"):
		return []string{"python", "-m", "pytest", "-q"}, nil
	case exists("pom.xml"):
		return []string{"mvn", "-q", "test"}, nil
	case exists("build.gradle"):
		return []string{"gradle", "test"}, nil
	case exists("Makefile"):
		return []string{"make", "test"}, nil
	}
	return nil, errors.New("no test runner detected in workspace")
}

func (b *Builtins) timeoutArg(args map[string]any) (time.Duration, error) {
	secs, err := intArg(args, "timeout", int(b.commandTimeout/time.Second))
	if err != nil {
		return 0, err
	}
	d := time.Duration(secs) * time.Second
	if d <= 0 {
		d = b.commandTimeout
	}
	return min(d, maxCommandTimeout), nil
}

// runProcess runs the command with its own timeout under ctx. A non-zero exit is
// returned as an error carrying the output so the session sees why.
func (b *Builtins) runProcess(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (model.ToolOutput, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := formatCommandOutput(stdout.String(), stderr.String())
	if err != nil {
		if ctx.Err() != nil {
			return model.ToolOutput{}, ctx.Err()
		}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return model.ToolOutput{}, fmt.Errorf("command timed out after %v\n%s", timeout, out)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return model.ToolOutput{}, fmt.Errorf("exit code %d\n%s", exitErr.ExitCode(), out)
		}
		return model.ToolOutput{}, fmt.Errorf("command execution failed: %w", err)
	}
	return model.ToolOutput{Content: out}, nil
}

func formatCommandOutput(stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(truncateOutput(stdout, maxCommandOutput))
	if stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("[stderr]\n")
		b.WriteString(truncateOutput(stderr, maxCommandOutput))
	}
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
