// internal/tools/local.go
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/quarrylabs/agentcore/api/schemas"
)

// LocalFS is a FileWriter jailed to a project root. Paths are resolved
// relative to the root and may not escape it.
type LocalFS struct {
	root string
}

func NewLocalFS(root string) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}
	return &LocalFS{root: abs}, nil
}

func (fs *LocalFS) resolve(path string) (string, error) {
	full := filepath.Join(fs.root, filepath.Clean("/"+path))
	if full != fs.root && !strings.HasPrefix(full, fs.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes the project root", path)
	}
	return full, nil
}

func (fs *LocalFS) ReadFile(_ context.Context, path string) (string, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (fs *LocalFS) WriteFile(_ context.Context, path, content string) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

var _ schemas.FileWriter = (*LocalFS)(nil)

// readFileExecutor serves the read_file tool.
type readFileExecutor struct {
	fs *LocalFS
}

func (e *readFileExecutor) Execute(ctx context.Context, inv schemas.ToolInvocation) (*schemas.ExecutionResult, error) {
	path := inv.Params["path"]
	content, err := e.fs.ReadFile(ctx, path)
	if err != nil {
		return &schemas.ExecutionResult{ExitCode: 1, Stderr: err.Error()}, nil
	}

	if raw, ok := inv.Params["max_lines"]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lines := strings.SplitAfterN(content, "\n", n+1)
			if len(lines) > n {
				content = strings.Join(lines[:n], "")
			}
		}
	}
	return &schemas.ExecutionResult{Stdout: content}, nil
}

// writeFileExecutor serves the write_file tool. The written path is reported
// as an artifact so the world state tracks it.
type writeFileExecutor struct {
	fs *LocalFS
}

func (e *writeFileExecutor) Execute(ctx context.Context, inv schemas.ToolInvocation) (*schemas.ExecutionResult, error) {
	path := inv.Params["path"]
	if err := e.fs.WriteFile(ctx, path, inv.Params["content"]); err != nil {
		return &schemas.ExecutionResult{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return &schemas.ExecutionResult{
		Stdout:    fmt.Sprintf("wrote %d bytes to %s", len(inv.Params["content"]), path),
		Artifacts: []string{path},
	}, nil
}

// listDirExecutor serves the list_dir tool.
type listDirExecutor struct {
	fs *LocalFS
}

func (e *listDirExecutor) Execute(_ context.Context, inv schemas.ToolInvocation) (*schemas.ExecutionResult, error) {
	path := inv.Params["path"]
	if path == "" {
		path = "."
	}
	full, err := e.fs.resolve(path)
	if err != nil {
		return &schemas.ExecutionResult{ExitCode: 1, Stderr: err.Error()}, nil
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return &schemas.ExecutionResult{ExitCode: 1, Stderr: err.Error()}, nil
	}

	var b strings.Builder
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		b.WriteString(name)
		b.WriteString("\n")
	}
	return &schemas.ExecutionResult{Stdout: b.String()}, nil
}

// runCommandExecutor serves the run_command tool. The command runs through
// the shell with the project root as working directory; the registry's
// timeout context bounds it.
type runCommandExecutor struct {
	root string
}

func (e *runCommandExecutor) Execute(ctx context.Context, inv schemas.ToolInvocation) (*schemas.ExecutionResult, error) {
	command := inv.Params["command"]

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = e.root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &schemas.ExecutionResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			if result.Stderr == "" {
				result.Stderr = err.Error()
			}
		}
	}
	return result, nil
}

// RegisterLocalTools installs the builtin capability set against a project
// root. Registration order fixes the parser's tie-break order.
func RegisterLocalTools(r *Registry, root string) (*LocalFS, error) {
	fs, err := NewLocalFS(root)
	if err != nil {
		return nil, err
	}

	specs := []struct {
		spec schemas.ToolSpec
		exec schemas.ToolExecutor
	}{
		{
			spec: schemas.ToolSpec{
				Name:        "read_file",
				Description: "Reads a file from the project.",
				Risk:        schemas.RiskReadOnly,
				Params: []schemas.ParamSpec{
					{Name: "path", Description: "Path relative to the project root.", Required: true},
					{Name: "max_lines", Description: "Truncate after this many lines.", Type: "integer"},
				},
			},
			exec: &readFileExecutor{fs: fs},
		},
		{
			spec: schemas.ToolSpec{
				Name:        "list_dir",
				Description: "Lists a directory in the project.",
				Risk:        schemas.RiskReadOnly,
				Params: []schemas.ParamSpec{
					{Name: "path", Description: "Directory relative to the project root."},
				},
			},
			exec: &listDirExecutor{fs: fs},
		},
		{
			spec: schemas.ToolSpec{
				Name:        "write_file",
				Description: "Creates or overwrites a file in the project.",
				Risk:        schemas.RiskFileEdit,
				Params: []schemas.ParamSpec{
					{Name: "path", Description: "Path relative to the project root.", Required: true},
					{Name: "content", Description: "The full new file content.", Required: true},
				},
			},
			exec: &writeFileExecutor{fs: fs},
		},
		{
			spec: schemas.ToolSpec{
				Name:        "run_command",
				Description: "Runs a shell command in the project root.",
				Risk:        schemas.RiskDangerous,
				Params: []schemas.ParamSpec{
					{Name: "command", Description: "The shell command to run.", Required: true},
				},
			},
			exec: &runCommandExecutor{root: fs.root},
		},
	}

	for _, s := range specs {
		if err := r.Register(s.spec, s.exec); err != nil {
			return nil, err
		}
	}
	return fs, nil
}
