package tools

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

	"github.com/ashita-ai/kiseki/internal/security"
)

// MaxOutputBytes caps the output a shell tool returns to the model.
const MaxOutputBytes = 64 * 1024

// ShellExecutor runs shell tools as child processes inside a workspace
// directory. Commands are exec'd directly; no shell interprets them.
type ShellExecutor struct {
	workDir string
	env     []string
}

// NewShellExecutor creates an executor rooted at workDir. Child processes
// inherit only PATH, with HOME pointing at the workspace.
func NewShellExecutor(workDir string) (*ShellExecutor, error) {
	if workDir == "" {
		workDir = "."
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("tools: resolve workdir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("tools: workdir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tools: workdir %s is not a directory", abs)
	}
	return &ShellExecutor{
		workDir: abs,
		env:     []string{"PATH=" + os.Getenv("PATH"), "HOME=" + abs, "LANG=C.UTF-8"},
	}, nil
}

// Execute runs call.Name with call.Argv, or the whitespace-split
// call.CommandLine when no Name is set. A non-zero exit is an error whose
// message includes the captured output.
func (s *ShellExecutor) Execute(ctx context.Context, call Call) (string, error) {
	name, args := call.Name, call.Argv
	if name == "" {
		name, args = security.ParseCommand(call.CommandLine)
	}
	if name == "" {
		return "", errors.New("tools: empty command")
	}
	dir, err := s.resolveDir(call.Cwd)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = s.env
	cmd.WaitDelay = 2 * time.Second
	out := &limitedBuffer{max: MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Run()
	result := out.String()
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("tools: %s: %w", name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, fmt.Errorf("tools: %s exited with status %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(result))
		}
		return result, fmt.Errorf("tools: run %s: %w", name, err)
	}
	return result, nil
}

func (s *ShellExecutor) resolveDir(cwd string) (string, error) {
	if cwd == "" {
		return s.workDir, nil
	}
	dir := filepath.Join(s.workDir, filepath.Clean("/"+cwd))
	rel, err := filepath.Rel(s.workDir, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("tools: working directory %q escapes the workspace", cwd)
	}
	return dir, nil
}

// limitedBuffer keeps the first max bytes written and notes the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	switch {
	case room <= 0:
		b.truncated += len(p)
	case len(p) > room:
		b.buf.Write(p[:room])
		b.truncated += len(p) - room
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated == 0 {
		return b.buf.String()
	}
	return fmt.Sprintf("%s\n[output truncated: %d more bytes]", b.buf.String(), b.truncated)
}
