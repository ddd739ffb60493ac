package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashita-ai/kiseki/internal/metrics"
	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/security"
)

// DefaultTimeout bounds a tool call whose definition sets none.
const DefaultTimeout = 60 * time.Second

var (
	// ErrUnknownTool is returned for a tool name missing from the catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrBlocked marks a call rejected by a security validator.
	ErrBlocked = errors.New("tool call blocked")
)

// ArgumentError reports arguments that fail the tool's schema.
type ArgumentError struct {
	Tool string
	Err  error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// BlockedError carries the validator's reason for rejecting a call. The
// reason is what the model sees as the tool result.
type BlockedError struct {
	Tool   string
	Reason string
}

func (e *BlockedError) Error() string { return e.Reason }

func (e *BlockedError) Unwrap() error { return ErrBlocked }

// Call is a validated tool invocation ready to execute.
type Call struct {
	ID   string
	Tool *Tool
	Args json.RawMessage

	// Shell tools only. Name and Argv are exec'd as is; CommandLine is their
	// space-joined form, used for validation and display.
	Name        string
	Argv        []string
	CommandLine string
	Cwd         string
}

// Executor runs one kind of tool call and returns its textual result.
type Executor interface {
	Execute(ctx context.Context, call Call) (string, error)
}

// Dispatcher validates tool calls against the catalog and the security
// policy, then routes them to the executor of their kind.
type Dispatcher struct {
	catalog   *Catalog
	commands  *security.CommandValidator
	executors map[Kind]Executor
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil executor disables its kind.
func NewDispatcher(catalog *Catalog, commands *security.CommandValidator, shell, connector Executor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if commands == nil {
		commands = security.NewCommandValidator(logger)
	}
	executors := make(map[Kind]Executor, 2)
	if shell != nil {
		executors[KindShell] = shell
	}
	if connector != nil {
		executors[KindConnector] = connector
	}
	return &Dispatcher{catalog: catalog, commands: commands, executors: executors, timeout: DefaultTimeout, logger: logger}
}

// SetDefaultTimeout bounds calls to tools whose definition sets no timeout.
// Call before the dispatcher is shared.
func (d *Dispatcher) SetDefaultTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// Catalog returns the catalog the dispatcher resolves names against.
func (d *Dispatcher) Catalog() *Catalog { return d.catalog }

// Prepare resolves and vets a model-requested call. It returns
// ErrUnknownTool, an *ArgumentError or a *BlockedError when the call must
// not run.
func (d *Dispatcher) Prepare(req model.ToolCallRequest) (Call, error) {
	tool, ok := d.catalog.Lookup(req.Name)
	if !ok {
		metrics.ToolVerdicts.WithLabelValues(req.Name, metrics.VerdictInvalid).Inc()
		return Call{}, fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	}
	if _, ok := d.executors[tool.Kind]; !ok {
		metrics.ToolVerdicts.WithLabelValues(req.Name, metrics.VerdictInvalid).Inc()
		return Call{}, fmt.Errorf("%w: no executor for %s tools", ErrUnknownTool, tool.Kind)
	}
	if err := tool.ValidateArgs(req.Arguments); err != nil {
		metrics.ToolVerdicts.WithLabelValues(req.Name, metrics.VerdictInvalid).Inc()
		return Call{}, &ArgumentError{Tool: req.Name, Err: err}
	}

	call := Call{ID: req.ID, Tool: tool, Args: req.Arguments}
	switch tool.Kind {
	case KindShell:
		name, argv, cwd, err := shellArgv(tool, req.Arguments)
		if err != nil {
			metrics.ToolVerdicts.WithLabelValues(req.Name, metrics.VerdictInvalid).Inc()
			return Call{}, &ArgumentError{Tool: req.Name, Err: err}
		}
		line := strings.Join(append([]string{name}, argv...), " ")
		verdict := d.commands.Validate(line, nil, cwd)
		if !verdict.Valid {
			metrics.ToolVerdicts.WithLabelValues(req.Name, metrics.VerdictBlocked).Inc()
			return Call{}, &BlockedError{Tool: req.Name, Reason: verdict.Error}
		}
		call.Name, call.Argv, call.CommandLine, call.Cwd = name, argv, line, cwd
	case KindConnector:
		if err := security.ValidateURL(tool.URL); err != nil {
			metrics.ToolVerdicts.WithLabelValues(req.Name, metrics.VerdictBlocked).Inc()
			return Call{}, &BlockedError{Tool: req.Name, Reason: err.Error()}
		}
	}
	return call, nil
}

// Execute runs a prepared call under the tool's timeout.
func (d *Dispatcher) Execute(ctx context.Context, call Call) (string, error) {
	exec, ok := d.executors[call.Tool.Kind]
	if !ok {
		return "", fmt.Errorf("%w: no executor for %s tools", ErrUnknownTool, call.Tool.Kind)
	}
	timeout := call.Tool.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := exec.Execute(ctx, call)
	metrics.ToolDuration.WithLabelValues(call.Tool.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ToolVerdicts.WithLabelValues(call.Tool.Name, metrics.VerdictFailed).Inc()
		d.logger.Warn("tools: call failed", "tool", call.Tool.Name, "tool_call_id", call.ID, "error", err)
		return out, err
	}
	metrics.ToolVerdicts.WithLabelValues(call.Tool.Name, metrics.VerdictCompleted).Inc()
	return out, nil
}

type shellArgs struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Cwd     string   `json:"cwd"`
}

// shellArgv splits the pinned or requested command on whitespace and
// appends the structured args untouched, so an argument may contain spaces.
func shellArgv(tool *Tool, raw json.RawMessage) (name string, argv []string, cwd string, err error) {
	var a shellArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return "", nil, "", fmt.Errorf("decode arguments: %w", err)
		}
	}
	command := a.Command
	if tool.Command != "" {
		command = tool.Command
	}
	name, argv = security.ParseCommand(command)
	if name == "" {
		return "", nil, "", errors.New("command is required")
	}
	argv = append(argv, a.Args...)
	return name, argv, a.Cwd, nil
}
