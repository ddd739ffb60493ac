// Package tools holds the tool catalog offered to models and the executors
// that carry out the calls they request.
//
// The catalog is a YAML file of tool definitions. Each definition is either a
// shell tool, run as a local process after the command validator has cleared
// it, or a connector tool, forwarded to a remote MCP server over the guarded
// HTTP client. Argument objects are checked against the tool's JSON schema
// before anything runs.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/security"
)

// Kind selects the executor of a tool.
type Kind string

const (
	KindShell     Kind = "shell"
	KindConnector Kind = "connector"
)

// Definition is one catalog entry.
type Definition struct {
	Name             string         `yaml:"name"`
	Kind             Kind           `yaml:"kind"`
	Description      string         `yaml:"description"`
	Schema           map[string]any `yaml:"schema"`
	RequiresApproval bool           `yaml:"requires_approval"`

	// Command pins the executable of a shell tool. The model then supplies
	// only arguments.
	Command string `yaml:"command"`

	// URL and RemoteTool address a connector tool. RemoteTool defaults to Name.
	URL        string `yaml:"url"`
	RemoteTool string `yaml:"remote_tool"`

	Timeout time.Duration `yaml:"timeout"`
}

type catalogFile struct {
	Tools []Definition `yaml:"tools"`
}

// Tool is a compiled catalog entry.
type Tool struct {
	Definition
	schemaJSON json.RawMessage
	schema     *jsonschema.Schema
}

// SchemaJSON returns the tool's argument schema as sent to models.
func (t *Tool) SchemaJSON() json.RawMessage { return t.schemaJSON }

// ValidateArgs checks raw arguments against the tool's schema. Empty
// arguments are treated as an empty object.
func (t *Tool) ValidateArgs(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return t.schema.Validate(inst)
}

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var (
	shellSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "minLength": 1, "description": "Command line to run. Quotes are not interpreted."},
			"args":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Extra arguments passed verbatim; use these for values containing spaces."},
			"cwd":     map[string]any{"type": "string", "description": "Working directory relative to the workspace."},
		},
		"required":             []any{"command"},
		"additionalProperties": false,
	}
	pinnedShellSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"args": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"cwd":  map[string]any{"type": "string", "description": "Working directory relative to the workspace."},
		},
		"additionalProperties": false,
	}
	connectorSchema = map[string]any{"type": "object"}
)

// Compile validates a definition and compiles its schema.
func Compile(def Definition) (*Tool, error) {
	if !toolNamePattern.MatchString(def.Name) {
		return nil, fmt.Errorf("tools: invalid tool name %q", def.Name)
	}
	switch def.Kind {
	case KindShell:
		if def.URL != "" {
			return nil, fmt.Errorf("tools: %s: shell tools take no url", def.Name)
		}
		if def.Command != "" && security.CommandLevel(def.Command) == security.LevelBlocked {
			return nil, fmt.Errorf("tools: %s: command %q is blocked", def.Name, def.Command)
		}
		if def.Schema == nil {
			def.Schema = shellSchema
			if def.Command != "" {
				def.Schema = pinnedShellSchema
			}
		}
	case KindConnector:
		if def.URL == "" {
			return nil, fmt.Errorf("tools: %s: connector tools need a url", def.Name)
		}
		if err := security.ValidateURL(def.URL); err != nil {
			return nil, fmt.Errorf("tools: %s: %w", def.Name, err)
		}
		if def.RemoteTool == "" {
			def.RemoteTool = def.Name
		}
		if def.Schema == nil {
			def.Schema = connectorSchema
		}
	default:
		return nil, fmt.Errorf("tools: %s: unknown kind %q", def.Name, def.Kind)
	}
	if def.Timeout < 0 {
		return nil, fmt.Errorf("tools: %s: negative timeout", def.Name)
	}

	raw, err := json.Marshal(def.Schema)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: encode schema: %w", def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: %s: decode schema: %w", def.Name, err)
	}
	c := jsonschema.NewCompiler()
	loc := def.Name + ".json"
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("tools: %s: add schema: %w", def.Name, err)
	}
	sch, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: compile schema: %w", def.Name, err)
	}
	return &Tool{Definition: def, schemaJSON: raw, schema: sch}, nil
}

// Parse decodes and compiles a YAML catalog document.
func Parse(data []byte) (map[string]*Tool, error) {
	var f catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tools: parse catalog: %w", err)
	}
	tools := make(map[string]*Tool, len(f.Tools))
	for _, def := range f.Tools {
		t, err := Compile(def)
		if err != nil {
			return nil, err
		}
		if _, dup := tools[t.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", t.Name)
		}
		tools[t.Name] = t
	}
	return tools, nil
}

// Catalog is the set of tools available to runs. It is safe for concurrent
// use; Reload swaps the whole set atomically.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewCatalog builds an in-memory catalog from definitions.
func NewCatalog(logger *slog.Logger, defs ...Definition) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tools := make(map[string]*Tool, len(defs))
	for _, def := range defs {
		t, err := Compile(def)
		if err != nil {
			return nil, err
		}
		if _, dup := tools[t.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", t.Name)
		}
		tools[t.Name] = t
	}
	return &Catalog{logger: logger, tools: tools}, nil
}

// LoadCatalog reads the catalog at path. An empty path yields an empty catalog.
func LoadCatalog(path string, logger *slog.Logger) (*Catalog, error) {
	c, err := NewCatalog(logger)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return c, nil
	}
	c.path = path
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file. On error the current set stays in place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("tools: read catalog: %w", err)
	}
	tools, err := Parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	c.logger.Info("tools: catalog loaded", "path", c.path, "tools", len(tools))
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("tools: create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("tools: watch %s: %w", dir, err)
	}
	target := filepath.Clean(c.path)

	// Writes arrive in bursts; reload once they settle.
	const settle = 100 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(settle)
			}
		case <-pending:
			pending = nil
			if err := c.Reload(); err != nil {
				c.logger.Warn("tools: catalog reload failed, keeping previous set", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("tools: watcher error", "error", err)
		}
	}
}

// Lookup returns the named tool.
func (c *Catalog) Lookup(name string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// Names returns every tool name in sorted order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check reports the first name that is not in the catalog.
func (c *Catalog) Check(names []string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range names {
		if _, ok := c.tools[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
	}
	return nil
}

// Definitions returns the model-facing definitions of names, or of the whole
// catalog when names is empty. Names no longer in the catalog are skipped.
func (c *Catalog) Definitions(names []string) []model.ToolDefinition {
	if len(names) == 0 {
		names = c.Names()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := c.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.schemaJSON,
		})
	}
	return defs
}
