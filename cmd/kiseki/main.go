// Command kiseki runs the durable agent execution engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/ashita-ai/kiseki/internal/config"
	"github.com/ashita-ai/kiseki/internal/security"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0(os.Args[1:], os.Stdout))
}

func run0(args []string, stdout io.Writer) int {
	level, err := config.ParseLogLevel(os.Getenv("KISEKI_LOG_LEVEL"))
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("kiseki"),
		kong.Description("Durable execution engine for LLM agent runs."),
		kong.UsageOnError(),
		kongVars(),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(stdout, (*io.Writer)(nil)),
		kong.Bind(logger),
	)
	if err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := kctx.Run(); err != nil {
		var rejected *rejectedError
		if errors.As(err, &rejected) {
			return 1
		}
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

// rejectedError reports a check that ran fine but failed its subject.
type rejectedError struct{ reason string }

func (e *rejectedError) Error() string { return e.reason }

// Run applies migrations for the configured backend.
func (c *MigrateCmd) Run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store == config.StoreSQLite {
		// sqlite.Open applies the schema itself.
		st, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		st.close(ctx)
		logger.Info("migrations applied", "store", cfg.Store, "path", cfg.SQLitePath)
		return nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, "", logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(ctx)
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations applied", "store", cfg.Store)
	return nil
}

// Run prints the validator's verdict as JSON.
func (c *CheckCommandCmd) Run(logger *slog.Logger, stdout io.Writer) error {
	if len(c.Command) == 0 {
		return errors.New("check-command: a command is required")
	}
	res := security.NewCommandValidator(logger).Validate(strings.Join(c.Command, " "), nil, c.Cwd)
	if err := writeJSON(stdout, res); err != nil {
		return err
	}
	if !res.Valid {
		return &rejectedError{reason: res.Error}
	}
	return nil
}

// Run prints whether the URL may be called by a connector tool.
func (c *CheckURLCmd) Run(stdout io.Writer) error {
	out := struct {
		URL     string `json:"url"`
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason,omitempty"`
	}{URL: c.URL, Allowed: true}
	verr := security.ValidateURL(c.URL)
	if verr != nil {
		out.Allowed = false
		out.Reason = verr.Error()
	}
	if err := writeJSON(stdout, out); err != nil {
		return err
	}
	if verr != nil {
		return &rejectedError{reason: verr.Error()}
	}
	return nil
}

// Run prints the build version.
func (c *VersionCmd) Run(stdout io.Writer) error {
	_, err := fmt.Fprintf(stdout, "kiseki %s\n", version)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
