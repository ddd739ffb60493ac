package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Serve        ServeCmd        `cmd:"" default:"1" help:"Run the HTTP and MCP server"`
	Migrate      MigrateCmd      `cmd:"" help:"Apply database migrations and exit"`
	CheckCommand CheckCommandCmd `cmd:"" name:"check-command" help:"Classify a shell command the way the tool dispatcher does"`
	CheckURL     CheckURLCmd     `cmd:"" name:"check-url" help:"Check whether a connector URL is allowed"`
	Version      VersionCmd      `cmd:"" help:"Show version information"`
}

// ServeCmd runs the server until SIGINT or SIGTERM.
type ServeCmd struct {
	Port int `help:"Override KISEKI_PORT"`
}

// MigrateCmd applies the embedded migrations to the configured store.
type MigrateCmd struct{}

// CheckCommandCmd validates a command line.
type CheckCommandCmd struct {
	Command []string `arg:"" passthrough:"" help:"Command and arguments"`
	Cwd     string   `help:"Working directory the command would run in"`
}

// CheckURLCmd validates a connector URL.
type CheckURLCmd struct {
	URL string `arg:"" help:"URL to check"`
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
