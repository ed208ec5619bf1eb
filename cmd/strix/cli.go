// Package main is the entry point for the strix scan CLI.
package main

import "github.com/alecthomas/kong"

// CLI is strix's entire flag surface: one command, no subcommands;
// `strix --target ...` runs a scan. Unlike the teacher's cmd/agent,
// which dispatches a handful of subcommands by hand off os.Args[1],
// strix has exactly one thing to do, so kong.Parse drives it directly
// instead of through a manual switch.
type CLI struct {
	Target         string `help:"Scan target: a local path, a git repository URL, a web URL, or an IP/CIDR range." required:""`
	ScanMode       string `name:"scan-mode" default:"standard" help:"Scan depth: quick, standard, or deep."`
	NonInteractive bool   `name:"non-interactive" short:"n" help:"Disable interactive progress output; emit plain log lines only."`
	RunName        string `name:"run-name" help:"Name for this run's directory under strix_runs/. Defaults to a timestamped name."`
	RunsDir        string `name:"runs-dir" default:"strix_runs" help:"Base directory under which run directories are created."`
	PromptsDir     string `name:"prompts-dir" default:"prompts" help:"Directory containing this installation's prompt modules."`

	Version kong.VersionFlag `help:"Show version and exit."`
}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
