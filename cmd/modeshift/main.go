package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"modeshift/internal/cli"
)

var version = "dev"

var CLI struct {
	Version kong.VersionFlag
	Config  string `help:"Config file path (JSON or YAML)." type:"path" default:"./modeshift.yaml" short:"c"`

	Run      cli.RunCmd      `cmd:"" help:"Run the scheduler daemon." default:"1"`
	Validate cli.ValidateCmd `cmd:"" help:"Check a config file and exit."`
	Preview  cli.PreviewCmd  `cmd:"" help:"Show upcoming fire times for a schedule."`
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("modeshift"),
		kong.Description("Weekly device mode scheduler"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	err := ctx.Run(&cli.Context{ConfigPath: CLI.Config, Out: os.Stdout})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
