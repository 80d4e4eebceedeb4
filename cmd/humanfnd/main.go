// Command humanfnd runs the human function engine as a service.
package main

import "github.com/alecthomas/kong"

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config   string `help:"Path to the YAML config file." short:"c" env:"HUMANFN_CONFIG" type:"path"`
	LogLevel string `help:"Override the configured log level." name:"log-level"`
}

type cli struct {
	Globals

	Serve   serveCmd         `cmd:"" help:"Run the HTTP API and the wake-up scheduler."`
	Status  statusCmd        `cmd:"" help:"Print the status of an execution."`
	Version kong.VersionFlag `help:"Print the version and exit."`
}

func main() {
	var c cli
	ctx := kong.Parse(&c,
		kong.Name("humanfnd"),
		kong.Description("Human function execution engine."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.DynamicCommand("definitions", "Inspect function definition files.", "", &definitionsCmd{}),
	)
	err := ctx.Run(&c.Globals)
	ctx.FatalIfErrorf(err)
}
