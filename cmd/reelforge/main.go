package main

import (
	"github.com/alecthomas/kong"
	"github.com/rossigee/reelforge/cmd/reelforge/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		EnvFile []string         `help:"Load environment variables from these files before reading configuration." name:"env-file"`
		Debug   bool             `help:"Enable debug logging." env:"DEBUG"`
		Version kong.VersionFlag `help:"Print the version and exit."`

		Serve   commands.ServeCmd   `cmd:"" default:"1" help:"Run the API server and worker loops."`
		Migrate commands.MigrateCmd `cmd:"" help:"Apply database migrations and exit."`
		Token   commands.TokenCmd   `cmd:"" help:"Issue a signed access token for a user."`
	}
)

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("reelforge"),
		kong.Description("Job orchestration and progress streaming for AI video production."),
		kong.Vars{"version": version},
	)
	err := ctx.Run(&commands.Globals{
		EnvFile: cli.EnvFile,
		Debug:   cli.Debug,
		Version: version,
	})
	ctx.FatalIfErrorf(err)
}
