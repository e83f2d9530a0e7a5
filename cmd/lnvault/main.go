package main

import (
	"fmt"
	"os"

	_ "github.com/lib/pq" // Import postgres
	"github.com/urfave/cli"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/cmd/lnvault/actions"
	"gitlab.com/voltmill/lnvault/cmd/lnvault/flags"
)

var log = build.AddSubLogger("MAIN")

func main() {
	app := cli.NewApp()
	app.Name = "lnvault"
	app.Usage = "Multi-tenant custodial Lightning wallet service"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		if log.Level != level {
			build.SetLogLevels(level)
		}

		if dir := c.GlobalString("logging.directory"); dir != "" {
			if err := build.SetLogDir(dir); err != nil {
				return err
			}
		}
		return nil
	}

	app.Flags = flags.CommonFlags
	app.Commands = []cli.Command{
		actions.Db(),
		actions.Wallet(),
		actions.Serve(),
	}

	if err := app.Run(os.Args); err != nil {
		// help message is printed anyways, only print the error if
		// something was actually supplied
		if len(os.Args) > 1 {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
