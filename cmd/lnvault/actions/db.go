// Package actions provides the commands the lnvault CLI can execute
package actions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/cmd/lnvault/flags"
	"gitlab.com/voltmill/lnvault/db"
)

var log = build.AddSubLogger("ACTN")

func openDb(c *cli.Context) (*db.DB, error) {
	return db.Open(flags.ReadDbConf(c))
}

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "migrates the database up to the newest version",
				Action: func(c *cli.Context) error {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					return database.MigrateUp()
				},
			},
			{
				Name:    "down",
				Aliases: []string{"md"},
				Usage:   "down x, migrates the database down x number of steps",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down",
							22,
						)
					}
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return err
					}
					return database.MigrateDown(steps)
				},
			},
			{
				Name:    "status",
				Aliases: []string{"st"},
				Usage:   "prints the current migration version and dirty state",
				Action: func(c *cli.Context) error {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					status, err := database.MigrationStatus()
					if err != nil {
						return err
					}
					fmt.Println(status)
					return nil
				},
			},
			{
				Name:    "drop",
				Aliases: []string{"dr"},
				Usage:   "drops the entire database",
				Action: func(c *cli.Context) error {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					return database.Drop()
				},
			},
			{
				Name:    "newmigration",
				Aliases: []string{"nm"},
				Usage:   "newmigration `NAME` creates an empty pair of migration files",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError("You need to name the migration", 22)
					}
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					name := strings.Join(c.Args(), " ")
					if err := database.CreateMigration(name); err != nil {
						return err
					}
					log.WithField("name", name).Info("Created migration files")
					return nil
				},
			},
		},
	}
}
