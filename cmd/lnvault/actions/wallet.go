package actions

import (
	"fmt"

	"github.com/urfave/cli"

	"gitlab.com/voltmill/lnvault/cmd/lnvault/flags"
	"gitlab.com/voltmill/lnvault/models/wallets"
)

// Wallet returns commands for managing wallets from the shell, used to
// bootstrap the fee wallet before the API is up
func Wallet() cli.Command {
	return cli.Command{
		Name:  "wallet",
		Usage: "Wallet related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:  "create",
				Usage: "creates a wallet and prints its id and keys",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:     "user",
						Usage:    "owning user id",
						Required: true,
					},
					cli.StringFlag{
						Name:  "name",
						Usage: "display name",
					},
				},
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

					wallet, err := wallets.New(database, c.String("user"), c.String("name"))
					if err != nil {
						return err
					}
					fmt.Printf("id:          %s\nadmin key:   %s\ninvoice key: %s\n",
						wallet.ID, wallet.AdminKey, wallet.InvoiceKey)
					return nil
				},
			},
			{
				Name:  "balance",
				Usage: "balance `WALLET_ID` prints a wallet's balance in msat",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError("You need to specify a wallet id", 22)
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

					balance, err := wallets.Balance(database, c.Args().First())
					if err != nil {
						return err
					}
					fmt.Printf("%d msat\n", balance)
					return nil
				},
			},
		},
	}
}
