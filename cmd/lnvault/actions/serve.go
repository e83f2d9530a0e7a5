package actions

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"gitlab.com/voltmill/lnvault/api"
	"gitlab.com/voltmill/lnvault/async"
	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/bus"
	"gitlab.com/voltmill/lnvault/cmd/lnvault/flags"
	"gitlab.com/voltmill/lnvault/funding"
	"gitlab.com/voltmill/lnvault/funding/lndgrpc"
	"gitlab.com/voltmill/lnvault/funding/lndrest"
	"gitlab.com/voltmill/lnvault/models/wallets"
	"gitlab.com/voltmill/lnvault/payments"
	"gitlab.com/voltmill/lnvault/watcher"
	"gitlab.com/voltmill/lnvault/webhooks"
)

const (
	rpcAwaitAttempts = 5
	rpcAwaitDuration = time.Second
)

// awaitSource tries to get an RPC response from the funding source,
// returning an error if that isn't possible within a set of attempts
func awaitSource(source funding.Source) error {
	retry := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), rpcAwaitDuration)
		defer cancel()
		_, err := source.Balance(ctx)
		if err != nil {
			log.WithError(err).Debug("Funding source ping failed")
		}
		return err == nil
	}
	return async.Await(rpcAwaitAttempts, rpcAwaitDuration, retry,
		fmt.Sprintf("couldn't reach funding source %q", source.Name()))
}

func openSource(c *cli.Context) (funding.Source, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch backend := c.String("funding.backend"); backend {
	case "void", "":
		log.Warn("Using the void funding source, all outgoing payments will fail")
		return funding.NewVoid(), nil
	case "lnd":
		conf, err := flags.ReadLndGrpcConf(c)
		if err != nil {
			return nil, err
		}
		return lndgrpc.Connect(ctx, conf)
	case "lndrest":
		return lndrest.Connect(ctx, flags.ReadLndRestConf(c))
	default:
		return nil, fmt.Errorf("unknown funding backend: %q", backend)
	}
}

// Serve returns the command that starts the wallet service
func Serve() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Starts the custodial wallet api",
		Flags: flags.Concat([]cli.Flag{
			cli.IntFlag{
				Name:  "port",
				Usage: "port to listen on",
				Value: 5000,
			},
			cli.BoolFlag{
				Name:  "db.migrateup",
				Usage: "migrate the database up before serving",
			},
			cli.StringSliceFlag{
				Name:  "cors.origin",
				Usage: "allowed CORS origins, can be given multiple times",
			},
		}, flags.Db, flags.Funding, flags.Fees),
		Action: func(c *cli.Context) error {
			database, err := openDb(c)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			// verify connectivity up front instead of at the first
			// request, retrying while a co-started postgres boots
			if err := async.RetryNoBackoff(5, time.Second, database.Ping); err != nil {
				return fmt.Errorf("could not reach database: %w", err)
			}
			status, err := database.MigrationStatus()
			if err != nil {
				return fmt.Errorf("could not query DB migration status: %w", err)
			}
			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			} else if status.Dirty {
				return fmt.Errorf("database is dirty at version %d", status.Version)
			}

			source, err := openSource(c)
			if err != nil {
				return err
			}
			if err := awaitSource(source); err != nil {
				return err
			}
			log.WithField("source", source.Name()).Info("Funding source is reachable")

			feeConf, err := flags.ReadFeeConf(c)
			if err != nil {
				return err
			}
			if feeConf.WalletID != "" {
				if _, err := wallets.GetByID(database, feeConf.WalletID); err != nil {
					return fmt.Errorf("fee wallet %q: %w", feeConf.WalletID, err)
				}
			}

			eventBus := bus.New(bus.DefaultBacklog)
			service := &payments.Service{
				DB:     database,
				Source: source,
				Bus:    eventBus,
				Fees:   feeConf,
			}

			webhooks.New(database).Register(eventBus)
			eventBus.Start()
			defer eventBus.Stop()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				quit := make(chan os.Signal, 1)
				signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
				<-quit
				log.Info("Received shutdown signal")
				cancel()
			}()

			w := &watcher.Watcher{
				DB:      database,
				Source:  source,
				Service: service,
			}
			go w.Run(ctx)

			logLevel, err := flags.ReadLogLevel(c)
			if err != nil {
				return err
			}
			a, err := api.NewApp(database, service, api.Config{
				LogLevel:       logLevel,
				AllowedOrigins: c.StringSlice("cors.origin"),
			})
			if err != nil {
				return err
			}

			log.WithField("version", build.Version()).
				WithField("port", c.Int("port")).
				Info("Starting wallet service")
			return a.Router.Run(fmt.Sprintf(":%d", c.Int("port")))
		},
	}
}
