// Package flags provides functionality for managing flags for lnvault
package flags

import (
	"fmt"
	"net/url"
	"path"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/funding/lndgrpc"
	"gitlab.com/voltmill/lnvault/funding/lndrest"
	"gitlab.com/voltmill/lnvault/payments"
)

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Usage: "the logging level, e.g. trace, debug, info, warn, error",
		Value: "info",
	},
	cli.StringFlag{
		Name:  "logging.directory",
		Usage: "directory log files are written to",
	},
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat([]cli.Flag{
	cli.StringFlag{
		Name:  "network",
		Usage: "the network the funding node is on, e.g. mainnet, testnet, regtest",
		Value: "regtest",
	},
}, logging)

// Db is the set of flags for connecting to Postgres
var Db = []cli.Flag{
	cli.StringFlag{
		Name:   "db.user",
		Value:  "lnvault",
		EnvVar: "DATABASE_USER",
	},
	cli.StringFlag{
		Name:   "db.password",
		Value:  "password",
		EnvVar: "DATABASE_PASSWORD",
	},
	cli.StringFlag{
		Name:   "db.host",
		Value:  "localhost",
		EnvVar: "DATABASE_HOST",
	},
	cli.IntFlag{
		Name:   "db.port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:   "db.name",
		Value:  "lnvault",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.migrationspath",
		Usage: "path to DB migration files",
		Value: "db/migrations",
	},
}

// Funding is the set of flags selecting and configuring the funding source
var Funding = []cli.Flag{
	cli.StringFlag{
		Name:  "funding.backend",
		Usage: "which funding source to use: void, lnd or lndrest",
		Value: "void",
	},
	cli.StringFlag{
		Name:  "lnd.dir",
		Usage: "the directory of the lnd node",
	},
	cli.StringFlag{
		Name:  "lnd.rpcserver",
		Usage: "host:port of the lnd gRPC server",
		Value: "localhost:10009",
	},
	cli.StringFlag{
		Name:  "lnd.macaroonpath",
		Usage: "path to the admin macaroon",
	},
	cli.StringFlag{
		Name:  "lnd.tlscertpath",
		Usage: "path to the lnd TLS certificate",
	},
	cli.StringFlag{
		Name:  "lndrest.endpoint",
		Usage: "base URL of the lnd REST API",
		Value: "https://localhost:8080",
	},
}

// Fees configures the service fee on outgoing payments
var Fees = []cli.Flag{
	cli.Float64Flag{
		Name:  "fees.percent",
		Usage: "service fee charged on outgoing external payments, in percent",
	},
	cli.StringFlag{
		Name:  "fees.wallet",
		Usage: "id of the wallet that collects service fees",
	},
}

// ReadDbConf reads the appropriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// flags belong to a CLI context, and subcommands see their parent's
	// flags only through the parent context. recurse until we find the
	// context the DB flags are defined on.
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadNetwork reads the network flag, erroring if an invalid value is passed
func ReadNetwork(c *cli.Context) (chaincfg.Params, error) {
	switch networkString := c.GlobalString("network"); networkString {
	case "mainnet":
		return chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return chaincfg.TestNet3Params, nil
	case "regtest", "":
		return chaincfg.RegressionNetParams, nil
	default:
		return chaincfg.Params{}, fmt.Errorf("unknown network: %q", networkString)
	}
}

// ReadLndGrpcConf assembles the lnd gRPC backend configuration
func ReadLndGrpcConf(c *cli.Context) (lndgrpc.Config, error) {
	network, err := ReadNetwork(c)
	if err != nil {
		return lndgrpc.Config{}, err
	}
	return lndgrpc.Config{
		LndDir:       c.String("lnd.dir"),
		RPCServer:    c.String("lnd.rpcserver"),
		MacaroonPath: c.String("lnd.macaroonpath"),
		TLSCertPath:  c.String("lnd.tlscertpath"),
		Network:      network,
	}, nil
}

// ReadLndRestConf assembles the lnd REST backend configuration
func ReadLndRestConf(c *cli.Context) lndrest.Config {
	return lndrest.Config{
		Endpoint:     c.String("lndrest.endpoint"),
		MacaroonPath: c.String("lnd.macaroonpath"),
		TLSCertPath:  c.String("lnd.tlscertpath"),
	}
}

// ReadFeeConf reads the service fee flags, erroring on a fee percentage
// without a wallet to collect it
func ReadFeeConf(c *cli.Context) (payments.FeeConfig, error) {
	conf := payments.FeeConfig{
		Percent:  c.Float64("fees.percent"),
		WalletID: c.String("fees.wallet"),
	}
	if conf.Percent < 0 {
		return payments.FeeConfig{}, fmt.Errorf("negative fee percent: %f", conf.Percent)
	}
	if conf.Percent > 0 && conf.WalletID == "" {
		return payments.FeeConfig{}, fmt.Errorf(
			"fees.percent is %f but no fees.wallet is set", conf.Percent)
	}
	return conf, nil
}

// ReadLogLevel parses the logging level flag
func ReadLogLevel(c *cli.Context) (logrus.Level, error) {
	return build.ToLogLevel(c.GlobalString("logging.level"))
}
