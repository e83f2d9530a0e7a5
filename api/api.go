// Package api exposes the wallet service over REST
package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"gitlab.com/voltmill/lnvault/api/apierr"
	"gitlab.com/voltmill/lnvault/build"
	"gitlab.com/voltmill/lnvault/db"
	"gitlab.com/voltmill/lnvault/funding"
	"gitlab.com/voltmill/lnvault/payments"
)

var log = build.AddSubLogger("HTTP")

// Config is the configuration for the API
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// AllowedOrigins for CORS. Empty allows none.
	AllowedOrigins []string
}

// RestServer is the REST server for the wallet service. It includes a
// Router, a db connection and the payments service.
type RestServer struct {
	Router  *gin.Engine
	db      *db.DB
	service *payments.Service
	source  funding.Source
}

func getCorsConfig(origins []string) cors.Config {
	return cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"X-Api-Key"},
	}
}

// getGinEngine creates a new Gin engine with the middlewares used by our
// API: recovering from panics, logging with logrus, CORS and uniform
// error responses.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(build.GinLoggingMiddleWare(log, []string{"/metrics"}))
	if len(config.AllowedOrigins) > 0 {
		engine.Use(cors.New(getCorsConfig(config.AllowedOrigins)))
	}
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

// NewApp creates the REST server and registers all routes
func NewApp(database *db.DB, service *payments.Service, config Config) (RestServer, error) {
	build.SetLogLevels(config.LogLevel)

	g := getGinEngine(config)

	r := RestServer{
		Router:  g,
		db:      database,
		service: service,
		source:  service.Source,
	}

	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})
	r.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	// TODO: secure /info with access control before exposing it publicly
	r.Router.GET("/info", r.getInfo())

	r.registerWalletRoutes()
	r.registerPaymentRoutes()

	return r, nil
}

// getInfo reports the funding source and database state
func (r *RestServer) getInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := r.source.Balance(c.Request.Context())
		if err != nil {
			_ = c.Error(err).SetMeta("source.balance")
			return
		}

		migrationStatus, err := r.db.MigrationStatus()
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"fundingSource":           r.source.Name(),
			"nodeBalanceMsat":         balance,
			"databaseMigrationStatus": migrationStatus,
			"version":                 build.Version(),
		})
	}
}
