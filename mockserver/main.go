// Command mockserver is a local stand-in for the CrowdSec Central API. It
// implements the watcher, signals, decisions, and metrics endpoints against
// a SQLite database and issues real (HS256-signed) JWTs, so the SDK can be
// exercised end to end without touching the hosted API.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	listen    = flag.String("listen", ":8080", "Listen address")
	dbPath    = flag.String("db", "mockcapi.db", "Database path")
	secret    = flag.String("secret", "mock-capi-secret", "JWT signing secret")
	tokenTTL  = flag.Duration("token-ttl", time.Hour, "Issued token lifetime")
	jsonLogs  = flag.Bool("json", false, "JSON log output")
	debugMode = flag.Bool("debug", false, "Gin debug mode")
)

type server struct {
	db       *gorm.DB
	log      zerolog.Logger
	secret   []byte
	tokenTTL time.Duration
}

func main() {
	flag.Parse()

	log := newLogger(*jsonLogs)
	log.Info().Str("listen", *listen).Msg("mock CAPI starting")

	db, err := gorm.Open(sqlite.Open(*dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	if err := db.AutoMigrate(&WatcherRecord{}, &SignalRecord{}, &DecisionRecord{}); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	srv := &server{
		db:       db,
		log:      log,
		secret:   []byte(*secret),
		tokenTTL: *tokenTTL,
	}

	if !*debugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := srv.router()

	if err := r.Run(*listen); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func (s *server) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	v3 := r.Group("/v3")
	v3.POST("/watchers", s.handleRegister)
	v3.POST("/watchers/login", s.handleLogin)

	authed := v3.Group("", s.requireToken)
	authed.POST("/watchers/enroll", s.handleEnroll)
	authed.POST("/signals", s.handleSignals)
	authed.GET("/decisions/stream", s.handleDecisionsStream)
	authed.POST("/metrics", s.handleMetrics)

	// Admin surface for seeding the decision stream during development.
	r.POST("/admin/decisions", s.handleAddDecision)

	return r
}

func newLogger(json bool) zerolog.Logger {
	if json {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
