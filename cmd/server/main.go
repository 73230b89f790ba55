package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/opentriiva/opentriiva/internal/config"
	"github.com/opentriiva/opentriiva/internal/metrics"
	"github.com/opentriiva/opentriiva/internal/signaling"
	"github.com/opentriiva/opentriiva/internal/store"
)

const version = "v0.3.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`OpenTriiva signaling server

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)

Environment Variables:
  PORT             Port to listen on (default: 8080)
  REDIS_URL        Redis connection URL; empty keeps sessions in memory
  JOIN_URL         Base URL embedded in join QR codes
  METRICS_ENABLED  Expose Prometheus metrics on /metrics (default: true)

Examples:
  %s                  Start server with default settings
  %s --port 3000      Start server on port 3000
`, os.Args[0], os.Args[0], os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("OpenTriiva %s\n", version)
		return
	}

	_ = godotenv.Load()
	cfg := config.FromEnv()

	port := *portFlag
	if port == "" {
		port = cfg.Port
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if path == "/metrics" || path == "/health" {
			return
		}
		status := c.Writer.Status()
		dur := time.Since(start)
		zerologlog.Info().Str("path", path).Int("status", status).Dur("dur", dur).Msg("http")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	var st store.Store
	if cfg.RedisURL != "" {
		rs, err := store.NewRedis(cfg.RedisURL)
		if err != nil {
			zerologlog.Fatal().Err(err).Msg("redis unavailable")
		}
		defer rs.Close()
		st = rs
		zerologlog.Info().Msg("using redis session store")
	} else {
		st = store.NewMemory()
		zerologlog.Info().Msg("using in-memory session store")
	}

	opts := []signaling.Option{}
	if cfg.JoinURL != "" {
		opts = append(opts, signaling.WithJoinURL(cfg.JoinURL))
	}
	if cfg.Metrics {
		m := metrics.New("opentriiva")
		m.Mount(r)
		opts = append(opts, signaling.WithMetrics(m))
	}
	signaling.NewServer(st, opts...).Mount(r)

	zerologlog.Info().Str("port", port).Str("version", version).Msg("listening")
	if err := r.Run(":" + port); err != nil {
		zerologlog.Fatal().Err(err).Msg("server exited")
	}
}
