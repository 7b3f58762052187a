package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/syncflix/watch-party/room"
)

var rootCmd = &cobra.Command{
	Use:               "syncflix",
	Short:             "Portal demo: synchronized watch party rooms with chat receipts",
	PersistentPreRunE: setupLogging,
	RunE:              runServer,
}

var (
	flagServerURLs  []string
	flagPort        int
	flagName        string
	flagCredKey     string
	flagArchivePath string
	flagRoomIdleTTL time.Duration
	flagMaxHistory  int
	flagEventRate   float64
	flagHTTPRPS     float64
	flagLogLevel    string
	flagLogPretty   bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVar(&flagLogPretty, "log-pretty", false, "human readable console logs")

	defaults := room.DefaultConfig()
	local := rootCmd.Flags()
	local.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	local.IntVar(&flagPort, "port", -1, "optional local HTTP port (negative to disable)")
	local.StringVar(&flagName, "name", "syncflix", "backend display name")
	local.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
	local.StringVar(&flagArchivePath, "archive-path", os.Getenv("SYNCFLIX_ARCHIVE"), "pebble directory for chat transcripts (empty disables)")
	local.DurationVar(&flagRoomIdleTTL, "room-idle-ttl", envDuration("SYNCFLIX_ROOM_TTL", defaults.IdleTTL), "evict empty rooms idle this long (0 disables)")
	local.IntVar(&flagMaxHistory, "max-history", defaults.MaxHistory, "messages kept per room (0 keeps all)")
	local.Float64Var(&flagEventRate, "events-per-second", 20, "inbound websocket events per connection (0 disables)")
	local.Float64Var(&flagHTTPRPS, "http-rps", 2, "create/join requests per second per address (0 disables)")

	rootCmd.AddCommand(followCmd)
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Err(err).Str("env", key).Msg("[syncflix] ignoring invalid duration")
		return def
	}
	return d
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if flagLogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute syncflix command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := room.NewMetrics(reg)

	var archive *room.Archive
	if flagArchivePath != "" {
		a, err := room.OpenArchive(flagArchivePath, nil)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		archive = a
		log.Info().Str("path", flagArchivePath).Msg("[syncflix] chat archive enabled")
	}

	mgr := room.NewManager(func(c *room.Config) {
		c.IdleTTL = flagRoomIdleTTL
		c.MaxHistory = flagMaxHistory
		c.Metrics = metrics
		if archive != nil {
			c.Archive = archive
		}
	})
	go mgr.Run(ctx)

	handler := NewHTTPServer(mgr, ServerOptions{
		Archive:               archive,
		Metrics:               promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		HTTPRequestsPerSecond: flagHTTPRPS,
		EventsPerSecond:       flagEventRate,
	})
	go handler.httpLimiter.Run(ctx)

	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}

	client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = flagServerURLs })
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}
	ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mux := handler.Router()
	go func() {
		if err := http.Serve(ln, mux); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
			log.Error().Err(err).Msg("[syncflix] relay http error")
		}
	}()

	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: mux, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[syncflix] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[syncflix] local http stopped")
			}
		}()
	}

	<-ctx.Done()
	_ = ln.Close()
	_ = client.Close()
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("[syncflix] http server shutdown error")
		}
	}
	mgr.Close()
	if archive != nil {
		if err := archive.Close(); err != nil {
			log.Error().Err(err).Msg("[syncflix] close archive")
		}
	}
	log.Info().Msg("[syncflix] shutdown complete")
	return nil
}
