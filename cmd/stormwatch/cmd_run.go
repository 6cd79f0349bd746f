package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/stormwatch/internal/alerts"
	"github.com/sawpanic/stormwatch/internal/cache"
	"github.com/sawpanic/stormwatch/internal/config"
	"github.com/sawpanic/stormwatch/internal/engine"
	"github.com/sawpanic/stormwatch/internal/feed"
	"github.com/sawpanic/stormwatch/internal/gates"
	httpiface "github.com/sawpanic/stormwatch/internal/interfaces/http"
	"github.com/sawpanic/stormwatch/internal/metrics"
)

// runCmd implements the 'stormwatch run' command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run live storm detection against the feature feed",
	Long: `Subscribe to the upstream feature engine over websocket and run the
full detection pipeline: walk-forward scoring, adaptive thresholding,
mask gating, persistence confirmation, leader labeling and alert
emission. Serves /health and /metrics while running.`,
	RunE: runLive,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runLive(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Feed.WebsocketURL == "" {
		return fmt.Errorf("feed.websocket_url is required for run")
	}

	gate, err := buildGate(cfg)
	if err != nil {
		return err
	}
	emitter, err := buildEmitter(cfg)
	if err != nil {
		return err
	}
	defer emitter.Close()

	var warm *cache.Store
	if cfg.WarmState.RedisAddr != "" {
		warm, err = cache.Open(cfg.WarmState.RedisAddr, cfg.WarmState.RedisDB, time.Duration(cfg.WarmState.TTLMinutes)*time.Minute)
		if err != nil {
			// Warm state is an optimization; a dead cache never blocks startup.
			log.Warn().Err(err).Str("addr", cfg.WarmState.RedisAddr).Msg("warm state cache unavailable, starting cold")
			warm = nil
		}
	}

	reg := metrics.NewRegistry()
	eng := engine.New(cfg, gate, emitter, reg, warm, false)

	srv := httpiface.NewServer(cfg.Server.Addr, version, reg, eng.Symbols)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fd := feed.OpenWebsocket(cfg.Feed.WebsocketURL)
	defer fd.Close()

	log.Info().
		Str("version", version).
		Str("feed", cfg.Feed.WebsocketURL).
		Strs("universe", cfg.Symbols()).
		Msg("stormwatch started")

	err = eng.Run(ctx, fd)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("ops server shutdown failed")
	}
	return err
}

func buildGate(cfg *config.Config) (*gates.Gate, error) {
	calendar, err := config.LoadCalendar(cfg.Mask.CalendarPath)
	if err != nil {
		return nil, err
	}
	return gates.NewGate(cfg.Mask.GateConfig(), calendar), nil
}

func buildEmitter(cfg *config.Config) (*alerts.Emitter, error) {
	var sinks []alerts.Sink

	if path := cfg.Alerts.Sinks.CSVPath; path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open alert csv: %w", err)
		}
		sinks = append(sinks, alerts.NewCSVSink(f))
	}
	if dsn := cfg.Alerts.Sinks.PostgresDSN; dsn != "" {
		s, err := alerts.OpenPostgresSink(dsn, 5*time.Second)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if addr := cfg.Alerts.Sinks.RedisAddr; addr != "" {
		s, err := alerts.OpenRedisStreamSink(addr, cfg.Alerts.Sinks.RedisStream, cfg.Alerts.Sinks.RedisDB, 10000)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		log.Warn().Msg("no alert sinks configured, confirmed storms will only be logged")
	}

	return alerts.NewEmitter(alerts.EmitterConfig{
		MaxPerHour:      cfg.Alerts.MaxPerHour,
		BreakerFailures: uint32(cfg.Alerts.BreakerFailures),
		BreakerTimeout:  time.Duration(cfg.Alerts.BreakerTimeoutS) * time.Second,
	}, sinks...), nil
}
