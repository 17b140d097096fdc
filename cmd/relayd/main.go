// File: cmd/relayd/main.go
// Package main
// Group-chat TCP relay daemon: every byte a client sends is copied to all
// other connected clients.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/logging"
	"github.com/momentics/hioload-relay/internal/transport"
	"github.com/momentics/hioload-relay/server"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		addr       = flag.String("addr", "", "listen address, overrides config")
		workers    = flag.Int("workers", 0, "worker goroutines, overrides config")
		logLevel   = flag.String("log-level", "", "log level, overrides config")
	)
	flag.Parse()

	cfg, err := control.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ln, err := transport.Listen(cfg.Listen, cfg.Backlog)
	if err != nil {
		return err
	}

	metrics := control.NewMetrics()
	srv, err := server.NewServer(server.ConfigFrom(cfg), ln,
		server.WithLogger(log),
		server.WithMetrics(metrics),
	)
	if err != nil {
		_ = ln.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsListen != "" {
		probes := control.NewDebugProbes()
		control.RegisterPlatformProbes(probes)
		srv.RegisterProbes(probes)
		hs := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           control.NewHTTPHandler(metrics, probes),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsListen).Msg("metrics endpoint failed")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = hs.Shutdown(sctx)
		}()
	}

	if *configPath != "" {
		store := control.NewConfigStore(cfg)
		store.OnReload(func(old, cur control.Config) {
			applyReload(srv, log, old, cur)
		})
		go func() {
			if err := control.WatchConfig(ctx, *configPath, store, log); err != nil {
				log.Warn().Err(err).Msg("config hot reload disabled")
			}
		}()
	}

	if cfg.StatsSchedule != "" {
		c, err := scheduleStats(cfg.StatsSchedule, srv, log)
		if err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug().Err(err).Msg("sd_notify ready")
	}
	log.Info().Str("listen", ln.Addr().String()).Msg("relayd started")

	err = srv.Serve(ctx)
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		log.Error().Err(err).Msg("relay failed")
		return err
	}
	log.Info().Msg("relayd stopped")
	return nil
}

// scheduleStats logs a relay activity summary on the given cron schedule.
func scheduleStats(schedule string, srv *server.Server, log zerolog.Logger) (*cron.Cron, error) {
	sched, err := control.ScheduleParser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("stats schedule %q: %w", schedule, err)
	}
	c := cron.New(cron.WithParser(control.ScheduleParser))
	c.Schedule(sched, cron.FuncJob(func() { logStats(srv, log) }))
	return c, nil
}

func logStats(srv *server.Server, log zerolog.Logger) {
	st := srv.Stats()
	var uptime time.Duration
	if !st.StartedAt.IsZero() {
		uptime = time.Since(st.StartedAt).Round(time.Second)
	}
	log.Info().
		Int("connections", st.Connections).
		Int("queued_jobs", st.QueuedJobs).
		Uint64("completed_jobs", st.CompletedJobs).
		Uint64("bytes_in", st.BytesIn).
		Uint64("bytes_out", st.BytesOut).
		Dur("uptime", uptime).
		Msg("relay stats")
}

// applyReload applies the settings that can change at runtime and warns
// about the rest.
func applyReload(srv *server.Server, log zerolog.Logger, old, cur control.Config) {
	if old.Log.Level != cur.Log.Level {
		lvl := logging.SetLevel(cur.Log.Level)
		log.Info().Stringer("level", lvl).Msg("log level changed")
	}
	if old.AcceptRate != cur.AcceptRate || old.AcceptBurst != cur.AcceptBurst {
		srv.SetAcceptRate(cur.AcceptRate, cur.AcceptBurst)
		log.Info().Float64("rate", cur.AcceptRate).Int("burst", cur.AcceptBurst).Msg("accept rate changed")
	}
	restart := old
	restart.Log.Level = cur.Log.Level
	restart.AcceptRate = cur.AcceptRate
	restart.AcceptBurst = cur.AcceptBurst
	if restart != cur {
		log.Warn().Msg("config changes other than log level and accept rate need a restart")
	}
}
