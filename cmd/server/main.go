package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rtio-observer/internal/command"
	"rtio-observer/internal/config"
	"rtio-observer/internal/logger"
	"rtio-observer/internal/realtime"
	"rtio-observer/internal/session"
	"rtio-observer/internal/watcher"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var port int

	flagSet := pflag.NewFlagSet("rtio-observer", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (reloaded on change)")
	flagSet.IntVarP(&port, "port", "p", 0, "listen port (overrides config and PORT)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Port = port
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	httpClient := &http.Client{}

	// Initialize observation manager.
	obsMgr := session.NewManager(cfg.MaxObservations, cfg.HistorySize, targetFor(cfg), httpClient, log)
	obsMgr.Retention = cfg.Retention

	commands := command.New(cfg.RTIO.Service, httpClient, log)
	commands.RequestID = cfg.RTIO.CommandID
	commands.Timeout = cfg.RTIO.Timeout

	// Initialize realtime server.
	rtServer := realtime.New(obsMgr, commands, cfg.StaticDir, log)
	rtServer.SetDefaultDevice(cfg.RTIO.DeviceID)
	obsMgr.OnChange = rtServer.OnObservationChange

	// Reload the config file on change. The listen port and limits need a
	// restart; everything the reload touches is safe to swap at runtime.
	var cfgWatch *watcher.Watcher
	if configPath != "" {
		cfgWatch = watcher.New(func(path string) {
			reload(path, log, obsMgr, rtServer)
		}, log)
		if err := cfgWatch.Watch(configPath); err != nil {
			log.Warn().Err(err).Str("path", configPath).Msg("config reload disabled")
		}
	}

	// Set up HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if cfgWatch != nil {
			cfgWatch.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := obsMgr.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("observations did not stop in time")
		}
		httpServer.Close()
	}()

	log.Info().
		Str("service", cfg.RTIO.Service).
		Int("max_observations", cfg.MaxObservations).
		Msgf("rtio observer running on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func targetFor(cfg config.Config) session.Target {
	return session.Target{
		Service:   cfg.RTIO.Service,
		URI:       cfg.RTIO.ObserveURI,
		RequestID: cfg.RTIO.ObserveID,
	}
}

// reload applies the parts of a changed config file that can change while
// running. An invalid file is logged and ignored.
func reload(path string, log zerolog.Logger, obsMgr *session.Manager, commands *command.Client, rtServer *realtime.Server) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("config reload failed")
		return
	}

	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		log.Warn().Err(err).Msg("keeping previous log level")
	}
	obsMgr.SetTarget(targetFor(cfg))
	commands.SetService(cfg.RTIO.Service)
	rtServer.SetDefaultDevice(cfg.RTIO.DeviceID)

	log.Info().Str("path", path).Msg("config reloaded")
}
