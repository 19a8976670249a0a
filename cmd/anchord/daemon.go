package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/leonletto/anchord/internal/appserver"
	"github.com/leonletto/anchord/internal/config"
	"github.com/leonletto/anchord/internal/daemon"
	"github.com/leonletto/anchord/internal/daemon/rpc"
	"github.com/leonletto/anchord/internal/daemon/state"
	"github.com/leonletto/anchord/internal/gitctx"
	"github.com/leonletto/anchord/internal/logging"
	"github.com/leonletto/anchord/internal/runner"
	"github.com/leonletto/anchord/internal/storage"
	"github.com/leonletto/anchord/internal/terminal"
	"github.com/leonletto/anchord/internal/websocket"
)

// runDaemon wires the daemon's components and runs until ctx is cancelled
// or a termination signal arrives.
func runDaemon(ctx context.Context, cfg *config.DaemonConfig) error {
	log := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	return serve(ctx, cfg, log, nil)
}

// serve is runDaemon with an injectable logger. ready, if non-nil, is closed
// once every service is up.
func serve(ctx context.Context, cfg *config.DaemonConfig, log zerolog.Logger, ready chan<- struct{}) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	settings := config.OpenSettings(cfg.DataDir, log)
	events := daemon.NewBroadcaster(daemon.DefaultEventCapacity)
	git := gitctx.NewRunner()

	registry, err := state.NewRegistry(state.Options{
		DataDir:  cfg.DataDir,
		Store:    storage.NewWorkspaceStore(cfg.DataDir),
		Factory:  appserver.NewFactory(events, "daemon-"+Version, log),
		Git:      git,
		Settings: settings,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	terminals := terminal.NewManager(events, log)

	dispatcher := rpc.New(rpc.Deps{
		Registry:  registry,
		Settings:  settings,
		Git:       git,
		GitHub:    gitctx.NewGitHub(""),
		Terminals: terminals,
		Events:    events,
		Bus:       events,
		Logger:    log,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := settings.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("settings hot reload disabled")
		}
	}()

	var services, optional []daemon.Service
	pid := daemon.PIDInfo{}
	if cfg.RunnerMode() {
		services = append(services, runner.New(runner.Options{
			URL:        cfg.OrbitURL,
			Token:      cfg.OrbitToken,
			AuthURL:    cfg.OrbitAuthURL,
			Name:       cfg.RunnerName(),
			Dispatcher: dispatcher,
			Events:     events,
			Logger:     log,
			OnStateChange: func(s runner.State, err error) {
				log.Debug().Err(err).Str("state", s.String()).Msg("runner state changed")
			},
		}))
		pid.OrbitURL = cfg.OrbitURL
	} else {
		if !cfg.AuthRequired() {
			log.Warn().Msg("authentication disabled (--insecure-no-auth)")
		}
		services = append(services, daemon.NewServer(cfg.Listen, daemon.ServerOptions{
			Token:      cfg.Token,
			Dispatcher: dispatcher,
			Events:     events,
			Logger:     log,
		}))
		if cfg.WSListen != "" {
			optional = append(optional, websocket.NewServer(cfg.WSListen, websocket.Options{
				Token:      cfg.Token,
				Dispatcher: dispatcher,
				Events:     events,
				Logger:     log,
			}))
		}
		pid.Listen = cfg.Listen
		pid.WSListen = cfg.WSListen
	}

	lc := daemon.NewLifecycle(daemon.LifecycleOptions{
		DataDir:  cfg.DataDir,
		Services: services,
		Optional: optional,
		PID:      pid,
		OnShutdown: func() {
			terminals.CloseAll()
			registry.CloseAll()
			events.Close()
		},
		Logger: log,
	})
	if ready != nil {
		go func() {
			select {
			case <-lc.Ready():
				close(ready)
			case <-ctx.Done():
			}
		}()
	}

	log.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Bool("runner_mode", cfg.RunnerMode()).
		Msg("starting anchord")
	return lc.Run(ctx)
}
