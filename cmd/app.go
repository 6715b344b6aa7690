package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/castlab/castrelay/config"
	"github.com/castlab/castrelay/relay"
	httpServer "github.com/castlab/castrelay/server/http"
	websocketServer "github.com/castlab/castrelay/server/websocket"
	"github.com/castlab/castrelay/service"
	store "github.com/castlab/castrelay/storage/memory"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		configPath    = fs.StringP("config", "c", "", "path to yaml config file")
		apiListenAddr = fs.StringP("api-listen-addr", "a", "", "api listen address (overrides config)")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", "", "websocket relay listen address (overrides config)")
		logLevel      = fs.StringP("log-level", "l", "", "log level (overrides config)")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if fs.Changed("api-listen-addr") {
		cfg.APIListenAddr = *apiListenAddr
	}
	if fs.Changed("ws-listen-addr") {
		cfg.WSListenAddr = *wsListenAddr
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	table := relay.NewRelay(&logger)
	svc := service.NewService(service.Config{
		RoomStore: store.NewStore(clockwork.NewRealClock()),
		Relay:     table,
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         &logger,
		ControlService: svc,
		ListenAddr:     cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Service:    svc,
		Relay:      table,
		ListenAddr: cfg.WSListenAddr,
		ReadLimit:  cfg.ReadLimit,
		SendBuffer: cfg.SendBuffer,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
