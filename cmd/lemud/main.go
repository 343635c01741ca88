// Package main runs the LEmud session engine: telnet and websocket
// frontends, the authentication state machine, admin monitoring, and the
// operational services, against a PostgreSQL account store.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/ellyseum/LEmud-sub000/internal/admin"
	"github.com/ellyseum/LEmud-sub000/internal/config"
	"github.com/ellyseum/LEmud-sub000/internal/content"
	"github.com/ellyseum/LEmud-sub000/internal/engine"
	"github.com/ellyseum/LEmud-sub000/internal/observability"
	"github.com/ellyseum/LEmud-sub000/internal/ops"
	"github.com/ellyseum/LEmud-sub000/internal/server"
	"github.com/ellyseum/LEmud-sub000/internal/session"
	"github.com/ellyseum/LEmud-sub000/internal/state"
	"github.com/ellyseum/LEmud-sub000/internal/storage/postgres"
	"github.com/ellyseum/LEmud-sub000/internal/telnet"
	"github.com/ellyseum/LEmud-sub000/internal/websock"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := postgres.NewPool(connectCtx, cfg.Database)
	cancel()
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	defer pool.Close()

	accounts := postgres.NewAccountRepository(pool.DB())

	screens, err := content.LoadScreensFromFile(cfg.Content.ScreensPath)
	if err != nil {
		logger.Warn("loading screens, using defaults",
			zap.String("path", cfg.Content.ScreensPath),
			zap.Error(err),
		)
		screens = content.DefaultScreens()
	}

	registry := session.NewRegistry()
	machine := state.NewMachine(logger)
	eng := engine.New(registry, machine, accounts, cfg.Auth, nil, logger)

	monitors := admin.NewManager(eng, eng, logger)
	eng.SetMonitors(monitors)

	lifecycle := server.NewLifecycle(logger)
	eng.SetShutdown(ops.NewOrchestrator(eng, lifecycle.Terminate, logger))

	commands := engine.NewCommands(eng, accounts, screens, cfg.Auth, nil, logger)
	machine.Register(state.NewConnecting(screens))
	machine.Register(state.NewLogin(accounts, registry, cfg.Auth, eng, logger))
	machine.Register(state.NewSignup(accounts, cfg.Auth, logger))
	machine.Register(state.NewConfirmation(accounts, registry, logger))
	machine.Register(state.NewAuthenticated(commands, nil, screens, logger))
	machine.Register(state.NewTransferRequest(eng, logger))

	acceptor := telnet.NewAcceptor(cfg.Telnet, eng, logger)
	wsServer := websock.NewServer(cfg.WebSocket, eng, logger)
	reaper := ops.NewReaper(registry, cfg.Idle, eng, logger)

	lifecycle.Add("telnet", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: wsServer.ListenAndServe,
		StopFn:  wsServer.Stop,
	})
	lifecycle.Add("idle-reaper", reaper)

	logger.Info("lemud starting",
		zap.String("telnet_addr", cfg.Telnet.Addr()),
		zap.String("websocket_addr", cfg.WebSocket.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("lifecycle error", zap.Error(err))
	}
}
