package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/wfunc/gridduel/auth"
	"github.com/wfunc/gridduel/broadcast"
	"github.com/wfunc/gridduel/config"
	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/monitor"
	"github.com/wfunc/gridduel/persistence"
	"github.com/wfunc/gridduel/registry"
	"github.com/wfunc/gridduel/room"
	"github.com/wfunc/gridduel/rpc"
	"github.com/wfunc/gridduel/server"
	"github.com/wfunc/gridduel/services"
	"github.com/wfunc/gridduel/session"
	"github.com/wfunc/gridduel/state"
	"github.com/wfunc/gridduel/timer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "gridduel",
		Usage: "two-player grid game server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: ".",
				Usage: "directory containing config.yaml",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the game server",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create or upgrade the postgres schema",
				Action: migrate,
			},
			{
				Name:  "token",
				Usage: "mint a development token for a player",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "player", Usage: "player id", Required: true},
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "token lifetime"},
				},
				Action: mintToken,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Development)
	return cfg, nil
}

type stores struct {
	sessions persistence.SessionRepository
	ratings  persistence.RatingStore
	close    func()
}

func openStores(cfg *config.Config) (*stores, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Log.Warn("Using in-memory storage, data is lost on restart.")
		return &stores{
			sessions: persistence.NewMemorySessions(),
			ratings:  persistence.NewMemoryRatings(),
			close:    func() {},
		}, nil
	case "postgres", "":
		dsn := cfg.Database.Postgres.DSN()
		sessions, err := persistence.NewGormPostgreSQL(dsn)
		if err != nil {
			return nil, err
		}
		ratings, err := persistence.NewPostgreSQL(dsn)
		if err != nil {
			sessions.Close()
			return nil, err
		}
		logger.Log.Info("Database connection successful.")
		return &stores{
			sessions: sessions,
			ratings:  ratings,
			close: func() {
				sessions.Close()
				ratings.Close()
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dsn := cfg.Database.Postgres.DSN()
	sessions, err := persistence.NewGormPostgreSQL(dsn)
	if err != nil {
		return err
	}
	defer sessions.Close()
	if err := sessions.Migrate(); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}

	ratings, err := persistence.NewPostgreSQL(dsn)
	if err != nil {
		return err
	}
	defer ratings.Close()
	if err := ratings.Migrate(); err != nil {
		return fmt.Errorf("migrate ratings: %w", err)
	}

	logger.Log.Info("Migration complete.")
	return nil
}

func mintToken(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	name := cmd.String("name")
	if name == "" {
		name = cmd.String("player")
	}
	token, err := auth.Sign(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cmd.String("player"), name, cmd.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStores(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer st.close()

	mon := monitor.NewMonitor("gridduel")
	metricsServer := mon.StartServer(cfg.Server.MetricsAddress)

	sessions := session.NewManager()
	rooms := room.NewRoomManager()
	broadcaster := broadcast.NewRoomBroadcaster(rooms, sessions, mon)
	if cfg.Broadcast.NATSURL != "" {
		bus, err := broadcast.NewNATSBus(cfg.Broadcast.NATSURL, cfg.Broadcast.SubjectPrefix)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer bus.Close()
		if err := broadcaster.UseBus(bus); err != nil {
			return fmt.Errorf("subscribe nats: %w", err)
		}
		logger.Log.Infof("Broadcasting through NATS at %s", cfg.Broadcast.NATSURL)
	}

	coordinator := services.NewCoordinator(st.sessions, st.ratings, services.CoordinatorConfig{
		Rules:                     state.Rules{WinDelta: cfg.Game.WinDelta, LossDelta: cfg.Game.LossDelta},
		CASRetries:                cfg.Game.CASRetries,
		DefaultTimeControlMinutes: cfg.Game.DefaultTimeControlMinutes,
		Notifier:                  broadcaster,
		Metrics:                   mon,
	})
	players := services.NewPlayerService(st.ratings, st.sessions, coordinator.Rules())
	matchmaker := services.NewMatchmaker(coordinator, st.sessions, st.ratings, cfg.Game.RatingWindow, cfg.Game.DefaultRating, mon)

	scheduler, err := services.NewScheduler(coordinator, st.sessions, players, cfg.Scheduler)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Shutdown()

	resolver, err := auth.NewJWTResolver(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	timers := timer.NewTimerManager()
	defer timers.Stop()

	reg := registry.NewRegistry(registry.Options{
		Sessions:    sessions,
		Rooms:       rooms,
		Broadcaster: broadcaster,
		Coordinator: coordinator,
		Players:     players,
		Resolver:    resolver,
		Timers:      timers,
		AuthTimeout: cfg.Server.AuthTimeout,
		Metrics:     mon,
	})

	rpcServer, err := rpc.NewServer(cfg.Server.RPCAddress, rpc.NewGameService(players, coordinator))
	if err != nil {
		return fmt.Errorf("create rpc server: %w", err)
	}

	gameServer := server.NewGameServer(server.Options{
		Addr:          cfg.Server.HTTPAddress,
		Registry:      reg,
		Sessions:      sessions,
		Coordinator:   coordinator,
		Matchmaker:    matchmaker,
		Monitor:       mon,
		RPC:           rpcServer,
		SendQueueSize: cfg.Server.SendQueueSize,
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- gameServer.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("game server: %w", err)
		}
		return nil
	case <-sigCtx.Done():
		logger.Log.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gameServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Log.Warnw("game server shutdown", "error", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warnw("metrics server shutdown", "error", err)
	}
	return nil
}
