package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/directory"
	"github.com/fenggwsx/roomcast/internal/logx"
	"github.com/fenggwsx/roomcast/internal/metrics"
	"github.com/fenggwsx/roomcast/internal/server"
	"github.com/fenggwsx/roomcast/internal/storage"
	"github.com/fenggwsx/roomcast/internal/storage/redis"
	"github.com/fenggwsx/roomcast/internal/storage/sqlite"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := config.LoadServerConfig()
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "roomcast-server",
		Short: "TCP chat-room server",
		Long: `roomcast-server accepts framed JSON connections, authenticates users,
relays messages between the occupants of a room and disconnects rooms
that stay idle. Type "shutdown" on stdin to stop it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var console io.Reader
			if !noConsole {
				console = cmd.InOrStdin()
			}
			return run(cmd.Context(), cfg, console, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.ListenAddr, "listen", "l", cfg.ListenAddr, "TCP listen address")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	flags.StringVar(&cfg.Database.Path, "db", cfg.Database.Path, "SQLite database path")
	flags.StringVar(&cfg.History.Backend, "history", cfg.History.Backend, "History backend (sqlite, redis)")
	flags.StringVar(&cfg.History.RedisAddr, "redis-addr", cfg.History.RedisAddr, "Redis address for the redis history backend")
	flags.IntVar(&cfg.History.Limit, "history-limit", cfg.History.Limit, "Lines kept per room by the redis backend (0 keeps all)")
	flags.DurationVar(&cfg.RoomTimeout, "room-timeout", cfg.RoomTimeout, "Idle time after which a room is evicted")
	flags.DurationVar(&cfg.ReaperInterval, "reaper-interval", cfg.ReaperInterval, "How often idle rooms are checked")
	flags.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Per-read poll timeout")
	flags.StringSliceVar(&cfg.Admins, "admins", cfg.Admins, "Usernames allowed to create and delete rooms")
	flags.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "Log level")
	flags.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "Log format (console, json)")
	flags.BoolVar(&noConsole, "no-console", false, "Do not read operator commands from stdin")

	return cmd
}

func run(ctx context.Context, cfg config.ServerConfig, console io.Reader, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logx.Init(cfg.Log, os.Stderr)
	log := logx.Component("main")

	store, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	var history storage.HistoryStore = store
	if cfg.History.Backend == config.HistoryBackendRedis {
		redisHistory, err := redis.Open(ctx, cfg.History)
		if err != nil {
			return fmt.Errorf("init history: %w", err)
		}
		defer redisHistory.Close()
		history = redisHistory
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app := server.NewApp(cfg, server.Dependencies{
		Auth:        auth.NewService(store, cfg.BcryptCost),
		Rooms:       directory.New(store, cfg.BcryptCost),
		History:     history,
		ShutdownLog: store,
		Metrics:     metrics.New(reg),
		Gatherer:    reg,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Listen(); err != nil {
		return err
	}
	if console != nil {
		go func() {
			if err := server.RunConsole(ctx, console, out, app); err != nil {
				log.Warn().Err(err).Msg("console shutdown")
			}
		}()
	}

	log.Info().Str("history", cfg.History.Backend).Str("db", cfg.Database.Path).Msg("server started")
	if err := app.Serve(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}
