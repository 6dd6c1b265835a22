package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mcoot/lobbymesh/internal/api"
	"github.com/mcoot/lobbymesh/internal/config"
	"github.com/mcoot/lobbymesh/internal/factory"
	"github.com/mcoot/lobbymesh/internal/transport/ws"
)

// serveFlags maps command-line flags onto configuration keys
var serveFlags = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"instance":  "instance",
	"storage":   "storage.type",
	"bus":       "bus.type",
	"redis-url": "storage.redis.url",
	"nats-url":  "bus.nats.url",
	"log-level": "log.level",
}

func newServeCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a coordinator instance",
		Long: `Run a coordinator instance serving websocket clients on /ws and the JSON
API on /api/v1.

Settings are read from defaults, then the config file, then LOBBYMESH_*
environment variables (e.g. LOBBYMESH_STORAGE_REDIS_URL), then flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serverCfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}

			logger := serverCfg.NewLogger(cmd.OutOrStdout())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return Serve(ctx, serverCfg, logger, nil)
		},
	}

	d := config.Default()
	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default ./"+config.DefaultFile+" if present)")
	flags.String("host", d.Server.Host, "Listen host")
	flags.Int("port", d.Server.Port, "Listen port")
	flags.String("instance", "", "Instance name, unique in the fleet (default hostname plus random suffix)")
	flags.String("storage", d.Storage.Type, "Storage backend: memory, redis")
	flags.String("bus", d.Bus.Type, "Message bus: memory, redis, nats (default matches storage)")
	flags.String("redis-url", d.Storage.Redis.URL, "Redis URL")
	flags.String("nats-url", d.Bus.NATS.URL, "NATS URL")
	flags.String("log-level", d.Log.Level, "Log level: debug, info, warn, error")

	for flag, key := range serveFlags {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	return cmd
}

// Serve runs one instance until ctx is done or the listener fails. ready,
// if set, is called with the bound address once connections are accepted.
func Serve(ctx context.Context, c config.Config, logger *slog.Logger, ready func(net.Addr)) error {
	app, err := factory.New(c.Factory(logger))
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	app.Coordinator.Start()

	router := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		Coordinator: app.Coordinator,
		WebSocket:   ws.NewHandler(app.Coordinator, c.WebSocketConfig(), logger),
	})
	server := api.NewServer(router, c.ServerConfig(), logger)

	l, err := net.Listen("tcp", server.Addr())
	if err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("server started",
		slog.String("instance", app.Coordinator.Instance()),
		slog.String("addr", l.Addr().String()),
	)
	if ready != nil {
		ready(l.Addr())
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(l)
	}()

	var errs []error
	select {
	case err := <-errCh:
		errs = append(errs, err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		errs = append(errs, server.Shutdown(context.Background()))
	}

	// Websocket connections outlive server.Shutdown; closing the
	// coordinator notifies and disconnects them
	closeCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
	defer cancel()
	errs = append(errs, app.Close(closeCtx))

	logger.Info("server stopped")
	return errors.Join(errs...)
}
