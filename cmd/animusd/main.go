// animusd is the runtime daemon: it wires the event bus, the mode manager,
// and the dashboard bridge together under the supervisor and runs until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-bot/animus/bridge"
	"github.com/animus-bot/animus/bus"
	"github.com/animus-bot/animus/config"
	"github.com/animus-bot/animus/events"
	"github.com/animus-bot/animus/internal/metrics"
	"github.com/animus-bot/animus/mode"
	"github.com/animus-bot/animus/pkg/slogx"
	"github.com/animus-bot/animus/service"
	"github.com/animus-bot/animus/supervisor"
	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "animusd",
		Short:         "Animus animatronic runtime daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	run := &cobra.Command{
		Use:   "run",
		Short: "Run the runtime until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			initLogging(cfg.LogLevel)
			return runDaemon(cmd.Context(), cfg)
		},
	}
	run.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	root.AddCommand(run, &cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func initLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).Level(lvl).With().Timestamp().Logger()
	slog.SetDefault(slog.New(zeroslog.NewHandler(log, &zeroslog.HandlerOptions{})))
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	promReg := prometheus.NewRegistry()
	recorder := metrics.NewProm(promReg)

	registry := events.NewRegistry()
	b, err := bus.New(registry,
		bus.WithHandlerTimeout(cfg.Bus.HandlerTimeout.Std()),
		bus.WithWorkers(cfg.Bus.Workers),
		bus.WithInboxSize(cfg.Bus.InboxSize),
		bus.WithStrict(cfg.Bus.Strict),
		bus.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}

	initial, err := mode.Parse(cfg.Mode.Initial)
	if err != nil {
		return err
	}
	manager, err := mode.New(b,
		mode.WithInitialMode(initial),
		mode.WithGracePeriod(cfg.Mode.GracePeriod.Std()),
		mode.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}
	modeSvc, err := service.New("mode-manager", manager, b,
		service.WithHeartbeat(cfg.Heartbeat.Std()),
		service.WithMetrics(recorder),
	)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(b)
	if err != nil {
		return err
	}
	sup.Add(modeSvc)

	if cfg.Bridge.Enabled {
		topics := make([]events.Topic, 0, len(cfg.Bridge.Topics))
		for _, t := range cfg.Bridge.Topics {
			topics = append(topics, events.Topic(t))
		}
		// Status topics for the supervised services are forwarded too, so
		// the dashboard sees lifecycle changes without extra config.
		topics = append(topics,
			events.ServiceStatusTopic("mode-manager"),
			events.ServiceStatusTopic("dashboard-bridge"),
		)
		br, err := bridge.New(b,
			bridge.WithAddr(cfg.Bridge.Addr),
			bridge.WithTopics(topics),
			bridge.WithAllowedOrigins(cfg.Bridge.AllowedOrigins),
			bridge.WithGatherer(promReg),
		)
		if err != nil {
			return err
		}
		bridgeSvc, err := service.New("dashboard-bridge", br, b,
			service.WithHeartbeat(cfg.Heartbeat.Std()),
			service.WithMetrics(recorder),
		)
		if err != nil {
			return err
		}
		// The bridge starts last: it forwards other services' events.
		sup.Add(bridgeSvc)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(runCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if stopErr := sup.Stop(shutdownCtx); stopErr != nil {
			slog.Error("cleanup after failed start", slogx.Error(stopErr))
		}
		return err
	}
	slog.Info("runtime started", slogx.Mode(string(manager.Current())))

	<-runCtx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sup.Stop(shutdownCtx)
}
