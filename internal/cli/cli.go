// ============================================================================
// runsh CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands wiring configuration, logging and the worker.
//
// Command Structure:
//   runsh                          # Root command
//   ├── run                        # Take one message off the queue and process it
//   ├── task                       # Run a build job's TASK steps locally
//   │   └── --message, -m          # message.json path (default /build/message.json)
//   ├── config                     # Print the effective configuration
//   │   └── --validate             # Fail when required fields are missing
//   ├── --config, -c               # Optional YAML config file
//   └── --env                      # Optional .env file (default .env)
//
// Configuration precedence: defaults < YAML < .env < environment.
//
// run Command:
//   1. Load and validate config
//   2. Build logger, metrics server, health server
//   3. Validate the node once and start the periodic watcher
//   4. Wait for one message (queue handoff), process it
//   5. Restart the exec container
//
//   SIGINT/SIGTERM while waiting cancels the subscription. A running job
//   is never interrupted by a signal.
//
//   Examples:
//     ./runsh run
//     ./runsh run -c /etc/runsh.yaml
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/runsh/internal/api"
	"github.com/ChuLiYu/runsh/internal/config"
	"github.com/ChuLiYu/runsh/internal/console"
	"github.com/ChuLiYu/runsh/internal/controller"
	"github.com/ChuLiYu/runsh/internal/health"
	"github.com/ChuLiYu/runsh/internal/logging"
	"github.com/ChuLiYu/runsh/internal/metrics"
	"github.com/ChuLiYu/runsh/internal/nodelock"
	"github.com/ChuLiYu/runsh/internal/pipeline"
	"github.com/ChuLiYu/runsh/internal/queue"
	"github.com/ChuLiYu/runsh/internal/resources"
	"github.com/ChuLiYu/runsh/internal/script"
	"github.com/ChuLiYu/runsh/pkg/types"
)

var (
	configFile string
	envFile    string
)

// Version is set at build time.
var Version = "dev"

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "runsh",
		Short: "runsh: shell pipeline worker",
		Long: `runsh consumes one job message per container and:
- runs CI or pipelines steps as marker-annotated shell scripts
- streams grouped console output to the builder API
- reports the terminal job status
- restarts its container when done`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", ".env file path (optional)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildTaskCommand())
	rootCmd.AddCommand(buildConfigCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile, envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker and process one queue message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runWorker(cfg)
		},
	}
}

func runWorker(cfg *config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("nodeId", cfg.Node.ID))

	// Start Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			logger.Info("starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	var queueOpts []queue.Option
	if cfg.Health.Enabled {
		hs := health.NewServer(logger)
		if err := hs.Start(fmt.Sprintf(":%d", cfg.Health.Port)); err != nil {
			return err
		}
		defer hs.Stop()
		queueOpts = append(queueOpts, queue.WithStatusReporter(hs))
	}

	var dockerOpts []client.Opt
	if cfg.Docker.Host != "" {
		dockerOpts = append(dockerOpts, client.WithHost(cfg.Docker.Host))
	}
	containers, err := nodelock.NewDockerController(dockerOpts...)
	if err != nil {
		return err
	}
	defer containers.Close()

	base := api.New(cfg.API.URL, "", api.Options{
		Timeout:         cfg.API.Timeout,
		RetryMaxElapsed: cfg.API.RetryMaxElapsed,
		Logger:          logger,
	})

	container := cfg.ExecContainerName()
	lock := nodelock.NewPIDFile(cfg.Node.PIDFile, container)
	watcher := nodelock.NewWatcher(nodelock.WatcherConfig{
		NodeID:     cfg.Node.ID,
		SystemNode: cfg.IsSystemNode(),
		Container:  container,
		Interval:   cfg.Validate.Interval,
	}, lock, base, containers, logger, collector)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 啟動時先驗證一次節點狀態
	logger.Info("checking node status", zap.String("action", string(watcher.Check(ctx))))
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	consumer := queue.NewConsumer(queue.Config{
		URL:              cfg.AMQP.URL,
		Exchange:         cfg.AMQP.Exchange,
		Queue:            cfg.AMQP.Queue,
		ReconnectInitial: cfg.Reconnect.Initial,
		ReconnectMax:     cfg.Reconnect.Max,
	}, watcher, lock, logger, collector, queueOpts...)

	ctrl, err := controller.NewController(controller.Config{
		ExecContainer: container,
		Console: console.Options{
			BatchSize:     cfg.Console.BatchSize,
			FlushInterval: cfg.Console.FlushInterval,
		},
		Workflow:      workflowOptions(cfg),
		DrainAttempts: cfg.Restart.Attempts,
		DrainBase:     cfg.Restart.Base,
	}, controller.Deps{
		Sessions:   controller.ClientSessions(base),
		Runner:     script.NewRunner(logger),
		Lock:       lock,
		Resources:  resources.Default(),
		Containers: containers,
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	logger.Info("worker started",
		zap.String("queue", cfg.AMQP.Queue),
		zap.Bool("systemNode", cfg.IsSystemNode()))
	return ctrl.Run(ctx, consumer)
}

func workflowOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		NodeID:          cfg.Node.ID,
		SystemNode:      cfg.IsSystemNode(),
		MexecDir:        cfg.Dirs.Mexec,
		CexecDir:        cfg.Dirs.Cexec,
		SSHDir:          cfg.Dirs.SSH,
		OnStartEnvs:     cfg.Dirs.OnStartEnvs,
		BuildRoot:       cfg.Dirs.BuildRoot,
		SubscriptionKey: cfg.Dirs.SubscriptionKey,
	}
}

// ============================================================================
// task
// ============================================================================

func buildTaskCommand() *cobra.Command {
	var messagePath string

	cmd := &cobra.Command{
		Use:   "task",
		Short: "Run the TASK steps of a build job message",
		Long:  "Run the TASK and script steps of a saved build job message against the build directory, printing the console to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runTasks(cmd.Context(), cfg, messagePath, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&messagePath, "message", "m", "/build/message.json", "build job message file")
	return cmd
}

func runTasks(ctx context.Context, cfg *config.Config, messagePath string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	data, err := os.ReadFile(messagePath)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	msg, err := types.ParseMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// message.json 位於 build 目錄根
	opts := workflowOptions(cfg)
	opts.BuildRoot = filepath.Dir(messagePath)

	wf := pipeline.New(pipeline.Deps{
		Runner: script.NewRunner(logger),
		Logger: logger,
	}, opts)
	return wf.RunManagedTasks(ctx, msg, console.NewPrinter(out))
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if validate {
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("invalid config: %w", err)
				}
			}
			return printConfig(cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "fail when required fields are missing")
	return cmd
}

func printConfig(w io.Writer, cfg *config.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
