package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/possync/internal/config"
	"github.com/MarcoPoloResearchLab/possync/internal/database"
	"github.com/MarcoPoloResearchLab/possync/internal/entities"
	"github.com/MarcoPoloResearchLab/possync/internal/logging"
	"github.com/MarcoPoloResearchLab/possync/internal/mutationlog"
	"github.com/MarcoPoloResearchLab/possync/internal/protocol"
	"github.com/MarcoPoloResearchLab/possync/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "possync-agent",
		Short: "Offline-first sync agent for a point-of-sale device",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Sync periodically and on realtime hints until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), runAgent)
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run exactly one sync round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, a *agent) error {
				result, err := a.runner.Sync(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "pushed=%d pulled=%d server_time=%s\n",
					result.Pushed, result.Pulled, entities.FormatTimestamp(result.ServerTime))
				return err
			})
		},
	}

	var (
		entityFlag    string
		entityIDFlag  string
		operationFlag string
		payloadFlag   string
	)
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a local write and queue it for the next round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, a *agent) error {
				kind, err := entities.ParseKind(entityFlag)
				if err != nil {
					return err
				}
				operation, err := entities.ParseOperation(operationFlag)
				if err != nil {
					return err
				}
				entityID, err := entities.NewEntityID(entityIDFlag)
				if err != nil {
					return err
				}
				payload := json.RawMessage(payloadFlag)
				if !json.Valid(payload) {
					return errors.New("payload must be valid json")
				}
				mutation, err := a.store.Stage(ctx, kind, entityID, operation, payload)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), mutation.ID)
				return err
			})
		},
	}
	enqueueCmd.Flags().StringVar(&entityFlag, "entity", "", "Entity kind (product, client, order)")
	enqueueCmd.Flags().StringVar(&entityIDFlag, "id", "", "Entity identifier")
	enqueueCmd.Flags().StringVar(&operationFlag, "op", "update", "Operation (create, update, delete)")
	enqueueCmd.Flags().StringVar(&payloadFlag, "payload", "{}", "JSON object payload")
	_ = enqueueCmd.MarkFlagRequired("entity")
	_ = enqueueCmd.MarkFlagRequired("id")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending mutations and the sync cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, a *agent) error {
				pending, err := a.store.PendingCount(ctx)
				if err != nil {
					return err
				}
				cursor, err := a.store.Cursor(ctx)
				if err != nil {
					return err
				}
				lastSync := "never"
				if cursor != nil {
					lastSync = entities.FormatTimestamp(*cursor)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "device=%s pending=%d last_sync=%s\n", a.config.DeviceID, pending, lastSync)
				return err
			})
		},
	}

	rootCmd.AddCommand(runCmd, syncCmd, enqueueCmd, statusCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyAgentDefaults(viper.GetViper())
	defaults := config.NewAgentViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Stable identifier of this device")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.base_url"), "Sync server base URL")
	cmd.PersistentFlags().String("token", "", "Device bearer token (overrides env)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "Local SQLite database path")
	cmd.PersistentFlags().Duration("interval", defaults.GetDuration("sync.interval"), "Interval between sync rounds")
	cmd.PersistentFlags().Duration("timeout", defaults.GetDuration("sync.timeout"), "Per-round timeout")
	cmd.PersistentFlags().Bool("realtime", defaults.GetBool("realtime.enabled"), "Listen for realtime change hints")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotating log file")

	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "server.base_url", "server-url")
	bindFlag(cmd, "server.token", "token")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "sync.interval", "interval")
	bindFlag(cmd, "sync.timeout", "timeout")
	bindFlag(cmd, "realtime.enabled", "realtime")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type agent struct {
	config config.AgentConfig
	logger *zap.Logger
	store  *mutationlog.Store
	runner *syncclient.Runner
}

func withAgent(ctx context.Context, fn func(context.Context, *agent) error) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLoggerWithOptions(logging.Options{Level: agentConfig.LogLevel, FilePath: agentConfig.LogFile})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("device_id", agentConfig.DeviceID))

	db, err := database.OpenLocal(agentConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := mutationlog.NewStore(mutationlog.Config{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	transport, err := syncclient.NewHTTPTransport(syncclient.HTTPTransportConfig{
		BaseURL: agentConfig.ServerBaseURL,
		Token:   agentConfig.ServerToken,
	})
	if err != nil {
		return err
	}
	syncer, err := syncclient.NewSyncer(syncclient.SyncerConfig{
		DeviceID:  agentConfig.DeviceID,
		Store:     store,
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	runner, err := syncclient.NewRunner(syncclient.RunnerConfig{
		Syncer:           syncer,
		Interval:         agentConfig.SyncInterval,
		RoundTimeout:     agentConfig.SyncTimeout,
		FailureThreshold: agentConfig.FailureThreshold,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	return fn(ctx, &agent{config: agentConfig, logger: logger, store: store, runner: runner})
}

func runAgent(ctx context.Context, a *agent) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return a.runner.Run(groupCtx)
	})

	if a.config.RealtimeEnabled {
		realtimeURL, err := syncclient.RealtimeURL(a.config.ServerBaseURL)
		if err != nil {
			return err
		}
		listener, err := syncclient.NewListener(syncclient.ListenerConfig{
			URL: realtimeURL,
			Handler: func(event protocol.RealtimeEvent) {
				a.logger.Debug("realtime hint received", zap.String("event", string(event.Event)))
				a.runner.Trigger()
			},
			Logger: a.logger,
		})
		if err != nil {
			return err
		}
		group.Go(func() error {
			return listener.Run(groupCtx)
		})
	}

	a.logger.Info("agent started",
		zap.String("server", a.config.ServerBaseURL),
		zap.Duration("interval", a.config.SyncInterval),
		zap.Bool("realtime", a.config.RealtimeEnabled))

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
