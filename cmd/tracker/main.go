package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/smartdevs17/usds-yield-tracker/internal/cache"
	"github.com/smartdevs17/usds-yield-tracker/internal/config"
	"github.com/smartdevs17/usds-yield-tracker/internal/connection"
	"github.com/smartdevs17/usds-yield-tracker/internal/export"
	"github.com/smartdevs17/usds-yield-tracker/internal/ledger"
	"github.com/smartdevs17/usds-yield-tracker/internal/metrics"
	"github.com/smartdevs17/usds-yield-tracker/internal/notification"
	"github.com/smartdevs17/usds-yield-tracker/internal/server"
	"github.com/smartdevs17/usds-yield-tracker/internal/storage"
	"github.com/smartdevs17/usds-yield-tracker/internal/tracker"
	"github.com/smartdevs17/usds-yield-tracker/pkg/utils"
)

// AppVersion contains the application version
const AppVersion = "1.0.0"

const shutdownTimeout = 15 * time.Second

// Application represents the main application
type Application struct {
	config     *config.Config
	logger     *logrus.Logger
	metrics    *metrics.Manager
	connection *connection.ConnectionManager
	tracker    *tracker.YieldTracker
	notifier   *notification.RebaseNotifier
	server     *server.HTTPServer
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	app := &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := app.initializeLogger(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := app.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	return app, nil
}

func initLogger(cfg *config.Config) error {
	logCfg := cfg.Logging
	level := logCfg.Level
	if l := viper.GetString("log-level"); l != "" && viper.IsSet("log-level") {
		level = l
	}
	if viper.GetBool("debug") {
		level = "debug"
	}
	return utils.InitLogger(level, logCfg.Format, logCfg.Output, logCfg.File)
}

// initializeLogger initializes the application logger
func (app *Application) initializeLogger() error {
	if err := initLogger(app.config); err != nil {
		return err
	}

	app.logger = utils.GetLogger()
	app.logger.WithFields(logrus.Fields{
		"level":  app.logger.GetLevel().String(),
		"format": app.config.Logging.Format,
		"output": app.config.Logging.Output,
	}).Info("Logger initialized")
	return nil
}

// initializeComponents initializes all application components
func (app *Application) initializeComponents() error {
	app.logger.Info("Initializing application components")

	app.metrics = metrics.NewManager()

	network := app.config.Chain.NetworkInfo()
	app.connection = connection.NewConnectionManager(&app.config.Chain, app.metrics)
	if err := app.connection.HealthCheck(app.ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", network.Name, err)
	}
	reader := ledger.NewReader(connection.NewClient(app.connection, app.metrics), common.HexToAddress(network.USDsAddress))

	store, err := storage.Open(&app.config.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	c, err := cache.New(&app.config.Cache)
	if err != nil {
		store.Close()
		return fmt.Errorf("failed to create cache: %w", err)
	}

	app.tracker = tracker.New(app.config, reader, storage.NewStorageWithMetrics(store, app.metrics), c, app.metrics)

	app.notifier = notification.NewRebaseNotifier(&app.config.Notifications, app.metrics)
	if app.notifier.Enabled() {
		app.tracker.OnRebase(app.notifier.Notify)
		app.logger.WithField("webhooks", len(app.config.Notifications.Webhooks)).Info("Rebase webhooks enabled")
	}

	app.server = server.NewHTTPServer(&app.config.Server, app.tracker, app.metrics)

	app.logger.Info("All components initialized successfully")
	return nil
}

// Start starts the application
func (app *Application) Start() error {
	network := app.config.Chain.NetworkInfo()
	app.logger.WithFields(logrus.Fields{
		"version":     AppVersion,
		"environment": app.config.App.Environment,
		"network":     network.Name,
	}).Info("Starting USDs yield tracker")

	if err := app.tracker.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start tracker: %w", err)
	}

	if err := app.server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"server_address": fmt.Sprintf("%s:%d", app.config.Server.Host, app.config.Server.Port),
		"usds_address":   network.USDsAddress,
	}).Info("USDs yield tracker started successfully")
	return nil
}

// Stop stops the application gracefully
func (app *Application) Stop() error {
	app.logger.Info("Stopping USDs yield tracker")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if app.server != nil {
		if err := app.server.Stop(ctx); err != nil {
			app.logger.WithError(err).Error("Failed to stop HTTP server")
		}
	}

	if app.tracker != nil {
		if err := app.tracker.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to stop tracker")
		}
	}

	app.cancel()

	if app.connection != nil {
		if err := app.connection.Close(); err != nil {
			app.logger.WithError(err).Error("Failed to close connection")
		}
	}

	app.logger.Info("USDs yield tracker stopped successfully")
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "usds-yield-tracker",
	Short:   "USDs rebase and yield tracker",
	Long:    `Tracks USDs rebases on Arbitrum and reports the yield earned by tracked payments.`,
	Version: AppVersion,
	RunE:    runTracker,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracker and its HTTP API",
	RunE:  runTracker,
}

func runTracker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := NewApplication(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(); err != nil {
		app.Stop()
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-signalChan
	fmt.Println("\nReceived shutdown signal, stopping application...")

	return app.Stop()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("USDs Yield Tracker %s\n", AppVersion)
	},
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var validateConfigCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		network := cfg.Chain.NetworkInfo()
		fmt.Printf("Configuration is valid!\n")
		fmt.Printf("Environment: %s\n", cfg.App.Environment)
		fmt.Printf("Network: %s (chain %d)\n", network.Name, network.ChainID)
		fmt.Printf("RPC: %s\n", cfg.Chain.RPCURL)
		fmt.Printf("USDs: %s\n", network.USDsAddress)
		fmt.Printf("Database: %s\n", cfg.Storage.Type)
		fmt.Printf("Cache: %s\n", cfg.Cache.Type)
		fmt.Printf("Snapshot schedule: %s\n", cfg.Tracker.SnapshotSchedule)
		fmt.Printf("Webhooks: %d\n", len(cfg.Notifications.Webhooks))
		return nil
	},
}

// testCmd represents the test command
var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogger(cfg); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		fmt.Println("Testing USDs yield tracker connectivity...")

		network := cfg.Chain.NetworkInfo()
		fmt.Printf("Testing RPC connection to %s...\n", cfg.Chain.RPCURL)
		conn := connection.NewConnectionManager(&cfg.Chain, nil)
		defer conn.Close()
		if err := conn.HealthCheck(ctx); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", network.Name, err)
		}
		fmt.Println("✓ RPC connection successful")

		fmt.Printf("Reading USDs at %s...\n", network.USDsAddress)
		reader := ledger.NewReader(connection.NewClient(conn, nil), common.HexToAddress(network.USDsAddress))
		cpt, err := reader.CreditsPerToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to read credits per token: %w", err)
		}
		fmt.Printf("✓ Credits per token: %s\n", cpt)

		fmt.Printf("Testing storage connection (%s)...\n", cfg.Storage.Type)
		store, err := storage.Open(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()
		if err := store.Ping(); err != nil {
			return fmt.Errorf("storage ping failed: %w", err)
		}
		fmt.Println("✓ Storage connection successful")

		fmt.Printf("Testing cache (%s)...\n", cfg.Cache.Type)
		c, err := cache.New(&cfg.Cache)
		if err != nil {
			return fmt.Errorf("failed to create cache: %w", err)
		}
		if err := c.Set(ctx, "connectivity_test", []byte("ok"), time.Second); err != nil {
			return fmt.Errorf("cache write failed: %w", err)
		}
		fmt.Println("✓ Cache reachable")

		fmt.Println("\nAll connectivity tests passed! ✓")
		return nil
	},
}

var exportOpts export.Options

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an address's yield history to CSV and/or PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogger(cfg); err != nil {
			return err
		}

		store, err := storage.Open(&cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		n, err := export.Export(cmd.Context(), store, exportOpts)
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d snapshots\n", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug mode")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	exportCmd.Flags().StringVar(&exportOpts.Address, "address", "", "address to export")
	exportCmd.Flags().StringVar(&exportOpts.CSVPath, "csv", "", "CSV output path")
	exportCmd.Flags().StringVar(&exportOpts.PNGPath, "png", "", "PNG chart output path")
	exportCmd.Flags().IntVar(&exportOpts.Limit, "limit", export.DefaultLimit, "maximum snapshots to read")
	exportCmd.Flags().IntVar(&exportOpts.MaxPoints, "max-points", export.DefaultMaxPoints, "maximum points written")
	exportCmd.MarkFlagRequired("address")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(exportCmd)
	configCmd.AddCommand(validateConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
