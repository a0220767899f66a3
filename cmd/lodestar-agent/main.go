package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lodestar/internal/commands"
	"github.com/MarcoPoloResearchLab/lodestar/internal/config"
	"github.com/MarcoPoloResearchLab/lodestar/internal/credentials"
	"github.com/MarcoPoloResearchLab/lodestar/internal/database"
	"github.com/MarcoPoloResearchLab/lodestar/internal/logging"
	"github.com/MarcoPoloResearchLab/lodestar/internal/notes"
	"github.com/MarcoPoloResearchLab/lodestar/internal/queue"
	"github.com/MarcoPoloResearchLab/lodestar/internal/reachability"
	"github.com/MarcoPoloResearchLab/lodestar/internal/recovery"
	"github.com/MarcoPoloResearchLab/lodestar/internal/remote"
	"github.com/MarcoPoloResearchLab/lodestar/internal/server"
	"github.com/MarcoPoloResearchLab/lodestar/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lodestar-agent",
		Short: "Lodestar local-first notes sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Localhost UI listen address")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Remote notes API base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("credentials-path", defaults.GetString("credentials.path"), "Path to the stored bearer token")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between background drain cycles")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("ui-origin", defaults.GetString("ui.origin"), "Allowed UI origin for CORS")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "credentials.path", "credentials-path")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "ui.origin", "ui-origin")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := notes.NewStore(notes.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	resolver, err := notes.NewResolver(db, logger)
	if err != nil {
		return err
	}

	mutationQueue, err := queue.New(queue.Config{
		Database:   db,
		Clock:      time.Now,
		MaxRetries: appConfig.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	apiClient, err := remote.NewClient(remote.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	prober, err := reachability.NewHTTPProber(reachability.HTTPProberConfig{
		ProbeURL: appConfig.APIBaseURL,
	})
	if err != nil {
		return err
	}

	credProvider, err := credentials.NewFileProvider(credentials.FileProviderConfig{
		TokenPath: appConfig.CredentialsPath,
	})
	if err != nil {
		return err
	}

	commandHandler, err := commands.NewHandler(commands.Config{
		Store:       store,
		Queue:       mutationQueue,
		Remote:      apiClient,
		Prober:      prober,
		Credentials: credProvider,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	processor, err := syncer.NewProcessor(syncer.Config{
		Store:           store,
		Resolver:        resolver,
		Queue:           mutationQueue,
		Remote:          apiClient,
		Prober:          prober,
		Credentials:     credProvider,
		Logger:          logger,
		Interval:        appConfig.SyncInterval,
		OpDelay:         appConfig.OpDelay,
		DependencyGrace: appConfig.DependencyGrace,
	})
	if err != nil {
		return err
	}

	coordinator, err := recovery.NewCoordinator(recovery.Config{
		Store:  store,
		Remote: apiClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Commands:    commandHandler,
		Queue:       mutationQueue,
		Processor:   processor,
		Recovery:    coordinator,
		Credentials: credProvider,
		Logger:      logger,
		UIOrigin:    appConfig.UIOrigin,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go processor.Run(signalCtx)
	processor.TriggerNow() // app-start drain

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
