package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/easel/internal/auth"
	"github.com/MarcoPoloResearchLab/easel/internal/canvas"
	"github.com/MarcoPoloResearchLab/easel/internal/config"
	"github.com/MarcoPoloResearchLab/easel/internal/database"
	"github.com/MarcoPoloResearchLab/easel/internal/logging"
	"github.com/MarcoPoloResearchLab/easel/internal/server"
	"github.com/MarcoPoloResearchLab/easel/internal/workers"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "easel-api",
		Short: "Easel collaborative drawing backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().Int("expiry-interval-seconds", defaults.GetInt("expiry.interval_seconds"), "Turn expiry poll interval")
	cmd.PersistentFlags().Int("dispatch-interval-seconds", defaults.GetInt("dispatch.interval_seconds"), "Notification dispatch poll interval")
	cmd.PersistentFlags().Int("dispatch-batch-size", defaults.GetInt("dispatch.batch_size"), "Notification dispatch batch size")
	cmd.PersistentFlags().Int64("snapshot-turn-interval", defaults.GetInt64("snapshot.turn_interval"), "Turns between periodic snapshots")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "expiry.interval_seconds", "expiry-interval-seconds")
	bindFlag(cmd, "dispatch.interval_seconds", "dispatch-interval-seconds")
	bindFlag(cmd, "dispatch.batch_size", "dispatch-batch-size")
	bindFlag(cmd, "snapshot.turn_interval", "snapshot-turn-interval")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

func runServer(ctx context.Context) error {
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

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	canvasService, err := canvas.NewService(canvas.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: canvas.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	hub, err := server.NewHub(server.HubConfig{
		Authenticator: validator,
		CanvasService: canvasService,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator:    validator,
		CanvasService:    canvasService,
		Hub:              hub,
		SnapshotInterval: appConfig.SnapshotInterval,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	expiryWorker, err := workers.NewTurnExpiryWorker(workers.TurnExpiryWorkerConfig{
		CanvasService:    canvasService,
		Broadcaster:      hub,
		Interval:         appConfig.ExpiryInterval,
		SnapshotInterval: appConfig.SnapshotInterval,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := workers.NewNotificationDispatcher(workers.NotificationDispatcherConfig{
		CanvasService: canvasService,
		Deliverer: workers.DelivererFunc(func(_ context.Context, record canvas.NotificationRecord) error {
			logger.Info("notification delivered",
				zap.String("notification_id", record.NotificationID),
				zap.String("user_id", record.UserID),
				zap.String("notification_type", record.Type),
				zap.String("channel", record.Channel))
			return nil
		}),
		Interval:  appConfig.DispatchInterval,
		BatchSize: appConfig.DispatchBatch,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go expiryWorker.Run(signalCtx)
	go dispatcher.Run(signalCtx)

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
