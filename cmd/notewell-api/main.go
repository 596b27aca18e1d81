package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sableriver/notewell/backend/internal/auth"
	"github.com/sableriver/notewell/backend/internal/communities"
	"github.com/sableriver/notewell/backend/internal/config"
	"github.com/sableriver/notewell/backend/internal/database"
	"github.com/sableriver/notewell/backend/internal/logging"
	"github.com/sableriver/notewell/backend/internal/notes"
	"github.com/sableriver/notewell/backend/internal/profiles"
	"github.com/sableriver/notewell/backend/internal/realtime"
	"github.com/sableriver/notewell/backend/internal/seqid"
	"github.com/sableriver/notewell/backend/internal/server"
	"github.com/sableriver/notewell/backend/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notewell-api",
		Short: "Notewell note-sharing backend service",
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
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "JWT issuer")
	cmd.PersistentFlags().String("auth-audience", defaults.GetString("auth.audience"), "JWT audience")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.audience", "auth-audience")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
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

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})

	events := realtime.NewDispatcher[store.Event]()
	idProvider := store.NewUUIDProvider()

	documentStore, err := store.New(store.Config{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Events:     events,
		Logger:     logging.ForComponent(logger, "store"),
	})
	if err != nil {
		return err
	}

	allocator, err := seqid.New(seqid.Config{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Events:     events,
		Logger:     logging.ForComponent(logger, "seqid"),
	})
	if err != nil {
		return err
	}

	profilesService, err := profiles.NewService(profiles.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.ForComponent(logger, "profiles"),
	})
	if err != nil {
		return err
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Store:     documentStore,
		Allocator: allocator,
		Database:  db,
		Clock:     time.Now,
		Logger:    logging.ForComponent(logger, "notes"),
	})
	if err != nil {
		return err
	}

	communitiesService, err := communities.NewService(communities.ServiceConfig{
		Store:     documentStore,
		Allocator: allocator,
		Database:  db,
		Clock:     time.Now,
		Logger:    logging.ForComponent(logger, "communities"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Notes:        notesService,
		Communities:  communitiesService,
		Profiles:     profilesService,
		Events:       events,
		Logger:       logging.ForComponent(logger, "server"),
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
