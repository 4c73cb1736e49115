package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/config"
	"github.com/MarcoPoloResearchLab/inkwell/internal/database"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/gateway"
	"github.com/MarcoPoloResearchLab/inkwell/internal/logging"
	"github.com/MarcoPoloResearchLab/inkwell/internal/server"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inkwell-api",
		Short: "Inkwell collaborative document service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newUsersCommand(), newTokenCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.issuer"), "Session token issuer")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the cross-instance relay (empty disables it)")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("realtime.allowed_origins"), "Allowed browser origins")
	cmd.PersistentFlags().Float64("event-rate", defaults.GetFloat64("realtime.event_rate"), "Per-connection event rate per second")
	cmd.PersistentFlags().Int("event-burst", defaults.GetInt("realtime.event_burst"), "Per-connection event burst")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("realtime.send_buffer"), "Outbound frames buffered per connection")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "realtime.allowed_origins", "allowed-origins")
	bindFlag(cmd, "realtime.event_rate", "event-rate")
	bindFlag(cmd, "realtime.event_burst", "event-burst")
	bindFlag(cmd, "realtime.send_buffer", "send-buffer")
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

// openStore loads configuration and opens the migrated database.
func openStore() (config.AppConfig, *zap.Logger, *gorm.DB, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}

	db, err := database.Open(appConfig, logger)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	return appConfig, logger, db, nil
}

func closeStore(db *gorm.DB, logger *zap.Logger) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = logger.Sync()
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, err := openStore()
	if err != nil {
		return err
	}
	defer closeStore(db, logger)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
	})
	if err != nil {
		return err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gatewayConfig := gateway.Config{
		Validator:  validator,
		Identities: usersService,
		Documents:  documentsService,
		Metrics:    gateway.NewMetrics(registry),
		Logger:     logger,
		EventRate:  appConfig.EventRate,
		EventBurst: appConfig.EventBurst,
	}
	if appConfig.RedisURL != "" {
		relay, err := gateway.NewRedisRelay(appConfig.RedisURL, logger)
		if err != nil {
			return err
		}
		defer relay.Close() //nolint:errcheck
		gatewayConfig.Relay = relay
	}

	realtimeGateway, err := gateway.New(gatewayConfig)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := realtimeGateway.StartRelay(signalCtx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:      validator,
		Users:          usersService,
		Documents:      documentsService,
		Gateway:        realtimeGateway,
		Gatherer:       registry,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		SendBuffer:     appConfig.SendBuffer,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Bool("relay_enabled", appConfig.RedisURL != ""),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newUsersCommand() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the identity directory",
	}

	var displayName, email string
	addCmd := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Register or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore(db, logger)

			service, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			identity, err := service.Register(cmd.Context(), args[0], displayName, email)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", identity.UserID, identity.Name())
			return err
		},
	}
	addCmd.Flags().StringVar(&displayName, "name", "", "Display name")
	addCmd.Flags().StringVar(&email, "email", "", "Email address")

	removeCmd := &cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a user from the directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore(db, logger)

			service, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			if err := service.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return err
		},
	}

	usersCmd.AddCommand(addCmd, removeCmd)
	return usersCmd
}

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Session token utilities",
	}

	mintCmd := &cobra.Command{
		Use:   "mint <user-id>",
		Short: "Issue a session token for a registered user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, db, err := openStore()
			if err != nil {
				return err
			}
			defer closeStore(db, logger)

			service, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			identity, err := service.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), identity.UserID, identity.Name())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return err
		},
	}

	tokenCmd.AddCommand(mintCmd)
	return tokenCmd
}
