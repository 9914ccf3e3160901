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

	"github.com/octatecode/collabd/internal/auth"
	"github.com/octatecode/collabd/internal/config"
	"github.com/octatecode/collabd/internal/journal"
	"github.com/octatecode/collabd/internal/logging"
	"github.com/octatecode/collabd/internal/relay"
	"github.com/octatecode/collabd/internal/room"
	"github.com/octatecode/collabd/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collabd",
		Short: "Collaborative editing relay and room coordinator",
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
	cmd.PersistentFlags().String("journal-path", defaults.GetString("journal.path"), "SQLite session journal path")
	cmd.PersistentFlags().Duration("heartbeat-timeout", defaults.GetDuration("room.heartbeat_timeout"), "Peer heartbeat eviction timeout")
	cmd.PersistentFlags().Duration("idle-timeout", defaults.GetDuration("room.idle_timeout"), "Delay before a quiet room turns idle")
	cmd.PersistentFlags().Duration("inactivity-timeout", defaults.GetDuration("room.inactivity_timeout"), "Inactive room deletion timeout")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "journal.path", "journal-path")
	bindFlag(cmd, "room.heartbeat_timeout", "heartbeat-timeout")
	bindFlag(cmd, "room.idle_timeout", "idle-timeout")
	bindFlag(cmd, "room.inactivity_timeout", "inactivity-timeout")
	bindFlag(cmd, "log.level", "log-level")
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

	sessionJournal, err := journal.Open(journal.Config{
		Path:   appConfig.JournalPath,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	rooms := room.NewManager(room.Config{
		HeartbeatTimeout:  appConfig.HeartbeatTimeout,
		IdleDelay:         appConfig.IdleTimeout,
		InactivityTimeout: appConfig.InactivityTimeout,
		Logger:            logger,
		Recorder:          sessionJournal,
	})
	defer rooms.Close()

	tokenIssuer := auth.NewIssuer(auth.IssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        "collabd",
		Audience:      "collabd-relay",
	})

	wsRelay, err := relay.New(relay.Config{
		Rooms:  rooms,
		Auth:   tokenIssuer,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:   rooms,
		Relay:   wsRelay.HandleWS,
		Tokens:  tokenIssuer,
		Journal: sessionJournal,
		Logger:  logger,
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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Shutdown does not reach hijacked websocket connections; close
		// them explicitly so no session is left dangling.
		wsRelay.CloseConnections()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
