package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"notify-relay/internal/auth"
	"notify-relay/internal/config"
	"notify-relay/internal/logger"
	"notify-relay/internal/models"
	"notify-relay/internal/realtime"
	"notify-relay/internal/redis"
	"notify-relay/internal/surface"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
)

var (
	// Global flags.
	flagToken    string
	flagUser     string
	flagEmp      string
	flagLogLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notifyd",
		Short: "Realtime notification and chat client",
		Long: `notifyd keeps a session connected to the notification socket, polls the
REST fallbacks and renders bell, popup and chat updates in the terminal.

Configuration comes from the environment or a .env file; flags override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Bearer token (or NOTIFY_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "User id (or NOTIFY_USER_ID env var)")
	rootCmd.PersistentFlags().StringVar(&flagEmp, "emp", "", "Employee id (or NOTIFY_EMP_ID env var)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL env var)")

	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(bellCmd())
	rootCmd.AddCommand(bidCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is what every command needs: configuration, a logger and the session.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	session auth.Session
	redis   *redis.Client
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if flagToken != "" {
		cfg.Token = flagToken
	}
	if flagUser != "" {
		cfg.UserID = flagUser
	}
	if flagEmp != "" {
		cfg.EmpID = flagEmp
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		session: auth.NewSession(cfg.Token, models.Identity{UserID: cfg.UserID, EmpID: cfg.EmpID}),
	}
	if !a.session.Valid() {
		log.Warn("[MAIN] No valid session, running without realtime delivery")
	}

	if cfg.RedisURL != "" {
		rc, err := redis.NewClient(cfg.RedisURL, log)
		if err != nil {
			log.Warn("[MAIN] Redis unavailable, cross-tab sync disabled", zap.Error(err))
		} else {
			a.redis = rc
		}
	}
	return a, nil
}

// provider builds a realtime.Provider with the terminal as its surfaces.
func (a *app) provider(desktop bool) *realtime.Provider {
	opts := realtime.FromConfig(a.cfg)
	opts.Logger = a.log
	opts.Router = surface.RouterFunc(func(route string) {
		a.log.Info("[MAIN] Navigate", zap.String("route", route))
	})
	permission := surface.PermissionDefault
	if desktop {
		permission = surface.PermissionGranted
	}
	opts.Notifier = surface.NewTerminalNotifier(os.Stdout, permission)
	if a.redis != nil {
		opts.Broadcaster = a.redis
	}
	return realtime.New(opts)
}

func (a *app) close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.log.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
