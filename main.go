// Package main runs the linux.do activity notifier: it polls the forum for new
// topics and replies by a set of users and forwards them to a Telegram chat.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"linuxdo-notifier/config"
	"linuxdo-notifier/notify"
	"linuxdo-notifier/poll"
	"linuxdo-notifier/server"
	"linuxdo-notifier/source"
	"linuxdo-notifier/state"
)

// options holds the command-line flags.
type options struct {
	configPath string
	logLevel   string
	listenAddr string
	dryRun     bool
	once       bool
}

func main() {
	// A .env file in the working directory may supply secrets such as LINUXDO_COOKIE.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	opts := &options{}

	app := &cli.Command{
		Name:  "linuxdo-notifier",
		Usage: "Send Telegram alerts for new linux.do topics and replies by selected users",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to config file (JSON or YAML)",
				Sources:     cli.EnvVars("LINUXDO_CONFIG"),
				Value:       "config.json",
				Destination: &opts.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("LOG_LEVEL"),
				Value:       "info",
				Destination: &opts.logLevel,
			},
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "address for the health and status endpoints; empty disables them",
				Sources:     cli.EnvVars("LISTEN_ADDR"),
				Destination: &opts.listenAddr,
			},
			&cli.BoolFlag{
				Name:        "dry-run",
				Usage:       "log messages instead of sending them to Telegram",
				Sources:     cli.EnvVars("DRY_RUN"),
				Destination: &opts.dryRun,
			},
			&cli.BoolFlag{
				Name:        "once",
				Usage:       "run a single check and exit",
				Destination: &opts.once,
			},
		},
		Action: func(ctx context.Context, _ *cli.Command) error {
			logger, err := newLogger(opts.logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return run(ctx, opts, logger)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		slog.Error("Notifier failed", "error", err)
		os.Exit(1)
	}
}

// newLogger creates the JSON logger used by every component.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}

func run(ctx context.Context, opts *options, logger *slog.Logger) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(!opts.dryRun); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		"users", cfg.MonitorUsers,
		"interval_seconds", cfg.CheckInterval,
		"topics", cfg.WatchTopics(),
		"replies", cfg.WatchReplies(),
		"state_driver", cfg.StateConfig().Driver)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := state.OpenBackend(ctx, cfg.StateConfig(), logger)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	store := state.Open(ctx, backend, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close state backend", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: cfg.Timeout()}
	src := source.New(httpClient, cfg.BaseURL, cfg.Cookie, logger)

	var provider notify.Provider
	if opts.dryRun {
		logger.Info("Dry run: messages are logged, not sent")
		provider = notify.NewMockProvider(logger)
	} else {
		provider, err = notify.NewTelegramProvider(notify.TelegramConfig{
			Token:          cfg.Telegram.BotToken,
			ChatID:         string(cfg.Telegram.ChatID),
			APIURL:         cfg.Telegram.APIURL,
			RatePerSec:     cfg.Telegram.RatePerSec,
			DisablePreview: cfg.Telegram.DisablePreview,
			Timeout:        cfg.Timeout(),
		}, logger)
		if err != nil {
			return fmt.Errorf("create telegram provider: %w", err)
		}
	}
	sender := notify.New(provider, logger, cfg.BaseURL, loc)

	monitor := poll.New(poll.Config{
		Users:        cfg.MonitorUsers,
		Interval:     cfg.Interval(),
		WatchTopics:  cfg.WatchTopics(),
		WatchReplies: cfg.WatchReplies(),
	}, src, store, sender, logger)

	if err := monitor.Start(ctx); err != nil {
		return err
	}
	notifySystemd(logger, daemon.SdNotifyReady)
	defer notifySystemd(logger, daemon.SdNotifyStopping)

	if opts.once {
		monitor.Check(ctx)
		return nil
	}

	if opts.listenAddr != "" {
		srv := server.New(&server.Config{Poller: monitor, Store: store, Logger: logger})
		go func() {
			if err := srv.ListenAndServe(ctx, opts.listenAddr); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutting down")
	return nil
}

// notifySystemd reports a state change to systemd. Outside systemd it does nothing.
func notifySystemd(logger *slog.Logger, msg string) {
	if _, err := daemon.SdNotify(false, msg); err != nil {
		logger.Warn("Failed to notify systemd", "state", msg, "error", err)
	}
}
