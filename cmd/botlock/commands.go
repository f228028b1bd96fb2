package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/botlock"
	"github.com/loykin/botlock/internal/logger"
)

type command struct {
	global *GlobalFlags
	bot    *BotFlags
}

// resolveConfig builds the effective configuration: the TOML file when
// --config is given, flags otherwise. Flags never override file values.
func (c command) resolveConfig() (*botlock.Config, error) {
	if c.global.ConfigPath != "" {
		return botlock.LoadConfig(c.global.ConfigPath)
	}
	if c.bot.Command == "" {
		return nil, fmt.Errorf("either --config or --command is required")
	}
	name := c.bot.Name
	if name == "" {
		name = "bot"
	}
	lockPath := c.bot.LockPath
	if lockPath == "" {
		lockPath = filepath.Join("run", name+".lock")
	}
	cfg := &botlock.Config{}
	cfg.Bot.Name = name
	cfg.Bot.Command = c.bot.Command
	cfg.Bot.WorkDir = c.bot.WorkDir
	cfg.Bot.TokenEnv = "TELEGRAM_BOT_TOKEN"
	cfg.Lock.Path = lockPath
	cfg.Supervisor.GracePeriod = c.bot.Grace
	cfg.Supervisor.AcquireTimeout = 5 * time.Second
	cfg.Supervisor.Retries = c.bot.Retries
	return cfg, nil
}

func (c command) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.global.Verbose {
		level = slog.LevelDebug
	}
	return logger.New(os.Stderr, level)
}

// build wires a Bot plus optional history sinks from the resolved config.
// The returned closer flushes the sinks.
func (c command) build() (*botlock.Bot, *botlock.Config, func(), error) {
	cfg, err := c.resolveConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log := c.logger()

	var sinks []botlock.HistorySink
	if cfg.History.DSN != "" {
		snk, err := botlock.NewHistorySink(cfg.History.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open history sink: %w", err)
		}
		sinks = append(sinks, snk)
	}

	opts := botlock.Options{
		Name:           cfg.Bot.Name,
		Command:        cfg.Bot.Command,
		WorkDir:        cfg.Bot.WorkDir,
		Env:            cfg.Bot.Env,
		GracePeriod:    cfg.Supervisor.GracePeriod,
		AcquireTimeout: cfg.Supervisor.AcquireTimeout,
		Retries:        cfg.Supervisor.Retries,
		Log:            cfg.Log,
	}
	bot := botlock.New(opts, cfg.Lock.Path, log, sinks...)
	closer := func() {
		for _, snk := range sinks {
			_ = snk.Close()
		}
	}
	return bot, cfg, closer, nil
}

// Start runs the supervision cycle in the foreground until a signal or a
// fatal error.
func (c command) Start() error {
	bot, cfg, closeSinks, err := c.build()
	if err != nil {
		return err
	}
	defer closeSinks()

	if cfg.Metrics.Enabled {
		if err := botlock.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		go func() {
			if err := botlock.ServeMetrics(cfg.Metrics.Listen); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = bot.Run(ctx)
	if errors.Is(err, botlock.ErrPersistentConflict) {
		return fmt.Errorf("giving up: %w", err)
	}
	return err
}

// Stop gracefully terminates every matching instance. Nothing running is a
// success; a resisting or foreign-owned instance is a failure.
func (c command) Stop(forceful bool) error {
	bot, cfg, closeSinks, err := c.build()
	if err != nil {
		return err
	}
	defer closeSinks()

	n, err := bot.StopAll(forceful, cfg.Supervisor.GracePeriod)
	if err != nil {
		if errors.Is(err, botlock.ErrPermission) {
			return fmt.Errorf("stopped %d instance(s), then hit a foreign-owned process: %w", n, err)
		}
		return fmt.Errorf("stopped %d instance(s): %w", n, err)
	}
	if n == 0 {
		fmt.Println("no running instances")
	} else {
		fmt.Printf("stopped %d instance(s)\n", n)
	}
	return nil
}

// Kill force-kills every matching instance. Best effort: failures are
// reported but never change the exit status.
func (c command) Kill() error {
	bot, cfg, closeSinks, err := c.build()
	if err != nil {
		return err
	}
	defer closeSinks()

	n, err := bot.StopAll(true, cfg.Supervisor.GracePeriod)
	if err != nil {
		fmt.Printf("Warning: killed %d instance(s), some survived: %v\n", n, err)
		return nil
	}
	fmt.Printf("killed %d instance(s)\n", n)
	return nil
}

// Find lists matching instances; exits non-zero when none are found.
func (c command) Find() error {
	bot, _, closeSinks, err := c.build()
	if err != nil {
		return err
	}
	defer closeSinks()

	handles, err := bot.Find()
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		return fmt.Errorf("no running instances found")
	}
	for _, h := range handles {
		fmt.Printf("%d\t%s\t%s\n", h.PID, h.StartedAt.Format(time.RFC3339), h.Cmdline)
	}
	return nil
}

// Status prints the lock holder and the live instance list.
func (c command) Status() error {
	bot, cfg, closeSinks, err := c.build()
	if err != nil {
		return err
	}
	defer closeSinks()

	holder, stale, err := bot.LockHolder()
	switch {
	case err != nil:
		fmt.Printf("lock: unreadable (%v)\n", err)
	case holder == nil:
		fmt.Println("lock: free")
	case stale:
		fmt.Printf("lock: stale (holder pid %d is gone)\n", holder.HolderPID)
	default:
		fmt.Printf("lock: held by pid %d since %s\n", holder.HolderPID, holder.AcquiredAt.Format(time.RFC3339))
	}

	handles, err := bot.Find()
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		fmt.Printf("instances: none matching %q\n", cfg.Bot.Command)
		return nil
	}
	fmt.Printf("instances (%d):\n", len(handles))
	for _, h := range handles {
		fmt.Printf("  %d\t%s\t%s\n", h.PID, h.StartedAt.Format(time.RFC3339), h.Cmdline)
	}
	return nil
}

// Reset drops the webhook and queued updates on the remote side.
func (c command) Reset(tokenEnv string) error {
	tg, err := c.telegramClient(tokenEnv)
	if err != nil {
		return err
	}
	if err := tg.DropPendingUpdates(); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	fmt.Println("webhook removed, pending updates dropped")
	return nil
}

// Check verifies the token by calling getMe.
func (c command) Check(tokenEnv string) error {
	tg, err := c.telegramClient(tokenEnv)
	if err != nil {
		return err
	}
	username, err := tg.Check()
	if err != nil {
		return fmt.Errorf("token check failed: %w", err)
	}
	fmt.Printf("token ok: @%s\n", username)
	return nil
}

func (c command) telegramClient(tokenEnv string) (*botlock.TelegramClient, error) {
	if c.global.ConfigPath != "" {
		cfg, err := botlock.LoadConfig(c.global.ConfigPath)
		if err != nil {
			return nil, err
		}
		if cfg.Bot.TokenEnv != "" {
			tokenEnv = cfg.Bot.TokenEnv
		}
	}
	token := os.Getenv(tokenEnv)
	if token == "" {
		return nil, fmt.Errorf("bot token not set: export %s", tokenEnv)
	}
	return botlock.NewTelegramClient(token)
}
