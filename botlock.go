package botlock

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/botlock/internal/config"
	"github.com/loykin/botlock/internal/conflict"
	"github.com/loykin/botlock/internal/history"
	"github.com/loykin/botlock/internal/history/factory"
	"github.com/loykin/botlock/internal/lock"
	"github.com/loykin/botlock/internal/metrics"
	"github.com/loykin/botlock/internal/registry"
	"github.com/loykin/botlock/internal/supervisor"
	"github.com/loykin/botlock/internal/telegram"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Options = supervisor.Options

type Status = supervisor.Status

type State = supervisor.State

type Instance = registry.Handle

type ConflictEvent = conflict.Event

type HistorySink = history.Sink

type HistoryEvent = history.Event

var (
	ErrPersistentConflict = supervisor.ErrPersistentConflict
	ErrLockHeld           = lock.ErrHeld
	ErrPermission         = registry.ErrPermission
)

// Bot is a thin facade over internal/supervisor. It provides a stable
// public API for embedding the supervision cycle in another program.
type Bot struct {
	sup   *supervisor.Supervisor
	reg   *registry.Registry
	locks *lock.Manager
}

// New wires a supervisor for one bot client. lockPath is where the
// single-instance lock lives; sinks may be empty.
func New(opts Options, lockPath string, log *slog.Logger, sinks ...HistorySink) *Bot {
	reg := registry.New(opts.Command)
	locks := lock.NewManager(lockPath)
	return &Bot{
		sup:   supervisor.New(opts, reg, locks, log, sinks...),
		reg:   reg,
		locks: locks,
	}
}

// Run executes the full stop/wait/acquire/launch cycle and supervises the
// client until ctx is canceled, the client exits, or a fatal error such as
// ErrPersistentConflict occurs.
func (b *Bot) Run(ctx context.Context) error { return b.sup.Run(ctx) }

// Stop requests shutdown of a running supervision cycle.
func (b *Bot) Stop() { b.sup.Stop() }

// Status reports the supervisor state and lease holder.
func (b *Bot) Status() Status { return b.sup.Status() }

// Find enumerates every live process whose command line matches the bot's
// exact signature, excluding the calling process.
func (b *Bot) Find() ([]Instance, error) { return b.reg.List() }

// StopAll terminates every matching instance from outside the supervision
// cycle and clears the lock if its holder is gone. forceful skips the
// graceful SIGTERM phase. Returns the number of instances terminated.
func (b *Bot) StopAll(forceful bool, grace time.Duration) (int, error) {
	handles, err := b.reg.List()
	if err != nil {
		return 0, err
	}
	for i, h := range handles {
		if err := b.reg.Terminate(h, forceful, grace); err != nil {
			return i, err
		}
	}
	if stale, err := b.locks.IsStale(); err == nil && stale {
		_ = b.locks.ForceClear()
	}
	return len(handles), nil
}

// LockHolder returns the recorded lease holder, whether it is stale, and
// whether a marker exists at all.
func (b *Bot) LockHolder() (*lock.Lock, bool, error) {
	l, err := b.locks.ReadHolder()
	if err != nil || l == nil {
		return nil, false, err
	}
	stale, err := b.locks.IsStale()
	return l, stale, err
}

type Config = cfg.Config

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Telegram helpers for the reset/check commands.

type TelegramClient = telegram.Client

func NewTelegramClient(token string) (*TelegramClient, error) { return telegram.New(token) }

// NewHistorySink builds a sink from a DSN (sqlite path or postgres URL).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.RegisterDefault() }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
