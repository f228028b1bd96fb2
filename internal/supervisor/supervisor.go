package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/botlock/internal/conflict"
	"github.com/loykin/botlock/internal/env"
	"github.com/loykin/botlock/internal/history"
	"github.com/loykin/botlock/internal/lock"
	"github.com/loykin/botlock/internal/logger"
	"github.com/loykin/botlock/internal/metrics"
	"github.com/loykin/botlock/internal/registry"
)

// State names the supervisor state machine states.
type State string

const (
	StateIdle     State = "idle"
	StateStopping State = "stopping"
	StateWaiting  State = "waiting"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateConflict State = "conflict"
	StateStopped  State = "stopped"
)

// ErrPersistentConflict is returned when the retry budget is exhausted while
// another session keeps claiming the long-poll lease.
var ErrPersistentConflict = errors.New("persistent long-poll conflict: another instance is likely still running elsewhere (check other terminals or machines)")

// settleInterval is how long the remote API needs to release a server-side
// long-poll session after its client dies. This is an external constraint of
// the API, not a tunable.
const settleInterval = 10 * time.Second

// healthyRun is how long the client must stay conflict-free before the retry
// budget resets; consecutive conflicts inside this window share one budget.
const healthyRun = 30 * time.Second

// Options configures a Supervisor.
type Options struct {
	Name           string
	Command        string
	WorkDir        string
	Env            []string
	GracePeriod    time.Duration
	AcquireTimeout time.Duration
	Retries        int
	Log            logger.Config
}

// Status reports the current state and lease holder.
type Status struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	HolderPID  int       `json:"holder_pid,omitempty"`
	ClientPID  int       `json:"client_pid,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// Supervisor drives the stop/wait/start/monitor cycle for a single bot
// client. One goroutine owns the state machine; the bot client runs as a
// separate OS process so a hang or crash there never takes the control loop
// with it.
type Supervisor struct {
	opts  Options
	reg   *registry.Registry
	locks *lock.Manager
	log   *slog.Logger
	sinks []history.Sink

	settle time.Duration // settleInterval; shortened only by tests

	mu        sync.Mutex
	state     State
	lk        *lock.Lock
	cmd       *exec.Cmd
	cancelRun context.CancelFunc

	conflictCh chan conflict.Event
	exitCh     chan error
}

// New creates a Supervisor. sinks may be empty; events are then not persisted.
func New(opts Options, reg *registry.Registry, locks *lock.Manager, log *slog.Logger, sinks ...history.Sink) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = registry.DefaultGrace
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		opts:       opts,
		reg:        reg,
		locks:      locks,
		log:        log,
		sinks:      sinks,
		settle:     settleInterval,
		state:      StateIdle,
		conflictCh: make(chan conflict.Event, 1),
		exitCh:     make(chan error, 1),
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current state together with the lease holder recorded
// in the lock marker and the client PID when one is running.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{Name: s.opts.Name, State: s.state}
	if s.lk != nil {
		st.HolderPID = s.lk.HolderPID
		st.AcquiredAt = s.lk.AcquiredAt
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.ClientPID = s.cmd.Process.Pid
	}
	s.mu.Unlock()
	return st
}

// Stop requests shutdown. It is honored at the next state boundary; an
// in-flight termination completes first.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the full acquire-and-launch cycle and supervises the client
// until shutdown or a fatal error. Recoverable conflicts never escape; the
// caller sees either nil (clean shutdown or client exit), the client's own
// exit error, or a fatal error such as ErrPersistentConflict.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	retriesLeft := s.opts.Retries
	stoppedAny := false
	mustSettle := false

	for {
		// Shutdown is honored between states, never mid-termination.
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}
		switch s.State() {
		case StateIdle:
			s.transition(StateStopping)

		case StateStopping:
			n, err := s.stopCompetitors(false)
			if err != nil {
				s.releaseLock()
				s.transition(StateStopped)
				return err
			}
			s.releaseLock()
			stoppedAny = n > 0
			s.transition(StateWaiting)

		case StateWaiting:
			// Nothing was holding the lease locally and no conflict was
			// seen: the remote side has nothing to settle.
			if stoppedAny || mustSettle {
				s.log.Info("waiting for remote session to settle", "interval", s.settle)
				select {
				case <-time.After(s.settle):
				case <-ctx.Done():
				}
			}
			mustSettle = false
			s.transition(StateStarting)

		case StateStarting:
			lk, err := s.locks.Acquire(ctx, s.opts.AcquireTimeout)
			if errors.Is(err, lock.ErrHeld) {
				if retriesLeft <= 0 {
					s.transition(StateStopped)
					return fmt.Errorf("%w: %v", ErrPersistentConflict, err)
				}
				retriesLeft--
				mustSettle = true
				s.log.Warn("lease held, stopping competitors and retrying", "retries_left", retriesLeft, "err", err)
				s.transition(StateStopping)
				continue
			}
			if err != nil {
				s.transition(StateStopped)
				return err
			}
			s.mu.Lock()
			s.lk = lk
			s.mu.Unlock()
			if err := s.launch(); err != nil {
				s.releaseLock()
				s.transition(StateStopped)
				return err
			}
			s.transition(StateRunning)

		case StateRunning:
			started := time.Now()
			select {
			case <-ctx.Done():
				// loop top performs the shutdown

			case ev := <-s.conflictCh:
				metrics.IncConflict(s.opts.Name)
				s.record(history.EventConflict, ev.Message)
				if time.Since(started) >= healthyRun {
					retriesLeft = s.opts.Retries
				}
				if retriesLeft <= 0 {
					s.stopClient()
					s.releaseLock()
					s.transition(StateStopped)
					return fmt.Errorf("%w: %s", ErrPersistentConflict, ev.Message)
				}
				retriesLeft--
				mustSettle = true
				s.log.Warn("lease conflict detected, recovering", "message", ev.Message, "retries_left", retriesLeft)
				s.transition(StateConflict)

			case err := <-s.exitCh:
				s.clearClient()
				s.releaseLock()
				s.transition(StateStopped)
				if err != nil {
					return fmt.Errorf("bot client exited: %w", err)
				}
				s.log.Info("bot client exited cleanly")
				return nil
			}

		case StateConflict:
			s.transition(StateStopping)
			metrics.IncRecovery(s.opts.Name)
			s.record(history.EventRecovery, "")

		case StateStopped:
			return nil
		}
	}
}

// shutdown stops the client and all competitors, releases the lock and moves
// to the terminal state.
func (s *Supervisor) shutdown() {
	s.stopClient()
	_, _ = s.stopCompetitors(false)
	s.releaseLock()
	s.transition(StateStopped)
}

// stopCompetitors terminates every process matching the bot signature, our
// own client included. All competitors must be dead before the next
// acquisition attempt; a permission failure is fatal and reported.
func (s *Supervisor) stopCompetitors(forceful bool) (int, error) {
	s.stopClient()
	handles, err := s.reg.List()
	if err != nil {
		return 0, fmt.Errorf("enumerate bot processes: %w", err)
	}
	for _, h := range handles {
		s.log.Info("terminating competing instance", "pid", h.PID, "cmdline", h.Cmdline)
		if err := s.reg.Terminate(h, forceful, s.opts.GracePeriod); err != nil {
			return 0, err
		}
	}
	return len(handles), nil
}

// launch starts the bot client in its own process group with rotated output
// files, and attaches the stderr conflict watcher.
func (s *Supervisor) launch() error {
	// Drop anything left over from a previous client so its events are
	// never attributed to the new one.
	select {
	case <-s.conflictCh:
	default:
	}
	select {
	case <-s.exitCh:
	default:
	}

	cmd := buildCommand(s.opts.Command)
	if s.opts.WorkDir != "" {
		cmd.Dir = s.opts.WorkDir
	}
	cmd.Env = env.New().Compose(s.opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outW, errW, err := s.opts.Log.Writers(s.opts.Name)
	if err != nil {
		return err
	}
	if outW != nil {
		cmd.Stdout = outW
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch bot client: %w", err)
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.log.Info("bot client started", "pid", cmd.Process.Pid, "command", s.opts.Command)
	metrics.IncStart(s.opts.Name)
	s.record(history.EventStart, "")

	go s.watch(cmd, stderr, errW)
	return nil
}

// watch streams the client's stderr through the rotating writer while
// scanning each line for the conflict signature, then reaps the process.
func (s *Supervisor) watch(cmd *exec.Cmd, stderr io.Reader, errW io.WriteCloser) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if errW != nil {
			_, _ = errW.Write(append([]byte(line), '\n'))
		}
		if ev := conflict.InspectLine(line); ev != nil {
			select {
			case s.conflictCh <- *ev:
			default: // recovery already pending
			}
		}
	}
	err := cmd.Wait()
	if errW != nil {
		_ = errW.Close()
	}
	if c, ok := cmd.Stdout.(io.Closer); ok {
		_ = c.Close()
	}
	metrics.IncStop(s.opts.Name)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.record(history.EventStop, detail)
	select {
	case s.exitCh <- err:
	default:
	}
}

// stopClient terminates our own client process group, escalating to SIGKILL
// after the grace period. Safe to call when no client is running.
func (s *Supervisor) stopClient() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-s.exitCh:
	case <-time.After(s.opts.GracePeriod):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		select {
		case <-s.exitCh:
		case <-time.After(200 * time.Millisecond):
			// best-effort
		}
	}
	s.clearClient()
}

func (s *Supervisor) clearClient() {
	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()
}

func (s *Supervisor) releaseLock() {
	s.mu.Lock()
	lk := s.lk
	s.lk = nil
	s.mu.Unlock()
	if lk != nil {
		_ = s.locks.Release(lk)
	}
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	s.log.Debug("state transition", "from", string(from), "to", string(to))
	metrics.RecordStateTransition(s.opts.Name, string(from), string(to))
	metrics.SetCurrentState(s.opts.Name, string(from), false)
	metrics.SetCurrentState(s.opts.Name, string(to), true)
}

func (s *Supervisor) record(t history.EventType, detail string) {
	s.mu.Lock()
	pid := 0
	if s.cmd != nil && s.cmd.Process != nil {
		pid = s.cmd.Process.Pid
	}
	sinks := s.sinks
	s.mu.Unlock()
	if len(sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Name:       s.opts.Name,
		PID:        pid,
		Detail:     detail,
	}
	for _, snk := range sinks {
		if err := snk.Send(context.Background(), e); err != nil {
			s.log.Warn("history sink write failed", "err", err)
		}
	}
}
