package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/botlock/internal/history"
	"github.com/loykin/botlock/internal/lock"
	"github.com/loykin/botlock/internal/logger"
	"github.com/loykin/botlock/internal/registry"
)

const conflictLine = "Conflict: terminated by other getUpdates request"

// memorySink records events for assertions.
type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) count(t history.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newTestSupervisor(t *testing.T, command string, retries int, sinks ...history.Sink) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Name:           "test-bot",
		Command:        command,
		GracePeriod:    2 * time.Second,
		AcquireTimeout: 300 * time.Millisecond,
		Retries:        retries,
		Log:            logger.Config{Dir: filepath.Join(dir, "log")},
	}
	reg := registry.New(command)
	locks := lock.NewManager(filepath.Join(dir, "bot.lock"))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(opts, reg, locks, log, sinks...)
	s.settle = 20 * time.Millisecond
	return s
}

func TestRunCleanClientExit(t *testing.T) {
	snk := &memorySink{}
	s := newTestSupervisor(t, "sleep 0.2", 3, snk)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("clean exit: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want %s", s.State(), StateStopped)
	}
	if snk.count(history.EventStart) != 1 || snk.count(history.EventStop) != 1 {
		t.Fatalf("events: starts=%d stops=%d", snk.count(history.EventStart), snk.count(history.EventStop))
	}
}

func TestRunReportsClientExitError(t *testing.T) {
	s := newTestSupervisor(t, "exit 3", 3)
	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bot client exited") {
		t.Fatalf("expected exit error, got %v", err)
	}
}

// Conflicts in a tight loop must consume the retry budget and then surface
// ErrPersistentConflict: two retries on a budget of 2 means three launches.
func TestRunPersistentConflict(t *testing.T) {
	snk := &memorySink{}
	script := "echo '" + conflictLine + "' >&2; sleep 60"
	s := newTestSupervisor(t, script, 2, snk)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrPersistentConflict) {
			t.Fatalf("expected ErrPersistentConflict, got %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("run did not give up")
	}
	if got := snk.count(history.EventConflict); got != 3 {
		t.Fatalf("conflicts recorded = %d, want 3", got)
	}
	if got := snk.count(history.EventRecovery); got != 2 {
		t.Fatalf("recoveries recorded = %d, want 2", got)
	}
	if got := snk.count(history.EventStart); got != 3 {
		t.Fatalf("launches = %d, want 3", got)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want %s", s.State(), StateStopped)
	}
}

// A lease held by a live process that is not a matching bot instance cannot
// be broken: the retry budget drains and the run fails.
func TestRunForeignHolderExhaustsRetries(t *testing.T) {
	s := newTestSupervisor(t, "sleep 0.2", 1)

	// Hold the flock from this process under a different manager handle.
	holder, err := lock.NewManager(s.locks.Path()).Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer func() { _ = lock.NewManager(s.locks.Path()).Release(holder) }()

	err = s.Run(context.Background())
	if !errors.Is(err, ErrPersistentConflict) {
		t.Fatalf("expected ErrPersistentConflict, got %v", err)
	}
}

// A marker left by a crashed holder has no live flock behind it; acquisition
// simply wins and the stale marker is overwritten.
func TestRunHealsStaleLock(t *testing.T) {
	s := newTestSupervisor(t, "sleep 0.2", 3)

	b, _ := json.Marshal(map[string]any{"holder_pid": 999999999, "acquired_at": time.Now().UTC()})
	if err := os.MkdirAll(filepath.Dir(s.locks.Path()), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.locks.Path(), b, 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("stale marker must not block a start: %v", err)
	}
}

func TestRunStopsCompetitorsBeforeLaunch(t *testing.T) {
	competitor := exec.Command("sleep", "61.803")
	if err := competitor.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = competitor.Process.Kill()
		_, _ = competitor.Process.Wait()
	})

	s := newTestSupervisor(t, "sleep 61.803", 3)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// The competitor must die during the stopping phase, well before our
	// own client would ever exit.
	deadline := time.Now().Add(10 * time.Second)
	for registry.Alive(competitor.Process.Pid) && time.Now().Before(deadline) {
		_, _ = competitor.Process.Wait() // reap once SIGTERM lands
		time.Sleep(50 * time.Millisecond)
	}
	if registry.Alive(competitor.Process.Pid) {
		t.Fatal("competitor survived the stopping phase")
	}

	s.Stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down")
	}
}

func TestStopDuringRunning(t *testing.T) {
	s := newTestSupervisor(t, "sleep 60", 3)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	waitState(t, s, StateRunning, 10*time.Second)
	st := s.Status()
	if st.ClientPID == 0 {
		t.Fatal("no client pid while running")
	}
	if st.HolderPID != os.Getpid() {
		t.Fatalf("lock holder = %d, want %d", st.HolderPID, os.Getpid())
	}

	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	if registry.Alive(st.ClientPID) {
		t.Fatal("client survived shutdown")
	}
	if _, err := os.Stat(s.locks.Path()); !os.IsNotExist(err) {
		t.Fatal("lock marker should be released on shutdown")
	}
	// A second Stop is a no-op.
	s.Stop()
}

// After a conflict recovery, the lock must be re-acquired before the next
// launch: the marker exists again once the client is running.
func TestConflictRecoveryReacquiresLock(t *testing.T) {
	dir := t.TempDir()
	script := "if [ -e " + dir + "/once ]; then sleep 60; else touch " + dir + "/once; echo '" + conflictLine + "' >&2; sleep 60; fi"
	snk := &memorySink{}
	s := newTestSupervisor(t, script, 3, snk)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	// First launch conflicts; the second must settle into Running with the
	// lease held again.
	waitUntil(t, 15*time.Second, func() bool {
		if snk.count(history.EventRecovery) < 1 || s.State() != StateRunning {
			return false
		}
		holder, err := s.locks.ReadHolder()
		return err == nil && holder != nil && holder.HolderPID == os.Getpid()
	})

	s.Stop()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down")
	}
}

func TestStatusIdle(t *testing.T) {
	s := newTestSupervisor(t, "sleep 1", 3)
	st := s.Status()
	if st.State != StateIdle || st.ClientPID != 0 || st.HolderPID != 0 {
		t.Fatalf("unexpected idle status: %+v", st)
	}
	if st.Name != "test-bot" {
		t.Fatalf("name = %q", st.Name)
	}
}

func waitState(t *testing.T, s *Supervisor, want State, timeout time.Duration) {
	t.Helper()
	waitUntil(t, timeout, func() bool { return s.State() == want })
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
