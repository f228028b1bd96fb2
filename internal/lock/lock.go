package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// ErrHeld is returned by Acquire when another live process holds the lease.
var ErrHeld = errors.New("lock held by another live process")

// retryDelay is how often Acquire re-attempts a contended flock.
const retryDelay = 100 * time.Millisecond

// Lock represents exclusive ownership of the polling lease. The persisted
// marker records the holder PID and acquisition time so other invocations of
// the CLI can report (and validate) the holder.
type Lock struct {
	HolderPID  int       `json:"holder_pid"`
	AcquiredAt time.Time `json:"acquired_at"`

	path string
	fl   *flock.Flock
}

// Path returns the lease marker path.
func (l *Lock) Path() string { return l.path }

// Manager owns the lease marker. All cross-process coordination goes through
// its flock-based primitives; no other component touches the marker directly.
type Manager struct {
	path string
}

func NewManager(path string) *Manager { return &Manager{path: path} }

// Path returns the lease marker path managed by this Manager.
func (m *Manager) Path() string { return m.path }

// Acquire attempts exclusive acquisition of the lease marker, retrying until
// timeout elapses. Acquisition is atomic with respect to concurrent
// acquirers: the kernel flock decides the winner, never a check-then-create
// pair. On success the marker body is rewritten with this process as holder.
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(m.path)

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	locked, err := fl.TryLockContext(actx, retryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, fmt.Errorf("acquire %s: %w", m.path, err)
	}
	if !locked {
		holder, _ := m.ReadHolder()
		if holder != nil {
			return nil, fmt.Errorf("%w (pid %d since %s)", ErrHeld, holder.HolderPID, holder.AcquiredAt.Format(time.RFC3339))
		}
		return nil, ErrHeld
	}

	l := &Lock{
		HolderPID:  os.Getpid(),
		AcquiredAt: time.Now().UTC(),
		path:       m.path,
		fl:         fl,
	}
	if err := l.writeMarker(); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	return l, nil
}

func (l *Lock) writeMarker() error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	// The flock is already held; writing the body is not part of the race.
	if err := os.WriteFile(l.path, append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("write lock marker: %w", err)
	}
	return nil
}

// Release removes the lease marker and drops the flock. Safe to call more
// than once and on a nil lock.
func (m *Manager) Release(l *Lock) error {
	if l == nil {
		return nil
	}
	if l.fl != nil {
		// Remove the marker before unlocking so a racing acquirer never
		// observes our stale holder record.
		_ = os.Remove(l.path)
		err := l.fl.Unlock()
		l.fl = nil
		return err
	}
	return nil
}

// ReadHolder parses the persisted marker. A missing marker returns (nil, nil).
func (m *Manager) ReadHolder() (*Lock, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("corrupt lock marker %s: %w", m.path, err)
	}
	l.path = m.path
	return &l, nil
}

// IsStale reports whether the marker's recorded holder is no longer a live
// process. A marker left behind by a crashed holder reads as stale; the
// kernel released its flock on exit, so the next Acquire simply wins.
func (m *Manager) IsStale() (bool, error) {
	l, err := m.ReadHolder()
	if err != nil {
		return false, err
	}
	if l == nil {
		return false, nil
	}
	return !pidAlive(l.HolderPID), nil
}

// ForceClear removes the lease marker unconditionally. Used during forced
// recovery after all holders are known to be dead.
func (m *Manager) ForceClear() error {
	err := os.Remove(m.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// pidAlive returns true if a process with the given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
