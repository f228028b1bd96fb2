package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrPermission is returned when the caller lacks rights to signal a process.
var ErrPermission = errors.New("insufficient permission to terminate process")

// DefaultGrace is how long Terminate waits after SIGTERM before escalating.
const DefaultGrace = 5 * time.Second

// Handle describes one running bot client instance.
type Handle struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Cmdline   string    `json:"cmdline"`
}

// Registry enumerates and terminates OS processes matching a single exact
// command signature. The signature is the full command string the supervisor
// launches (e.g. "python3 bot.py"); matching is against the process's actual
// argv, never against the interpreter alone.
type Registry struct {
	signature string
}

func New(signature string) *Registry {
	return &Registry{signature: strings.TrimSpace(signature)}
}

// Signature returns the exact command signature this registry matches.
func (r *Registry) Signature() string { return r.signature }

// List enumerates all live processes whose argv matches the signature.
// pgrep seeds the candidate set; each candidate is then verified against
// /proc/<pid>/cmdline so a substring hit on an unrelated process is never
// reported. The calling process is excluded.
func (r *Registry) List() ([]Handle, error) {
	if r.signature == "" {
		return nil, errors.New("empty process signature")
	}
	pids, err := pgrep(r.signature)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	var out []Handle
	for _, pid := range pids {
		if pid == self {
			continue
		}
		argv, err := readCmdline(pid)
		if err != nil {
			continue // exited between pgrep and verification
		}
		if !matchesSignature(argv, r.signature) {
			continue
		}
		out = append(out, Handle{
			PID:       pid,
			StartedAt: procStartTime(pid),
			Cmdline:   strings.Join(argv, " "),
		})
	}
	return out, nil
}

// Terminate stops a single process. It sends SIGTERM first and polls for
// exit up to grace; if the process survives, or forceful is set, it sends
// SIGKILL. A process that is already gone counts as success.
func (r *Registry) Terminate(h Handle, forceful bool, grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if forceful {
		return r.kill(h.PID, syscall.SIGKILL)
	}
	if err := r.kill(h.PID, syscall.SIGTERM); err != nil {
		return err
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(h.PID) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return r.kill(h.PID, syscall.SIGKILL)
}

func (r *Registry) kill(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ESRCH):
		return nil // already exited; idempotent
	case errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: pid %d", ErrPermission, pid)
	default:
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
}

// Alive returns true if a process with the given pid exists (or EPERM).
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// pgrep returns candidate PIDs whose full command line matches pattern.
// Exit code 1 (no match) is not an error.
func pgrep(pattern string) ([]int, error) {
	out, err := exec.Command("pgrep", "-f", pattern).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, fmt.Errorf("pgrep: %w", err)
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// readCmdline returns the NUL-separated argv of a live process.
func readCmdline(pid int) ([]string, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return nil, err
	}
	b = bytes.TrimRight(b, "\x00")
	if len(b) == 0 {
		return nil, errors.New("empty cmdline")
	}
	return strings.Split(string(b), "\x00"), nil
}

// matchesSignature requires the signature tokens to appear as a contiguous
// argv run, or the whole signature as a single argv element (the shell
// wrapper's -c argument). "python3 bot.py" matches exactly that invocation
// and nothing else; a bare interpreter name never matches other scripts.
func matchesSignature(argv []string, signature string) bool {
	want := strings.Fields(signature)
	if len(want) == 0 {
		return false
	}
	for _, a := range argv {
		if a == signature {
			return true
		}
	}
	if len(argv) < len(want) {
		return false
	}
	for i := 0; i+len(want) <= len(argv); i++ {
		if equalRun(argv[i:i+len(want)], want) {
			return true
		}
	}
	return false
}

func equalRun(a, b []string) bool {
	for i := range b {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// procStartTime returns the process start time using platform-native
// methods. A zero time is returned when it cannot be determined.
func procStartTime(pid int) time.Time {
	if sec := procStartUnix(pid); sec > 0 {
		return time.Unix(sec, 0)
	}
	return time.Time{}
}
