package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	gort "runtime"
	"strings"
	"sync"
	"syscall"

	"opendiscovery/internal/protocol"
	"opendiscovery/pkg/logging"
)

func defaultWorkers() int {
	return gort.GOMAXPROCS(0) * 2
}

// ExecResult captures a finished (or killed) subprocess.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
}

// Execute runs an external binary under the sandbox rules: argv comes from
// validated parameters only, stdout/stderr are individually capped, and a
// timed-out or cancelled process receives SIGTERM followed by SIGKILL after
// a short grace period. The call blocks on the bounded worker pool so a
// burst of subprocess tools cannot fork-bomb the host.
func (rt *Runtime) Execute(ctx context.Context, argv ...string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty argv")
	}
	if err := rt.pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker: %w", err)
	}
	defer rt.pool.Release(1)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	// SIGTERM first; WaitDelay escalates to SIGKILL if the process tree
	// ignores it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	stdout := newCappedBuffer(rt.opts.MaxOutputBytes, cancel)
	stderr := newCappedBuffer(rt.opts.MaxOutputBytes, cancel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Overflowed() || stderr.Overflowed(),
	}
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		result.TimedOut = true
	case errors.Is(ctx.Err(), context.Canceled):
		result.ExitCode = -1
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("run %s: %w", argv[0], err)
		}
	}

	if result.Truncated {
		logging.Warn("Runtime", "Output of %s exceeded %d bytes, process killed", argv[0], rt.opts.MaxOutputBytes)
	}
	return result, nil
}

// FormatExecResult converts a subprocess outcome into the uniform result
// envelope. Success bodies carry stdout alone; anything with stderr or a
// non-zero exit carries both streams labelled, with IsError mirroring the
// exit status.
func FormatExecResult(res *ExecResult) *protocol.CallToolResult {
	var body string
	switch {
	case res.TimedOut:
		body = fmt.Sprintf("Command timed out (exit code %d)", res.ExitCode)
		if res.Stdout != "" || res.Stderr != "" {
			body += fmt.Sprintf("\n\nStdout:\n%s\n\nStderr:\n%s", res.Stdout, res.Stderr)
		}
	case res.ExitCode == 0 && res.Stderr == "":
		body = res.Stdout
	default:
		body = fmt.Sprintf("Stdout:\n%s\n\nStderr:\n%s", res.Stdout, res.Stderr)
	}
	if res.Truncated {
		body += truncationMarker
	}
	if body == "" {
		body = "(no output)"
	}
	return &protocol.CallToolResult{
		Content: []protocol.ContentItem{protocol.TextContent(body)},
		IsError: res.ExitCode != 0 || res.Truncated,
	}
}

// cappedBuffer accumulates up to max bytes and triggers onOverflow (which
// kills the producing process) the first time the cap is crossed. Writes
// after overflow are discarded but not failed, so the process dies from the
// signal rather than a broken pipe race.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        strings.Builder
	max        int
	overflowed bool
	onOverflow func()
}

func newCappedBuffer(max int, onOverflow func()) *cappedBuffer {
	return &cappedBuffer{max: max, onOverflow: onOverflow}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.overflowed {
		return len(p), nil
	}
	remaining := b.max - b.buf.Len()
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.overflowed = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.overflowed
}

// Input sanitizers. Deny by default: anything not matching the allowed shape
// is rejected before it can reach an argv.
var (
	hostnamePattern  = regexp.MustCompile(`^[A-Za-z0-9.\-]+$`)
	interfacePattern = regexp.MustCompile(`^[A-Za-z0-9\-]+$`)
	cidrSuffix       = regexp.MustCompile(`^/[0-9]{1,3}$`)
)

// SanitizeHostname validates a hostname or IP literal for use in argv.
func SanitizeHostname(host string) (string, error) {
	if host == "" {
		return "", errors.New("host cannot be empty")
	}
	if len(host) > 253 {
		return "", fmt.Errorf("host exceeds 253 characters")
	}
	if !hostnamePattern.MatchString(host) {
		return "", fmt.Errorf("host %q contains disallowed characters", host)
	}
	if strings.HasPrefix(host, "-") {
		return "", fmt.Errorf("host %q must not begin with a dash", host)
	}
	return host, nil
}

// SanitizeTarget validates a scan target: a hostname or a CIDR block.
func SanitizeTarget(target string) (string, error) {
	host := target
	if i := strings.IndexByte(target, '/'); i >= 0 {
		if !cidrSuffix.MatchString(target[i:]) {
			return "", fmt.Errorf("target %q has an invalid CIDR suffix", target)
		}
		host = target[:i]
	}
	if _, err := SanitizeHostname(host); err != nil {
		return "", err
	}
	return target, nil
}

// SanitizeURL validates an http(s) URL for use in argv.
func SanitizeURL(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "", fmt.Errorf("url %q must use http or https", raw)
	}
	if strings.ContainsAny(raw, " \t\n\r'\"`;|&$<>") {
		return "", fmt.Errorf("url %q contains disallowed characters", raw)
	}
	return raw, nil
}

// SanitizeInterface validates a network interface name for use in argv.
func SanitizeInterface(name string) (string, error) {
	if name == "" {
		return "", errors.New("interface cannot be empty")
	}
	if !interfacePattern.MatchString(name) {
		return "", fmt.Errorf("interface %q contains disallowed characters", name)
	}
	return name, nil
}
