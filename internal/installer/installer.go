// Package installer runs downloaded installer payloads and reports their
// exit codes.
package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
)

var log = logging.L("installer")

const (
	// DefaultTimeout bounds one installer run when none is configured.
	DefaultTimeout = 30 * time.Minute

	// MaxTimeout is the largest accepted timeout.
	MaxTimeout = 4 * time.Hour

	// MaxOutputSize is the maximum size of stdout/stderr to capture.
	MaxOutputSize = 64 * 1024
)

// ErrTimeout is returned when an installer outlives its timeout. It also
// matches context.DeadlineExceeded.
var ErrTimeout = errors.New("installer timed out")

// Runner executes installers one at a time per call. Serialization across
// apps is the caller's job.
type Runner struct {
	Timeout time.Duration
	WorkDir string

	running atomic.Int32
}

func New(timeout time.Duration) *Runner {
	return &Runner{Timeout: clampTimeout(timeout)}
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// Running returns the number of installers currently executing.
func (r *Runner) Running() int { return int(r.running.Load()) }

// Run starts the installer at path and waits for it to exit. A non-zero exit
// code is not an error; errors mean the installer could not be run to
// completion. A started installer is never interrupted by ctx: stopping one
// half way can leave the product broken. Only the runner's timeout kills it,
// together with its whole process group.
func (r *Runner) Run(ctx context.Context, path string, args []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	timeout := clampTimeout(r.Timeout)
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	name, cmdArgs := Command(runtime.GOOS, path, args)
	cmd := exec.CommandContext(runCtx, name, cmdArgs...)
	cmd.Dir = r.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(path)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	// On timeout, children are killed with the installer.
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	r.running.Add(1)
	defer r.running.Add(-1)

	start := time.Now()
	runLog := log.With("path", path)
	runLog.Info("starting installer", "command", name, "timeout", timeout)
	err := cmd.Run()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runLog.Warn("installer timed out", "timeout", timeout)
		return -1, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, context.DeadlineExceeded)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		runLog.Error("installer failed to run", logging.KeyError, err)
		return -1, fmt.Errorf("run installer: %w", err)
	}

	code := cmd.ProcessState.ExitCode()
	attrs := []any{"exitCode", code, logging.KeyDurationMs, elapsed.Milliseconds()}
	if code != 0 {
		attrs = append(attrs, "stderr", tail(stderr.String()), "stdout", tail(stdout.String()))
	}
	runLog.Info("installer exited", attrs...)
	return code, nil
}

// Command returns the program and arguments used to run the payload at path
// on goos, chosen by file extension.
func Command(goos, path string, args []string) (string, []string) {
	ext := strings.ToLower(filepath.Ext(path))
	with := func(name string, pre ...string) (string, []string) {
		return name, append(pre, args...)
	}

	switch goos {
	case "windows":
		switch ext {
		case ".msi":
			return with("msiexec.exe", "/i", path, "/qn", "/norestart")
		case ".msp":
			return with("msiexec.exe", "/p", path, "/qn", "/norestart")
		case ".ps1":
			return with("powershell.exe", "-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File", path)
		case ".bat", ".cmd":
			return with("cmd.exe", "/C", path)
		}
	case "darwin":
		if ext == ".pkg" {
			return with("/usr/sbin/installer", "-pkg", path, "-target", "/")
		}
	case "linux":
		switch ext {
		case ".deb":
			return with("dpkg", "-i", path)
		case ".rpm":
			return with("rpm", "-U", "--replacepkgs", path)
		}
	}
	if ext == ".sh" {
		return with("/bin/sh", path)
	}
	return with(path)
}

func tail(s string) string {
	const keep = 512
	s = strings.TrimSpace(s)
	if len(s) <= keep {
		return s
	}
	return "..." + s[len(s)-keep:]
}

// limitedWriter wraps a buffer with a size limit
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

// Write always reports the full length so the child never sees a short write.
func (w *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if w.written >= w.limit {
		return total, nil
	}

	if remaining := w.limit - w.written; len(p) > remaining {
		p = p[:remaining]
	}
	n, err := w.buf.Write(p)
	w.written += n
	return total, err
}
