package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/Syncano/scriptbox/internal/model"
	"github.com/Syncano/scriptbox/internal/pool"
	"github.com/Syncano/scriptbox/internal/runtime"
)

// Channel error kinds. ErrCannotExecContainer covers exec/socket failures on
// the direct path; ErrScriptWrapper covers wrapper stream failures and forces
// a full container disposal, since the wrapper process may be left in a
// corrupt state.
var (
	ErrCannotExecContainer = errors.New("cannot exec container")
	ErrScriptWrapper       = errors.New("script wrapper error")
)

// readGraceS pads the socket read deadline beyond the in-container timeout
// enforcement, acting as a backstop only.
const readGraceS = 2

// Options configures the runner.
type Options struct {
	ResultLimit int
	GraceS      int
	SecretKey   string
}

// Runner executes run specs against the container pool.
type Runner struct {
	pool   *pool.Pool
	opts   Options
	logger *slog.Logger
}

// NewRunner creates a runner backed by the given pool.
func NewRunner(p *pool.Pool, opts Options, logger *slog.Logger) *Runner {
	return &Runner{pool: p, opts: opts, logger: logger}
}

// Run executes one spec inside the runtime's warm container and returns the
// captured result. The handle is checked out for the duration of the run, so
// concurrent specs on one runtime execute in turn; it is cleaned for reuse on
// the way out, and wrapper stream failures recycle the container instead.
func (r *Runner) Run(ctx context.Context, spec *model.RunSpec) (*model.Result, error) {
	rt, err := runtime.Get(spec.Runtime)
	if err != nil {
		return nil, err
	}

	h, err := r.pool.Checkout(ctx, rt)
	if err != nil {
		return nil, err
	}
	defer r.pool.Checkin(rt)

	srcPath := filepath.Join(h.SourceDir, rt.SourceFile())
	if err := os.WriteFile(srcPath, []byte(spec.Source), 0o644); err != nil {
		return nil, fmt.Errorf("%w: write source: %v", ErrCannotExecContainer, err)
	}

	var result *model.Result
	var runErr error
	switch rt.Exec.(type) {
	case runtime.Wrapper:
		result, runErr = r.runWrapper(ctx, h, spec)
	default:
		result, runErr = r.runDirect(ctx, h, rt, spec)
	}

	if errors.Is(runErr, ErrScriptWrapper) {
		if _, err := r.pool.Recycle(ctx, rt); err != nil {
			r.logger.Error("recycle after wrapper error", "runtime", rt.Name, "error", err)
		}
	} else {
		if err := r.pool.Cleanup(ctx, h, rt); err != nil {
			r.logger.Error("cleanup after run", "runtime", rt.Name, "error", err)
		}
	}

	if runErr != nil {
		return nil, runErr
	}
	capStreams(result, r.opts.ResultLimit)
	return result, nil
}

// runDirect shell-execs the runtime command under timeout(1); the user's
// stdout/stderr land in scratch files, and the exec's own output carries the
// echoed exit code on failure.
func (r *Runner) runDirect(ctx context.Context, h *pool.Handle, rt runtime.Runtime, spec *model.RunSpec) (*model.Result, error) {
	cmd, err := runtime.DirectCommand(rt, spec.TimeoutS, r.opts.GraceS)
	if err != nil {
		return nil, err
	}

	execID, stream, err := r.pool.Exec(ctx, h, []string{"sh", "-c", cmd})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotExecContainer, err)
	}
	defer stream.Close()

	deadline := time.Now().Add(time.Duration(spec.TimeoutS+r.opts.GraceS+readGraceS) * time.Second)
	stream.Conn.SetReadDeadline(deadline)

	echo := &limitedBuffer{limit: 1024}
	discard := &limitedBuffer{limit: 1024}
	if _, err := stdcopy.StdCopy(echo, discard, stream.Reader); err != nil {
		if isTimeout(err) {
			return r.directResult(h, timeoutExitCode), nil
		}
		return nil, fmt.Errorf("%w: read exec stream: %v", ErrCannotExecContainer, err)
	}

	exitCode := 0
	if echoed := strings.TrimSpace(echo.String()); echoed != "" {
		code, err := strconv.Atoi(echoed)
		if err != nil {
			inspect, ierr := r.pool.ExecInspect(ctx, execID)
			if ierr != nil {
				return nil, fmt.Errorf("%w: inspect exec: %v", ErrCannotExecContainer, ierr)
			}
			code = inspect.ExitCode
		}
		exitCode = code
	}

	return r.directResult(h, exitCode), nil
}

// directResult reads the redirected stdout/stderr files from the scratch mount.
func (r *Runner) directResult(h *pool.Handle, exitCode int) *model.Result {
	return &model.Result{
		Stdout:   readCapped(filepath.Join(h.ScratchDir, "stdout"), r.opts.ResultLimit),
		Stderr:   readCapped(filepath.Join(h.ScratchDir, "stderr"), r.opts.ResultLimit),
		ExitCode: exitCode,
	}
}

// runWrapper drives one execution through the persistent wrapper process:
// one JSON request line in, the run's output out, the wrapper exiting when
// the script finishes. The wrapper self-enforces the timeout; the stream
// deadline is only a backstop.
func (r *Runner) runWrapper(ctx context.Context, h *pool.Handle, spec *model.RunSpec) (*model.Result, error) {
	if h.Wrapper == nil {
		return nil, fmt.Errorf("%w: no wrapper process", ErrScriptWrapper)
	}

	separator := NewSeparator()
	payload, err := buildWrapperPayload(spec, separator, r.opts.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptWrapper, err)
	}

	conn := h.Wrapper.Stream.Conn
	deadline := time.Now().Add(time.Duration(spec.TimeoutS+r.opts.GraceS+readGraceS) * time.Second)
	conn.SetDeadline(deadline)

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrScriptWrapper, err)
	}

	stdout := &limitedBuffer{limit: r.opts.ResultLimit}
	stderr := &limitedBuffer{limit: r.opts.ResultLimit}

	timedOut := false
	if _, err := stdcopy.StdCopy(stdout, stderr, h.Wrapper.Stream.Reader); err != nil {
		if !isTimeout(err) {
			return nil, fmt.Errorf("%w: read stream: %v", ErrScriptWrapper, err)
		}
		timedOut = true
	}

	exitCode := timeoutExitCode
	if !timedOut {
		inspect, err := r.pool.ExecInspect(ctx, h.Wrapper.ExecID)
		if err != nil {
			return nil, fmt.Errorf("%w: inspect exec: %v", ErrScriptWrapper, err)
		}
		exitCode = inspect.ExitCode
	}

	result := &model.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
	SplitOutput(result, separator)
	return result, nil
}

// isTimeout reports whether a stream error is a read-deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// readCapped reads up to limit bytes of a scratch file; a missing file reads
// as empty.
func readCapped(path string, limit int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	return string(data)
}
