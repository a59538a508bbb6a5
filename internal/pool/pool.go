// Package pool owns the warm containers used for script execution. It keeps
// one container per runtime image per worker process: a single-slot cache,
// not a pool of N containers. Slots are process-local, so workers need no
// cross-process coordination for container ownership; within the process,
// Checkout serializes executions so a slot's directories and wrapper stream
// are never shared by two in-flight runs.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Syncano/scriptbox/internal/runtime"
)

// ErrCannotCreateContainer is returned when a warm container cannot be
// prepared. Fatal for the execution that triggered it, but not for the pool:
// the slot is simply unprepared and retried on next use.
var ErrCannotCreateContainer = errors.New("cannot create container")

// DockerClient is the subset of the Docker Engine API the pool uses.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// WrapperProc is the long-lived interpreter process exec'd into a wrapper
// runtime's container, with its stdin/stdout kept open for one run.
type WrapperProc struct {
	ExecID string
	Stream types.HijackedResponse
}

// Handle is a warm container with its bind-mounted directories. Between
// Checkout and Checkin it belongs to exactly one execution.
type Handle struct {
	ContainerID string
	SourceDir   string
	ScratchDir  string

	// Wrapper is non-nil for wrapper runtimes: the pre-started interpreter
	// waiting on stdin.
	Wrapper *WrapperProc
}

// Options configures container resources.
type Options struct {
	DataDir     string
	MemoryBytes int64
	PidsLimit   int64
}

// Pool caches one warm container per runtime image, keyed by the runtime's
// pool key (alias if present, else image). Each slot admits one execution at
// a time; concurrent runs on the same key queue behind the slot token.
type Pool struct {
	cli    DockerClient
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	slots   map[string]chan struct{}
}

// New creates an empty pool.
func New(cli DockerClient, opts Options, logger *slog.Logger) *Pool {
	return &Pool{
		cli:     cli,
		opts:    opts,
		logger:  logger,
		handles: make(map[string]*Handle),
		slots:   make(map[string]chan struct{}),
	}
}

// slot returns the single-permit token channel serializing executions on one
// pool key.
func (p *Pool) slot(key string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	sem, ok := p.slots[key]
	if !ok {
		sem = make(chan struct{}, 1)
		p.slots[key] = sem
	}
	return sem
}

// Checkout hands the runtime's warm handle to exactly one execution, blocking
// while another run holds the slot. The handle's directories and wrapper
// stream belong to the caller until Checkin.
func (p *Pool) Checkout(ctx context.Context, rt runtime.Runtime) (*Handle, error) {
	sem := p.slot(rt.PoolKey())
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h, err := p.Get(ctx, rt)
	if err != nil {
		<-sem
		return nil, err
	}
	return h, nil
}

// Checkin releases the runtime's slot after an execution finishes.
func (p *Pool) Checkin(rt runtime.Runtime) {
	select {
	case <-p.slot(rt.PoolKey()):
	default:
	}
}

// Get returns the cached handle for the runtime, lazily preparing a fresh
// container on first use.
func (p *Pool) Get(ctx context.Context, rt runtime.Runtime) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.handles[rt.PoolKey()]; ok {
		return h, nil
	}

	h, err := p.prepare(ctx, rt)
	if err != nil {
		return nil, err
	}
	p.handles[rt.PoolKey()] = h
	return h, nil
}

// Prepare creates a fresh warm container for the runtime and caches it,
// replacing any existing slot entry.
func (p *Pool) Prepare(ctx context.Context, rt runtime.Runtime) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, err := p.prepare(ctx, rt)
	if err != nil {
		return nil, err
	}
	p.handles[rt.PoolKey()] = h
	return h, nil
}

func (p *Pool) prepare(ctx context.Context, rt runtime.Runtime) (*Handle, error) {
	base, err := os.MkdirTemp(p.opts.DataDir, rt.PoolKey()+"-")
	if err != nil {
		return nil, fmt.Errorf("%w: create base dir: %v", ErrCannotCreateContainer, err)
	}

	sourceDir := filepath.Join(base, "source")
	scratchDir := filepath.Join(base, "scratch")
	for _, dir := range []string{sourceDir, scratchDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			os.RemoveAll(base)
			return nil, fmt.Errorf("%w: create mount dir: %v", ErrCannotCreateContainer, err)
		}
	}

	if err := writeBootstrap(sourceDir, rt); err != nil {
		os.RemoveAll(base)
		return nil, fmt.Errorf("%w: %v", ErrCannotCreateContainer, err)
	}

	pids := p.opts.PidsLimit
	created, err := p.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      rt.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: runtime.ScratchMount,
		},
		&container.HostConfig{
			NetworkMode: "none",
			Binds: []string{
				sourceDir + ":" + runtime.SourceMount + ":ro",
				scratchDir + ":" + runtime.ScratchMount + ":rw",
			},
			Resources: container.Resources{
				Memory:    p.opts.MemoryBytes,
				PidsLimit: &pids,
			},
		},
		nil, nil, "")
	if err != nil {
		os.RemoveAll(base)
		return nil, fmt.Errorf("%w: create: %v", ErrCannotCreateContainer, err)
	}

	if err := p.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		p.removeContainer(ctx, created.ID)
		os.RemoveAll(base)
		return nil, fmt.Errorf("%w: start: %v", ErrCannotCreateContainer, err)
	}

	h := &Handle{
		ContainerID: created.ID,
		SourceDir:   sourceDir,
		ScratchDir:  scratchDir,
	}

	if _, isWrapper := rt.Exec.(runtime.Wrapper); isWrapper {
		proc, err := p.startWrapper(ctx, h, rt)
		if err != nil {
			p.removeContainer(ctx, created.ID)
			os.RemoveAll(base)
			return nil, fmt.Errorf("%w: start wrapper: %v", ErrCannotCreateContainer, err)
		}
		h.Wrapper = proc
	}

	p.logger.Debug("container prepared", "runtime", rt.Name, "container_id", created.ID)
	return h, nil
}

// startWrapper execs the runtime's persistent interpreter into the container
// and keeps its stdin/stdout stream open.
func (p *Pool) startWrapper(ctx context.Context, h *Handle, rt runtime.Runtime) (*WrapperProc, error) {
	wrapper, ok := rt.Exec.(runtime.Wrapper)
	if !ok {
		return nil, fmt.Errorf("runtime %q has no wrapper", rt.Name)
	}

	exec, err := p.cli.ContainerExecCreate(ctx, h.ContainerID, container.ExecOptions{
		Cmd:          wrapper.Command,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	stream, err := p.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return &WrapperProc{ExecID: exec.ID, Stream: stream}, nil
}

// Cleanup wipes the handle's directory contents between runs and, for
// wrapper runtimes, re-execs a fresh wrapper process. Cheaper than
// destroying the container. A cleanup failure falls back to Recycle instead
// of propagating, so the slot always comes back usable.
func (p *Pool) Cleanup(ctx context.Context, h *Handle, rt runtime.Runtime) error {
	if err := p.cleanup(ctx, h, rt); err != nil {
		p.logger.Warn("cleanup failed, recycling container",
			"runtime", rt.Name, "container_id", h.ContainerID, "error", err)
		_, err := p.Recycle(ctx, rt)
		return err
	}
	return nil
}

func (p *Pool) cleanup(ctx context.Context, h *Handle, rt runtime.Runtime) error {
	if h.Wrapper != nil {
		h.Wrapper.Stream.Close()
		h.Wrapper = nil
	}

	for _, dir := range []string{h.SourceDir, h.ScratchDir} {
		if err := clearDir(dir); err != nil {
			return fmt.Errorf("clear dir: %w", err)
		}
	}

	if _, isWrapper := rt.Exec.(runtime.Wrapper); isWrapper {
		if err := writeBootstrap(h.SourceDir, rt); err != nil {
			return err
		}
		proc, err := p.startWrapper(ctx, h, rt)
		if err != nil {
			return fmt.Errorf("restart wrapper: %w", err)
		}
		h.Wrapper = proc
	}

	return nil
}

// Dispose stops and force-removes the handle's container and deletes its
// directories, dropping it from the cache.
func (p *Pool) Dispose(ctx context.Context, h *Handle) {
	p.mu.Lock()
	for key, cached := range p.handles {
		if cached == h {
			delete(p.handles, key)
			break
		}
	}
	p.mu.Unlock()

	if h.Wrapper != nil {
		h.Wrapper.Stream.Close()
		h.Wrapper = nil
	}
	p.removeContainer(ctx, h.ContainerID)
	os.RemoveAll(filepath.Dir(h.SourceDir))
}

// Recycle disposes the runtime's current container, if any, and prepares a
// fresh one so the slot is warm again.
func (p *Pool) Recycle(ctx context.Context, rt runtime.Runtime) (*Handle, error) {
	p.mu.Lock()
	h := p.handles[rt.PoolKey()]
	p.mu.Unlock()

	if h != nil {
		p.Dispose(ctx, h)
	}
	return p.Prepare(ctx, rt)
}

// Close disposes every cached container.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		p.Dispose(ctx, h)
	}
}

// ExecInspect exposes exec exit codes to the execution protocol.
func (p *Pool) ExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return p.cli.ContainerExecInspect(ctx, execID)
}

// Exec runs a one-shot command inside the handle's container, returning the
// exec id and the attached stream.
func (p *Pool) Exec(ctx context.Context, h *Handle, cmd []string) (string, types.HijackedResponse, error) {
	exec, err := p.cli.ContainerExecCreate(ctx, h.ContainerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("exec create: %w", err)
	}

	stream, err := p.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("exec attach: %w", err)
	}
	return exec.ID, stream, nil
}

func (p *Pool) removeContainer(ctx context.Context, id string) {
	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("remove container", "container_id", id, "error", err)
	}
}

// writeBootstrap writes the wrapper bootstrap into the source mount for
// wrapper runtimes; a no-op for direct-exec runtimes.
func writeBootstrap(sourceDir string, rt runtime.Runtime) error {
	wrapper, ok := rt.Exec.(runtime.Wrapper)
	if !ok {
		return nil
	}
	path := filepath.Join(sourceDir, "bootstrap."+rt.Ext)
	if err := os.WriteFile(path, []byte(wrapper.Bootstrap), 0o644); err != nil {
		return fmt.Errorf("write bootstrap: %w", err)
	}
	return nil
}

// clearDir removes the contents of dir without removing dir itself, which
// stays bind-mounted into the container.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}
