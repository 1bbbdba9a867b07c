package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ExecResult is the outcome of one command inside a sandbox.
type ExecResult struct {
	ExitCode int
	Output   []byte
}

// ExecutorBackend is the concrete sandbox provider.
type ExecutorBackend interface {
	StartSandbox(ctx context.Context, template string) (string, error)
	Exec(ctx context.Context, sandboxID string, cmd []string) (*ExecResult, error)
	WriteFile(ctx context.Context, sandboxID, path string, data []byte) error
	ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error)
	Kill(ctx context.Context, sandboxID string) error
}

// ============================================================================
// DOCKER BACKEND
// ============================================================================

// DockerBackend runs sandboxes as jailed containers: no network, read-only
// rootfs, tmpfs scratch, hard resource caps.
type DockerBackend struct {
	runtime string // e.g. "runsc" for gVisor; empty for the default
}

// NewDockerBackend builds the Docker executor.
func NewDockerBackend(runtime string) *DockerBackend {
	return &DockerBackend{runtime: runtime}
}

func (b *DockerBackend) newClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// StartSandbox creates and starts one jailed container from the template
// image, kept alive for repeated execs.
func (b *DockerBackend) StartSandbox(ctx context.Context, template string) (string, error) {
	cli, err := b.newClient()
	if err != nil {
		return "", fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		Runtime:        b.runtime,
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,     // 1.0 CPU
			Memory:   512 * 1024 * 1024, // 512MB
		},
		Tmpfs: map[string]string{
			"/tmp":       "rw,noexec,nosuid,size=64m",
			"/workspace": "rw,nosuid,size=256m",
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: template,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create sandbox container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start sandbox container: %w", err)
	}
	return resp.ID, nil
}

// Exec runs a command inside the container as the unprivileged user.
func (b *DockerBackend) Exec(ctx context.Context, sandboxID string, cmd []string) (*ExecResult, error) {
	cli, err := b.newClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	execID, err := cli.ContainerExecCreate(ctx, sandboxID, types.ExecConfig{
		User:         "sandbox",
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create failed: %w", err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("exec attach failed: %w", err)
	}
	defer resp.Close()

	output, err := io.ReadAll(resp.Reader)
	if err != nil {
		return nil, fmt.Errorf("exec read failed: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect failed: %w", err)
	}
	return &ExecResult{ExitCode: inspect.ExitCode, Output: output}, nil
}

// WriteFile copies one file into the container's writable scratch area.
func (b *DockerBackend) WriteFile(ctx context.Context, sandboxID, path string, data []byte) error {
	cli, err := b.newClient()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: filepath.Base(path),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close tar: %w", err)
	}

	if err := cli.CopyToContainer(ctx, sandboxID, filepath.Dir(path), &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to copy into sandbox: %w", err)
	}
	return nil
}

// ReadFile copies one file out of the container.
func (b *DockerBackend) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	cli, err := b.newClient()
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	rc, _, err := cli.CopyFromContainer(ctx, sandboxID, path)
	if err != nil {
		return nil, fmt.Errorf("failed to copy from sandbox: %w", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("failed to read tar header: %w", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fmt.Errorf("failed to read tar body: %w", err)
	}
	return data, nil
}

// Kill force-removes the container.
func (b *DockerBackend) Kill(ctx context.Context, sandboxID string) error {
	cli, err := b.newClient()
	if err != nil {
		return fmt.Errorf("failed to create docker client: %w", err)
	}
	defer cli.Close()

	if err := cli.ContainerRemove(ctx, sandboxID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove sandbox container: %w", err)
	}
	return nil
}

// ============================================================================
// LOCAL BACKEND
// ============================================================================

// LocalBackend is the in-process executor used by default in development and
// in tests. Files live in memory; every exec succeeds with exit code 0
// unless the command is scripted otherwise.
type LocalBackend struct {
	mu      sync.Mutex
	nextID  int
	files   map[string]map[string][]byte // sandboxID -> path -> data
	killed  map[string]bool
	execFn  func(sandboxID string, cmd []string) (*ExecResult, error)
	started int
}

// NewLocalBackend builds the in-process executor.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		files:  make(map[string]map[string][]byte),
		killed: make(map[string]bool),
	}
}

// SetExecFunc overrides command execution for tests.
func (b *LocalBackend) SetExecFunc(fn func(sandboxID string, cmd []string) (*ExecResult, error)) {
	b.mu.Lock()
	b.execFn = fn
	b.mu.Unlock()
}

func (b *LocalBackend) StartSandbox(_ context.Context, template string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.started++
	id := fmt.Sprintf("local-%s-%d", template, b.nextID)
	b.files[id] = make(map[string][]byte)
	return id, nil
}

func (b *LocalBackend) Exec(_ context.Context, sandboxID string, cmd []string) (*ExecResult, error) {
	b.mu.Lock()
	fn := b.execFn
	dead := b.killed[sandboxID]
	b.mu.Unlock()

	if dead {
		return nil, fmt.Errorf("sandbox %s is terminated", sandboxID)
	}
	if fn != nil {
		return fn(sandboxID, cmd)
	}
	return &ExecResult{ExitCode: 0}, nil
}

func (b *LocalBackend) WriteFile(_ context.Context, sandboxID, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, ok := b.files[sandboxID]
	if !ok {
		return fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	files[path] = cp
	return nil
}

func (b *LocalBackend) ReadFile(_ context.Context, sandboxID, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	files, ok := b.files[sandboxID]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox %s", sandboxID)
	}
	data, ok := files[path]
	if !ok {
		return nil, fmt.Errorf("no such file %s in sandbox %s", path, sandboxID)
	}
	return data, nil
}

func (b *LocalBackend) Kill(_ context.Context, sandboxID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed[sandboxID] = true
	delete(b.files, sandboxID)
	return nil
}

// StartedCount reports how many sandboxes this backend has ever started.
func (b *LocalBackend) StartedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}
