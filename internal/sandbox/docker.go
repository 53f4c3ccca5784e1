package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DockerRunner executes specs in throwaway containers with no network
// and bounded resources.
type DockerRunner struct {
	cli    *client.Client
	logger *zap.Logger
	memMB  int64
}

// NewDockerRunner creates a runner and verifies daemon connectivity.
func NewDockerRunner(logger *zap.Logger) (*DockerRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return &DockerRunner{cli: cli, logger: logger, memMB: 512}, nil
}

// Run creates, starts, and waits for a container. When ctx is
// cancelled (timeout or caller abort) the container is force-removed;
// the kill runs under a fresh context so cancellation cannot strand it.
func (r *DockerRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	name := "helix-sandbox-" + uuid.New().String()[:8]

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          envSlice(spec.Env),
		OpenStdin:    spec.Stdin != "",
		StdinOnce:    spec.Stdin != "",
		AttachStdin:  spec.Stdin != "",
		Tty:          false,
		Labels: map[string]string{
			"helix.managed": "true",
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:   r.memMB * 1024 * 1024,
			NanoCPUs: 1_000_000_000, // one CPU
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	defer r.remove(resp.ID)

	if spec.Stdin != "" {
		attach, err := r.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
			Stream: true,
			Stdin:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to attach stdin: %w", err)
		}
		go func() {
			defer attach.Close()
			_, _ = io.Copy(attach.Conn, strings.NewReader(spec.Stdin))
			_ = attach.CloseWrite()
		}()
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	waitCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		// Deadline or caller abort: the deferred remove kills the
		// container so no workload outlives the timeout.
		r.logger.Info("Killing sandbox container on cancellation",
			zap.String("container", name),
		)
		return nil, ErrCancelled
	case err := <-errCh:
		return nil, fmt.Errorf("container wait failed: %w", err)
	case status := <-waitCh:
		stdout, stderr := r.collectLogs(resp.ID)
		return &Result{
			ExitCode: int(status.StatusCode),
			Stdout:   stdout,
			Stderr:   stderr,
		}, nil
	}
}

func (r *DockerRunner) collectLogs(id string) (string, string) {
	logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logs, err := r.cli.ContainerLogs(logCtx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		r.logger.Warn("Failed to collect sandbox logs", zap.Error(err))
		return "", ""
	}
	defer logs.Close()
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, logs)
	return stdout.String(), stderr.String()
}

// remove force-removes under a fresh context so it works after the run
// context was cancelled.
func (r *DockerRunner) remove(id string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("Failed to remove sandbox container",
			zap.String("container_id", id),
			zap.Error(err),
		)
	}
}

// Close releases the docker client.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}
