// Package dockertransport implements runner.Runner by launching the runner
// binary inside a Docker container instead of a local subprocess, for
// repositories configured with workspace.isolation: container
// (SPEC_FULL.md §4.4b). The container speaks the same stream-JSON/exec-json/
// ACP protocols over its attached stdio, so event normalization is shared
// with the subprocess transports via their exported Translate* functions.
package dockertransport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"

	"github.com/ceedaragents/cyrus-edge-worker/internal/common/config"
	"github.com/ceedaragents/cyrus-edge-worker/internal/common/logger"
	"go.uber.org/zap"
)

// ContainerConfig holds configuration for creating a runner container.
type ContainerConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Env        []string
	WorkingDir string
	Mounts     []MountConfig
	Labels     map[string]string
	AutoRemove bool
}

// MountConfig holds one bind mount: the host workspace directory into the
// container's working directory.
type MountConfig struct {
	Source   string
	Target   string
	ReadOnly bool
}

// dockerClient wraps the Docker SDK client with the container lifecycle
// operations a runner transport needs: create, attach, stop, remove.
// Adapted from the teacher's internal/agent/docker/client.go, trimmed to the
// interactive-attach path this transport actually drives.
type dockerClient struct {
	cli *client.Client
	log *logger.Logger
}

func newDockerClient(cfg config.DockerConfig, log *logger.Logger) (*dockerClient, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &dockerClient{cli: cli, log: log}, nil
}

func (d *dockerClient) Close() error { return d.cli.Close() }

func (d *dockerClient) pullImage(ctx context.Context, imageName string) error {
	reader, err := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageName, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// createInteractive creates a container with stdin attached, no TTY (the
// runner speaks newline-delimited JSON or JSON-RPC, not a terminal UI).
func (d *dockerClient) createInteractive(ctx context.Context, cfg ContainerConfig) (string, error) {
	mounts := make([]mount.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	containerCfg := &dockercontainer.Config{
		Image:        cfg.Image,
		Cmd:          cfg.Cmd,
		Env:          cfg.Env,
		WorkingDir:   cfg.WorkingDir,
		Labels:       cfg.Labels,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	hostCfg := &dockercontainer.HostConfig{
		Mounts:     mounts,
		AutoRemove: cfg.AutoRemove,
	}

	resp, err := d.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", cfg.Name, err)
	}
	return resp.ID, nil
}

// attachResult carries the demultiplexed streams for a running container.
type attachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Conn   net.Conn
}

func (d *dockerClient) attach(ctx context.Context, containerID string) (*attachResult, error) {
	resp, err := d.cli.ContainerAttach(ctx, containerID, dockercontainer.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdinReader, stdinWriter := io.Pipe()
	go func() { _, _ = io.Copy(resp.Conn, stdinReader) }()

	stdoutReader, stdoutWriter := io.Pipe()
	go func() {
		defer stdoutWriter.Close()
		demultiplex(resp.Reader, stdoutWriter, d.log)
	}()

	return &attachResult{Stdin: stdinWriter, Stdout: stdoutReader, Conn: resp.Conn}, nil
}

// demultiplex reads Docker's multiplexed stream format (8-byte header: type,
// 3 reserved bytes, big-endian uint32 size) and writes stdout/stderr frames
// to writer.
func demultiplex(reader io.Reader, writer io.Writer, log *logger.Logger) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err != io.EOF {
				log.Debug("dockertransport: demultiplex stream ended", zap.Error(err))
			}
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			_, _ = writer.Write(data)
		}
	}
}

func (d *dockerClient) start(ctx context.Context, containerID string) error {
	return d.cli.ContainerStart(ctx, containerID, dockercontainer.StartOptions{})
}

func (d *dockerClient) stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return d.cli.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &seconds})
}

func (d *dockerClient) remove(ctx context.Context, containerID string) error {
	return d.cli.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (a *attachResult) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	if a.Conn != nil {
		_ = a.Conn.Close()
	}
	return nil
}
