// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package containerization runs task steps inside Docker containers for
// templates that name a container image.
package containerization

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"continuumops/src/apps"
	"continuumops/src/config"
	"continuumops/src/fault"
	"continuumops/src/logging"
)

const (
	labelOwner   = "continuum.controller"
	ownerValue   = "task"
	drainTimeout = 2 * time.Second
)

// dockerAPI is the part of the Docker client the backend uses.
type dockerAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
}

// Backend runs each step as a fresh container. The task tmp tree is bind
// mounted at the same path so workspaces, key files and the agent socket
// resolve unchanged inside the container.
type Backend struct {
	api       dockerAPI
	cfg       config.ContainerConfig
	networkID string
	mounts    []string
	killGrace time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// NewBackend accepts an empty networkID, in which case containers use the
// default bridge.
func NewBackend(api dockerAPI, cfg config.Config, networkID string) *Backend {
	return &Backend{
		api:       api,
		cfg:       cfg.Container,
		networkID: networkID,
		mounts:    []string{cfg.TmpPath + ":" + cfg.TmpPath},
		killGrace: cfg.Pool.KillGrace,
		logger:    logging.Logger().With(slog.String("component", "containers")),
		active:    map[string]struct{}{},
	}
}

var _ apps.Backend = (*Backend)(nil)

func (b *Backend) Run(ctx context.Context, c apps.Command, line func(string), started func(apps.Child)) (int, error) {
	if len(c.Argv) == 0 || c.Image == "" {
		return -1, fault.Config("spawn", fmt.Errorf("%w: container step needs an image and a command", apps.ErrSpawnFailed))
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if err := b.ensureImage(ctx, c.Image, line); err != nil {
		return -1, err
	}

	cfg, host, netCfg := b.containerSpec(c)
	resp, err := b.api.ContainerCreate(ctx, cfg, host, netCfg, nil, "")
	if err != nil {
		return -1, fault.Config("create container", fmt.Errorf("%w: %v", apps.ErrSpawnFailed, err))
	}
	id := resp.ID
	b.track(id)
	defer func() {
		b.untrack(id)
		b.remove(id)
	}()

	// Wait must be registered before start so a fast exit is not missed.
	waitCtx := context.WithoutCancel(ctx)
	waitCh, waitErrCh := b.api.ContainerWait(waitCtx, id, container.WaitConditionNextExit)

	if err := b.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return -1, fault.Config("start container", fmt.Errorf("%w: %v", apps.ErrSpawnFailed, err))
	}
	if started != nil {
		started(apps.Child{ContainerID: id})
	}

	logs, err := b.api.ContainerLogs(waitCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		b.logger.Warn("cannot stream container output", slog.String("container", shortID(id)), slog.String("error", err.Error()))
		logs = io.NopCloser(strings.NewReader(""))
	}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer logs.Close()
		streamLines(logs, line)
	}()

	var (
		terminated error
		code       = -1
		waitErr    error
	)
	select {
	case <-ctx.Done():
		terminated = ctx.Err()
		b.stop(id)
		code = b.afterStop(waitCh)
	case resp := <-waitCh:
		code, waitErr = waitResult(resp)
	case err := <-waitErrCh:
		waitErr = fault.New(fault.KindUnknown, "wait container", err)
	}
	select {
	case <-readDone:
	case <-time.After(drainTimeout):
		_ = logs.Close()
		<-readDone
	}

	if terminated != nil {
		return code, fmt.Errorf("%w: %w", apps.ErrKilled, terminated)
	}
	return code, waitErr
}

// containerSpec mirrors the sandbox limits of the task containers: memory
// and CPU caps, internal hosts masked, and the sandbox network.
func (b *Backend) containerSpec(c apps.Command) (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	cfg := &container.Config{
		Image:      c.Image,
		Cmd:        c.Argv,
		Env:        c.Env,
		WorkingDir: c.Dir,
		Tty:        false,
		Labels:     map[string]string{labelOwner: ownerValue},
	}
	host := &container.HostConfig{
		Binds: b.mounts,
		Resources: container.Resources{
			Memory:   b.cfg.MemoryMB * 1024 * 1024,
			NanoCPUs: int64(b.cfg.CPULimit * math.Pow10(9)),
		},
		ExtraHosts: []string{
			"host.docker.internal:127.0.0.1",
			"gateway.docker.internal:127.0.0.1",
		},
	}
	var netCfg *network.NetworkingConfig
	if b.networkID != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				b.cfg.Network: {NetworkID: b.networkID},
			},
		}
	}
	return cfg, host, netCfg
}

func (b *Backend) ensureImage(ctx context.Context, ref string, line func(string)) error {
	list, err := b.api.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", ref))})
	if err == nil && len(list) > 0 {
		return nil
	}
	if line != nil {
		line("Pulling image " + ref)
	}
	rc, err := b.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fault.Network("pull image", fmt.Errorf("%w: %v", apps.ErrSpawnFailed, err))
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fault.Network("pull image", err)
	}
	return nil
}

// stop asks Docker for SIGTERM and SIGKILL after the grace period.
func (b *Backend) stop(id string) {
	secs := int(math.Ceil(b.killGrace.Seconds()))
	if secs <= 0 {
		secs = 10
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.killGrace+30*time.Second)
	defer cancel()
	if err := b.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		b.logger.Warn("cannot stop container", slog.String("container", shortID(id)), slog.String("error", err.Error()))
	}
}

func waitResult(resp container.WaitResponse) (int, error) {
	if resp.Error != nil && resp.Error.Message != "" {
		return int(resp.StatusCode), fault.New(fault.KindUnknown, "wait container", errors.New(resp.Error.Message))
	}
	return int(resp.StatusCode), nil
}

// afterStop collects the exit code of a stopped container, or -1 when Docker
// does not report one in time.
func (b *Backend) afterStop(waitCh <-chan container.WaitResponse) int {
	select {
	case resp, ok := <-waitCh:
		if ok {
			return int(resp.StatusCode)
		}
	case <-time.After(b.killGrace + 30*time.Second):
	}
	return -1
}

func (b *Backend) track(id string) {
	b.mu.Lock()
	b.active[id] = struct{}{}
	b.mu.Unlock()
}

func (b *Backend) untrack(id string) {
	b.mu.Lock()
	delete(b.active, id)
	b.mu.Unlock()
}

func (b *Backend) isActive(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.active[id]
	return ok
}

// streamLines demultiplexes the Docker log stream into lines.
func streamLines(r io.Reader, line func(string)) {
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, r)
		pw.CloseWithError(err)
	}()
	br := bufio.NewReaderSize(pr, 64*1024)
	for {
		s, err := br.ReadString('\n')
		if s != "" && line != nil {
			line(strings.TrimRight(s, "\r\n"))
		}
		if err != nil {
			_ = pr.Close()
			return
		}
	}
}
