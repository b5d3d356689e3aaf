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

package containerization

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"continuumops/src/logging"
)

// EnsureSandboxNetwork creates or retrieves the bridge network task
// containers join. Internal hosts are masked with ExtraHosts on each
// container rather than by an internal network, so egress still works.
func EnsureSandboxNetwork(ctx context.Context, cli *client.Client, name string) (string, error) {
	networks, err := cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list networks: %v", err), slog.LevelError)
		return "", err
	}
	for _, n := range networks {
		if n.Name == name {
			return n.ID, nil
		}
	}

	resp, err := cli.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to create sandbox network: %v", err), slog.LevelError)
		return "", err
	}
	return resp.ID, nil
}

// RunContainerReaper removes labelled task containers that no run owns and
// that are older than timeout. They are left behind when the controller
// dies while a container step runs.
func RunContainerReaper(ctx context.Context, b *Backend, timeout, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reap(ctx, timeout)
		}
	}
}

func (b *Backend) reap(ctx context.Context, timeout time.Duration) int {
	list, err := b.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelOwner+"="+ownerValue)),
	})
	if err != nil {
		logging.Log(fmt.Sprintf("failed to list task containers: %v", err), slog.LevelWarn)
		return 0
	}

	removed := 0
	for _, c := range list {
		if b.isActive(c.ID) || time.Since(time.Unix(c.Created, 0)) < timeout {
			continue
		}
		logging.Log(fmt.Sprintf("Idle timeout reached for container %s. Removing...", shortID(c.ID)), slog.LevelInfo)
		b.remove(c.ID)
		removed++
	}
	return removed
}

// CleanupActiveContainers force-removes the containers of steps still
// running, used on shutdown after the grace period.
func (b *Backend) CleanupActiveContainers() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.active))
	for id := range b.active {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		logging.Log(fmt.Sprintf("Cleaning up active container %s...", shortID(id)), slog.LevelInfo)
		b.remove(id)
	}
}

func (b *Backend) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		logging.Log(fmt.Sprintf("failed to remove container %s: %v", shortID(id), err), slog.LevelWarn)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
