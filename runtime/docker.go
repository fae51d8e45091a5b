package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

// cpuShares throttles hosted bots relative to the host default of 1024.
const cpuShares = 128

// DockerAdapter implements Adapter using the Docker engine API.
type DockerAdapter struct {
	cli *client.Client
}

// NewDockerAdapter creates a Docker-backed adapter from the environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDockerAdapter() (*DockerAdapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerAdapter{cli: cli}, nil
}

// Ping verifies the daemon is reachable.
func (d *DockerAdapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, StatsTimeout)
	defer cancel()
	_, err := d.cli.Ping(ctx)
	return engineErr("ping", err)
}

// BuildImage builds sourceDir (with its Dockerfile) into imageName. Build
// errors reported inside the output stream are surfaced, not just transport
// failures.
func (d *DockerAdapter) BuildImage(ctx context.Context, sourceDir, imageName string) error {
	ctx, cancel := context.WithTimeout(ctx, BuildTimeout)
	defer cancel()

	buildCtx, err := archive.TarWithOptions(sourceDir, &archive.TarOptions{})
	if err != nil {
		return engineErr("build context", err)
	}
	defer buildCtx.Close()

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{imageName},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return engineErr("build image", err)
	}
	defer resp.Body.Close()

	// The daemon streams progress as JSON messages; a failed build step
	// arrives as an error message mid-stream with a 200 response.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return engineErr("build image", err)
	}
	return nil
}

// CreateContainer creates a stopped container with bounded memory and a
// restart policy that survives daemon restarts but not explicit stops.
func (d *DockerAdapter) CreateContainer(ctx context.Context, name, imageName string, ramMB int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	memBytes := int64(ramMB) * 1024 * 1024
	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      imageName,
			WorkingDir: AppDir,
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:     memBytes,
				MemorySwap: memBytes,
				CPUShares:  cpuShares,
			},
			RestartPolicy: container.RestartPolicy{
				Name: container.RestartPolicyUnlessStopped,
			},
		},
		nil, nil, name)
	if err != nil {
		return "", engineErr("create container", err)
	}
	return resp.ID, nil
}

func (d *DockerAdapter) Start(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	return engineErr("start container", d.cli.ContainerStart(ctx, containerID, container.StartOptions{}))
}

func (d *DockerAdapter) Stop(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	timeout := 10
	return engineErr("stop container", d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}))
}

func (d *DockerAdapter) Restart(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	timeout := 10
	return engineErr("restart container", d.cli.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout}))
}

func (d *DockerAdapter) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	return engineErr("remove container", d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}))
}

// UpdateRAM changes the memory and memory-swap limits in place.
func (d *DockerAdapter) UpdateRAM(ctx context.Context, containerID string, ramMB int) error {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	memBytes := int64(ramMB) * 1024 * 1024
	_, err := d.cli.ContainerUpdate(ctx, containerID, container.UpdateConfig{
		Resources: container.Resources{
			Memory:     memBytes,
			MemorySwap: memBytes,
		},
	})
	return engineErr("update container", err)
}

func (d *DockerAdapter) Rename(ctx context.Context, containerID, name string) error {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	return engineErr("rename container", d.cli.ContainerRename(ctx, containerID, name))
}

// Inspect returns the engine's view of the container state.
func (d *DockerAdapter) Inspect(ctx context.Context, containerID string) (Info, error) {
	ctx, cancel := context.WithTimeout(ctx, StatsTimeout)
	defer cancel()

	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Info{}, engineErr("inspect container", err)
	}

	info := Info{
		Status:  inspect.State.Status,
		Running: inspect.State.Running,
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		info.StartedAt = t
	}
	return info, nil
}

// Stats samples CPU, memory, and disk usage. Disk usage comes from running du
// inside the container since the engine does not report it per container.
func (d *DockerAdapter) Stats(ctx context.Context, containerID string) (Stats, error) {
	statsCtx, cancel := context.WithTimeout(ctx, StatsTimeout)
	defer cancel()

	resp, err := d.cli.ContainerStats(statsCtx, containerID, false)
	if err != nil {
		return Stats{}, engineErr("container stats", err)
	}
	defer resp.Body.Close()

	var raw struct {
		CPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
			OnlineCPUs  uint64 `json:"online_cpus"`
		} `json:"cpu_stats"`
		PreCPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
		} `json:"precpu_stats"`
		MemoryStats struct {
			Usage uint64 `json:"usage"`
			Limit uint64 `json:"limit"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stats{}, engineErr("decode stats", err)
	}

	out := Stats{
		CPUPct: cpuPercent(
			raw.CPUStats.CPUUsage.TotalUsage-raw.PreCPUStats.CPUUsage.TotalUsage,
			raw.CPUStats.SystemUsage-raw.PreCPUStats.SystemUsage,
			raw.CPUStats.OnlineCPUs,
		),
		MemUsedMB:  float64(raw.MemoryStats.Usage) / (1024 * 1024),
		MemLimitMB: float64(raw.MemoryStats.Limit) / (1024 * 1024),
	}

	// Disk usage is best-effort; a stopped container simply reports zero.
	if du, err := d.ExecCapture(ctx, containerID, []string{"du", "-s", AppDir}); err == nil {
		out.DiskUsedMB = parseDiskUsageMB(du)
	}
	return out, nil
}

// cpuPercent mirrors the engine's own stats math: usage delta over system
// delta, scaled by core count.
func cpuPercent(cpuDelta, systemDelta, onlineCPUs uint64) float64 {
	if systemDelta == 0 || cpuDelta == 0 {
		return 0
	}
	cpus := onlineCPUs
	if cpus == 0 {
		cpus = 1
	}
	return float64(cpuDelta) / float64(systemDelta) * float64(cpus) * 100
}

// parseDiskUsageMB parses `du -s` output (1K blocks) into MB.
func parseDiskUsageMB(out string) float64 {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0
	}
	kb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return kb / 1024
}

// ExecCapture runs a command inside the container and returns its stdout.
func (d *DockerAdapter) ExecCapture(ctx context.Context, containerID string, command []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()

	execResp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", engineErr("create exec", err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", engineErr("attach exec", err)
	}
	defer attachResp.Close()

	var stdout, stderr strings.Builder
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return "", engineErr("read exec output", err)
	}
	return stdout.String(), nil
}

// CopyOut copies a path from the container filesystem into destDir.
func (d *DockerAdapter) CopyOut(ctx context.Context, containerID, path, destDir string) error {
	ctx, cancel := context.WithTimeout(ctx, CopyTimeout)
	defer cancel()

	rc, _, err := d.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return engineErr("copy from container", err)
	}
	defer rc.Close()

	if err := archive.Untar(rc, destDir, &archive.TarOptions{NoLchown: true}); err != nil {
		return engineErr("extract copied files", err)
	}
	return nil
}

// Logs returns the last tail lines of combined container output.
func (d *DockerAdapter) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, StatsTimeout)
	defer cancel()

	reader, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", engineErr("container logs", err)
	}
	defer reader.Close()

	var output strings.Builder
	if _, err := stdcopy.StdCopy(&output, &output, reader); err != nil && err != io.EOF {
		return "", engineErr("read logs", err)
	}
	return output.String(), nil
}

// Close closes the underlying Docker client.
func (d *DockerAdapter) Close() error {
	return d.cli.Close()
}
