// Package runtime abstracts the container engine. The Adapter interface is the
// only surface the rest of the system sees; the Docker implementation lives in
// docker.go. Every call is bounded by a per-operation deadline, and deadline
// expiry surfaces as hivehost.ErrRuntimeTimeout rather than a generic engine
// failure.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	hivehost "github.com/hivehost/hivehost"
)

// Per-call deadlines. Image builds and filesystem copies are slow by nature;
// lifecycle transitions are not.
const (
	BuildTimeout = 10 * time.Minute
	OpTimeout    = 60 * time.Second
	StatsTimeout = 30 * time.Second
	CopyTimeout  = 5 * time.Minute
)

// AppDir is where guest code lives inside every hosted container.
const AppDir = "/app"

// Info is the inspection snapshot of one container.
type Info struct {
	Status    string // engine status string, e.g. "running", "exited"
	Running   bool
	StartedAt time.Time
}

// Stats holds point-in-time resource usage for one container.
type Stats struct {
	CPUPct     float64
	MemUsedMB  float64
	MemLimitMB float64
	DiskUsedMB float64
}

// Adapter is the contract against the container engine.
type Adapter interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// BuildImage builds an image from sourceDir (which must contain a
	// Dockerfile) and tags it with imageName.
	BuildImage(ctx context.Context, sourceDir, imageName string) error

	// CreateContainer creates a container with the given memory limit and
	// returns the engine-assigned id. The container is not started.
	CreateContainer(ctx context.Context, name, imageName string, ramMB int) (string, error)

	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error

	// UpdateRAM changes the container's memory and memory-swap limits.
	UpdateRAM(ctx context.Context, containerID string, ramMB int) error

	// Rename changes the container's name.
	Rename(ctx context.Context, containerID, name string) error

	Inspect(ctx context.Context, containerID string) (Info, error)
	Stats(ctx context.Context, containerID string) (Stats, error)

	// ExecCapture runs a command inside the container and returns its stdout.
	ExecCapture(ctx context.Context, containerID string, command []string) (string, error)

	// CopyOut copies a path from the container filesystem into destDir.
	CopyOut(ctx context.Context, containerID, path, destDir string) error

	// Logs returns the last tail lines of the container's output.
	Logs(ctx context.Context, containerID string, tail int) (string, error)
}

// engineErr maps an engine failure into the shared error taxonomy, keeping the
// engine's message text intact.
func engineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, hivehost.ErrRuntimeTimeout)
	}
	return fmt.Errorf("%s: %s: %w", op, err, hivehost.ErrRuntime)
}
