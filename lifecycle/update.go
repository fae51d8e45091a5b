package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	hivehost "github.com/hivehost/hivehost"
	"github.com/hivehost/hivehost/internal/zipx"
	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/session"
)

// Update replaces a container's code with the archive at zipPath. The new
// image is built and a replacement container created and started before the
// old one is touched, so a failed update leaves the previous deployment
// running. The archive is consumed (deleted) regardless of outcome.
func (c *Controller) Update(ctx context.Context, requesterID, userID, containerID, zipPath string) error {
	defer func() {
		if err := os.Remove(zipPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("update: archive cleanup failed", "path", zipPath, "error", err)
		}
	}()

	unlock := c.lock(containerID)
	defer unlock()

	rec, err := c.authorize("update", requesterID, userID, containerID)
	if err != nil {
		return err
	}
	lang, ok := c.cfg.Language(rec.Language)
	if !ok {
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID,
			Err: fmt.Errorf("language %q: %w", rec.Language, hivehost.ErrNotFound)}
	}

	sourceDir := filepath.Join(c.cfg.DataDir, "containers", userID, rec.BotID)
	if err := os.RemoveAll(sourceDir); err != nil {
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID, Err: err}
	}
	if err := zipx.Extract(zipPath, sourceDir); err != nil {
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID,
			Err: fmt.Errorf("extract archive: %w", err)}
	}
	if err := session.WriteDockerfile(lang, rec.MainFile, sourceDir); err != nil {
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID, Err: err}
	}

	imageName := registry.ImageName(userID, rec.BotID)
	if err := c.rt.BuildImage(ctx, sourceDir, imageName); err != nil {
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID, Err: err}
	}

	// Bring the replacement up under a temporary name so the old container
	// keeps its name (and keeps running) until the new one has proven out.
	tempName := rec.Name + "-" + uuid.NewString()[:8]
	newID, err := c.rt.CreateContainer(ctx, tempName, imageName, rec.RAM)
	if err != nil {
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID, Err: err}
	}
	if err := c.rt.Start(ctx, newID); err != nil {
		if rmErr := c.rt.Remove(ctx, newID); rmErr != nil {
			slog.Warn("update: replacement cleanup failed", "container", newID, "error", rmErr)
		}
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID, Err: err}
	}

	// Point of no return: the replacement is running. Retire the old
	// container; failures from here are logged, not surfaced, because the
	// new deployment is already live.
	if err := c.rt.Stop(ctx, containerID); err != nil {
		slog.Warn("update: stop of retired container failed", "container", containerID, "error", err)
	}
	if err := c.rt.Remove(ctx, containerID); err != nil {
		slog.Warn("update: removal of retired container failed", "container", containerID, "error", err)
	}
	if err := c.rt.Rename(ctx, newID, rec.Name); err != nil {
		slog.Warn("update: rename of replacement failed", "container", newID, "error", err)
	}

	newRec := rec
	newRec.ContainerID = newID
	newRec.Status = registry.StatusRunning
	newRec.UpdatedAt = time.Now().UTC()
	if err := c.reg.Replace(userID, containerID, newRec); err != nil {
		// The old container is gone but the record still points at it.
		// Flag the record so the monitor and operators see the mismatch;
		// the live replacement id is in the log for manual repair.
		if stErr := c.reg.SetStatus(userID, containerID, registry.StatusUnknown); stErr != nil {
			slog.Error("update: marking stale record failed", "container", containerID, "error", stErr)
		}
		slog.Error("update: record swap failed, replacement is live",
			"container", containerID, "replacement", newID, "error", err)
		return &hivehost.OpError{Op: "update", User: userID, Container: containerID, Err: err}
	}
	return nil
}
