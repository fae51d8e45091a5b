package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	hivehost "github.com/hivehost/hivehost"
	"github.com/hivehost/hivehost/internal/zipx"
	"github.com/hivehost/hivehost/runtime"
)

// Backup copies the container's application directory out of the runtime,
// archives it, and delivers the archive to channelID. All scratch space is
// removed before returning, success or not.
func (c *Controller) Backup(ctx context.Context, requesterID, userID, containerID, channelID string) error {
	unlock := c.lock(containerID)
	defer unlock()

	if _, err := c.authorize("backup", requesterID, userID, containerID); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(c.cfg.DataDir, "backup-*")
	if err != nil {
		return &hivehost.OpError{Op: "backup", User: userID, Container: containerID, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			slog.Warn("backup: scratch cleanup failed", "dir", scratch, "error", err)
		}
	}()

	if err := c.rt.CopyOut(ctx, containerID, runtime.AppDir, scratch); err != nil {
		return &hivehost.OpError{Op: "backup", User: userID, Container: containerID, Err: err}
	}

	// CopyOut lands the directory under its own basename.
	srcDir := filepath.Join(scratch, filepath.Base(runtime.AppDir))
	zipPath := filepath.Join(scratch, fmt.Sprintf("backup_%s_%d.zip", containerID, time.Now().Unix()))
	if err := zipx.Archive(srcDir, zipPath); err != nil {
		return &hivehost.OpError{Op: "backup", User: userID, Container: containerID, Err: err}
	}

	if err := c.collab.SendFile(ctx, channelID, zipPath); err != nil {
		return &hivehost.OpError{Op: "backup", User: userID, Container: containerID, Err: err}
	}
	return nil
}
