// Package lifecycle implements the stateless operations layer over existing
// containers: start, stop, restart, delete, resize, refresh, logs, plus the
// update (commit) and backup workflows. Every action re-validates ownership
// and existence, and all operations on one container id are serialized by a
// per-id lock so concurrent actions cannot leave the registry inconsistent
// with runtime truth.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	hivehost "github.com/hivehost/hivehost"
	"github.com/hivehost/hivehost/chat"
	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/runtime"
)

// Controller executes lifecycle actions against the registry and runtime.
type Controller struct {
	cfg    *hivehost.Config
	reg    *registry.Registry
	rt     runtime.Adapter
	collab chat.Collaborator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewController creates a Controller. The collaborator is used only for
// backup delivery.
func NewController(cfg *hivehost.Config, reg *registry.Registry, rt runtime.Adapter, collab chat.Collaborator) *Controller {
	return &Controller{
		cfg:    cfg,
		reg:    reg,
		rt:     rt,
		collab: collab,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock serializes operations per container id. The returned func releases it.
func (c *Controller) lock(containerID string) func() {
	c.mu.Lock()
	l, ok := c.locks[containerID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[containerID] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// authorize re-validates that the requester owns the container and that it
// still exists. It must run under the per-id lock so a concurrent delete
// cannot slip between the check and the action.
func (c *Controller) authorize(op, requesterID, userID, containerID string) (registry.Record, error) {
	if requesterID != userID {
		return registry.Record{}, &hivehost.OpError{Op: op, User: requesterID, Container: containerID, Err: hivehost.ErrPermission}
	}
	rec, err := c.reg.Get(userID, containerID)
	if err != nil {
		return registry.Record{}, &hivehost.OpError{Op: op, User: userID, Container: containerID, Err: err}
	}
	return rec, nil
}

// Start starts the container and records the transition.
func (c *Controller) Start(ctx context.Context, requesterID, userID, containerID string) error {
	unlock := c.lock(containerID)
	defer unlock()

	if _, err := c.authorize("start", requesterID, userID, containerID); err != nil {
		return err
	}
	if err := c.rt.Start(ctx, containerID); err != nil {
		return &hivehost.OpError{Op: "start", User: userID, Container: containerID, Err: err}
	}
	return c.reg.SetStatus(userID, containerID, registry.StatusRunning)
}

// Stop stops the container and records the transition.
func (c *Controller) Stop(ctx context.Context, requesterID, userID, containerID string) error {
	unlock := c.lock(containerID)
	defer unlock()

	if _, err := c.authorize("stop", requesterID, userID, containerID); err != nil {
		return err
	}
	if err := c.rt.Stop(ctx, containerID); err != nil {
		return &hivehost.OpError{Op: "stop", User: userID, Container: containerID, Err: err}
	}
	return c.reg.SetStatus(userID, containerID, registry.StatusStopped)
}

// Restart restarts the container and records the transition.
func (c *Controller) Restart(ctx context.Context, requesterID, userID, containerID string) error {
	unlock := c.lock(containerID)
	defer unlock()

	if _, err := c.authorize("restart", requesterID, userID, containerID); err != nil {
		return err
	}
	if err := c.rt.Restart(ctx, containerID); err != nil {
		return &hivehost.OpError{Op: "restart", User: userID, Container: containerID, Err: err}
	}
	return c.reg.SetStatus(userID, containerID, registry.StatusRunning)
}

// Delete removes the container and then its registry record. A failed stop is
// tolerated; a failed remove aborts with the record (and container) intact.
func (c *Controller) Delete(ctx context.Context, requesterID, userID, containerID string) error {
	unlock := c.lock(containerID)
	defer unlock()

	if _, err := c.authorize("delete", requesterID, userID, containerID); err != nil {
		return err
	}

	if err := c.rt.Stop(ctx, containerID); err != nil {
		slog.Warn("delete: best-effort stop failed", "container", containerID, "error", err)
	}
	if err := c.rt.Remove(ctx, containerID); err != nil {
		return &hivehost.OpError{Op: "delete", User: userID, Container: containerID, Err: err}
	}
	return c.reg.Remove(userID, containerID)
}

// Resize changes the container's memory limit: stop, update limits, start.
// If the limit update fails the container is restarted with its prior limits.
// If that recovery also fails the record is marked unknown for manual repair;
// there is no automatic retry.
func (c *Controller) Resize(ctx context.Context, requesterID, userID, containerID string, newRAM int) error {
	unlock := c.lock(containerID)
	defer unlock()

	rec, err := c.authorize("resize", requesterID, userID, containerID)
	if err != nil {
		return err
	}
	if !c.cfg.ValidRAM(newRAM) {
		return &hivehost.OpError{Op: "resize", User: userID, Container: containerID,
			Err: fmt.Errorf("ram %dMB outside [%d, %d]: %w", newRAM, c.cfg.MinRAMMB, c.cfg.MaxRAMMB, hivehost.ErrValidation)}
	}

	if err := c.rt.Stop(ctx, containerID); err != nil {
		return &hivehost.OpError{Op: "resize", User: userID, Container: containerID, Err: err}
	}

	if err := c.rt.UpdateRAM(ctx, containerID, newRAM); err != nil {
		return c.recoverResize(ctx, userID, containerID, rec.RAM, err)
	}

	if err := c.rt.Start(ctx, containerID); err != nil {
		return c.recoverResize(ctx, userID, containerID, rec.RAM, err)
	}

	return c.reg.SetRAM(userID, containerID, newRAM, registry.StatusRunning)
}

// recoverResize tries to put the container back on its previous limits after
// a failed resize. The original failure is always returned; the registry RAM
// value is never advanced.
func (c *Controller) recoverResize(ctx context.Context, userID, containerID string, prevRAM int, cause error) error {
	if err := c.rt.UpdateRAM(ctx, containerID, prevRAM); err != nil {
		slog.Warn("resize: restore previous limits failed", "container", containerID, "error", err)
	}
	if err := c.rt.Start(ctx, containerID); err != nil {
		if stErr := c.reg.SetStatus(userID, containerID, registry.StatusUnknown); stErr != nil {
			slog.Error("resize: mark unknown failed", "container", containerID, "error", stErr)
		}
		return &hivehost.OpError{Op: "resize", User: userID, Container: containerID, Err: errors.Join(cause, err)}
	}
	if err := c.reg.SetStatus(userID, containerID, registry.StatusRunning); err != nil {
		slog.Error("resize: status update failed", "container", containerID, "error", err)
	}
	return &hivehost.OpError{Op: "resize", User: userID, Container: containerID, Err: cause}
}

// ContainerView is the refreshed, display-ready state of one container.
type ContainerView struct {
	Record registry.Record
	Info   runtime.Info
	Stats  runtime.Stats
}

// Refresh reads live state from the runtime without mutating the registry.
// The returned record's Status is recomputed from runtime truth for display.
func (c *Controller) Refresh(ctx context.Context, requesterID, userID, containerID string) (ContainerView, error) {
	unlock := c.lock(containerID)
	defer unlock()

	rec, err := c.authorize("refresh", requesterID, userID, containerID)
	if err != nil {
		return ContainerView{}, err
	}

	info, err := c.rt.Inspect(ctx, containerID)
	if err != nil {
		return ContainerView{}, &hivehost.OpError{Op: "refresh", User: userID, Container: containerID, Err: err}
	}

	view := ContainerView{Record: rec, Info: info}
	if info.Running {
		view.Record.Status = registry.StatusRunning
		// Stats need a running container; failures degrade to zeros.
		if stats, err := c.rt.Stats(ctx, containerID); err == nil {
			view.Stats = stats
		}
	} else {
		view.Record.Status = registry.StatusStopped
	}
	return view, nil
}

// logTail is how many output lines the logs action captures.
const logTail = 50

// maxLogChars bounds the text handed to the transport.
const maxLogChars = 4000

// Logs returns the tail of the container's output, bounded for transport.
func (c *Controller) Logs(ctx context.Context, requesterID, userID, containerID string) (string, error) {
	unlock := c.lock(containerID)
	defer unlock()

	if _, err := c.authorize("logs", requesterID, userID, containerID); err != nil {
		return "", err
	}

	out, err := c.rt.Logs(ctx, containerID, logTail)
	if err != nil {
		return "", &hivehost.OpError{Op: "logs", User: userID, Container: containerID, Err: err}
	}
	if len(out) > maxLogChars {
		out = out[len(out)-maxLogChars:]
	}
	return out, nil
}
