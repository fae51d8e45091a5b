package serve

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/runtime"
)

// monitorSchedule is how often the status sweep runs.
const monitorSchedule = "@every 2m"

// Monitor periodically reconciles the persisted status fields with runtime
// truth. Status records last-transition state; containers that crash or get
// removed outside the platform drift until the next sweep fixes them.
type Monitor struct {
	c   *cron.Cron
	reg *registry.Registry
	rt  runtime.Adapter
}

// NewMonitor creates a Monitor; Start schedules and runs it.
func NewMonitor(reg *registry.Registry, rt runtime.Adapter) *Monitor {
	return &Monitor{c: cron.New(), reg: reg, rt: rt}
}

// Start begins the periodic sweep and blocks until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if _, err := m.c.AddFunc(monitorSchedule, func() { m.Sweep(context.Background()) }); err != nil {
		return err
	}
	m.c.Start()
	slog.Info("status monitor started", "schedule", monitorSchedule)
	<-ctx.Done()
	m.c.Stop()
	slog.Info("status monitor stopped")
	return nil
}

// Sweep inspects every registered container once and repairs drifted status
// fields. Containers the runtime no longer knows are marked unknown rather
// than removed; deletion stays a user decision.
func (m *Monitor) Sweep(ctx context.Context) {
	all, err := m.reg.All()
	if err != nil {
		slog.Error("status sweep: list users", "error", err)
		return
	}

	for userID, recs := range all {
		for _, rec := range recs {
			want := m.observe(ctx, rec.ContainerID)
			if want == rec.Status {
				continue
			}
			if err := m.reg.SetStatus(userID, rec.ContainerID, want); err != nil {
				slog.Warn("status sweep: update failed", "container", rec.ContainerID, "error", err)
				continue
			}
			slog.Info("status sweep: repaired drift",
				"container", rec.ContainerID, "from", rec.Status, "to", want)
		}
	}
}

func (m *Monitor) observe(ctx context.Context, containerID string) string {
	info, err := m.rt.Inspect(ctx, containerID)
	if err != nil {
		return registry.StatusUnknown
	}
	if info.Running {
		return registry.StatusRunning
	}
	return registry.StatusStopped
}
