package serve

import (
	"context"
	"errors"
	"testing"

	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/runtime"
)

func TestSweepRepairsDriftedStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t) // persisted as stopped
	f.rt.info = runtime.Info{Status: "running", Running: true}

	m := NewMonitor(f.reg, f.rt)
	m.Sweep(context.Background())

	recs, _ := f.reg.Containers(testUser)
	if recs[0].Status != registry.StatusRunning {
		t.Fatalf("status = %q, want running", recs[0].Status)
	}
}

func TestSweepLeavesAccurateStatusAlone(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	if err := f.reg.SetStatus(testUser, testCID, registry.StatusRunning); err != nil {
		t.Fatal(err)
	}
	f.rt.info = runtime.Info{Status: "running", Running: true}

	m := NewMonitor(f.reg, f.rt)
	m.Sweep(context.Background())

	recs, _ := f.reg.Containers(testUser)
	if recs[0].Status != registry.StatusRunning {
		t.Fatalf("status = %q, want running", recs[0].Status)
	}
}

func TestSweepMarksVanishedContainersUnknown(t *testing.T) {
	f := newFixture(t)
	f.seed(t)
	f.rt.errs["inspect"] = errors.New("No such container: " + testCID)

	m := NewMonitor(f.reg, f.rt)
	m.Sweep(context.Background())

	recs, _ := f.reg.Containers(testUser)
	if len(recs) != 1 {
		t.Fatalf("record removed by sweep: %+v", recs)
	}
	if recs[0].Status != registry.StatusUnknown {
		t.Fatalf("status = %q, want unknown", recs[0].Status)
	}
}
