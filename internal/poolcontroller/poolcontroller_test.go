package poolcontroller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/cloud"
	"github.com/opsloop/runnerpool/internal/factory"
	"github.com/opsloop/runnerpool/internal/runner"
	"github.com/opsloop/runnerpool/internal/store"
)

type fakeCloud struct {
	mu      sync.Mutex
	created []string
	deleted []string
	seq     int
}

func (f *fakeCloud) CreateVM(_ context.Context, params cloud.CreateParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.created = append(f.created, params.RunnerName)
	return fmt.Sprintf("vm-%d", f.seq), nil
}

func (f *fakeCloud) DeleteVM(_ context.Context, vmID string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, vmID)
	return nil
}

func (f *fakeCloud) ListVMs(_ context.Context, _ string) ([]cloud.VM, error) { return nil, nil }

type fakeHostedCI struct{ mu sync.Mutex }

func (f *fakeHostedCI) DownloadLink(_ context.Context, _ string) (string, error) {
	return "https://example.invalid/runner.tar.gz", nil
}
func (f *fakeHostedCI) MintRegistrationToken(_ context.Context) (string, error) { return "tok", nil }
func (f *fakeHostedCI) ListRunners(_ context.Context) ([]runner.Observation, error) {
	return nil, nil
}
func (f *fakeHostedCI) ForceDelete(_ context.Context, _ int) error { return nil }

func newTestController(t *testing.T, min, max int) (*Controller, *store.MemoryStore, *fakeCloud) {
	t.Helper()
	vt, err := runner.NewVmType([]string{"small"}, map[string]any{"image": "x"}, runner.Quantity{Min: min, Max: max})
	if err != nil {
		t.Fatalf("NewVmType: %v", err)
	}
	st := store.NewMemoryStore()
	cl := &fakeCloud{}
	hc := &fakeHostedCI{}
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	fac := factory.New(st, cl, hc, "firecracker", "org", 4, log)
	fac.Start()
	t.Cleanup(fac.Stop)
	c := New(vt, fac, st, time.Hour, time.Hour, log.WithField("test", t.Name()))
	return c, st, cl
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// A controller with no runners backfills up to its configured minimum.
func TestColdStartBackfillsToMin(t *testing.T) {
	c, _, cl := newTestController(t, 2, 4)

	c.Decide(context.Background(), time.Now())

	runners := c.Runners()
	if len(runners) != 2 {
		t.Fatalf("len(runners) = %d, want 2", len(runners))
	}
	for _, r := range runners {
		if r.Status != runner.StatusCreating {
			t.Fatalf("runner %s status = %s, want creating", r.Name, r.Status)
		}
	}

	waitFor(t, time.Second, func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		return len(cl.created) == 2
	})
}

// A runner that has already run its job gets respawned under the same name.
func TestConsumedRunnerScheduledForRespawn(t *testing.T) {
	c, st, cl := newTestController(t, 1, 3)
	now := time.Now()

	r := runner.New("runner-firecracker-org-abc-0", c.VmType(), now, logrus.NewEntry(logrus.New()))
	r.SetVMID("vm-old")
	r.UpdateStatus(runner.StatusOnline, now)
	r.UpdateStatus(runner.StatusRunning, now)
	r.UpdateStatus(runner.StatusOffline, now)
	if !r.HasRun() {
		t.Fatalf("expected HasRun true before Decide")
	}
	c.Add(r)
	if err := st.Put(context.Background(), store.NewRecord(r)); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	c.Decide(context.Background(), now)

	waitFor(t, time.Second, func() bool {
		return len(r.Snapshot().StatusHistory) == 0 && r.Snapshot().VMID != "" && r.Snapshot().VMID != "vm-old"
	})

	if r.HasRun() {
		t.Fatalf("respawned runner must not still report HasRun")
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	found := false
	for _, id := range cl.deleted {
		if id == "vm-old" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected old vm-old to be deleted, got %v", cl.deleted)
	}
}

// A runner that never registered within the timeout gets replaced.
func TestTimeoutStragglerScheduledForRespawn(t *testing.T) {
	c, _, cl := newTestController(t, 1, 3)
	c.timeoutRunnerTimer = time.Minute

	past := time.Now().Add(-2 * time.Minute)
	r := runner.New("runner-firecracker-org-abc-1", c.VmType(), past, logrus.NewEntry(logrus.New()))
	r.SetVMID("vm-straggler")
	c.Add(r)

	c.Decide(context.Background(), time.Now())

	waitFor(t, time.Second, func() bool {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		for _, id := range cl.deleted {
			if id == "vm-straggler" {
				return true
			}
		}
		return false
	})
}

// Idle runners sitting above the minimum for too long get shed.
func TestSurplusIdleRunnersShedAboveMin(t *testing.T) {
	c, st, _ := newTestController(t, 1, 5)
	c.extraRunnerTimer = time.Minute
	now := time.Now()
	longAgo := now.Add(-time.Hour)

	for i := 0; i < 3; i++ {
		r := runner.New(fmt.Sprintf("runner-firecracker-org-abc-%d", i), c.VmType(), longAgo, logrus.NewEntry(logrus.New()))
		r.UpdateStatus(runner.StatusOnline, longAgo)
		c.Add(r)
		if err := st.Put(context.Background(), store.NewRecord(r)); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	c.Decide(context.Background(), now)

	remaining := c.Runners()
	if len(remaining) != 1 {
		t.Fatalf("len(remaining) = %d, want 1", len(remaining))
	}
	for _, r := range remaining {
		if r.Status != runner.StatusDeleting {
			if !r.IsOnline() {
				t.Fatalf("surviving runner should still be online, got %s", r.Status)
			}
		}
	}
}
