package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/cloud"
	"github.com/opsloop/runnerpool/internal/factory"
	"github.com/opsloop/runnerpool/internal/poolcontroller"
	"github.com/opsloop/runnerpool/internal/runner"
	"github.com/opsloop/runnerpool/internal/store"
)

type fakeCloud struct {
	mu      sync.Mutex
	created []string
	deleted []string
	vms     []cloud.VM
	seq     int
}

func (f *fakeCloud) CreateVM(_ context.Context, params cloud.CreateParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("vm-%d", f.seq)
	f.created = append(f.created, params.RunnerName)
	return id, nil
}

func (f *fakeCloud) DeleteVM(_ context.Context, vmID string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, vmID)
	return nil
}

func (f *fakeCloud) ListVMs(_ context.Context, _ string) ([]cloud.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cloud.VM(nil), f.vms...), nil
}

type fakeHostedCI struct {
	mu           sync.Mutex
	observations []runner.Observation
	forceDeletes []int
}

func (f *fakeHostedCI) DownloadLink(_ context.Context, _ string) (string, error) {
	return "https://example.invalid/runner.tar.gz", nil
}
func (f *fakeHostedCI) MintRegistrationToken(_ context.Context) (string, error) { return "tok", nil }

func (f *fakeHostedCI) ListRunners(_ context.Context) ([]runner.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.Observation(nil), f.observations...), nil
}

func (f *fakeHostedCI) ForceDelete(_ context.Context, actionID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forceDeletes = append(f.forceDeletes, actionID)
	return nil
}

func (f *fakeHostedCI) setObservations(obs []runner.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observations = obs
}

type harness struct {
	rc  *Reconciler
	st  *store.MemoryStore
	cl  *fakeCloud
	hc  *fakeHostedCI
	pc  *poolcontroller.Controller
	log *logrus.Entry
}

func newHarness(t *testing.T, min, max int) *harness {
	t.Helper()
	vt, err := runner.NewVmType([]string{"small"}, map[string]any{"image": "x"}, runner.Quantity{Min: min, Max: max})
	if err != nil {
		t.Fatalf("NewVmType: %v", err)
	}
	st := store.NewMemoryStore()
	cl := &fakeCloud{}
	hc := &fakeHostedCI{}
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	entry := logrus.NewEntry(logger)

	fac := factory.New(st, cl, hc, "firecracker", "org", 4, logger)
	fac.Start()
	t.Cleanup(fac.Stop)

	pc := poolcontroller.New(vt, fac, st, time.Hour, time.Hour, entry)
	rc := New(fac, hc, cl, st, "org", []*poolcontroller.Controller{pc}, entry)

	return &harness{rc: rc, st: st, cl: cl, hc: hc, pc: pc, log: entry}
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

// A full Tick against an empty pool backfills it to its minimum.
func TestTickColdStartCreatesMinRunners(t *testing.T) {
	h := newHarness(t, 2, 4)

	if err := h.rc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	runners := h.pc.Runners()
	if len(runners) != 2 {
		t.Fatalf("len(runners) = %d, want 2", len(runners))
	}
	for _, r := range runners {
		if r.Status != runner.StatusCreating {
			t.Fatalf("runner %s status = %s, want creating", r.Name, r.Status)
		}
	}

	waitFor(t, time.Second, func() bool {
		h.cl.mu.Lock()
		defer h.cl.mu.Unlock()
		return len(h.cl.created) == 2
	})
}

// A pushed online-and-busy observation marks the matching runner running.
func TestPushObservationOnlineAndBusyBecomesRunning(t *testing.T) {
	h := newHarness(t, 1, 3)
	now := time.Now()

	r := runner.New("r0", h.pc.VmType(), now, h.log)
	r.UpdateStatus(runner.StatusOnline, now)
	h.pc.Add(r)

	actionID := 7
	h.rc.Push(context.Background(), runner.Observation{
		Name:   "r0",
		ID:     actionID,
		Status: "online",
		Busy:   true,
		Labels: h.pc.VmType().Tags(),
	})

	if !r.IsRunning() {
		t.Fatalf("expected runner running after busy observation, got %s", r.Status)
	}
	snap := r.Snapshot()
	if snap.ActionID == nil || *snap.ActionID != actionID {
		t.Fatalf("expected action_id %d, got %v", actionID, snap.ActionID)
	}
	if snap.StartedAt.IsZero() {
		t.Fatalf("expected started_at to already be set from the earlier online transition")
	}
}

// Draining tears down every runner and leaves later ticks as no-ops.
func TestDrainRemovesAllRunnersAndIsIdempotent(t *testing.T) {
	h := newHarness(t, 0, 4)
	now := time.Now()

	for i := 0; i < 2; i++ {
		r := runner.New(fmt.Sprintf("r%d", i), h.pc.VmType(), now, h.log)
		r.SetVMID(fmt.Sprintf("vm-%d", i))
		h.pc.Add(r)
		if err := h.st.Put(context.Background(), store.NewRecord(r)); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	if err := h.rc.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(h.pc.Runners()) != 0 {
		t.Fatalf("expected no runners left after drain, got %d", len(h.pc.Runners()))
	}
	recs, err := h.st.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty store after drain, got %d records", len(recs))
	}

	h.cl.mu.Lock()
	createdBeforeTick := len(h.cl.created)
	h.cl.mu.Unlock()

	if err := h.rc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after drain: %v", err)
	}

	h.cl.mu.Lock()
	defer h.cl.mu.Unlock()
	if len(h.cl.created) != createdBeforeTick {
		t.Fatalf("expected no new create_vm calls after drain, got %d new", len(h.cl.created)-createdBeforeTick)
	}
}

func TestReapOrphansDeletesUnknownVMs(t *testing.T) {
	h := newHarness(t, 0, 4)
	h.cl.vms = []cloud.VM{
		{ID: "vm-orphan", Name: "runner-firecracker-org-abc-9", Status: "running"},
		{ID: "vm-other", Name: "not-a-runner-name", Status: "running"},
	}

	if err := h.rc.ReapOrphans(context.Background()); err != nil {
		t.Fatalf("ReapOrphans: %v", err)
	}

	h.cl.mu.Lock()
	defer h.cl.mu.Unlock()
	if len(h.cl.deleted) != 1 || h.cl.deleted[0] != "vm-orphan" {
		t.Fatalf("expected only vm-orphan deleted, got %v", h.cl.deleted)
	}
}
