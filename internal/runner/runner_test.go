package runner

import (
	"testing"
	"time"
)

func mustVmType(t *testing.T, tags []string, q Quantity) *VmType {
	t.Helper()
	vt, err := NewVmType(tags, map[string]any{"image": "x"}, q)
	if err != nil {
		t.Fatalf("NewVmType: %v", err)
	}
	return vt
}

func TestVmTypeEqualIgnoresTagOrder(t *testing.T) {
	a := mustVmType(t, []string{"linux", "small"}, Quantity{1, 4})
	b := mustVmType(t, []string{"small", "linux"}, Quantity{1, 4})
	if !a.Equal(b) {
		t.Fatalf("expected equal VmTypes regardless of input tag order")
	}
}

func TestUpdateStatusNoopOnSameStatus(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)

	changed := r.UpdateStatus(StatusCreating, now)
	if changed {
		t.Fatalf("transition into the same status must be a no-op")
	}
	if len(r.StatusHistory) != 0 {
		t.Fatalf("no-op transition must not append history")
	}
}

func TestOfflineObservationSuppressedWhileCreating(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)

	changed := r.UpdateStatus(StatusOffline, now)
	if changed {
		t.Fatalf("offline observation while creating must be suppressed")
	}
	if r.Status != StatusCreating {
		t.Fatalf("status should remain creating, got %s", r.Status)
	}

	r.Status = StatusRespawning
	changed = r.UpdateStatus(StatusOffline, now)
	if changed || r.Status != StatusRespawning {
		t.Fatalf("offline observation while respawning must be suppressed")
	}
}

// An online-and-busy observation is treated as the runner starting a job.
func TestApplyObservationOnlineAndBusyBecomesRunning(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)
	r.Status = StatusOnline
	r.StatusHistory = []Status{StatusOffline}
	startedAt := now.Add(-5 * time.Minute)
	r.StartedAt = startedAt

	later := now.Add(time.Minute)
	r.ApplyObservation(Observation{Name: r.Name, ID: 7, Status: "online", Busy: true}, later)

	if r.Status != StatusRunning {
		t.Fatalf("expected status running, got %s", r.Status)
	}
	if len(r.StatusHistory) != 2 || r.StatusHistory[0] != StatusOffline || r.StatusHistory[1] != StatusOnline {
		t.Fatalf("unexpected status history: %v", r.StatusHistory)
	}
	if r.ActionID == nil || *r.ActionID != 7 {
		t.Fatalf("expected action_id 7, got %v", r.ActionID)
	}
	if !r.StartedAt.Equal(startedAt) {
		t.Fatalf("started_at must not change on online->running transition")
	}
}

// A runner that went offline after running a job is recognized as consumed.
func TestHasRunAfterConsumedJob(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)
	r.Status = StatusOffline
	r.StatusHistory = []Status{StatusOffline, StatusOnline, StatusRunning}

	if !r.HasRun() {
		t.Fatalf("expected has_run=true once a runner has been online/running and is now offline")
	}
}

func TestHasRunFalseForFreshCreating(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)

	if r.HasRun() {
		t.Fatalf("a fresh creating runner must not be has_run")
	}
}

func TestStartedAtSetOnceOnFirstOnlineTransition(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)

	r.UpdateStatus(StatusOnline, now.Add(time.Second))
	if r.StartedAt.IsZero() {
		t.Fatalf("expected started_at to be set on first offline->online transition")
	}
	first := r.StartedAt

	r.UpdateStatus(StatusRunning, now.Add(2*time.Second))
	if !r.StartedAt.Equal(first) {
		t.Fatalf("started_at changed on a later transition: got %v want %v", r.StartedAt, first)
	}
}

func TestBeginRespawnClearsHistoryAndIdentifiers(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)
	r.Status = StatusOffline
	r.StatusHistory = []Status{StatusOffline, StatusOnline, StatusRunning}
	r.VMID = "vm-123"
	id := 42
	r.ActionID = &id

	respawnTime := now.Add(time.Hour)
	r.BeginRespawn(respawnTime)

	if r.Status != StatusRespawning {
		t.Fatalf("expected status respawning, got %s", r.Status)
	}
	if len(r.StatusHistory) != 0 {
		t.Fatalf("expected cleared status history, got %v", r.StatusHistory)
	}
	if r.VMID != "" {
		t.Fatalf("expected cleared vm_id, got %q", r.VMID)
	}
	if r.ActionID != nil {
		t.Fatalf("expected cleared action_id, got %v", r.ActionID)
	}
	if !r.CreatedAt.Equal(respawnTime) {
		t.Fatalf("expected created_at reset to respawn time")
	}
}

func TestIsOnlineIsNotBuggyComparison(t *testing.T) {
	now := time.Now()
	r := New("runner-fc-acme-deadbeef00-0", mustVmType(t, []string{"small"}, Quantity{1, 4}), now, nil)

	r.Status = StatusRunning
	if r.IsOnline() {
		t.Fatalf("a running runner is not online")
	}
	r.Status = StatusOnline
	if !r.IsOnline() {
		t.Fatalf("an online runner must report is_online")
	}
}
