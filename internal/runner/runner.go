package runner

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is one of the six states a Runner's lifecycle can occupy.
// Persisted by its lowercase symbolic name so the on-disk format
// survives enum reordering.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusRespawning Status = "respawning"
	StatusOnline     Status = "online"
	StatusRunning    Status = "running"
	StatusOffline    Status = "offline"
	StatusDeleting   Status = "deleting"
)

// Observation is the hosted-CI service's reported view of one runner,
// as delivered by a periodic listing or a push webhook.
type Observation struct {
	Name   string
	ID     int
	Status string // "online" | "offline"
	Busy   bool
	Labels []string
}

// Runner is a single ephemeral, one-shot CI worker. It is mutated only
// through UpdateStatus/ApplyObservation and the Factory's respawn/reset
// helpers; the status-machine gotchas from the source system are
// centralized here rather than duplicated at call sites.
type Runner struct {
	mu sync.Mutex

	Name          string
	VMID          string // empty: absent
	ActionID      *int   // nil: absent
	VmType        *VmType
	Status        Status
	StatusHistory []Status
	CreatedAt     time.Time
	StartedAt     time.Time // zero value: absent

	log *logrus.Entry
}

// New constructs a freshly allocated Runner in the creating state.
func New(name string, vmType *VmType, now time.Time, log *logrus.Entry) *Runner {
	return &Runner{
		Name:      name,
		VmType:    vmType,
		Status:    StatusCreating,
		CreatedAt: now,
		log:       log,
	}
}

// IsOffline reports status ∉ {online, running}. Centralized here
// because it is a common subtle bug site: both respawning and creating
// count as offline.
func (r *Runner) IsOffline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isOfflineLocked()
}

func (r *Runner) isOfflineLocked() bool {
	return r.Status != StatusOnline && r.Status != StatusRunning
}

// IsCreating reports status ∈ {creating, respawning}.
func (r *Runner) IsCreating() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isCreatingLocked()
}

func (r *Runner) isCreatingLocked() bool {
	return r.Status == StatusCreating || r.Status == StatusRespawning
}

// IsOnline reports status == online. An earlier revision of this state
// machine compared status against an undefined symbol here; this is
// fixed to the literal, intended comparison.
func (r *Runner) IsOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status == StatusOnline
}

// IsRunning reports status == running.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Status == StatusRunning
}

// HasRun reports that this runner has consumed its one job: it is now
// offline and its history shows it was ever provisioned or registered.
func (r *Runner) HasRun() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasRunLocked()
}

func (r *Runner) hasRunLocked() bool {
	if !r.isOfflineLocked() {
		return false
	}
	for _, s := range r.StatusHistory {
		switch s {
		case StatusOnline, StatusRunning, StatusCreating, StatusRespawning:
			return true
		}
	}
	return false
}

// TimeOnline returns now - StartedAt and true, or (0, false) if
// StartedAt is absent.
func (r *Runner) TimeOnline(now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartedAt.IsZero() {
		return 0, false
	}
	return now.Sub(r.StartedAt), true
}

// TimeSinceCreated returns now - CreatedAt.
func (r *Runner) TimeSinceCreated(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.CreatedAt)
}

// UpdateStatus applies a raw status transition, honoring the two rules
// that are not plain observation-driven relabeling:
//   - a transition into the current status is a no-op;
//   - an "offline" observation arriving while creating/respawning is
//     suppressed, since it is almost always observation lag rather than
//     a real state change.
//
// It returns whether the status actually changed.
func (r *Runner) UpdateStatus(s Status, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s == r.Status {
		return false
	}
	if r.isCreatingLocked() && s == StatusOffline {
		return false
	}

	old := r.Status
	if r.isOfflineLocked() && (s == StatusOnline || s == StatusRunning) {
		r.StartedAt = now
	}
	r.StatusHistory = append(r.StatusHistory, old)
	r.Status = s

	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"runner": r.Name,
			"from":   old,
			"to":     s,
		}).Infof("Runner %s updating status from %s to %s", r.Name, old, s)
	}
	return true
}

// ApplyObservation ingests a hosted-CI observation: it records the
// hosted-CI assigned id and derives the effective status (a runner
// reported online-and-busy is effectively running) before applying it.
func (r *Runner) ApplyObservation(obs Observation, now time.Time) {
	r.mu.Lock()
	id := obs.ID
	r.ActionID = &id
	r.mu.Unlock()

	effective := Status(obs.Status)
	if obs.Status == string(StatusOnline) && obs.Busy {
		effective = StatusRunning
	}
	r.UpdateStatus(effective, now)
}

// BeginRespawn resets the runner for a fresh provisioning cycle under
// the same name: history is cleared, a new creation timestamp is
// stamped, and the VM/hosted-CI identifiers are cleared since the
// hosted service issues fresh ones on re-registration.
func (r *Runner) BeginRespawn(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.Status
	r.StatusHistory = nil
	r.CreatedAt = now
	r.VMID = ""
	r.ActionID = nil
	r.Status = StatusRespawning

	if r.log != nil {
		r.log.WithFields(logrus.Fields{
			"runner": r.Name,
			"from":   old,
		}).Infof("Runner %s respawning", r.Name)
	}
}

// MarkDeleting transitions the runner into the terminal deleting state.
// Per the state table this is reachable from any status and is not
// subject to the suppression rule.
func (r *Runner) MarkDeleting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Status == StatusDeleting {
		return
	}
	old := r.Status
	r.StatusHistory = append(r.StatusHistory, old)
	r.Status = StatusDeleting
	if r.log != nil {
		r.log.WithField("runner", r.Name).Infof("Runner %s entering deleting", r.Name)
	}
}

// SetVMID records the cloud-provider VM identifier assigned during
// provisioning.
func (r *Runner) SetVMID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.VMID = id
}

// SetLogger attaches a logger to a runner reconstructed from storage,
// which has no logger by construction.
func (r *Runner) SetLogger(log *logrus.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = log
}

// Snapshot is a point-in-time, lock-free copy of a Runner's fields for
// read-only consumers (HTTP handlers, serialization).
type Snapshot struct {
	Name          string
	VMID          string
	ActionID      *int
	VmType        *VmType
	Status        Status
	StatusHistory []Status
	CreatedAt     time.Time
	StartedAt     time.Time
}

// Snapshot returns a consistent copy of the runner's exported state.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]Status, len(r.StatusHistory))
	copy(history, r.StatusHistory)

	var actionID *int
	if r.ActionID != nil {
		id := *r.ActionID
		actionID = &id
	}

	return Snapshot{
		Name:          r.Name,
		VMID:          r.VMID,
		ActionID:      actionID,
		VmType:        r.VmType,
		Status:        r.Status,
		StatusHistory: history,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
	}
}
