// Package store defines the persistent key/value abstraction the core
// uses to survive restarts, plus the stable structured encoding of a
// Runner record.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/opsloop/runnerpool/internal/runner"
	"github.com/sirupsen/logrus"
)

// runnerKeyPrefix and managerRunningKey match the layout the hosted
// orchestrator used before this reimplementation: keys "runners:{name}"
// and a singleton flag key.
const (
	runnerKeyPrefix  = "runners:"
	managerRunningKey = "runnerpool:manager_running"
)

// RunnerKey returns the Store key for a runner name.
func RunnerKey(name string) string { return runnerKeyPrefix + name }

// Record is the stable structured encoding of a Runner: name, vm_id,
// action_id, vm_type (tags + config + quantity), status and history by
// symbolic name, and timestamps with sub-second resolution. It is a
// tree (Record -> VmType -> plain config map), so no serialization
// cycles arise.
type Record struct {
	Name          string         `json:"name"`
	VMID          string         `json:"vm_id,omitempty"`
	ActionID      *int           `json:"action_id,omitempty"`
	Tags          []string       `json:"tags"`
	Config        map[string]any `json:"config"`
	QuantityMin   int            `json:"quantity_min"`
	QuantityMax   int            `json:"quantity_max"`
	Status        string         `json:"status"`
	StatusHistory []string       `json:"status_history"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     time.Time      `json:"started_at,omitempty"`
}

// NewRecord serializes a live Runner into its persisted form.
func NewRecord(r *runner.Runner) *Record {
	snap := r.Snapshot()

	history := make([]string, len(snap.StatusHistory))
	for i, s := range snap.StatusHistory {
		history[i] = string(s)
	}

	rec := &Record{
		Name:          snap.Name,
		VMID:          snap.VMID,
		ActionID:      snap.ActionID,
		Status:        string(snap.Status),
		StatusHistory: history,
		CreatedAt:     snap.CreatedAt,
		StartedAt:     snap.StartedAt,
	}
	if snap.VmType != nil {
		rec.Tags = snap.VmType.Tags()
		rec.Config = snap.VmType.Config
		rec.QuantityMin = snap.VmType.Quantity.Min
		rec.QuantityMax = snap.VmType.Quantity.Max
	}
	return rec
}

// ToRunner reconstructs a live Runner from its persisted form.
func (rec *Record) ToRunner(log *logrus.Entry) (*runner.Runner, error) {
	vmType, err := runner.NewVmType(rec.Tags, rec.Config, runner.Quantity{Min: rec.QuantityMin, Max: rec.QuantityMax})
	if err != nil {
		return nil, fmt.Errorf("store: reconstructing vm_type for %s: %w", rec.Name, err)
	}

	history := make([]runner.Status, len(rec.StatusHistory))
	for i, s := range rec.StatusHistory {
		history[i] = runner.Status(s)
	}

	r := &runner.Runner{
		Name:          rec.Name,
		VMID:          rec.VMID,
		ActionID:      rec.ActionID,
		VmType:        vmType,
		Status:        runner.Status(rec.Status),
		StatusHistory: history,
		CreatedAt:     rec.CreatedAt,
		StartedAt:     rec.StartedAt,
	}
	r.SetLogger(log)
	return r, nil
}

// Store is the key/value abstraction keyed by runner name, plus the
// process-wide manager_running kill switch. Implementations must make
// Put/Delete/Get safe for concurrent use.
type Store interface {
	Get(ctx context.Context, name string) (*Record, bool, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*Record, error)

	// ManagerRunning reports the process-wide kill switch. It defaults
	// to true when never explicitly set.
	ManagerRunning(ctx context.Context) (bool, error)
	SetManagerRunning(ctx context.Context, running bool) error

	Close() error
}
