// Package poolcontroller holds the per-VmType runner set and the
// per-tick decision policy that keeps it at its configured size:
// replacing consumed runners, backfilling to the minimum, replacing
// stragglers that never registered, and shedding idle surplus.
package poolcontroller

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/factory"
	"github.com/opsloop/runnerpool/internal/metrics"
	"github.com/opsloop/runnerpool/internal/runner"
	"github.com/opsloop/runnerpool/internal/store"
)

// Controller owns every Runner belonging to one VmType and drives its
// lifecycle via a Factory. All methods are safe for concurrent use; the
// Reconciler calls Update/Decide from its tick goroutine and from
// push-update handlers, which may run concurrently with each other.
type Controller struct {
	vmType *runner.VmType
	fac    *factory.Factory
	st     store.Store
	log    *logrus.Entry

	extraRunnerTimer   time.Duration
	timeoutRunnerTimer time.Duration

	mu      sync.RWMutex
	runners map[string]*runner.Runner
}

// New constructs a Controller for vmType. extraRunnerTimer bounds how
// long a warm, never-run runner may sit idle before being shed above
// the minimum; timeoutRunnerTimer bounds how long a created runner may
// go without registering before it is replaced.
func New(vmType *runner.VmType, fac *factory.Factory, st store.Store, extraRunnerTimer, timeoutRunnerTimer time.Duration, log *logrus.Entry) *Controller {
	return &Controller{
		vmType:             vmType,
		fac:                fac,
		st:                 st,
		log:                log,
		extraRunnerTimer:   extraRunnerTimer,
		timeoutRunnerTimer: timeoutRunnerTimer,
		runners:            make(map[string]*runner.Runner),
	}
}

// VmType returns the controlled pool specification.
func (c *Controller) VmType() *runner.VmType { return c.vmType }

// Runners returns every Runner currently tracked by this controller.
func (c *Controller) Runners() []*runner.Runner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*runner.Runner, 0, len(c.runners))
	for _, r := range c.runners {
		out = append(out, r)
	}
	return out
}

// Filter returns the subset of Runners() matching pred.
func (c *Controller) Filter(pred func(*runner.Runner) bool) []*runner.Runner {
	var out []*runner.Runner
	for _, r := range c.Runners() {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// MinRunnerNumber and MaxRunnerNumber expose the VmType's quantity.
func (c *Controller) MinRunnerNumber() int { return c.vmType.MinRunnerNumber() }
func (c *Controller) MaxRunnerNumber() int { return c.vmType.MaxRunnerNumber() }

// Add registers a Runner with this controller, e.g. one just returned
// by Factory.CreateRunner, or one reconstructed from the Store at
// startup.
func (c *Controller) Add(r *runner.Runner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runners[r.Name] = r
}

// Remove drops a Runner from this controller's in-memory set, used
// once it has been permanently deleted.
func (c *Controller) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runners, name)
}

// Get returns the tracked Runner by name, if any.
func (c *Controller) Get(name string) (*runner.Runner, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.runners[name]
	return r, ok
}

// Update applies each observation, in order, to its named runner.
// Runners absent from the batch are left unchanged: absence is not a
// deletion signal, since a VM can exist before it registers.
func (c *Controller) Update(observations []runner.Observation, now time.Time) {
	for _, obs := range observations {
		r, ok := c.Get(obs.Name)
		if !ok {
			continue
		}
		r.ApplyObservation(obs, now)
	}
}

func countWhere(rs []*runner.Runner, pred func(*runner.Runner) bool) int {
	n := 0
	for _, r := range rs {
		if pred(r) {
			n++
		}
	}
	return n
}

func isWarm(r *runner.Runner) bool { return !r.HasRun() && !r.IsRunning() }

// needNewRunner implements the backfill predicate: keep `min` warm
// runners available without exceeding `max` total, counting in-flight
// creations (which are neither running nor has_run) toward warm
// capacity.
func (c *Controller) needNewRunner() bool {
	rs := c.Runners()
	warm := countWhere(rs, isWarm)
	running := countWhere(rs, (*runner.Runner).IsRunning)
	return warm < c.MinRunnerNumber() && running+warm < c.MaxRunnerNumber()
}

// Decide runs the four-step per-tick policy. Order matters: steps 1-2
// maintain availability before 3-4 touch anything that might otherwise
// satisfy demand.
func (c *Controller) Decide(ctx context.Context, now time.Time) {
	c.replaceConsumed()
	c.backfillToMin(ctx)
	c.replaceTimeoutStragglers(now)
	c.shedSurplusIdle(ctx, now)
	c.reportSize()
}

func (c *Controller) reportSize() {
	rs := c.Runners()
	warm := countWhere(rs, isWarm)
	metrics.SetPoolSize(c.vmType.TagsKey(), c.MinRunnerNumber(), c.MaxRunnerNumber(), len(rs), warm)
}

// replaceConsumed schedules respawn_replace for every one-shot runner
// that has already run its job.
func (c *Controller) replaceConsumed() {
	for _, r := range c.Filter((*runner.Runner).HasRun) {
		if c.fac.InFlight(r.Name) {
			continue
		}
		c.fac.RespawnReplace(r)
	}
}

// backfillToMin creates new runners while the warm pool is under its
// minimum and total capacity allows it.
func (c *Controller) backfillToMin(ctx context.Context) {
	for c.needNewRunner() {
		r, err := c.fac.CreateRunner(ctx, c.vmType)
		if err != nil {
			c.log.WithError(err).Error("backfill create_runner failed")
			return
		}
		c.Add(r)
	}
}

// replaceTimeoutStragglers schedules respawn_replace for runners that
// were created but never registered within the allotted timeout.
func (c *Controller) replaceTimeoutStragglers(now time.Time) {
	for _, r := range c.Runners() {
		if c.fac.InFlight(r.Name) {
			continue
		}
		if r.IsOffline() && !r.HasRun() && r.TimeSinceCreated(now) > c.timeoutRunnerTimer {
			c.fac.RespawnReplace(r)
		}
	}
}

// shedSurplusIdle deletes idle-too-long warm runners above the
// minimum, keeping exactly min_runner_number() of them.
func (c *Controller) shedSurplusIdle(ctx context.Context, now time.Time) {
	surplus := c.Filter(func(r *runner.Runner) bool {
		if !r.IsOnline() || r.HasRun() {
			return false
		}
		online, ok := r.TimeOnline(now)
		return ok && online > c.extraRunnerTimer
	})

	keep := c.MinRunnerNumber()
	if len(surplus) <= keep {
		return
	}

	toDelete := surplus[keep:]
	for _, r := range toDelete {
		if c.fac.InFlight(r.Name) {
			continue
		}
		c.fac.DeleteRunner(ctx, r)
		if err := c.st.Delete(ctx, r.Name); err != nil {
			c.log.WithError(err).WithField("runner", r.Name).Error("removing shed runner from store")
		}
		c.Remove(r.Name)
	}
}
