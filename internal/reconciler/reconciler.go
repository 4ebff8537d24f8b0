// Package reconciler wires a Factory and a set of per-VmType
// PoolControllers into the periodic tick / push-update / drain entry
// points that drive the whole pool toward its declared shape.
package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/apierror"
	"github.com/opsloop/runnerpool/internal/cloud"
	"github.com/opsloop/runnerpool/internal/factory"
	"github.com/opsloop/runnerpool/internal/hostedci"
	"github.com/opsloop/runnerpool/internal/poolcontroller"
	"github.com/opsloop/runnerpool/internal/runner"
	"github.com/opsloop/runnerpool/internal/store"
)

// Reconciler owns every PoolController and is the single entry point
// for the three ways the outside world drives the pool: the periodic
// Tick, a single-runner push-update webhook, and Drain.
type Reconciler struct {
	fac      *factory.Factory
	hostedCI hostedci.HostedCiClient
	cloudCl  cloud.CloudClient
	st       store.Store
	log      *logrus.Entry
	org      string

	controllers []*poolcontroller.Controller

	drained bool
}

// New constructs a Reconciler over an already-populated set of
// controllers (one per configured VmType).
func New(fac *factory.Factory, hc hostedci.HostedCiClient, cl cloud.CloudClient, st store.Store, org string, controllers []*poolcontroller.Controller, log *logrus.Entry) *Reconciler {
	return &Reconciler{
		fac:         fac,
		hostedCI:    hc,
		cloudCl:     cl,
		st:          st,
		org:         org,
		controllers: controllers,
		log:         log,
	}
}

// Tick fetches the full hosted-CI runner list, broadcasts it to every
// controller's Update, then runs each controller's decision policy in
// order. A drained Reconciler's Tick is a no-op.
func (rc *Reconciler) Tick(ctx context.Context) error {
	if rc.isDrained(ctx) {
		return nil
	}

	observations, err := rc.hostedCI.ListRunners(ctx)
	if err != nil {
		if apierror.Is(err) {
			rc.log.WithError(err).Warn("tick: list_runners failed, skipping this cycle")
			return nil
		}
		return fmt.Errorf("reconciler: tick: list_runners: %w", err)
	}

	now := time.Now()
	for _, c := range rc.controllers {
		c.Update(observations, now)
	}
	for _, c := range rc.controllers {
		c.Decide(ctx, now)
	}
	return nil
}

// Push applies a single observation pushed by a hosted-CI webhook: it
// is routed to the controller whose VmType tags exactly match the
// observation's label set, then that controller's decisions re-run. An
// observation matching no controller is logged and dropped.
func (rc *Reconciler) Push(ctx context.Context, obs runner.Observation) {
	if rc.isDrained(ctx) {
		return
	}

	for _, c := range rc.controllers {
		if c.VmType().MatchesTags(obs.Labels) {
			now := time.Now()
			c.Update([]runner.Observation{obs}, now)
			c.Decide(ctx, now)
			return
		}
	}
	rc.log.WithField("runner", obs.Name).WithField("labels", strings.Join(obs.Labels, ",")).
		Warn("push update matched no pool controller, dropping")
}

// Drain halts provisioning and tears down every managed runner. It sets
// manager_running false first, so any in-flight provisioning aborts
// rather than persisting a new runner. Subsequent Tick/Push calls
// become no-ops.
func (rc *Reconciler) Drain(ctx context.Context) error {
	if err := rc.st.SetManagerRunning(ctx, false); err != nil {
		return fmt.Errorf("reconciler: drain: set manager_running: %w", err)
	}

	for _, c := range rc.controllers {
		for _, r := range c.Runners() {
			rc.fac.DeleteRunner(ctx, r)
			if err := rc.st.Delete(ctx, r.Name); err != nil {
				rc.log.WithError(err).WithField("runner", r.Name).Error("drain: removing runner from store")
			}
			c.Remove(r.Name)
		}
	}

	rc.drained = true
	return nil
}

func (rc *Reconciler) isDrained(ctx context.Context) bool {
	if rc.drained {
		return true
	}
	running, err := rc.st.ManagerRunning(ctx)
	if err != nil {
		rc.log.WithError(err).Warn("checking manager_running")
		return false
	}
	if !running {
		rc.drained = true
	}
	return rc.drained
}

// ReapOrphans lists every cloud VM under this reconciler's org prefix
// and deletes any whose name looks like a runner name but has no
// matching Store entry (a VM that was created but whose record was
// lost, e.g. a process crash between CreateVM succeeding and the Store
// write landing).
func (rc *Reconciler) ReapOrphans(ctx context.Context) error {
	vms, err := rc.cloudCl.ListVMs(ctx, rc.org)
	if err != nil {
		return fmt.Errorf("reconciler: reap_orphans: list_vms: %w", err)
	}

	prefix := "runner-"
	for _, vm := range vms {
		if !strings.HasPrefix(vm.Name, prefix) {
			continue
		}
		_, found, err := rc.st.Get(ctx, vm.Name)
		if err != nil {
			rc.log.WithError(err).WithField("vm", vm.Name).Error("reap_orphans: store lookup failed")
			continue
		}
		if found {
			continue
		}
		rc.log.WithField("vm", vm.Name).WithField("vm_id", vm.ID).Warn("reaping orphaned vm with no store entry")
		if err := rc.cloudCl.DeleteVM(ctx, vm.ID, ""); err != nil && !apierror.Is(err) {
			rc.log.WithError(err).WithField("vm", vm.Name).Error("reap_orphans: delete_vm failed")
		}
	}
	return nil
}
