// Package factory allocates runner names, drives asynchronous VM
// provisioning and teardown on a background worker pool, and writes the
// Store entries of the runners it creates or respawns. Removing the
// entry of a runner that is deleted outright is left to the caller
// that deletes it.
package factory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/apierror"
	"github.com/opsloop/runnerpool/internal/cloud"
	"github.com/opsloop/runnerpool/internal/hostedci"
	"github.com/opsloop/runnerpool/internal/metrics"
	"github.com/opsloop/runnerpool/internal/runner"
	"github.com/opsloop/runnerpool/internal/store"
)

const tagsHashLen = 10

// Factory ties together the Store, CloudClient and HostedCiClient to
// name, create, respawn and delete runners. It is the only component
// that schedules mutations against a runner name, enforcing the
// single-writer-per-name discipline via an in-memory, mutex-guarded
// in-flight set rather than a durable action queue.
type Factory struct {
	store    store.Store
	cloud    cloud.CloudClient
	hostedCI hostedci.HostedCiClient
	log      *logrus.Logger

	cloudName string
	org       string

	pool *workerPool

	mu        sync.Mutex
	inFlight  map[string]struct{}
	nextIndex int
}

// New constructs a Factory. cloudName and org feed the runner name
// format "runner-{cloud}-{org}-{tags_hash}-{index}".
func New(st store.Store, cl cloud.CloudClient, hc hostedci.HostedCiClient, cloudName, org string, workers int, log *logrus.Logger) *Factory {
	return &Factory{
		store:     st,
		cloud:     cl,
		hostedCI:  hc,
		log:       log,
		cloudName: cloudName,
		org:       org,
		pool:      newWorkerPool(workers, log),
		inFlight:  make(map[string]struct{}),
	}
}

// Start launches the background worker pool.
func (f *Factory) Start() { f.pool.Start() }

// Stop drains the background worker pool, waiting for in-flight
// provision/teardown tasks to finish.
func (f *Factory) Stop() { f.pool.Stop() }

// InFlight reports whether a mutation is currently outstanding for the
// given runner name. The PoolController consults this before scheduling a
// new decision-policy action for a runner so that at most one of
// {provisioner, deleter, reconciler tick} is mutating it at a time.
func (f *Factory) InFlight(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.inFlight[name]
	return ok
}

func (f *Factory) claim(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inFlight[name]; ok {
		return false
	}
	f.inFlight[name] = struct{}{}
	return true
}

func (f *Factory) release(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inFlight, name)
}

// tagsHash returns the first 10 hex characters of sha256 over the
// sorted, unseparated tag concatenation.
func tagsHash(tagsKey string) string {
	sum := sha256.Sum256([]byte(tagsKey))
	return hex.EncodeToString(sum[:])[:tagsHashLen]
}

// allocateName forms a process-unique runner name for vmType, checking
// the Store for collisions and always advancing the monotonic index
// after a successful attempt so names are never reused within this
// process's lifetime.
func (f *Factory) allocateName(ctx context.Context, vmType *runner.VmType) (string, error) {
	hash := tagsHash(vmType.TagsKey())

	for {
		f.mu.Lock()
		index := f.nextIndex
		f.nextIndex++
		f.mu.Unlock()

		name := fmt.Sprintf("runner-%s-%s-%s-%d", f.cloudName, f.org, hash, index)
		_, exists, err := f.store.Get(ctx, name)
		if err != nil {
			return "", fmt.Errorf("factory: checking name collision for %s: %w", name, err)
		}
		if !exists {
			return name, nil
		}
	}
}

// CreateRunner allocates a name, constructs a Runner in the creating
// state, schedules asynchronous provisioning, and returns the
// partially-constructed Runner immediately.
func (f *Factory) CreateRunner(ctx context.Context, vmType *runner.VmType) (*runner.Runner, error) {
	name, err := f.allocateName(ctx, vmType)
	if err != nil {
		return nil, err
	}

	log := f.log.WithField("runner", name)
	r := runner.New(name, vmType, time.Now(), log)

	if !f.claim(name) {
		return nil, fmt.Errorf("factory: runner %s already has an outstanding mutation", name)
	}

	if err := f.store.Put(ctx, store.NewRecord(r)); err != nil {
		f.release(name)
		return nil, fmt.Errorf("factory: persisting new runner %s: %w", name, err)
	}

	f.pool.Submit(taskProvision, func() {
		defer f.release(name)
		f.provision(r, vmType)
	})

	return r, nil
}

// provision runs on a worker-pool goroutine. It aborts cleanly if the
// manager has since been told to stop, both before calling CreateVM and
// again once it returns (deleting the VM just created), and on success
// merges the assigned vm_id into whatever record is currently
// persisted under this name, since a concurrent observation may have
// already updated it by the time CreateVM returns.
func (f *Factory) provision(r *runner.Runner, vmType *runner.VmType) {
	ctx := context.Background()
	name := r.Name

	running, err := f.store.ManagerRunning(ctx)
	if err != nil {
		f.log.WithError(err).WithField("runner", name).Error("checking manager_running before provision")
	}
	if err == nil && !running {
		r.MarkDeleting()
		if err := f.store.Delete(ctx, name); err != nil {
			f.log.WithError(err).WithField("runner", name).Warn("removing runner after drain-aborted provision")
		}
		return
	}

	token, err := f.hostedCI.MintRegistrationToken(ctx)
	if err != nil {
		f.log.WithError(err).WithField("runner", name).Error("minting registration token")
		f.abandon(ctx, r)
		return
	}

	arch, _ := vmType.Config["arch"].(string)
	if arch == "" {
		arch = "x64"
	}
	installerURL, err := f.hostedCI.DownloadLink(ctx, arch)
	if err != nil {
		f.log.WithError(err).WithField("runner", name).Error("resolving runner installer download link")
		f.abandon(ctx, r)
		return
	}

	start := time.Now()
	vmID, err := f.cloud.CreateVM(ctx, cloud.CreateParams{
		RunnerName:   name,
		Tags:         vmType.Tags(),
		Config:       vmType.Config,
		Token:        token,
		Org:          f.org,
		InstallerURL: installerURL,
	})
	metrics.ObserveVMCreation(poolLabel(vmType), f.cloudName, time.Since(start), err)
	if err != nil {
		f.log.WithError(err).WithField("runner", name).Error("create_vm failed after retries")
		f.abandon(ctx, r)
		return
	}

	if running, err := f.store.ManagerRunning(ctx); err == nil && !running {
		if err := f.cloud.DeleteVM(ctx, vmID, f.imageHint(vmType)); err != nil {
			f.log.WithError(err).WithField("runner", name).Warn("deleting vm created while draining")
		}
		f.abandon(ctx, r)
		return
	}

	r.SetVMID(vmID)
	flavor, _ := vmType.Config["flavor"].(string)
	image, _ := vmType.Config["image"].(string)
	metrics.SetRunnerStatus(name, flavor, image, "", string(r.Status))

	existing, found, err := f.store.Get(ctx, name)
	if err != nil {
		f.log.WithError(err).WithField("runner", name).Error("reading persisted record to merge vm_id")
		existing = store.NewRecord(r)
	} else if found {
		existing.VMID = vmID
	} else {
		existing = store.NewRecord(r)
	}

	if err := f.store.Put(ctx, existing); err != nil {
		f.log.WithError(err).WithField("runner", name).Error("persisting provisioned runner")
	}
}

// abandon converts a runner that failed provisioning into a dropped
// record: mark deleting, remove from the Store. The next Reconciler
// tick observes the resulting shortfall and reissues a create.
func (f *Factory) abandon(ctx context.Context, r *runner.Runner) {
	r.MarkDeleting()
	if err := f.store.Delete(ctx, r.Name); err != nil {
		f.log.WithError(err).WithField("runner", r.Name).Warn("removing abandoned runner")
	}
}

// RespawnReplace deletes the runner's VM, then schedules a fresh
// provisioning cycle reusing the same name. It is a no-op if a
// mutation is already outstanding for this runner.
func (f *Factory) RespawnReplace(r *runner.Runner) {
	name := r.Name
	if !f.claim(name) {
		return
	}

	vmType := r.Snapshot().VmType
	vmID := r.Snapshot().VMID

	f.pool.Submit(taskTeardown, func() {
		ctx := context.Background()
		if vmID != "" {
			start := time.Now()
			err := f.cloud.DeleteVM(ctx, vmID, f.imageHint(vmType))
			metrics.ObserveVMDeletion(poolLabel(vmType), f.cloudName, time.Since(start))
			if err != nil && !apierror.Is(err) {
				f.log.WithError(err).WithField("runner", name).Error("deleting vm before respawn")
			} else if err != nil {
				f.log.WithError(err).WithField("runner", name).Warn("vm already gone before respawn")
			}
		}

		r.BeginRespawn(time.Now())
		if err := f.store.Put(ctx, store.NewRecord(r)); err != nil {
			f.log.WithError(err).WithField("runner", name).Error("persisting respawning runner")
		}

		f.provision(r, vmType)
		f.release(name)
	})
}

// DeleteRunner force-deregisters the runner from the hosted-CI service
// (if it has an action id) and deletes its VM (if it has one),
// swallowing and logging APIErrors from either. It does not remove the
// Store entry; callers that delete a runner outright (Drain) own that
// mutation themselves, keeping Store writes funneled through a single
// path per call site.
func (f *Factory) DeleteRunner(ctx context.Context, r *runner.Runner) {
	snap := r.Snapshot()

	if snap.ActionID != nil {
		if err := f.hostedCI.ForceDelete(ctx, *snap.ActionID); err != nil {
			f.log.WithError(err).WithField("runner", snap.Name).Warn("force-deregister failed")
		}
	}
	if snap.VMID != "" {
		start := time.Now()
		err := f.cloud.DeleteVM(ctx, snap.VMID, f.imageHint(snap.VmType))
		metrics.ObserveVMDeletion(poolLabel(snap.VmType), f.cloudName, time.Since(start))
		if err != nil {
			f.log.WithError(err).WithField("runner", snap.Name).Warn("delete_vm failed")
		}
	}
	r.MarkDeleting()

	flavor, image := "", ""
	if snap.VmType != nil {
		flavor, _ = snap.VmType.Config["flavor"].(string)
		image, _ = snap.VmType.Config["image"].(string)
	}
	metrics.RemoveRunner(snap.Name, flavor, image, string(snap.Status))
}

func poolLabel(vmType *runner.VmType) string {
	if vmType == nil {
		return ""
	}
	return vmType.TagsKey()
}

// imageHint extracts the optional graceful-shutdown image hint from a
// VmType's config, used by CloudClient.DeleteVM for images that need a
// clean unsubscribe before deletion.
func (f *Factory) imageHint(vmType *runner.VmType) string {
	if vmType == nil {
		return ""
	}
	hint, _ := vmType.Config["imageHint"].(string)
	return hint
}
