// Package cloud defines the CloudClient interface the Factory drives to
// create and destroy the virtual machines backing runners, plus the
// concrete "firecracker" and "ec2" implementations.
package cloud

import "context"

// VM is a cloud provider's view of one virtual machine, as returned by
// ListVMs for orphan reconciliation.
type VM struct {
	ID     string
	Name   string
	Status string
}

// CreateParams carries everything a CloudClient needs to provision a VM
// whose user-data script registers it with the hosted-CI service.
type CreateParams struct {
	RunnerName   string
	Tags         []string
	Config       map[string]any
	Token        string // hosted-CI registration token
	Org          string
	InstallerURL string // download link for the runner installer
}

// CloudClient is implemented once per supported cloud. All methods must
// be safe for concurrent use; CreateVM and DeleteVM are called from
// Factory worker-pool goroutines, never from the Reconciler thread.
type CloudClient interface {
	// CreateVM provisions a VM and blocks until it reaches a terminal
	// state (active or error). Implementations retry internally on a
	// transient ERROR state up to 5 total attempts before giving up.
	CreateVM(ctx context.Context, params CreateParams) (vmID string, err error)

	// DeleteVM is idempotent: deleting an already-absent VM is not an
	// error. imageHint, when non-empty, requests graceful shutdown
	// semantics for images that need a clean unsubscribe before
	// deletion.
	DeleteVM(ctx context.Context, vmID string, imageHint string) error

	// ListVMs enumerates VMs whose name carries orgPrefix, used by the
	// Reconciler's orphan-GC pass.
	ListVMs(ctx context.Context, orgPrefix string) ([]VM, error)
}
