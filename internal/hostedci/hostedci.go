// Package hostedci defines the HostedCiClient interface the Reconciler
// polls for runner observations and the Factory uses to mint
// registration tokens and force-deregister spent runners, plus the
// concrete "github" and "gitea" implementations.
package hostedci

import (
	"context"

	"github.com/opsloop/runnerpool/internal/runner"
)

// HostedCiClient is implemented once per supported hosted-CI service.
type HostedCiClient interface {
	// DownloadLink locates the runner installer tarball for the given
	// architecture (e.g. "x64").
	DownloadLink(ctx context.Context, arch string) (string, error)

	// MintRegistrationToken issues a short-lived (~1h) token a new
	// runner uses to register itself.
	MintRegistrationToken(ctx context.Context) (string, error)

	// ListRunners returns the service's current view of every
	// registered runner.
	ListRunners(ctx context.Context) ([]runner.Observation, error)

	// ForceDelete deregisters a runner by its hosted-CI id. It is
	// idempotent on an already-absent runner and fails with an
	// apierror.APIError otherwise.
	ForceDelete(ctx context.Context, actionID int) error
}
