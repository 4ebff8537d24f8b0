package hostedci

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Factory constructs a HostedCiClient from its settings sub-map of the
// top-level configuration.
type Factory func(settings map[string]any, log *logrus.Logger) (HostedCiClient, error)

var registry = map[string]Factory{}

// Register adds a named HostedCiClient constructor.
func Register(name string, f Factory) {
	registry[name] = f
}

// New constructs the named HostedCiClient.
func New(name string, settings map[string]any, log *logrus.Logger) (HostedCiClient, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("hostedci: unknown client %q", name)
	}
	return f(settings, log)
}
