package cloud

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Factory constructs a CloudClient from its settings sub-map of the
// runner pool configuration.
type Factory func(settings map[string]any, log *logrus.Logger) (CloudClient, error)

var registry = map[string]Factory{}

// Register adds a named CloudClient constructor. Implementations call
// this from an init func, the same narrow-interface-plus-registry
// polymorphism used for HostedCiClient and Store.
func Register(name string, f Factory) {
	registry[name] = f
}

// New constructs the named CloudClient.
func New(name string, settings map[string]any, log *logrus.Logger) (CloudClient, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("cloud: unknown client %q", name)
	}
	return f(settings, log)
}
