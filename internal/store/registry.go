package store

import "fmt"

// New constructs a Store implementation by name, resolving the
// storeSettings map into implementation-specific settings. This mirrors
// the small name-keyed registries the core uses for CloudClient and
// HostedCiClient, kept here to follow the same construction pattern.
func New(kind string, settings map[string]any) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		addr, _ := settings["addr"].(string)
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		password, _ := settings["password"].(string)
		db, _ := settings["db"].(int)
		return NewRedisStore(addr, password, db)
	default:
		return nil, fmt.Errorf("store: unknown kind %q", kind)
	}
}
