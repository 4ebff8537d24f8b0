// Package runner holds the core data model: VmType, Runner, the runner
// state machine, and the hosted-CI observation shape the state machine
// consumes.
package runner

import (
	"fmt"
	"sort"
	"strings"
)

// Quantity is the {min, max} sizing of a VmType.
type Quantity struct {
	Min int
	Max int
}

// VmType is an immutable declarative pool specification: a set of tags
// identifying the pool, an opaque cloud-specific config map, and a
// min/max sizing. Two VmTypes are equal iff their sorted tag sequences
// match.
type VmType struct {
	tags     []string
	Config   map[string]any
	Quantity Quantity
}

// NewVmType constructs a VmType, sorting tags into canonical order and
// validating the quantity bounds.
func NewVmType(tags []string, config map[string]any, quantity Quantity) (*VmType, error) {
	if quantity.Min < 0 || quantity.Max < quantity.Min {
		return nil, fmt.Errorf("runner: invalid quantity {min:%d, max:%d}", quantity.Min, quantity.Max)
	}
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)

	cfg := config
	if cfg == nil {
		cfg = map[string]any{}
	}

	return &VmType{tags: sorted, Config: cfg, Quantity: quantity}, nil
}

// Tags returns the sorted tag sequence. Callers must not mutate it.
func (v *VmType) Tags() []string { return v.tags }

// TagsKey returns the sorted tags joined without separator, used both
// as a map key for correlating runners to their VmType and as the input
// to the name hash.
func (v *VmType) TagsKey() string { return strings.Join(v.tags, "") }

// Equal reports whether two VmTypes share the same sorted tag sequence.
func (v *VmType) Equal(other *VmType) bool {
	if other == nil {
		return false
	}
	return v.TagsKey() == other.TagsKey()
}

// MatchesTags reports whether the given tag set is identical (as a set,
// order-independent) to this VmType's tags, used to route push-update
// observations to the right PoolController.
func (v *VmType) MatchesTags(tags []string) bool {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return strings.Join(sorted, "") == v.TagsKey()
}

// MinRunnerNumber and MaxRunnerNumber expose the quantity bounds.
func (v *VmType) MinRunnerNumber() int { return v.Quantity.Min }
func (v *VmType) MaxRunnerNumber() int { return v.Quantity.Max }
