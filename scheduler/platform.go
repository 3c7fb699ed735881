package scheduler

import (
	"strconv"

	"github.com/gurre/remexec/errs"
)

// PropertyKind distinguishes how a platform property is matched.
type PropertyKind int

const (
	// PropertyExact requires byte-equal values on action and worker.
	PropertyExact PropertyKind = iota
	// PropertyMinimum requires the worker's integer value to be at least
	// the action's.
	PropertyMinimum
)

// PropertyValue is one typed platform property value.
type PropertyValue struct {
	Kind    PropertyKind
	Exact   string
	Minimum int64
}

// ExactValue builds an exact-match property value.
func ExactValue(v string) PropertyValue { return PropertyValue{Kind: PropertyExact, Exact: v} }

// MinimumValue builds a minimum-threshold property value.
func MinimumValue(v int64) PropertyValue { return PropertyValue{Kind: PropertyMinimum, Minimum: v} }

// PlatformProperties maps property names to typed values.
type PlatformProperties map[string]PropertyValue

// IsSatisfiedBy reports whether worker properties satisfy every entry of
// the action's properties: exact values must match bytes, minimum values
// require the worker to meet or exceed the action's threshold.
func (p PlatformProperties) IsSatisfiedBy(worker PlatformProperties) bool {
	for name, required := range p {
		offered, ok := worker[name]
		if !ok || offered.Kind != required.Kind {
			return false
		}
		switch required.Kind {
		case PropertyExact:
			if offered.Exact != required.Exact {
				return false
			}
		case PropertyMinimum:
			if offered.Minimum < required.Minimum {
				return false
			}
		}
	}
	return true
}

// PlatformPropertyManager translates raw string properties from clients and
// workers into typed values, admitting only configured property names.
type PlatformPropertyManager struct {
	supported map[string]PropertyKind
}

// NewPlatformPropertyManager creates a manager over the configured set of
// supported property names.
func NewPlatformPropertyManager(supported map[string]PropertyKind) *PlatformPropertyManager {
	if supported == nil {
		supported = make(map[string]PropertyKind)
	}
	return &PlatformPropertyManager{supported: supported}
}

// MakeProperties types a raw name/value mapping. Unknown property names and
// non-integer values for minimum properties are rejected.
func (m *PlatformPropertyManager) MakeProperties(raw map[string]string) (PlatformProperties, error) {
	props := make(PlatformProperties, len(raw))
	for name, value := range raw {
		kind, ok := m.supported[name]
		if !ok {
			return nil, errs.New(errs.InvalidArgument, "platform property %q is not configured", name)
		}
		switch kind {
		case PropertyExact:
			props[name] = ExactValue(value)
		case PropertyMinimum:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errs.New(errs.InvalidArgument,
					"platform property %q requires an integer value, got %q", name, value)
			}
			props[name] = MinimumValue(n)
		}
	}
	return props, nil
}
