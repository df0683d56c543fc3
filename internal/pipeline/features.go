package pipeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FeaturePolicy controls how unknown feature names are handled
type FeaturePolicy string

const (
	// FeaturePolicyOpen stores any name
	FeaturePolicyOpen FeaturePolicy = "open"
	// FeaturePolicyClosed rejects names outside the default set
	FeaturePolicyClosed FeaturePolicy = "closed"
)

type flagKind uint8

const (
	kindBool flagKind = iota
	kindNumber
)

// FlagValue is a boolean or numeric feature value
type FlagValue struct {
	kind flagKind
	b    bool
	n    float64
}

// BoolFlag returns a boolean flag value
func BoolFlag(b bool) FlagValue { return FlagValue{kind: kindBool, b: b} }

// NumberFlag returns a numeric flag value
func NumberFlag(n float64) FlagValue { return FlagValue{kind: kindNumber, n: n} }

func (v FlagValue) IsBool() bool   { return v.kind == kindBool }
func (v FlagValue) IsNumber() bool { return v.kind == kindNumber }

// Bool returns the value as a boolean; numbers are true when non-zero
func (v FlagValue) Bool() bool {
	if v.kind == kindNumber {
		return v.n != 0
	}
	return v.b
}

// Number returns the value as a float; booleans map to 0 and 1
func (v FlagValue) Number() float64 {
	if v.kind == kindBool {
		if v.b {
			return 1
		}
		return 0
	}
	return v.n
}

func (v FlagValue) String() string {
	if v.kind == kindBool {
		return strconv.FormatBool(v.b)
	}
	return strconv.FormatFloat(v.n, 'g', -1, 64)
}

func (v FlagValue) MarshalJSON() ([]byte, error) {
	if v.kind == kindBool {
		return json.Marshal(v.b)
	}
	return json.Marshal(v.n)
}

func (v *FlagValue) UnmarshalJSON(data []byte) error {
	parsed, err := ParseFlagValue(strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseFlagValue parses "true", "false" or a number, optionally quoted
func ParseFlagValue(s string) (FlagValue, error) {
	s = strings.Trim(s, `"`)
	switch strings.ToLower(s) {
	case "true":
		return BoolFlag(true), nil
	case "false":
		return BoolFlag(false), nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return FlagValue{}, errors.Wrapf(ErrInvalidFeatureValue, "%q", s)
	}
	return NumberFlag(n), nil
}

// Features is a point-in-time copy of all feature flags
type Features map[string]FlagValue

// Enabled reports whether name is present and truthy
func (f Features) Enabled(name string) bool {
	v, ok := f[name]
	return ok && v.Bool()
}

// DefaultFeatures returns the flags a fresh registry starts with
func DefaultFeatures() Features {
	f := Features{"sensitivity": NumberFlag(0.8)}
	for _, name := range []string{
		"roi_active",
		"loitering_detection",
		"flow_analysis",
		"night_vision",
		"Heatmap View",
		"Audio Panic Sensor",
		"Siren Trigger",
		"Emergency Call",
		"Predictive AI",
		"Auto-Snapshot",
		"Data Export",
		"User Management",
		"Region of Interest",
		"Night Vision Mode",
	} {
		f[name] = BoolFlag(true)
	}
	return f
}

// FeatureRegistry is a mutable set of named feature flags.
// Each flag is independent; writes are last-writer-wins.
type FeatureRegistry struct {
	mu     sync.RWMutex
	flags  map[string]FlagValue
	known  map[string]struct{}
	policy FeaturePolicy
}

// NewFeatureRegistry creates a registry seeded with defaults. The
// default names form the known set for the closed policy.
func NewFeatureRegistry(defaults Features, policy FeaturePolicy) *FeatureRegistry {
	if policy == "" {
		policy = FeaturePolicyOpen
	}
	r := &FeatureRegistry{
		flags:  make(map[string]FlagValue, len(defaults)),
		known:  make(map[string]struct{}, len(defaults)),
		policy: policy,
	}
	for name, v := range defaults {
		r.flags[name] = v
		r.known[name] = struct{}{}
	}
	return r
}

// Policy returns the unknown-name policy
func (r *FeatureRegistry) Policy() FeaturePolicy {
	return r.policy
}

// Toggle sets name to value. existed is false when the name was not
// stored before; under the open policy such names become new flags.
func (r *FeatureRegistry) Toggle(name string, value FlagValue) (existed bool, err error) {
	if name == "" {
		return false, errors.Wrap(ErrUnknownFeature, "empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.known[name]; !ok && r.policy == FeaturePolicyClosed {
		return false, errors.Wrapf(ErrUnknownFeature, "%q", name)
	}
	_, existed = r.flags[name]
	r.flags[name] = value
	return existed, nil
}

// Get returns a single flag
func (r *FeatureRegistry) Get(name string) (FlagValue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.flags[name]
	return v, ok
}

// Snapshot returns a copy of all flags
func (r *FeatureRegistry) Snapshot() Features {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(Features, len(r.flags))
	for k, v := range r.flags {
		out[k] = v
	}
	return out
}
