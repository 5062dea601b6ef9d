package sampleindex

import (
	"fmt"
	"slices"
	"time"

	"github.com/dshills/varindex/pkg/types"
)

// ConfigurationSpec is the serializable form of a sample index configuration
type ConfigurationSpec struct {
	Fields      []FieldSpec      `toml:"fields" msgpack:"fields"`
	Combination *CombinationSpec `toml:"combination,omitempty" msgpack:"combination,omitempty"`
}

// Configuration is an immutable, validated list of fields plus an optional
// combination index. Schema evolution creates a new Configuration; an
// existing one is never modified.
type Configuration struct {
	fields      []*FieldConfiguration
	byKey       map[string]*FieldConfiguration
	combination *CombinationSpec
}

// NewConfiguration validates spec
func NewConfiguration(spec ConfigurationSpec) (*Configuration, error) {
	if len(spec.Fields) == 0 {
		return nil, types.NewSchemaError("configuration", "no fields configured")
	}

	c := &Configuration{byKey: make(map[string]*FieldConfiguration, len(spec.Fields))}
	for _, fs := range spec.Fields {
		fc, err := NewFieldConfiguration(fs)
		if err != nil {
			return nil, err
		}
		if _, dup := c.byKey[fc.key]; dup {
			return nil, types.NewSchemaError("configuration", "duplicate field key %q", fc.key)
		}
		c.byKey[fc.key] = fc
		c.fields = append(c.fields, fc)
	}

	if cs := spec.Combination; cs != nil {
		for _, key := range []string{cs.ConsequenceTypeKey, cs.BiotypeKey, cs.FlagKey} {
			fc, ok := c.byKey[key]
			if !ok {
				return nil, types.NewSchemaError("configuration", "combination references unknown field %q", key)
			}
			if fc.typ.IsRange() {
				return nil, types.NewSchemaError("configuration", "combination field %q is not categorical", key)
			}
		}
		c.combination = &CombinationSpec{
			ConsequenceTypeKey: cs.ConsequenceTypeKey,
			BiotypeKey:         cs.BiotypeKey,
			FlagKey:            cs.FlagKey,
			Reachable:          slices.Clone(cs.Reachable),
		}
	}
	return c, nil
}

// Fields returns the field configurations in layout order
func (c *Configuration) Fields() []*FieldConfiguration {
	return slices.Clone(c.fields)
}

// Field looks up a field by key
func (c *Configuration) Field(key string) (*FieldConfiguration, bool) {
	fc, ok := c.byKey[key]
	return fc, ok
}

// Combination returns a copy of the combination spec, or nil
func (c *Configuration) Combination() *CombinationSpec {
	if c.combination == nil {
		return nil
	}
	cs := *c.combination
	cs.Reachable = slices.Clone(c.combination.Reachable)
	return &cs
}

// Spec returns the serializable form
func (c *Configuration) Spec() ConfigurationSpec {
	spec := ConfigurationSpec{Combination: c.Combination()}
	for _, fc := range c.fields {
		spec.Fields = append(spec.Fields, fc.Spec())
	}
	return spec
}

// Status is the lifecycle state of a configuration version
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusStaging    Status = "STAGING"
	StatusDeprecated Status = "DEPRECATED"
)

// VersionedConfiguration binds a configuration to its version number
type VersionedConfiguration struct {
	Configuration *Configuration
	Version       int
	SinceDate     time.Time
	Status        Status
}

// Versions is the append-only, ordered list of a study's configuration
// versions. Exactly one version is ACTIVE. Methods never modify the
// receiver; they return the new list.
type Versions struct {
	list []VersionedConfiguration
}

// NewVersions starts a version list with cfg as ACTIVE version 1
func NewVersions(cfg *Configuration, since time.Time) Versions {
	return Versions{list: []VersionedConfiguration{{
		Configuration: cfg,
		Version:       1,
		SinceDate:     since,
		Status:        StatusActive,
	}}}
}

// Add appends cfg as a new STAGING version and returns its number
func (v Versions) Add(cfg *Configuration) (Versions, int) {
	next := len(v.list) + 1
	list := make([]VersionedConfiguration, len(v.list), len(v.list)+1)
	copy(list, v.list)
	list = append(list, VersionedConfiguration{
		Configuration: cfg,
		Version:       next,
		Status:        StatusStaging,
	})
	return Versions{list: list}, next
}

// Activate makes a STAGING version ACTIVE from now on and deprecates the
// previously active one
func (v Versions) Activate(version int, now time.Time) (Versions, error) {
	if version < 1 || version > len(v.list) {
		return v, fmt.Errorf("unknown sample index configuration version %d", version)
	}
	if st := v.list[version-1].Status; st != StatusStaging {
		return v, fmt.Errorf("cannot activate version %d in status %s", version, st)
	}

	list := slices.Clone(v.list)
	for i := range list {
		if list[i].Status == StatusActive {
			list[i].Status = StatusDeprecated
		}
	}
	list[version-1].Status = StatusActive
	list[version-1].SinceDate = now
	return Versions{list: list}, nil
}

// Active returns the version that governs newly indexed samples
func (v Versions) Active() (VersionedConfiguration, bool) {
	for _, vc := range v.list {
		if vc.Status == StatusActive {
			return vc, true
		}
	}
	return VersionedConfiguration{}, false
}

// Get returns a version by number
func (v Versions) Get(version int) (VersionedConfiguration, bool) {
	if version < 1 || version > len(v.list) {
		return VersionedConfiguration{}, false
	}
	return v.list[version-1], true
}

// All returns every version in order
func (v Versions) All() []VersionedConfiguration {
	return slices.Clone(v.list)
}

// Len returns the number of versions
func (v Versions) Len() int {
	return len(v.list)
}

// Validate checks numbering and the single-ACTIVE invariant
func (v Versions) Validate() error {
	active := 0
	for i, vc := range v.list {
		if vc.Version != i+1 {
			return types.NewSchemaError("versions", "version %d found at position %d", vc.Version, i+1)
		}
		if vc.Configuration == nil {
			return types.NewSchemaError("versions", "version %d has no configuration", vc.Version)
		}
		switch vc.Status {
		case StatusActive:
			active++
		case StatusStaging, StatusDeprecated:
		default:
			return types.NewSchemaError("versions", "version %d has unknown status %q", vc.Version, vc.Status)
		}
	}
	if active != 1 {
		return types.NewSchemaError("versions", "expected exactly one ACTIVE version, found %d", active)
	}
	return nil
}
