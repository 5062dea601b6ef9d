package sampleindex

import (
	"github.com/dshills/varindex/pkg/types"
)

// Registry holds the laid-out schema of every configuration version of a
// study. The active schema encodes new records; any version can decode.
type Registry struct {
	versions Versions
	schemas  []*Schema // schemas[version-1]
	active   *Schema
}

// NewRegistry validates versions and builds a schema for each of them
func NewRegistry(versions Versions) (*Registry, error) {
	if err := versions.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{versions: versions}
	for _, vc := range versions.list {
		s, err := NewSchema(vc)
		if err != nil {
			return nil, err
		}
		r.schemas = append(r.schemas, s)
		if vc.Status == StatusActive {
			r.active = s
		}
	}
	return r, nil
}

// Active returns the schema new records are encoded with
func (r *Registry) Active() *Schema {
	return r.active
}

// Schema returns the schema of a version. An unknown version means the
// index was written by a newer configuration than this process knows.
func (r *Registry) Schema(version int) (*Schema, error) {
	if version < 1 || version > len(r.schemas) {
		return nil, types.NewSchemaError("registry", "unknown sample index version %d", version)
	}
	return r.schemas[version-1], nil
}

// Versions returns the version list the registry was built from
func (r *Registry) Versions() Versions {
	return r.versions
}
