package sampleindex

import (
	"fmt"
	"math"
	"slices"

	"github.com/dshills/varindex/pkg/types"
)

// FieldSource is where a field value is read from
type FieldSource string

const (
	SourceFile       FieldSource = "FILE"
	SourceSample     FieldSource = "SAMPLE"
	SourceAnnotation FieldSource = "ANNOTATION"
)

// FieldType selects the codec for a field
type FieldType string

const (
	TypeCategorical           FieldType = "CATEGORICAL"
	TypeCategoricalMultiValue FieldType = "CATEGORICAL_MULTI_VALUE"
	TypeRangeLT               FieldType = "RANGE_LT"
	TypeRangeGT               FieldType = "RANGE_GT"
)

// IsRange reports whether the type is one of the numeric range types
func (t FieldType) IsRange() bool {
	return t == TypeRangeLT || t == TypeRangeGT
}

const (
	maxCategoricalValues = 1 << 16
	maxMultiValues       = 64
)

// FieldSpec is the plain, serializable description of a field. It is the
// input to NewFieldConfiguration and what configuration files decode into.
type FieldSpec struct {
	Source     FieldSource         `toml:"source" msgpack:"source"`
	Key        string              `toml:"key" msgpack:"key"`
	Type       FieldType           `toml:"type" msgpack:"type"`
	Values     []string            `toml:"values,omitempty" msgpack:"values,omitempty"`
	Aliases    map[string][]string `toml:"aliases,omitempty" msgpack:"aliases,omitempty"`
	Thresholds []float64           `toml:"thresholds,omitempty" msgpack:"thresholds,omitempty"`
}

// FieldConfiguration is the validated, immutable form of a FieldSpec.
// Accessors return copies; there are no setters.
type FieldConfiguration struct {
	source     FieldSource
	key        string
	typ        FieldType
	values     []string
	mapping    map[string]uint64 // raw value or alias -> 1-based code
	aliases    map[string][]string
	thresholds []float64
}

// NewFieldConfiguration validates spec and builds the immutable configuration
func NewFieldConfiguration(spec FieldSpec) (*FieldConfiguration, error) {
	op := "field " + spec.Key
	switch spec.Source {
	case SourceFile, SourceSample, SourceAnnotation:
	default:
		return nil, types.NewSchemaError(op, "unknown source %q", spec.Source)
	}
	if spec.Key == "" {
		return nil, types.NewSchemaError("field", "key cannot be empty")
	}

	fc := &FieldConfiguration{source: spec.Source, key: spec.Key, typ: spec.Type}
	switch spec.Type {
	case TypeCategorical, TypeCategoricalMultiValue:
		if err := fc.initCategorical(op, spec); err != nil {
			return nil, err
		}
	case TypeRangeLT, TypeRangeGT:
		if err := fc.initRange(op, spec); err != nil {
			return nil, err
		}
	default:
		return nil, types.NewSchemaError(op, "unknown type %q", spec.Type)
	}
	return fc, nil
}

func (fc *FieldConfiguration) initCategorical(op string, spec FieldSpec) error {
	if len(spec.Thresholds) > 0 {
		return types.NewSchemaError(op, "categorical field cannot have thresholds")
	}
	if len(spec.Values) == 0 {
		return types.NewSchemaError(op, "categorical field needs at least one value")
	}
	if len(spec.Values) >= maxCategoricalValues {
		return types.NewSchemaError(op, "too many values (%d)", len(spec.Values))
	}
	if spec.Type == TypeCategoricalMultiValue && len(spec.Values) > maxMultiValues {
		return types.NewSchemaError(op, "multi-valued field supports at most %d values, got %d", maxMultiValues, len(spec.Values))
	}

	fc.values = slices.Clone(spec.Values)
	fc.mapping = make(map[string]uint64, len(spec.Values))
	for i, v := range spec.Values {
		if v == "" {
			return types.NewSchemaError(op, "empty value at position %d", i)
		}
		if _, dup := fc.mapping[v]; dup {
			return types.NewSchemaError(op, "duplicate value %q", v)
		}
		fc.mapping[v] = uint64(i + 1)
	}

	fc.aliases = make(map[string][]string, len(spec.Aliases))
	for target, raws := range spec.Aliases {
		code, ok := fc.mapping[target]
		if !ok {
			return types.NewSchemaError(op, "alias target %q is not a configured value", target)
		}
		fc.aliases[target] = slices.Clone(raws)
		for _, raw := range raws {
			if existing, ok := fc.mapping[raw]; ok && existing != code {
				return types.NewSchemaError(op, "raw value %q maps to more than one value", raw)
			}
			fc.mapping[raw] = code
		}
	}
	return nil
}

func (fc *FieldConfiguration) initRange(op string, spec FieldSpec) error {
	if len(spec.Values) > 0 || len(spec.Aliases) > 0 {
		return types.NewSchemaError(op, "range field cannot have values")
	}
	if len(spec.Thresholds) == 0 {
		return types.NewSchemaError(op, "range field needs at least one threshold")
	}
	for i, t := range spec.Thresholds {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return types.NewSchemaError(op, "threshold %d is not finite", i)
		}
		if i > 0 && t <= spec.Thresholds[i-1] {
			return types.NewSchemaError(op, "thresholds must be strictly increasing")
		}
	}
	fc.thresholds = slices.Clone(spec.Thresholds)
	return nil
}

func (fc *FieldConfiguration) Source() FieldSource { return fc.source }
func (fc *FieldConfiguration) Key() string         { return fc.key }
func (fc *FieldConfiguration) Type() FieldType     { return fc.typ }

// Values returns the configured categorical values in code order
func (fc *FieldConfiguration) Values() []string { return slices.Clone(fc.values) }

// Thresholds returns the configured range boundaries
func (fc *FieldConfiguration) Thresholds() []float64 { return slices.Clone(fc.thresholds) }

// Spec returns the serializable description of the configuration
func (fc *FieldConfiguration) Spec() FieldSpec {
	spec := FieldSpec{
		Source:     fc.source,
		Key:        fc.key,
		Type:       fc.typ,
		Values:     fc.Values(),
		Thresholds: fc.Thresholds(),
	}
	if len(fc.aliases) > 0 {
		spec.Aliases = make(map[string][]string, len(fc.aliases))
		for k, v := range fc.aliases {
			spec.Aliases[k] = slices.Clone(v)
		}
	}
	return spec
}

// ID identifies the field within a configuration
func (fc *FieldConfiguration) ID() string {
	return fmt.Sprintf("%s:%s", fc.source, fc.key)
}
