package sampleindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/varindex/internal/storage"
)

// ConfigTable holds one row per study with its configuration versions
const ConfigTable = "sample_index_config"

const (
	configColumn     = "versions"
	maxUpdateRetries = 16
)

// ErrNoConfiguration is returned when a study has no stored configuration
var ErrNoConfiguration = errors.New("no sample index configuration")

type versionRecord struct {
	Spec      ConfigurationSpec `msgpack:"spec"`
	Version   int               `msgpack:"version"`
	SinceDate time.Time         `msgpack:"since"`
	Status    Status            `msgpack:"status"`
}

// ConfigStore persists a study's Versions in a single cell, updated with
// compare-and-set so concurrent writers cannot lose a version
type ConfigStore struct {
	store storage.Store
}

// NewConfigStore creates a ConfigStore on store
func NewConfigStore(store storage.Store) *ConfigStore {
	return &ConfigStore{store: store}
}

func studyKey(study string) []byte {
	return []byte("study:" + study)
}

// Load returns the stored versions of a study
func (cs *ConfigStore) Load(ctx context.Context, study string) (Versions, error) {
	v, _, err := cs.load(ctx, study)
	return v, err
}

func (cs *ConfigStore) load(ctx context.Context, study string) (Versions, []byte, error) {
	row, err := cs.store.Get(ctx, ConfigTable, studyKey(study), configColumn)
	if errors.Is(err, storage.ErrNotFound) {
		return Versions{}, nil, ErrNoConfiguration
	}
	if err != nil {
		return Versions{}, nil, fmt.Errorf("failed to load configuration of study %s: %w", study, err)
	}
	raw, ok := row.Column(configColumn)
	if !ok {
		return Versions{}, nil, ErrNoConfiguration
	}
	v, err := decodeVersions(raw)
	if err != nil {
		return Versions{}, nil, err
	}
	return v, raw, nil
}

// Update applies fn to the current versions (zero Versions when none are
// stored) and writes the result atomically, retrying when another writer
// got there first
func (cs *ConfigStore) Update(ctx context.Context, study string, fn func(Versions) (Versions, error)) (Versions, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		current, raw, err := cs.load(ctx, study)
		if err != nil && !errors.Is(err, ErrNoConfiguration) {
			return Versions{}, err
		}
		next, err := fn(current)
		if err != nil {
			return Versions{}, err
		}
		if err := next.Validate(); err != nil {
			return Versions{}, err
		}
		encoded, err := encodeVersions(next)
		if err != nil {
			return Versions{}, err
		}
		if bytes.Equal(encoded, raw) {
			return next, nil
		}
		ok, err := cs.store.ConditionalPut(ctx, ConfigTable, studyKey(study), configColumn, raw, encoded)
		if err != nil {
			return Versions{}, fmt.Errorf("failed to store configuration of study %s: %w", study, err)
		}
		if ok {
			return next, nil
		}
	}
	return Versions{}, fmt.Errorf("configuration of study %s: too many concurrent updates", study)
}

// Ensure makes cfg the active configuration of a study. A study without
// configuration starts at version 1; a study whose active configuration
// differs gets cfg appended and activated.
func (cs *ConfigStore) Ensure(ctx context.Context, study string, cfg *Configuration, now time.Time) (Versions, error) {
	want, err := encodeSpec(cfg.Spec())
	if err != nil {
		return Versions{}, err
	}
	return cs.Update(ctx, study, func(current Versions) (Versions, error) {
		if current.Len() == 0 {
			return NewVersions(cfg, now), nil
		}
		if active, ok := current.Active(); ok {
			have, err := encodeSpec(active.Configuration.Spec())
			if err != nil {
				return Versions{}, err
			}
			if bytes.Equal(have, want) {
				return current, nil
			}
		}
		next, version := current.Add(cfg)
		return next.Activate(version, now)
	})
}

func newEncoder(buf *bytes.Buffer) *msgpack.Encoder {
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	return enc
}

func encodeSpec(spec ConfigurationSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(spec); err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeVersions(v Versions) ([]byte, error) {
	records := make([]versionRecord, 0, v.Len())
	for _, vc := range v.list {
		records = append(records, versionRecord{
			Spec:      vc.Configuration.Spec(),
			Version:   vc.Version,
			SinceDate: vc.SinceDate.UTC(),
			Status:    vc.Status,
		})
	}
	var buf bytes.Buffer
	if err := newEncoder(&buf).Encode(records); err != nil {
		return nil, fmt.Errorf("failed to encode configuration versions: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVersions(raw []byte) (Versions, error) {
	var records []versionRecord
	if err := msgpack.Unmarshal(raw, &records); err != nil {
		return Versions{}, fmt.Errorf("failed to decode configuration versions: %w", err)
	}
	list := make([]VersionedConfiguration, 0, len(records))
	for _, rec := range records {
		cfg, err := NewConfiguration(rec.Spec)
		if err != nil {
			return Versions{}, fmt.Errorf("stored version %d: %w", rec.Version, err)
		}
		list = append(list, VersionedConfiguration{
			Configuration: cfg,
			Version:       rec.Version,
			SinceDate:     rec.SinceDate,
			Status:        rec.Status,
		})
	}
	v := Versions{list: list}
	if err := v.Validate(); err != nil {
		return Versions{}, err
	}
	return v, nil
}
