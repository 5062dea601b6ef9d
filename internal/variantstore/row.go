package variantstore

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/pkg/types"
)

// Table is the primary variant table
const Table = "variants"

// Column layout of a variant row
const (
	ColumnAnnotation = "a"
	ColumnUpdated    = "u"
	SamplePrefix     = "s:"
	SyncPrefix       = "sync:"
)

// SampleColumn returns the column holding a sample's data
func SampleColumn(sample string) string {
	return SamplePrefix + sample
}

// SyncColumn returns the column recording when a secondary index of the
// given kind last picked the row up
func SyncColumn(kind string) string {
	return SyncPrefix + kind
}

// EncodeTime stores t as 8 big-endian bytes of unix nanoseconds, so byte
// order matches time order
func EncodeTime(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano()))
}

// DecodeTime reverses EncodeTime
func DecodeTime(b []byte) (time.Time, error) {
	if len(b) != 8 {
		return time.Time{}, fmt.Errorf("%w: timestamp is %d bytes", types.ErrInvalidVariantData, len(b))
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(b))), nil
}

// Row is a decoded primary table row
type Row struct {
	Key        types.VariantKey
	Annotation *types.Annotation
	Samples    map[string]types.SampleData
	Updated    time.Time
	Synced     map[string]time.Time
}

// DecodeRow decodes the columns of a store row. Columns outside the layout
// are ignored.
func DecodeRow(r *storage.Row) (*Row, error) {
	row := &Row{
		Key:     types.VariantKey(r.Key),
		Samples: make(map[string]types.SampleData),
		Synced:  make(map[string]time.Time),
	}
	for col, val := range r.Columns {
		switch {
		case col == ColumnAnnotation:
			var ann types.Annotation
			if err := msgpack.Unmarshal(val, &ann); err != nil {
				return nil, fmt.Errorf("row %s: annotation: %w", r.Key, err)
			}
			row.Annotation = &ann
		case col == ColumnUpdated:
			t, err := DecodeTime(val)
			if err != nil {
				return nil, fmt.Errorf("row %s: %w", r.Key, err)
			}
			row.Updated = t
		case strings.HasPrefix(col, SamplePrefix):
			var sd types.SampleData
			if err := msgpack.Unmarshal(val, &sd); err != nil {
				return nil, fmt.Errorf("row %s: sample %s: %w", r.Key, col, err)
			}
			row.Samples[strings.TrimPrefix(col, SamplePrefix)] = sd
		case strings.HasPrefix(col, SyncPrefix):
			t, err := DecodeTime(val)
			if err != nil {
				return nil, fmt.Errorf("row %s: %s: %w", r.Key, col, err)
			}
			row.Synced[strings.TrimPrefix(col, SyncPrefix)] = t
		}
	}
	return row, nil
}

// Variant parses the row key
func (r *Row) Variant() (types.Variant, error) {
	return types.ParseVariantKey(r.Key)
}

// NeedsSync reports whether the row changed after the index of kind last
// saw it, or was never seen
func (r *Row) NeedsSync(kind string) bool {
	synced, ok := r.Synced[kind]
	if !ok {
		return true
	}
	return r.Updated.After(synced)
}

func sampleData(rec *types.VariantRecord) types.SampleData {
	sd := types.SampleData{FileID: rec.FileID, Data: rec.Data}
	if rec.Filter != "" || rec.Qual != "" {
		sd.File = make(map[string]string, 2)
		if rec.Filter != "" {
			sd.File[types.AttrFilter] = rec.Filter
		}
		if rec.Qual != "" {
			sd.File[types.AttrQual] = rec.Qual
		}
	}
	return sd
}
