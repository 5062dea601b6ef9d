package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on an embedded bbolt file. Each table is a
// top-level bucket and each row a nested bucket holding one key per column.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a bbolt store at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying bbolt file
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Scan returns one page of rows in key order
func (s *BoltStore) Scan(ctx context.Context, table string, opts ScanOptions) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := pageLimit(opts)
	page := &Page{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		start, exclusive := startKey(opts)
		var k, v []byte
		if len(start) > 0 {
			k, v = c.Seek(start)
			if exclusive && k != nil && bytes.Equal(k, start) {
				k, v = c.Next()
			}
		} else {
			k, v = c.First()
		}

		examined := 0
		for ; k != nil; k, v = c.Next() {
			if len(opts.Prefix) > 0 && !bytes.HasPrefix(k, opts.Prefix) {
				return nil
			}
			if v != nil {
				// plain keys never appear at table level
				continue
			}
			row := readBoltRow(b.Bucket(k), k)
			examined++
			r := project(row, opts.Columns)
			if len(row.Columns) > 0 && (opts.Filter == nil || opts.Filter(r)) {
				page.Rows = append(page.Rows, r)
			}
			if examined == limit {
				page.Next = row.Key
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan table %s: %w", table, err)
	}
	return page, nil
}

// Get returns a single row
func (s *BoltStore) Get(ctx context.Context, table string, key []byte, columns ...string) (*Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var row *Row
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return ErrNotFound
		}
		rb := b.Bucket(key)
		if rb == nil {
			return ErrNotFound
		}
		row = readBoltRow(rb, key)
		if len(row.Columns) == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return project(row, columns), nil
}

// ConditionalPut sets a cell inside a single read-write transaction
func (s *BoltStore) ConditionalPut(ctx context.Context, table string, key []byte, column string, expected, value []byte) (bool, error) {
	if len(key) == 0 || column == "" {
		return false, fmt.Errorf("%w: conditional put needs a row key and column", ErrInvalidMutation)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	applied := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		var current []byte
		if rb := b.Bucket(key); rb != nil {
			current = rb.Get([]byte(column))
		}
		switch {
		case expected == nil && current != nil:
			return nil
		case expected != nil && (current == nil || !bytes.Equal(current, expected)):
			return nil
		}
		rb, err := b.CreateBucketIfNotExists(key)
		if err != nil {
			return err
		}
		if value == nil {
			value = []byte{}
		}
		if err := rb.Put([]byte(column), value); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to conditionally put cell: %w", err)
	}
	return applied, nil
}

// BatchMutate applies all mutations in one transaction. A mutation that
// fails part way leaves its row unchanged: its writes are checked before
// any of them are applied.
func (s *BoltStore) BatchMutate(ctx context.Context, table string, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	collector := newBatchCollector(table, len(mutations))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		for i := range mutations {
			m := &mutations[i]
			if err := m.Validate(); err != nil {
				collector.fail(i, m.Key, err)
				continue
			}
			if err := applyBoltMutation(b, m); err != nil {
				collector.fail(i, m.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply batch: %w", err)
	}
	return collector.err()
}

func applyBoltMutation(b *bolt.Bucket, m *Mutation) error {
	if len(m.Key) > bolt.MaxKeySize {
		return fmt.Errorf("%w: row key exceeds %d bytes", ErrInvalidMutation, bolt.MaxKeySize)
	}
	for col, value := range m.Put {
		if len(col) > bolt.MaxKeySize || len(value) > bolt.MaxValueSize {
			return fmt.Errorf("%w: column %s too large", ErrInvalidMutation, col)
		}
	}

	if m.Require != "" {
		rb := b.Bucket(m.Key)
		if rb == nil || rb.Get([]byte(m.Require)) == nil {
			return fmt.Errorf("%w: row lacks column %s", ErrConditionFailed, m.Require)
		}
	}
	if m.DeleteRow {
		if err := b.DeleteBucket(m.Key); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
	}
	if len(m.Put) == 0 {
		rb := b.Bucket(m.Key)
		if rb == nil {
			return nil
		}
		for _, col := range m.Delete {
			if err := rb.Delete([]byte(col)); err != nil {
				return err
			}
		}
		return dropIfEmpty(b, rb, m.Key)
	}

	rb, err := b.CreateBucketIfNotExists(m.Key)
	if err != nil {
		return err
	}
	for _, col := range m.Delete {
		if err := rb.Delete([]byte(col)); err != nil {
			return err
		}
	}
	for col, value := range m.Put {
		if value == nil {
			value = []byte{}
		}
		if err := rb.Put([]byte(col), value); err != nil {
			return err
		}
	}
	return nil
}

// dropIfEmpty removes a row bucket that no longer holds any column
func dropIfEmpty(table, row *bolt.Bucket, key []byte) error {
	if k, _ := row.Cursor().First(); k != nil {
		return nil
	}
	return table.DeleteBucket(key)
}

// readBoltRow copies a row out of its bucket; bbolt memory is only valid
// for the life of the transaction
func readBoltRow(rb *bolt.Bucket, key []byte) *Row {
	row := &Row{Key: bytes.Clone(key), Columns: make(map[string][]byte)}
	if rb == nil {
		return row
	}
	_ = rb.ForEach(func(k, v []byte) error {
		if v != nil {
			row.Columns[string(k)] = bytes.Clone(v)
		}
		return nil
	})
	return row
}
