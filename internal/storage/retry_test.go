package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/varindex/pkg/types"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

// flakyStore fails the first n scans with a transient error
type flakyStore struct {
	Store
	failures int
	calls    int
}

func (f *flakyStore) Scan(ctx context.Context, table string, opts ScanOptions) (*Page, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.Store.Scan(ctx, table, opts)
}

func TestRetryingStoreRecoversFromTransientErrors(t *testing.T) {
	flaky := &flakyStore{Store: setupTestDB(t), failures: 2}
	var notified []string
	store := WithRetry(flaky, fastRetry(), func(op string, err error, next time.Duration) {
		notified = append(notified, op)
	})

	_, err := store.Scan(context.Background(), "t", ScanOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, []string{"scan", "scan"}, notified)
}

func TestRetryingStoreGivesUp(t *testing.T) {
	flaky := &flakyStore{Store: setupTestDB(t), failures: 10}
	store := WithRetry(flaky, fastRetry(), nil)

	_, err := store.Scan(context.Background(), "t", ScanOptions{})
	require.Error(t, err)
	assert.Equal(t, 4, flaky.calls, "first attempt plus MaxRetries")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetry(), "get", nil, func() (int, error) {
		calls++
		return 0, types.NewSchemaError("decode", "unknown version %d", 9)
	})
	require.Error(t, err)
	assert.True(t, types.IsSchemaError(err))
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	transient := newBatchCollector("t", 2)
	transient.fail(0, []byte("a"), errors.New("timeout"))
	invalid := newBatchCollector("t", 2)
	invalid.fail(1, nil, fmt.Errorf("%w: empty row key", ErrInvalidMutation))
	condition := newBatchCollector("t", 1)
	condition.fail(0, []byte("a"), fmt.Errorf("%w: row lacks column u", ErrConditionFailed))

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"io", errors.New("connection refused"), true},
		{"canceled", fmt.Errorf("scan: %w", context.Canceled), false},
		{"not found", ErrNotFound, false},
		{"schema", types.NewSchemaError("combine", "miss"), false},
		{"conflict", &types.ConflictError{}, false},
		{"batch transient", transient.err(), true},
		{"batch invalid", invalid.err(), false},
		{"batch condition", condition.err(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
