package operations

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/metrics"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/pkg/types"
)

// Table holds one row per study with its operation log
const Table = "operations"

// ArchiveTable holds READY operations moved out of a study's log, one row
// per operation
const ArchiveTable = "operation_archive"

// DefaultKeepReady is the number of READY operations a study's log keeps
// before the oldest are archived
const DefaultKeepReady = 64

const (
	logColumn   = "log"
	opColumn    = "op"
	maxAttempts = 32
	idDigits    = 20
)

var (
	// ErrNoFiles is returned when an operation targets an empty file set
	ErrNoFiles = errors.New("operation needs at least one file")
	// ErrOperationReady means the same operation already completed on
	// this file set; a new operation must target new files
	ErrOperationReady = errors.New("operation already completed for these files")
	// ErrNothingToResume means the latest operation on the file set did not fail
	ErrNothingToResume = errors.New("no failed operation to resume")
	// ErrOperationNotFound is returned for an unknown handle
	ErrOperationNotFound = errors.New("operation not found")
	// ErrNotRunning is returned when completing an operation that is not RUNNING
	ErrNotRunning = errors.New("operation is not running")
	// ErrInvalidStatus is returned when completing with a non-terminal status
	ErrInvalidStatus = errors.New("invalid terminal status")
	// ErrContention means the compare-and-set loop kept losing; it is safe to retry
	ErrContention = errors.New("operation log contention")
)

// Handle identifies a started operation
type Handle struct {
	Study string
	ID    int64
}

// Tracker records batch operations per study and refuses to start an
// operation whose files overlap one that is running or failed. Every state
// change is a single compare-and-set of the study's log row, so two
// trackers in different processes cannot both win.
type Tracker struct {
	store     storage.Store
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	keepReady int
}

// NewTracker creates a tracker on store
func NewTracker(store storage.Store, logger logrus.FieldLogger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:     store,
		logger:    logging.OrDiscard(logger),
		metrics:   m,
		now:       time.Now,
		keepReady: DefaultKeepReady,
	}
}

func studyKey(study string) []byte {
	return []byte("study:" + study)
}

func archivePrefix(study string) []byte {
	return []byte(study + ":")
}

func archiveKey(study string, id int64) []byte {
	return []byte(fmt.Sprintf("%s:%0*d", study, idDigits, id))
}

// Begin starts operation name on fileIDs.
//
// It fails with *types.ConflictError when an operation on an overlapping
// file set is RUNNING or ended in ERROR (Resumable is set when that
// operation is this one on exactly these files), and with
// ErrOperationReady when this operation already succeeded on these files.
func (t *Tracker) Begin(ctx context.Context, study, name string, fileIDs []int) (Handle, error) {
	files := normalizeFiles(fileIDs)
	if len(files) == 0 {
		return Handle{}, ErrNoFiles
	}

	var h Handle
	err := t.update(ctx, study, func(l *opLog, now time.Time) error {
		if err := checkBegin(l, study, name, files); err != nil {
			return err
		}
		// read after the log: an operation archived since then is already here
		archived, err := t.archived(ctx, study)
		if err != nil {
			return err
		}
		for i := range archived {
			if op := &archived[i]; op.Name == name && op.SameFiles(files) {
				return fmt.Errorf("%w: operation %d (%s, files %v)", ErrOperationReady, op.ID, op.Name, op.FileIDs)
			}
		}
		at := l.tick(now)
		l.NextID++
		l.Ops = append(l.Ops, Operation{
			ID:        l.NextID,
			Name:      name,
			FileIDs:   files,
			Timestamp: at.UnixNano(),
			Timeline:  []StatusEntry{{At: at, Status: StatusRunning}},
		})
		h = Handle{Study: study, ID: l.NextID}
		return nil
	})
	if err != nil {
		if types.IsConflictError(err) {
			t.metrics.Operation(name, "CONFLICT")
		}
		return Handle{}, err
	}

	t.metrics.Operation(name, string(StatusRunning))
	t.logger.WithFields(logrus.Fields{
		"action":       "begin_operation",
		"study":        study,
		"operation":    name,
		"operation_id": h.ID,
		"files":        files,
	}).Info("operation started")
	return h, nil
}

// checkBegin applies the conflict rules to a prospective operation. A
// RUNNING overlap is reported before a failed one.
func checkBegin(l *opLog, study, name string, files []int) error {
	var failed, ready *Operation
	for i := range l.Ops {
		op := &l.Ops[i]
		if !op.Overlaps(files) {
			continue
		}
		switch op.CurrentStatus() {
		case StatusRunning:
			return conflict(study, files, op, false)
		case StatusError:
			if failed == nil {
				failed = op
			}
		case StatusReady:
			if op.Name == name && op.SameFiles(files) {
				ready = op
			}
		}
	}
	if failed != nil {
		return conflict(study, files, failed, failed.Name == name && failed.SameFiles(files))
	}
	if ready != nil {
		return fmt.Errorf("%w: operation %d (%s, files %v)", ErrOperationReady, ready.ID, ready.Name, ready.FileIDs)
	}
	return nil
}

func conflict(study string, files []int, op *Operation, resumable bool) *types.ConflictError {
	return &types.ConflictError{
		Study:           study,
		FileIDs:         slices.Clone(files),
		BlockingID:      op.ID,
		BlockingName:    op.Name,
		BlockingFileIDs: slices.Clone(op.FileIDs),
		BlockingStatus:  string(op.CurrentStatus()),
		Resumable:       resumable,
	}
}

// Complete appends a terminal status to a running operation
func (t *Tracker) Complete(ctx context.Context, h Handle, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}

	var name string
	err := t.update(ctx, h.Study, func(l *opLog, now time.Time) error {
		op := l.find(h.ID)
		if op == nil {
			archived, err := t.getArchived(ctx, h)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: operation %d is %s", ErrNotRunning, h.ID, archived.CurrentStatus())
		}
		if st := op.CurrentStatus(); st != StatusRunning {
			return fmt.Errorf("%w: operation %d is %s", ErrNotRunning, h.ID, st)
		}
		op.Timeline = append(op.Timeline, StatusEntry{At: l.tick(now), Status: status})
		name = op.Name
		return nil
	})
	if err != nil {
		return err
	}

	t.metrics.Operation(name, string(status))
	entry := t.logger.WithFields(logrus.Fields{
		"action":       "complete_operation",
		"study":        h.Study,
		"operation":    name,
		"operation_id": h.ID,
		"status":       status,
	})
	if status == StatusError {
		entry.Warn("operation failed")
	} else {
		entry.Info("operation completed")
	}
	return nil
}

// Resume restarts the latest operation name on exactly fileIDs. It is only
// allowed when that operation ended in ERROR.
func (t *Tracker) Resume(ctx context.Context, study, name string, fileIDs []int) (Handle, error) {
	files := normalizeFiles(fileIDs)
	if len(files) == 0 {
		return Handle{}, ErrNoFiles
	}

	var h Handle
	err := t.update(ctx, study, func(l *opLog, now time.Time) error {
		op := l.latest(name, files)
		if op == nil {
			return fmt.Errorf("%w: no %s operation on files %v", ErrNothingToResume, name, files)
		}
		switch op.CurrentStatus() {
		case StatusError:
		case StatusRunning:
			return conflict(study, files, op, false)
		default:
			return fmt.Errorf("%w: operation %d is %s", ErrNothingToResume, op.ID, op.CurrentStatus())
		}
		for i := range l.Ops {
			other := &l.Ops[i]
			if other.ID != op.ID && other.CurrentStatus() == StatusRunning && other.Overlaps(files) {
				return conflict(study, files, other, false)
			}
		}
		op.Timeline = append(op.Timeline, StatusEntry{At: l.tick(now), Status: StatusRunning})
		h = Handle{Study: study, ID: op.ID}
		return nil
	})
	if err != nil {
		return Handle{}, err
	}

	t.metrics.Operation(name, "RESUMED")
	t.logger.WithFields(logrus.Fields{
		"action":       "resume_operation",
		"study":        study,
		"operation":    name,
		"operation_id": h.ID,
		"files":        files,
	}).Info("operation resumed")
	return h, nil
}

// Operations returns every operation of a study, archived ones included,
// oldest first
func (t *Tracker) Operations(ctx context.Context, study string) ([]Operation, error) {
	l, _, err := t.load(ctx, study)
	if err != nil {
		return nil, err
	}
	archived, err := t.archived(ctx, study)
	if err != nil {
		return nil, err
	}
	out := make([]Operation, 0, len(archived)+len(l.Ops))
	for i := range archived {
		// a lost compare-and-set can leave an operation in both places
		if l.find(archived[i].ID) == nil {
			out = append(out, archived[i])
		}
	}
	for i := range l.Ops {
		out = append(out, l.Ops[i].clone())
	}
	slices.SortFunc(out, func(a, b Operation) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// Get returns the operation a handle refers to
func (t *Tracker) Get(ctx context.Context, h Handle) (Operation, error) {
	l, _, err := t.load(ctx, h.Study)
	if err != nil {
		return Operation{}, err
	}
	if op := l.find(h.ID); op != nil {
		return op.clone(), nil
	}
	return t.getArchived(ctx, h)
}

func (t *Tracker) getArchived(ctx context.Context, h Handle) (Operation, error) {
	row, err := t.store.Get(ctx, ArchiveTable, archiveKey(h.Study, h.ID), opColumn)
	if errors.Is(err, storage.ErrNotFound) {
		return Operation{}, fmt.Errorf("%w: %d in study %s", ErrOperationNotFound, h.ID, h.Study)
	}
	if err != nil {
		return Operation{}, fmt.Errorf("failed to read archived operation %d of study %s: %w", h.ID, h.Study, err)
	}
	raw, _ := row.Column(opColumn)
	var op Operation
	if err := msgpack.Unmarshal(raw, &op); err != nil {
		return Operation{}, fmt.Errorf("failed to decode archived operation %d of study %s: %w", h.ID, h.Study, err)
	}
	return op, nil
}

// archived returns the archived operations of a study in id order
func (t *Tracker) archived(ctx context.Context, study string) ([]Operation, error) {
	prefix := archivePrefix(study)
	opts := storage.ScanOptions{
		Prefix:  prefix,
		Columns: []string{opColumn},
		Filter: func(r *storage.Row) bool {
			// skip studies whose name extends this one
			id := bytes.TrimPrefix(r.Key, prefix)
			return len(id) == idDigits && bytes.IndexFunc(id, func(c rune) bool { return c < '0' || c > '9' }) < 0
		},
	}

	var out []Operation
	for {
		page, err := t.store.Scan(ctx, ArchiveTable, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived operations of study %s: %w", study, err)
		}
		for _, r := range page.Rows {
			raw, _ := r.Column(opColumn)
			var op Operation
			if err := msgpack.Unmarshal(raw, &op); err != nil {
				return nil, fmt.Errorf("failed to decode archived operation %q: %w", r.Key, err)
			}
			out = append(out, op)
		}
		if page.Next == nil {
			return out, nil
		}
		opts.After = page.Next
	}
}

// archive writes READY operations to their own rows. It runs before the
// log drops them, so every operation is always readable from one place.
func (t *Tracker) archive(ctx context.Context, study string, ops []Operation) error {
	mutations := make([]storage.Mutation, len(ops))
	for i := range ops {
		raw, err := msgpack.Marshal(&ops[i])
		if err != nil {
			return fmt.Errorf("failed to encode operation %d of study %s: %w", ops[i].ID, study, err)
		}
		mutations[i] = storage.Mutation{Key: archiveKey(study, ops[i].ID), Put: map[string][]byte{opColumn: raw}}
	}
	if err := t.store.BatchMutate(ctx, ArchiveTable, mutations); err != nil {
		return fmt.Errorf("failed to archive operations of study %s: %w", study, err)
	}
	return nil
}

func (t *Tracker) load(ctx context.Context, study string) (*opLog, []byte, error) {
	row, err := t.store.Get(ctx, Table, studyKey(study), logColumn)
	if errors.Is(err, storage.ErrNotFound) {
		return &opLog{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read operations of study %s: %w", study, err)
	}
	raw, ok := row.Column(logColumn)
	if !ok {
		return &opLog{}, nil, nil
	}
	var l opLog
	if err := msgpack.Unmarshal(raw, &l); err != nil {
		return nil, nil, fmt.Errorf("failed to decode operations of study %s: %w", study, err)
	}
	return &l, raw, nil
}

// update runs fn on the current log and stores the result with
// compare-and-set, re-reading and re-applying fn when another writer won
func (t *Tracker) update(ctx context.Context, study string, fn func(l *opLog, now time.Time) error) error {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l, raw, err := t.load(ctx, study)
		if err != nil {
			return err
		}
		if err := fn(l, t.now()); err != nil {
			return err
		}
		if old := l.prune(t.keepReady); len(old) > 0 {
			if err := t.archive(ctx, study, old); err != nil {
				return err
			}
		}
		encoded, err := msgpack.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to encode operations of study %s: %w", study, err)
		}
		if bytes.Equal(encoded, raw) {
			return nil
		}
		ok, err := t.store.ConditionalPut(ctx, Table, studyKey(study), logColumn, raw, encoded)
		if err != nil {
			return fmt.Errorf("failed to write operations of study %s: %w", study, err)
		}
		if ok {
			return nil
		}
		t.logger.WithFields(logrus.Fields{"study": study, "attempt": attempt + 1}).Debug("operation log changed concurrently, retrying")
	}
	return fmt.Errorf("%w: study %s", ErrContention, study)
}
