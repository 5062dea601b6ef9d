package operations

import (
	"slices"
	"time"
)

// Status is a state in a batch operation timeline
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusReady   Status = "READY"
	StatusError   Status = "ERROR"
)

// Terminal reports whether the status ends a run
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// StatusEntry is one point on an operation's timeline
type StatusEntry struct {
	At     time.Time `msgpack:"at"`
	Status Status    `msgpack:"st"`
}

// Operation is one batch load over a fixed file set. Its timeline is
// append-only and strictly increasing in time.
type Operation struct {
	ID        int64         `msgpack:"id"`
	Name      string        `msgpack:"name"`
	FileIDs   []int         `msgpack:"files"`
	Timestamp int64         `msgpack:"ts"`
	Timeline  []StatusEntry `msgpack:"timeline"`
}

// CurrentStatus is the status of the latest timeline entry
func (o *Operation) CurrentStatus() Status {
	if len(o.Timeline) == 0 {
		return ""
	}
	return o.Timeline[len(o.Timeline)-1].Status
}

// LastUpdate is the time of the latest timeline entry
func (o *Operation) LastUpdate() time.Time {
	if len(o.Timeline) == 0 {
		return time.Time{}
	}
	return o.Timeline[len(o.Timeline)-1].At
}

// SameFiles reports whether the operation targets exactly fileIDs, which
// must be normalized
func (o *Operation) SameFiles(fileIDs []int) bool {
	return slices.Equal(o.FileIDs, fileIDs)
}

// Overlaps reports whether the operation shares a file with fileIDs, which
// must be normalized
func (o *Operation) Overlaps(fileIDs []int) bool {
	i, j := 0, 0
	for i < len(o.FileIDs) && j < len(fileIDs) {
		switch {
		case o.FileIDs[i] == fileIDs[j]:
			return true
		case o.FileIDs[i] < fileIDs[j]:
			i++
		default:
			j++
		}
	}
	return false
}

func (o *Operation) clone() Operation {
	c := *o
	c.FileIDs = slices.Clone(o.FileIDs)
	c.Timeline = slices.Clone(o.Timeline)
	return c
}

// normalizeFiles sorts and deduplicates a file set
func normalizeFiles(fileIDs []int) []int {
	out := slices.Clone(fileIDs)
	slices.Sort(out)
	return slices.Compact(out)
}

// opLog is the stored operation history of one study
type opLog struct {
	NextID int64       `msgpack:"next"`
	Last   time.Time   `msgpack:"last"`
	Ops    []Operation `msgpack:"ops"`
}

// tick returns a timestamp strictly after every entry already in the log
func (l *opLog) tick(now time.Time) time.Time {
	if !now.After(l.Last) {
		now = l.Last.Add(time.Nanosecond)
	}
	l.Last = now
	return now
}

func (l *opLog) find(id int64) *Operation {
	for i := range l.Ops {
		if l.Ops[i].ID == id {
			return &l.Ops[i]
		}
	}
	return nil
}

// latest returns the most recent operation named name over exactly fileIDs
func (l *opLog) latest(name string, fileIDs []int) *Operation {
	for i := len(l.Ops) - 1; i >= 0; i-- {
		if l.Ops[i].Name == name && l.Ops[i].SameFiles(fileIDs) {
			return &l.Ops[i]
		}
	}
	return nil
}

// prune removes all but the newest keep READY operations and returns the
// removed ones, oldest first. keep <= 0 keeps everything.
func (l *opLog) prune(keep int) []Operation {
	if keep <= 0 {
		return nil
	}
	ready := 0
	for i := range l.Ops {
		if l.Ops[i].CurrentStatus() == StatusReady {
			ready++
		}
	}
	drop := ready - keep
	if drop <= 0 {
		return nil
	}

	var removed []Operation
	kept := make([]Operation, 0, len(l.Ops)-drop)
	for _, op := range l.Ops {
		if drop > 0 && op.CurrentStatus() == StatusReady {
			removed = append(removed, op)
			drop--
			continue
		}
		kept = append(kept, op)
	}
	l.Ops = kept
	return removed
}
