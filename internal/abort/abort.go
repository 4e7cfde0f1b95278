// Package abort tracks command identifiers pending cancellation.
//
// An abort is cooperative: the queue processor checks the table when it
// fetches an entry. An entry whose command id matches a pending slot is
// consumed without being executed and without producing a completion.
package abort

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

var (
	// ErrTableFull is returned when every abort slot of a queue is occupied
	ErrTableFull = errors.New("abort table full")

	// ErrDuplicate is returned when the command id is already pending
	ErrDuplicate = errors.New("abort already pending for command id")
)

// slot is a tagged entry; an unoccupied slot never matches any id
type slot struct {
	cid  uint16
	used bool
}

// Table is the fixed-capacity set of command ids marked for abort on one
// submission queue. The zero value is an empty table.
type Table struct {
	mu    sync.Mutex
	slots [constants.AbortCommandLimit]slot
}

// Len returns the number of occupied slots
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, s := range t.slots {
		if s.used {
			n++
		}
	}
	return n
}

// Pending returns the occupied command ids in slot order
func (t *Table) Pending() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []uint16
	for _, s := range t.slots {
		if s.used {
			ids = append(ids, s.cid)
		}
	}
	return ids
}

func (t *Table) insert(cid uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	free := -1
	for i, s := range t.slots {
		if s.used && s.cid == cid {
			return ErrDuplicate
		}
		if !s.used && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return ErrTableFull
	}

	t.slots[free] = slot{cid: cid, used: true}
	return nil
}

func (t *Table) remove(cid uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.slots {
		if s.used && s.cid == cid {
			t.slots[i] = slot{}
			return true
		}
	}
	return false
}

func (t *Table) clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i, s := range t.slots {
		if s.used {
			n++
		}
		t.slots[i] = slot{}
	}
	return n
}

// Registry owns the controller-wide pending abort count. The count lets the
// processor skip the table scan when nothing is pending anywhere.
type Registry struct {
	pending atomic.Int64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Pending returns the number of aborts pending across all queues
func (r *Registry) Pending() int {
	return int(r.pending.Load())
}

// Register marks cid on t for abort
func (r *Registry) Register(t *Table, cid uint16) error {
	if err := t.insert(cid); err != nil {
		return err
	}
	r.pending.Add(1)
	return nil
}

// TryConsume clears the slot matching cid and reports whether one matched
func (r *Registry) TryConsume(t *Table, cid uint16) bool {
	if !t.remove(cid) {
		return false
	}
	r.pending.Add(-1)
	return true
}

// Drop clears every slot of t, e.g. when its queue is deleted, and returns
// how many aborts were discarded
func (r *Registry) Drop(t *Table) int {
	n := t.clear()
	r.pending.Add(int64(-n))
	return n
}
