// Package prp resolves the physical address of a queue entry.
//
// A queue is either flat (the admin queues and any queue created physically
// contiguous) or paged: its base then points at a PRP list of 8-byte page
// pointers, one per memory page of entries.
package prp

import (
	"encoding/binary"
	"fmt"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

// Reader is the host memory read capability the translator needs
type Reader interface {
	Read(addr uint64, p []byte) error
}

// Region describes the memory backing a queue
type Region struct {
	Base       uint64 // first entry, or PRP list when paged
	Contiguous bool
	Admin      bool // admin queues are always flat
}

// Flat reports whether entries are addressed directly from Base
func (r Region) Flat() bool {
	return r.Admin || r.Contiguous
}

// PageSize returns the memory page size for a CC.MPS value: 2^(12+mps)
func PageSize(mps uint8) uint64 {
	return 1 << (constants.BasePageShift + uint64(mps))
}

// EntriesPerPage returns how many entries of entrySize fit in one page
func EntriesPerPage(mps uint8, entrySize uint32) uint64 {
	return PageSize(mps) / uint64(entrySize)
}

// Pages returns the number of PRP list pointers a paged queue of the given
// capacity needs
func Pages(entries int, entrySize uint32, mps uint8) int {
	perPage := EntriesPerPage(mps, entrySize)
	return int((uint64(entries) + perPage - 1) / perPage)
}

// Translate returns the address of entry index in region r. It has no side
// effects beyond the page pointer read for paged regions.
func Translate(mem Reader, r Region, index uint16, entrySize uint32, mps uint8) (uint64, error) {
	if r.Flat() {
		return r.Base + uint64(index)*uint64(entrySize), nil
	}

	perPage := EntriesPerPage(mps, entrySize)
	pageNo := uint64(index) / perPage

	var ptr [constants.PRPEntrySize]byte
	listAddr := r.Base + pageNo*constants.PRPEntrySize
	if err := mem.Read(listAddr, ptr[:]); err != nil {
		return 0, fmt.Errorf("read PRP entry %d at 0x%x: %w", pageNo, listAddr, err)
	}
	pageBase := binary.LittleEndian.Uint64(ptr[:])

	return pageBase + (uint64(index)%perPage)*uint64(entrySize), nil
}
