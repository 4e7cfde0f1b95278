// Package regs provides the controller register file, of which the queue
// engine only decodes the memory page size field of CC.
package regs

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

// ErrOutOfRange is returned for accesses beyond the register file
var ErrOutOfRange = errors.New("register access out of range")

// File is a byte-addressable register file
type File struct {
	mu   sync.RWMutex
	data [constants.RegisterFileSize]byte
}

// NewFile creates a zeroed register file
func NewFile() *File {
	return &File{}
}

// ReadRegister copies len(p) bytes starting at offset into p
func (f *File) ReadRegister(offset uint32, p []byte) error {
	if uint64(offset)+uint64(len(p)) > constants.RegisterFileSize {
		return ErrOutOfRange
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	copy(p, f.data[offset:])
	return nil
}

// WriteRegister copies p into the register file at offset
func (f *File) WriteRegister(offset uint32, p []byte) error {
	if uint64(offset)+uint64(len(p)) > constants.RegisterFileSize {
		return ErrOutOfRange
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[offset:], p)
	return nil
}

// CC returns the Controller Configuration register
func (f *File) CC() uint32 {
	var buf [4]byte
	_ = f.ReadRegister(constants.RegCC, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// SetMPS stores mps in CC bits 10:7, leaving the other CC bits untouched
func (f *File) SetMPS(mps uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cc := binary.LittleEndian.Uint32(f.data[constants.RegCC:])
	cc &^= constants.CCMPSMask << constants.CCMPSShift
	cc |= (uint32(mps) & constants.CCMPSMask) << constants.CCMPSShift
	binary.LittleEndian.PutUint32(f.data[constants.RegCC:], cc)
}

// DecodeMPS extracts the memory page size exponent from a CC value
func DecodeMPS(cc uint32) uint8 {
	return uint8((cc >> constants.CCMPSShift) & constants.CCMPSMask)
}
