package prp

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock memory holding only PRP list pointers
type mockMemory struct {
	words map[uint64]uint64
	reads int
	err   error
}

func newMockMemory() *mockMemory {
	return &mockMemory{words: make(map[uint64]uint64)}
}

func (m *mockMemory) Read(addr uint64, p []byte) error {
	m.reads++
	if m.err != nil {
		return m.err
	}
	binary.LittleEndian.PutUint64(p, m.words[addr])
	return nil
}

func TestPageSize(t *testing.T) {
	assert.Equal(t, uint64(4096), PageSize(0))
	assert.Equal(t, uint64(8192), PageSize(1))
	assert.Equal(t, uint64(1<<27), PageSize(15))

	assert.Equal(t, uint64(64), EntriesPerPage(0, 64))
	assert.Equal(t, uint64(256), EntriesPerPage(0, 16))
	assert.Equal(t, uint64(128), EntriesPerPage(1, 64))
}

func TestPages(t *testing.T) {
	assert.Equal(t, 1, Pages(64, 64, 0))
	assert.Equal(t, 2, Pages(65, 64, 0))
	assert.Equal(t, 1, Pages(2, 16, 0))
	assert.Equal(t, 4, Pages(1024, 16, 0))
}

func TestTranslateFlat(t *testing.T) {
	mem := newMockMemory()

	tests := []struct {
		name   string
		region Region
	}{
		{"contiguous", Region{Base: 0x10000, Contiguous: true}},
		{"admin", Region{Base: 0x10000, Admin: true}},
		{"admin ignores contiguity flag", Region{Base: 0x10000, Admin: true, Contiguous: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Translate(mem, tt.region, 5, 64, 0)
			require.NoError(t, err)
			assert.Equal(t, uint64(0x10000+5*64), addr)
		})
	}
	assert.Zero(t, mem.reads, "flat mapping must not touch host memory")
}

func TestTranslatePaged(t *testing.T) {
	mem := newMockMemory()
	const list = 0x8000
	mem.words[list] = 0x100000
	mem.words[list+8] = 0x300000
	mem.words[list+16] = 0x200000

	r := Region{Base: list}

	tests := []struct {
		name  string
		index uint16
		size  uint32
		mps   uint8
		want  uint64
	}{
		{"first entry", 0, 64, 0, 0x100000},
		{"last entry of page 0", 63, 64, 0, 0x100000 + 63*64},
		{"first entry of page 1", 64, 64, 0, 0x300000},
		{"page 2", 130, 64, 0, 0x200000 + 2*64},
		{"cq entries", 257, 16, 0, 0x300000 + 16},
		{"8k pages", 130, 64, 1, 0x300000 + 2*64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Translate(mem, r, tt.index, tt.size, tt.mps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, addr)
		})
	}
}

func TestTranslateDeterministic(t *testing.T) {
	mem := newMockMemory()
	mem.words[0x8000] = 0x100000
	r := Region{Base: 0x8000}

	a, err := Translate(mem, r, 9, 16, 0)
	require.NoError(t, err)
	b, err := Translate(mem, r, 9, 16, 0)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 0x100000, int(mem.words[0x8000]), "translation must not modify the list")
}

func TestTranslateReadError(t *testing.T) {
	mem := newMockMemory()
	mem.err = errors.New("bus error")

	_, err := Translate(mem, Region{Base: 0x8000}, 0, 64, 0)
	assert.ErrorIs(t, err, mem.err)
}
