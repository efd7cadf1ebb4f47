package flash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestOperator(t *testing.T) (*Operator, *SimFlash) {
	t.Helper()
	sim := NewSimFlash(JEDECID)
	return NewPeriphOperator(sim, sim, 0), sim
}

func TestReadJEDECID(t *testing.T) {
	op, _ := newTestOperator(t)
	id, err := op.ReadJEDECID()
	require.NoError(t, err)
	require.Equal(t, JEDECID, id)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	op, _ := newTestOperator(t)
	data := []byte("the quick brown fox jumps over the lazy dog")

	require.NoError(t, op.EraseRange(0, SectorSize))
	require.NoError(t, op.WriteRange(0, data))

	got, err := op.ReadRange(0, uint32(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteSplitsOnPageBoundary(t *testing.T) {
	op, sim := newTestOperator(t)
	require.NoError(t, op.EraseRange(0, SectorSize))

	data := make([]byte, int(PageSize)*2+17)
	for i := range data {
		data[i] = byte(i)
	}
	// Start mid-page so the first chunk is partial, forcing at least 3
	// page-program transactions.
	const start = 10
	require.NoError(t, op.WriteRange(start, data))

	got, err := op.ReadRange(start, uint32(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.GreaterOrEqual(t, sim.TxnCount(), 3)
}

func TestProgramOnlyClearsBits(t *testing.T) {
	op, sim := newTestOperator(t)
	require.NoError(t, op.EraseRange(0, SectorSize))
	require.NoError(t, op.WriteRange(0, []byte{0x0F}))
	// Writing 0xF0 over an 0x0F byte can only clear already-1 bits; the
	// chip never sets a bit back to 1 without an erase.
	require.NoError(t, op.WriteRange(0, []byte{0xF0}))
	require.Equal(t, byte(0x00), sim.Contents()[0])
}

func TestEraseRangeAlignsAddressDownAndSizeUp(t *testing.T) {
	op, sim := newTestOperator(t)
	require.NoError(t, op.WriteRange(0, []byte{0x00}))

	// addr=0x800, size=0x800 aligns down to addr 0 and up to size 0x1000,
	// erasing exactly sector [0x0000, 0x1000).
	require.NoError(t, op.EraseRange(0x800, 0x800))
	require.Equal(t, byte(0xFF), sim.Contents()[0])
}

func TestEraseRangeUnalignedSizeRoundsUpToSectorMultiple(t *testing.T) {
	op, sim := newTestOperator(t)
	require.NoError(t, op.WriteRange(SectorSize, []byte{0x00}))

	require.NoError(t, op.EraseRange(0, SectorSize+1))
	require.Equal(t, byte(0xFF), sim.Contents()[SectorSize])
}

func TestEraseChipWhenFullRange(t *testing.T) {
	op, sim := newTestOperator(t)
	require.NoError(t, op.WriteRange(0, []byte{0x00}))
	require.NoError(t, op.EraseRange(0, TotalSize))
	require.Equal(t, byte(0xFF), sim.Contents()[0])
}

func TestWriteRangeRejectsOutOfBoundsAddress(t *testing.T) {
	op, _ := newTestOperator(t)
	err := op.WriteRange(TotalSize-1, []byte{1, 2, 3})
	require.Error(t, err)
	var rangeErr *ErrAddressRange
	require.ErrorAs(t, err, &rangeErr)
}

func TestReadRangeRejectsOutOfBoundsAddress(t *testing.T) {
	op, _ := newTestOperator(t)
	_, err := op.ReadRange(TotalSize, 1)
	require.Error(t, err)
}

func TestEraseMixesBlockAndSectorGranularity(t *testing.T) {
	op, sim := newTestOperator(t)
	// 68 KiB: one 64 KiB block plus one 4 KiB sector.
	size := Block64KiB + SectorSize
	require.NoError(t, op.WriteRange(0, []byte{0x00}))
	require.NoError(t, op.WriteRange(size-1, []byte{0x00}))
	require.NoError(t, op.EraseRange(0, size))

	contents := sim.Contents()
	require.Equal(t, byte(0xFF), contents[0])
	require.Equal(t, byte(0xFF), contents[size-1])
}
