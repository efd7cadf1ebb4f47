package flash

import (
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// SimFlash is an in-memory stand-in for a W25Q128, used by tests and by the
// bundled device simulator (cmd/flashsim) when no real SPI bus is attached.
// It implements Transactor and ChipSelect directly, so it can back an
// Operator exactly like a real periph.io spi.Conn/gpio.PinIO pair would.
// Erase/program completion is synchronous: BUSY never observably stays set
// across a ReadStatusRegister call, which keeps tests fast without
// weakening the protocol-level behaviour under test.
type SimFlash struct {
	mu       sync.Mutex
	mem      []byte
	sr       StatusRegister
	jedec    [3]byte
	csLow    bool
	txnCount int
}

// NewSimFlash returns a SimFlash pre-filled with 0xFF (the erased state of
// NOR flash) and reporting the given JEDEC ID.
func NewSimFlash(jedec [3]byte) *SimFlash {
	mem := make([]byte, TotalSize)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &SimFlash{mem: mem, jedec: jedec}
}

// Out implements ChipSelect.
func (s *SimFlash) Out(level gpio.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csLow = level == gpio.Low
	return nil
}

// Tx implements Transactor, dispatching on the opcode in w[0] the way a
// real chip would as bytes are clocked in. w and r are conventionally the
// same backing slice (see Operator.tx), so command header bytes are read
// before the corresponding response bytes are written over them.
func (s *SimFlash) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txnCount++

	if len(w) == 0 {
		return nil
	}
	switch w[0] {
	case opReadID:
		copy(r[1:4], s.jedec[:])

	case opReadStatus1:
		r[1] = byte(s.sr)

	case opWriteEnable:
		s.sr |= 1 << 1 // WEL

	case opPageProgram:
		addr := addrFrom(w)
		data := w[4:]
		for i, b := range data {
			s.mem[int(addr)+i] &= b // NOR program can only clear bits
		}
		s.sr &^= 1 << 1 // WEL auto-clears

	case opRead, opFastRead:
		addr := addrFrom(w)
		n := len(r) - 4
		copy(r[4:], s.mem[addr:int(addr)+n])

	case opSectorErase4K:
		s.eraseAt(addrFrom(w), SectorSize)
		s.sr &^= 1 << 1

	case opBlockErase32K:
		s.eraseAt(addrFrom(w), Block32KiB)
		s.sr &^= 1 << 1

	case opBlockErase64K:
		s.eraseAt(addrFrom(w), Block64KiB)
		s.sr &^= 1 << 1

	case opChipErase:
		for i := range s.mem {
			s.mem[i] = 0xFF
		}
		s.sr &^= 1 << 1
	}
	return nil
}

func (s *SimFlash) eraseAt(addr, size uint32) {
	for i := uint32(0); i < size; i++ {
		s.mem[addr+i] = 0xFF
	}
}

func addrFrom(w []byte) uint32 {
	return uint32(w[1])<<16 | uint32(w[2])<<8 | uint32(w[3])
}

// Contents returns a copy of the flash's full memory image, for test
// assertions.
func (s *SimFlash) Contents() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.mem))
	copy(out, s.mem)
	return out
}

// TxnCount returns how many SPI transactions have been issued, for tests
// asserting on chunking behaviour.
func (s *SimFlash) TxnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txnCount
}
