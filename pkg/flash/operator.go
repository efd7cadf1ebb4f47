package flash

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Transactor is the minimal slice of periph.io/x/conn/v3/spi.Conn the
// Operator needs: a single full-duplex transaction. A real spi.Conn
// satisfies this structurally; SimFlash implements it directly for tests.
type Transactor interface {
	Tx(w, r []byte) error
}

// ChipSelect is the minimal slice of periph.io/x/conn/v3/gpio.PinIO the
// Operator needs to bracket a transaction with CS assertion.
type ChipSelect interface {
	Out(level gpio.Level) error
}

// Operator drives the SPI NOR flash chip (spec §4.5): JEDEC identification,
// status-register polling, page programming, and erase. It is grounded on
// the periph.io/x/conn/v3 Flash type's tx/BusyWait pattern: CS is asserted
// low for the duration of each transaction, and erase/program completion is
// polled via the status register's BUSY bit rather than a fixed delay.
type Operator struct {
	conn Transactor
	cs   ChipSelect

	pollInterval time.Duration
}

// NewPeriphOperator builds an Operator over a real or simulated SPI
// connection and chip-select pin. pollInterval controls how often the
// status register is re-read while waiting for WIP to clear; 0 selects a
// conservative default.
func NewPeriphOperator(conn Transactor, cs ChipSelect, pollInterval time.Duration) *Operator {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Microsecond
	}
	return &Operator{conn: conn, cs: cs, pollInterval: pollInterval}
}

// tx wraps a single SPI transaction with CS assertion, per gentam-gice's
// Flash.tx.
func (o *Operator) tx(buf []byte) (err error) {
	if err = o.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := o.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = o.conn.Tx(buf, buf)
	return
}

// ReadJEDECID reads the chip's 3-byte manufacturer/type/capacity ID.
func (o *Operator) ReadJEDECID() ([3]byte, error) {
	buf := make([]byte, 4)
	buf[0] = opReadID
	if err := o.tx(buf); err != nil {
		return [3]byte{}, fmt.Errorf("flash: read JEDEC ID: %w", err)
	}
	return [3]byte(buf[1:]), nil
}

// ReadStatusRegister reads status register 1.
func (o *Operator) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{opReadStatus1, 0}
	if err := o.tx(buf); err != nil {
		return 0, fmt.Errorf("flash: read status register: %w", err)
	}
	return StatusRegister(buf[1]), nil
}

func (o *Operator) writeEnable() error {
	buf := []byte{opWriteEnable}
	return o.tx(buf)
}

// waitReady polls the status register until BUSY clears or timeout elapses.
// A zero timeout waits indefinitely.
func (o *Operator) waitReady(timeout time.Duration) error {
	sr, err := o.ReadStatusRegister()
	if err != nil {
		return err
	}
	if !sr.Busy() {
		return nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		sr, err := o.ReadStatusRegister()
		if err != nil {
			return err
		}
		if !sr.Busy() {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("flash: timed out waiting for WIP to clear")
		}
	}
	return nil
}

func addrBytes(addr uint32) [3]byte {
	return [3]byte{byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// pageProgram writes up to PageSize bytes at addr. Callers must ensure the
// write does not cross a page boundary (spec §4.5).
func (o *Operator) pageProgram(addr uint32, data []byte) error {
	if uint32(len(data)) > PageSize {
		return fmt.Errorf("flash: page program of %d bytes exceeds page size %d", len(data), PageSize)
	}
	if err := o.writeEnable(); err != nil {
		return fmt.Errorf("flash: write enable: %w", err)
	}
	ab := addrBytes(addr)
	buf := make([]byte, 4+len(data))
	buf[0] = opPageProgram
	copy(buf[1:4], ab[:])
	copy(buf[4:], data)
	if err := o.tx(buf); err != nil {
		return fmt.Errorf("flash: page program at 0x%06X: %w", addr, err)
	}
	return o.waitReady(3 * time.Second)
}

// WriteRange programs data starting at addr, splitting it on page
// boundaries as required by the chip (spec §4.5, invariant: a single
// page-program instruction never crosses a PageSize boundary).
func (o *Operator) WriteRange(addr uint32, data []byte) error {
	if err := checkRange(addr, uint32(len(data))); err != nil {
		return err
	}
	off := uint32(0)
	for off < uint32(len(data)) {
		pageOff := (addr + off) % PageSize
		chunk := PageSize - pageOff
		if remaining := uint32(len(data)) - off; chunk > remaining {
			chunk = remaining
		}
		if err := o.pageProgram(addr+off, data[off:off+chunk]); err != nil {
			return err
		}
		off += chunk
	}
	return nil
}

// ReadRange reads n bytes starting at addr using the standard Read Data
// instruction (0x03).
func (o *Operator) ReadRange(addr, n uint32) ([]byte, error) {
	if err := checkRange(addr, n); err != nil {
		return nil, err
	}
	ab := addrBytes(addr)
	buf := make([]byte, 4+n)
	buf[0] = opRead
	copy(buf[1:4], ab[:])
	if err := o.tx(buf); err != nil {
		return nil, fmt.Errorf("flash: read at 0x%06X: %w", addr, err)
	}
	return buf[4:], nil
}

func (o *Operator) eraseOne(opcode byte, addr uint32, timeout time.Duration) error {
	if err := o.writeEnable(); err != nil {
		return fmt.Errorf("flash: write enable: %w", err)
	}
	ab := addrBytes(addr)
	buf := make([]byte, 4)
	buf[0] = opcode
	copy(buf[1:4], ab[:])
	if err := o.tx(buf); err != nil {
		return fmt.Errorf("flash: erase at 0x%06X: %w", addr, err)
	}
	return o.waitReady(timeout)
}

// EraseRange erases the sectors covering [addr, addr+size), aligning addr
// down to a 4 KiB boundary and addr+size up to one first (spec §4.5 step 1),
// then erasing in three descending phases, mirroring gentam-gice's
// Flash.Erase: 64 KiB blocks while the cursor is 64 KiB-aligned and at least
// 64 KiB remain, then 32 KiB blocks under the same rule, then 4 KiB sectors
// for the rest. A later phase never returns to a larger block size, so a
// range that starts off a 32 KiB boundary is erased sector by sector even
// where an aligned 64 KiB or 32 KiB block lies inside it.
func (o *Operator) EraseRange(addr, size uint32) error {
	if size == 0 {
		return nil
	}
	if err := checkRange(addr, size); err != nil {
		return err
	}
	end := addr + size
	addr -= addr % SectorSize
	if rem := end % SectorSize; rem != 0 {
		end += SectorSize - rem
	}
	size = end - addr

	if addr == 0 && size == TotalSize {
		return o.eraseChip()
	}

	remaining, cur := size, addr
	for remaining >= Block64KiB && cur%Block64KiB == 0 {
		if err := o.eraseOne(opBlockErase64K, cur, 3*time.Second); err != nil {
			return err
		}
		cur += Block64KiB
		remaining -= Block64KiB
	}
	for remaining >= Block32KiB && cur%Block32KiB == 0 {
		if err := o.eraseOne(opBlockErase32K, cur, 2*time.Second); err != nil {
			return err
		}
		cur += Block32KiB
		remaining -= Block32KiB
	}
	for remaining >= SectorSize {
		if err := o.eraseOne(opSectorErase4K, cur, time.Second); err != nil {
			return err
		}
		cur += SectorSize
		remaining -= SectorSize
	}
	return nil
}

func (o *Operator) eraseChip() error {
	if err := o.writeEnable(); err != nil {
		return fmt.Errorf("flash: write enable: %w", err)
	}
	if err := o.tx([]byte{opChipErase}); err != nil {
		return fmt.Errorf("flash: chip erase: %w", err)
	}
	return o.waitReady(60 * time.Second)
}
