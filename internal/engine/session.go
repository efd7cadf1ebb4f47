// Package engine implements the device-side protocol engine (spec §4,
// "Device/Engine"): a Transport Reader that decodes frames off the wire, a
// Dispatcher that sequences flash operations, and a Flash Operator that
// drives the chip. It mirrors the teacher's Service/USOCK split: Engine
// plays the role of Service, wiring a transport (USOCK's role) to a set of
// command handlers.
package engine

import (
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/ivanli-cn/flash-programmer/pkg/flash"
	"github.com/ivanli-cn/flash-programmer/pkg/protocol"
)

// Session holds the engine's mutable state across requests: the cached
// status register (so Status requests can be fast-pathed without touching
// the ordered command queue while Busy, per spec §4.3), the error latch,
// and the progressive CRC32 state for an in-flight streamed write plus the
// cached result of the most recently completed one.
type Session struct {
	op *flash.Operator

	mu         sync.Mutex
	lastStatus flash.StatusRegister
	latchedErr error

	streaming  bool
	streamAddr uint32
	streamLen  uint32
	streamCRC  uint32

	cacheValid bool
	cacheAddr  uint32
	cacheLen   uint32
	cacheCRC   uint32
}

// NewSession wraps a flash.Operator in session state tracking.
func NewSession(op *flash.Operator) *Session {
	return &Session{op: op}
}

// RefreshStatus re-reads the chip's status register and caches it. The
// Dispatcher calls it after every flash operation, so the Status fast path,
// which answers from CachedStatus, reports the register as it stood after
// the most recently completed operation; it is not re-read while a long
// erase is in flight.
func (s *Session) RefreshStatus() (flash.StatusRegister, error) {
	sr, err := s.op.ReadStatusRegister()
	s.mu.Lock()
	if err == nil {
		s.lastStatus = sr
	}
	s.mu.Unlock()
	return sr, err
}

// CachedStatus returns the most recently observed status register without
// touching the SPI bus, for the Status fast path.
func (s *Session) CachedStatus() flash.StatusRegister {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStatus
}

// Latch records a fatal flash error; once latched, the engine answers every
// subsequent non-Status request with FLASH_ERROR until the session resets
// (spec §7).
func (s *Session) Latch(err error) {
	s.mu.Lock()
	if s.latchedErr == nil {
		s.latchedErr = err
	}
	s.mu.Unlock()
}

// LatchedError returns the latched error, if any.
func (s *Session) LatchedError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latchedErr
}

// BeginStream resets progressive CRC32 state for a new StreamWrite sequence
// starting at addr (spec §4.4). It also invalidates any cached CRC32 left by
// a prior stream, since flash contents under that range may be about to
// change again.
func (s *Session) BeginStream(addr uint32) {
	s.mu.Lock()
	s.streaming = true
	s.streamAddr = addr
	s.streamLen = 0
	s.streamCRC = 0
	s.cacheValid = false
	s.mu.Unlock()
}

// AccumulateStream folds data into the running CRC32 and returns the
// updated value. It must be called with chunks in address order. Chaining
// crc32.Update this way is equivalent to crc32.ChecksumIEEE over the
// concatenation of every chunk seen so far (the running state already
// carries the algorithm's internal complement).
func (s *Session) AccumulateStream(data []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamCRC = crc32.Update(s.streamCRC, crc32.IEEETable, data)
	s.streamLen += uint32(len(data))
	return s.streamCRC
}

// EndStream closes the in-progress stream and caches its final progressive
// CRC32 over [streamAddr, streamAddr+streamLen) so a matching VerifyCRC can
// skip the full flash re-read (spec §4.4).
func (s *Session) EndStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
	s.cacheValid = true
	s.cacheAddr = s.streamAddr
	s.cacheLen = s.streamLen
	s.cacheCRC = s.streamCRC
}

// IsStreaming reports whether a StreamWrite sequence is in progress.
func (s *Session) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// CachedStreamCRC returns the progressive CRC32 recorded by the most
// recently completed stream write, if its range exactly matches
// [addr, addr+n). ok is false when there is no cached stream, the range
// doesn't match, or a plain Write/Erase has touched flash since (spec §4.4).
func (s *Session) CachedStreamCRC(addr, n uint32) (crc uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cacheValid || addr != s.cacheAddr || n != s.cacheLen {
		return 0, false
	}
	return s.cacheCRC, true
}

// invalidateCache drops any cached stream CRC32, called whenever a Write or
// Erase changes flash contents outside the progressive-CRC bookkeeping.
func (s *Session) invalidateCache() {
	s.mu.Lock()
	s.cacheValid = false
	s.mu.Unlock()
}

// Operator exposes the underlying flash.Operator for command handlers.
func (s *Session) Operator() *flash.Operator { return s.op }

func validateAddress(addr, length uint32) error {
	if length == 0 {
		return nil
	}
	end := addr + length
	if end < addr || end > protocol.AddressSpace {
		return fmt.Errorf("engine: address range [0x%06X, 0x%06X) out of bounds", addr, end)
	}
	return nil
}
