package engine

import (
	"bytes"
	"hash/crc32"
	"log"

	"github.com/ivanli-cn/flash-programmer/pkg/flash"
	"github.com/ivanli-cn/flash-programmer/pkg/protocol"
)

// Dispatcher executes one request at a time against a Session, in the order
// requests arrive on its channel, except Status which the Engine answers
// directly from Session.CachedStatus without ever reaching here (spec §4.3).
type Dispatcher struct {
	sess *Session

	activeStream *StreamWriter
	activeStage  *StagingBuffers
}

// NewDispatcher wraps a Session for sequential command handling.
func NewDispatcher(sess *Session) *Dispatcher {
	return &Dispatcher{sess: sess}
}

// Handle executes req and returns the response frame to send back, or nil
// when req is a StreamWrite that must not be acknowledged (spec §4.4).
// Every other failure is translated into a response Status rather than a Go
// error, per the wire protocol's design (spec §7).
func (d *Dispatcher) Handle(req *protocol.Frame) *protocol.Frame {
	if req.Opcode() == protocol.CmdStreamWrite {
		return d.handleStreamWrite(req)
	}

	// Any non-StreamWrite frame marks the end of an in-progress stream
	// (spec §4.4): fold its progressive CRC into the session cache before
	// handling this request, whether the stream finished cleanly or is
	// being drained after a latched fault.
	if d.activeStream != nil {
		d.closeActiveStream()
	}

	if latched := d.sess.LatchedError(); latched != nil && req.Opcode() != protocol.CmdStatus {
		log.Printf("engine: rejecting %s while latched: %v", req.Opcode(), latched)
		return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
	}

	switch req.Opcode() {
	case protocol.CmdInfo:
		return d.handleInfo(req)
	case protocol.CmdErase:
		return d.handleErase(req)
	case protocol.CmdWrite:
		return d.handleWrite(req)
	case protocol.CmdRead:
		return d.handleRead(req)
	case protocol.CmdVerify:
		return d.handleVerify(req)
	case protocol.CmdStatus:
		return d.handleStatus(req)
	case protocol.CmdVerifyCRC:
		return d.handleVerifyCRC(req)
	default:
		log.Printf("engine: invalid command 0x%02X", req.Code)
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidCommand, req.Address, nil)
	}
}

// closeActiveStream flushes and waits for the active StreamWriter, caches
// its final progressive CRC32 for handleVerifyCRC, and latches any failure
// it reports.
func (d *Dispatcher) closeActiveStream() {
	if err := d.activeStream.Close(); err != nil {
		d.sess.Latch(err)
		log.Printf("engine: stream write: %v", err)
	}
	d.activeStream, d.activeStage = nil, nil
	d.sess.RefreshStatus()
}

func (d *Dispatcher) handleInfo(req *protocol.Frame) *protocol.Frame {
	id, err := d.sess.Operator().ReadJEDECID()
	if err != nil {
		d.sess.Latch(err)
		log.Printf("engine: info: %v", err)
		return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
	}
	payload := protocol.EncodeInfoResponse(id, flash.TotalSize, flash.PageSize, flash.SectorSize)
	return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, payload)
}

func (d *Dispatcher) handleErase(req *protocol.Frame) *protocol.Frame {
	size, err := protocol.DecodeEraseRequest(req.Payload)
	if err != nil {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidCommand, req.Address, nil)
	}
	if req.Address >= flash.TotalSize {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidAddress, req.Address, nil)
	}
	if size == 0 {
		return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, nil)
	}
	// size>flash-end truncates to flash-end (spec §4.2 tie-break). The
	// Flash Operator itself rounds the resulting range outward to sector
	// boundaries (spec §4.5 step 1).
	if avail := flash.TotalSize - req.Address; size > avail {
		size = avail
	}
	if err := d.sess.Operator().EraseRange(req.Address, size); err != nil {
		d.sess.Latch(err)
		log.Printf("engine: erase at 0x%06X size %d: %v", req.Address, size, err)
		return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
	}
	d.sess.invalidateCache()
	d.sess.RefreshStatus()
	return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, nil)
}

func (d *Dispatcher) handleWrite(req *protocol.Frame) *protocol.Frame {
	if err := validateAddress(req.Address, uint32(len(req.Payload))); err != nil {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidAddress, req.Address, nil)
	}
	if err := d.sess.Operator().WriteRange(req.Address, req.Payload); err != nil {
		d.sess.Latch(err)
		log.Printf("engine: write at 0x%06X: %v", req.Address, err)
		return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
	}
	d.sess.invalidateCache()
	d.sess.RefreshStatus()
	return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, nil)
}

func (d *Dispatcher) handleRead(req *protocol.Frame) *protocol.Frame {
	if len(req.Payload) != 1 || req.Payload[0] == 0 {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidCommand, req.Address, nil)
	}
	if req.Address >= flash.TotalSize {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidAddress, req.Address, nil)
	}
	n := uint32(req.Payload[0])
	// Partial data near flash-end truncates the response length rather than
	// erroring (spec §4.2 tie-break).
	if avail := flash.TotalSize - req.Address; n > avail {
		n = avail
	}
	data, err := d.sess.Operator().ReadRange(req.Address, n)
	if err != nil {
		d.sess.Latch(err)
		log.Printf("engine: read at 0x%06X: %v", req.Address, err)
		return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
	}
	return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, data)
}

func (d *Dispatcher) handleVerify(req *protocol.Frame) *protocol.Frame {
	expected := req.Payload
	if err := validateAddress(req.Address, uint32(len(expected))); err != nil {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidAddress, req.Address, nil)
	}
	actual, err := d.sess.Operator().ReadRange(req.Address, uint32(len(expected)))
	if err != nil {
		d.sess.Latch(err)
		log.Printf("engine: verify at 0x%06X: %v", req.Address, err)
		return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
	}
	equal := bytes.Equal(actual, expected)
	payload := protocol.EncodeVerifyResponse(equal, crc32.ChecksumIEEE(actual))
	return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, payload)
}

func (d *Dispatcher) handleStatus(req *protocol.Frame) *protocol.Frame {
	sr, err := d.sess.RefreshStatus()
	if err != nil {
		log.Printf("engine: status: %v", err)
		return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
	}
	return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, protocol.EncodeStatusResponse(byte(sr)))
}

// handleStreamWrite opens a StreamWriter on the first frame of a sequence
// and feeds every subsequent chunk into the staging buffers. It always
// returns nil: StreamWrite frames are not individually acknowledged (spec
// §4.4). The sequence ends only when Handle sees a following non-StreamWrite
// frame and calls closeActiveStream.
func (d *Dispatcher) handleStreamWrite(req *protocol.Frame) *protocol.Frame {
	if latched := d.sess.LatchedError(); latched != nil {
		// Draining and discarding the remainder of a failed stream (spec
		// §4.4): the fault already latched, so this chunk is dropped
		// without touching the (possibly already-drained) staging buffers.
		d.activeStream, d.activeStage = nil, nil
		return nil
	}
	if d.activeStream == nil {
		d.activeStage = NewStagingBuffers(2048)
		d.activeStream = NewStreamWriter(d.sess, d.activeStage, req.Address)
	}
	if len(req.Payload) > 0 {
		d.activeStage.Fill(req.Payload)
	}
	return nil
}

// handleVerifyCRC answers from the session's progressive CRC32 cache left by
// a stream write covering exactly [addr, addr+size), re-reading flash and
// recomputing only when there is no such cache entry or it disagrees with
// the host's expected value (spec §4.4's "only on mismatch" re-read).
func (d *Dispatcher) handleVerifyCRC(req *protocol.Frame) *protocol.Frame {
	size, expected, err := protocol.DecodeVerifyCRCRequest(req.Payload)
	if err != nil {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidCommand, req.Address, nil)
	}
	if err := validateAddress(req.Address, size); err != nil {
		return protocol.NewResponse(req.Sequence, protocol.StatusInvalidAddress, req.Address, nil)
	}

	actual, cached := d.sess.CachedStreamCRC(req.Address, size)
	if !cached || actual != expected {
		data, err := d.sess.Operator().ReadRange(req.Address, size)
		if err != nil {
			d.sess.Latch(err)
			log.Printf("engine: verify-crc at 0x%06X: %v", req.Address, err)
			return protocol.NewResponse(req.Sequence, protocol.StatusFlashError, req.Address, nil)
		}
		actual = crc32.ChecksumIEEE(data)
	}

	payload := protocol.EncodeVerifyCRCResponse(actual == expected, actual)
	return protocol.NewResponse(req.Sequence, protocol.StatusSuccess, req.Address, payload)
}
