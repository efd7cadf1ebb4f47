// Package commander implements the host-side Commander (spec §4.6): it
// turns flash operations (info, erase, write, read, verify) into framed
// requests over a transport, matching responses by sequence number and
// surfacing wire-level errors as ordinary Go errors.
package commander

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ivanli-cn/flash-programmer/pkg/protocol"
)

// pending carries a response (or the terminal read error) back to whichever
// caller is waiting on a given sequence number.
type pending struct {
	frame *protocol.Frame
	err   error
}

// Commander issues requests to a device Engine over a single ordered
// transport. A background reader loop demultiplexes responses by sequence
// number onto per-request channels, so callers can have several requests in
// flight at once instead of a strict request/wait/request round trip.
// StreamWriteFile does not use the waiters: StreamWrite frames carry no
// per-frame response at all (spec §4.4), so it fires them at the transport
// through writeOnly and relies on the blocking transport write to apply
// backpressure, closing the sequence with a waited-on VerifyCRC.
type Commander struct {
	rw  io.ReadWriter
	dec *protocol.Decoder

	writeMu sync.Mutex
	seq     byte

	mu      sync.Mutex
	waiters map[byte]chan pending
}

// New wraps rw (typically a go.bug.st/serial port, or an io.Pipe/net.Conn
// in tests) as a Commander and starts its response reader loop.
func New(rw io.ReadWriter) *Commander {
	c := &Commander{
		rw:      rw,
		dec:     protocol.NewDecoder(protocol.MagicResponse, protocol.MaxPayloadLen),
		waiters: make(map[byte]chan pending),
	}
	go c.readLoop()
	return c
}

// readLoop decodes responses off the transport for the Commander's
// lifetime, routing each to the waiter registered for its sequence number.
// A spontaneous error frame or an unmatched sequence (the device answering
// a sequence nobody is waiting on) is silently dropped — the owning
// send/Do call has either already timed out via ctx or never existed in
// this process. On a transport error every outstanding waiter is woken with
// that error so no caller blocks forever.
func (c *Commander) readLoop() {
	for {
		frame, err := c.dec.DecodeStream(c.rw, nil)
		if err != nil {
			c.mu.Lock()
			for seq, ch := range c.waiters {
				delete(c.waiters, seq)
				ch <- pending{err: err}
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.waiters[frame.Sequence]
		if ok {
			delete(c.waiters, frame.Sequence)
		}
		c.mu.Unlock()
		if ok {
			ch <- pending{frame: frame}
		}
	}
}

// send allocates the next sequence number, writes the encoded request, and
// registers a buffered waiter channel for its eventual response without
// blocking for it. Its only caller, Do, waits on the channel immediately.
func (c *Commander) send(cmd protocol.Opcode, addr uint32, payload []byte) (<-chan pending, error) {
	req := func() *protocol.Frame {
		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()
		return protocol.NewRequest(seq, cmd, addr, payload)
	}()

	encoded, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("commander: encode %s request: %w", cmd, err)
	}

	ch := make(chan pending, 1)
	c.mu.Lock()
	c.waiters[req.Sequence] = ch
	c.mu.Unlock()

	// writeMu serializes the wire write itself so concurrent Do and
	// writeOnly callers never interleave one frame's bytes with another's.
	c.writeMu.Lock()
	_, werr := c.rw.Write(encoded)
	c.writeMu.Unlock()
	if werr != nil {
		c.mu.Lock()
		delete(c.waiters, req.Sequence)
		c.mu.Unlock()
		return nil, fmt.Errorf("commander: write %s request: %w", cmd, werr)
	}
	return ch, nil
}

// await blocks on ch for a response, translating a non-success Status into
// a *protocol.WireError and a read failure into a wrapped commander error.
func await(ctx context.Context, cmd protocol.Opcode, ch <-chan pending) (*protocol.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("commander: read %s response: %w", cmd, r.err)
		}
		if r.frame.Status() != protocol.StatusSuccess {
			return r.frame, protocol.AsWireError(r.frame.Status())
		}
		return r.frame, nil
	}
}

// Do sends a single request and waits for its response.
func (c *Commander) Do(ctx context.Context, cmd protocol.Opcode, addr uint32, payload []byte) (*protocol.Frame, error) {
	ch, err := c.send(cmd, addr, payload)
	if err != nil {
		return nil, err
	}
	return await(ctx, cmd, ch)
}

// writeOnly sends a StreamWrite frame and returns as soon as it is on the
// wire, without registering a waiter or expecting any response (spec §4.4:
// "Frames are not individually acknowledged during the stream"). The
// device's fixed-size staging buffer means the transport's own blocking
// Write call is what paces the host when the device falls behind.
func (c *Commander) writeOnly(cmd protocol.Opcode, addr uint32, payload []byte) error {
	req := func() *protocol.Frame {
		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()
		return protocol.NewRequest(seq, cmd, addr, payload)
	}()

	encoded, err := req.Encode()
	if err != nil {
		return fmt.Errorf("commander: encode %s request: %w", cmd, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.rw.Write(encoded); err != nil {
		return fmt.Errorf("commander: write %s request: %w", cmd, err)
	}
	return nil
}
