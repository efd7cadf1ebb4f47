package engine

import (
	"io"
	"log"
	"sync"

	"github.com/ivanli-cn/flash-programmer/pkg/protocol"
)

// Engine wires a transport (a USB virtual serial link in production, an
// net.Pipe in tests) to a Dispatcher. It runs two goroutines mirroring the
// teacher's readLoop/handler split: a Transport Reader that decodes frames
// and fast-paths Status queries, and a Flash Operator goroutine that drains
// every other command from an ordered channel so a long erase or write
// never blocks a concurrent Status poll (spec §4.3).
type Engine struct {
	sess *Session
	disp *Dispatcher

	rw  io.ReadWriter
	dec *protocol.Decoder

	requests chan *protocol.Frame
	writeMu  sync.Mutex

	resyncCount int
}

// NewEngine builds an Engine over rw, using sess for flash state.
func NewEngine(rw io.ReadWriter, sess *Session) *Engine {
	return &Engine{
		sess:     sess,
		disp:     NewDispatcher(sess),
		rw:       rw,
		dec:      protocol.NewDecoder(protocol.MagicRequest, protocol.MaxPayloadLen),
		requests: make(chan *protocol.Frame, 4),
	}
}

// Run drives the engine until the transport is closed or a truncation error
// occurs, per spec §7's "TRUNCATED terminates the session" policy.
func (e *Engine) Run() error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.operatorLoop()
	}()

	err := e.readerLoop()
	close(e.requests)
	wg.Wait()
	return err
}

func (e *Engine) readerLoop() error {
	for {
		frame, err := e.dec.DecodeStream(e.rw, func(ev protocol.Event) {
			e.resyncCount++
			if ev == protocol.EventCRCError {
				log.Printf("engine: dropping frame with bad checksum (resync #%d)", e.resyncCount)
			} else {
				log.Printf("engine: dropping oversized frame (resync #%d)", e.resyncCount)
			}
		})
		if err != nil {
			if err == protocol.ErrTruncated {
				log.Printf("engine: transport closed, ending session")
			}
			return err
		}

		if frame.Opcode() == protocol.CmdStatus {
			sr := e.sess.CachedStatus()
			e.writeResponse(protocol.NewResponse(frame.Sequence, protocol.StatusSuccess, frame.Address, protocol.EncodeStatusResponse(byte(sr))))
			continue
		}

		e.requests <- frame
	}
}

func (e *Engine) operatorLoop() {
	for req := range e.requests {
		// StreamWrite frames are not acknowledged (spec §4.4): Handle
		// returns nil for them, and there is nothing to write back.
		if resp := e.disp.Handle(req); resp != nil {
			e.writeResponse(resp)
		}
	}
}

func (e *Engine) writeResponse(resp *protocol.Frame) {
	encoded, err := resp.Encode()
	if err != nil {
		log.Printf("engine: failed to encode response: %v", err)
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.rw.Write(encoded); err != nil {
		log.Printf("engine: failed to write response: %v", err)
	}
}
