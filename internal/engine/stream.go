package engine

import (
	"fmt"
	"log"
)

// StreamWriter drains filled staging halves to flash in address order,
// maintaining the session's progressive CRC32 so a VerifyCRC request can be
// answered without a full re-read of the written range (spec §4.4, §4.2).
type StreamWriter struct {
	sess    *Session
	staging *StagingBuffers
	addr    uint32
	done    chan error
}

// NewStreamWriter starts draining staging into flash at baseAddr. The
// Dispatcher feeds staging via Fill from the engine's operator goroutine;
// StreamWriter runs its own goroutine and reports the final outcome from
// Close.
func NewStreamWriter(sess *Session, staging *StagingBuffers, baseAddr uint32) *StreamWriter {
	sw := &StreamWriter{sess: sess, staging: staging, addr: baseAddr, done: make(chan error, 1)}
	sess.BeginStream(baseAddr)
	go sw.run()
	return sw
}

func (sw *StreamWriter) run() {
	for chunk := range sw.staging.Drain() {
		if err := sw.sess.Operator().WriteRange(sw.addr, chunk); err != nil {
			sw.sess.Latch(err)
			log.Printf("engine: stream write failed at 0x%06X: %v", sw.addr, err)
			sw.done <- fmt.Errorf("stream write at 0x%06X: %w", sw.addr, err)
			return
		}
		sw.sess.AccumulateStream(chunk)
		sw.addr += uint32(len(chunk))
	}
	sw.done <- nil
}

// Close flushes any partial half and waits for the drain goroutine to
// finish writing everything already enqueued, returning its error (if any).
// The session's progressive CRC32 is folded into its stream cache as a side
// effect, for a following VerifyCRC to consult (spec §4.4).
func (sw *StreamWriter) Close() error {
	sw.staging.Flush()
	close(sw.staging.ready)
	err := <-sw.done
	sw.sess.EndStream()
	return err
}
