package protocol

import "io"

// Event reports what a single Feed call produced.
type Event int

const (
	// EventNone means the decoder consumed the byte and is still mid-frame
	// (or still hunting for the magic sequence).
	EventNone Event = iota
	// EventFrameReady means a complete, checksum-valid frame is available.
	EventFrameReady
	// EventCRCError means a frame's checksum did not match; the decoder has
	// already returned to HuntMagic.
	EventCRCError
	// EventOversized means the frame's declared Length exceeded the
	// decoder's configured capability; the decoder has returned to HuntMagic.
	EventOversized
)

// decState implements HuntMagic -> ReadPrefix -> ReadPayload -> ReadChecksum -> Emit.
// ReadPrefix is broken into one state per prefix field so each incoming byte
// has an unambiguous home.
type decState int

const (
	stHuntMagic1 decState = iota // HuntMagic
	stHuntMagic2                 // HuntMagic
	stSequence                   // ReadPrefix
	stCode                       // ReadPrefix
	stAddr0                      // ReadPrefix
	stAddr1                      // ReadPrefix
	stAddr2                      // ReadPrefix
	stLength                     // ReadPrefix
	stPayload                    // ReadPayload
	stChecksum1                  // ReadChecksum
	stChecksum2                  // ReadChecksum
)

// Decoder is a streaming frame decoder with single-byte resynchronisation on
// a corrupted or lost frame boundary (spec §4.1).
type Decoder struct {
	expectMagic uint16
	maxPayload  int

	state      decState
	body       []byte // Sequence..Payload accumulator, used for the CRC check
	frame      Frame
	payloadLen int
	checksumHi byte
}

// NewDecoder returns a Decoder that hunts for expectMagic (MagicRequest on
// the device side, MagicResponse on the host side) and rejects any frame
// whose declared Length exceeds maxPayload (the device's staging capability).
// A non-positive or over-large maxPayload falls back to the structural limit
// of 255.
func NewDecoder(expectMagic uint16, maxPayload int) *Decoder {
	if maxPayload <= 0 || maxPayload > MaxPayloadLen {
		maxPayload = MaxPayloadLen
	}
	return &Decoder{expectMagic: expectMagic, maxPayload: maxPayload}
}

func (d *Decoder) reset() {
	d.state = stHuntMagic1
	d.body = d.body[:0]
	d.frame = Frame{}
	d.payloadLen = 0
}

// Feed advances the state machine by one byte. frame is non-nil only when
// event is EventFrameReady.
func (d *Decoder) Feed(b byte) (frame *Frame, event Event) {
	switch d.state {
	case stHuntMagic1:
		if b == byte(d.expectMagic>>8) {
			d.state = stHuntMagic2
		}
		return nil, EventNone

	case stHuntMagic2:
		switch {
		case b == byte(d.expectMagic):
			d.frame = Frame{Magic: d.expectMagic}
			d.body = d.body[:0]
			d.state = stSequence
		case b == byte(d.expectMagic>>8):
			// stays put: this byte could itself be the first magic byte
		default:
			d.state = stHuntMagic1
		}
		return nil, EventNone

	case stSequence:
		d.frame.Sequence = b
		d.body = append(d.body, b)
		d.state = stCode
		return nil, EventNone

	case stCode:
		d.frame.Code = b
		d.body = append(d.body, b)
		d.state = stAddr0
		return nil, EventNone

	case stAddr0:
		d.frame.Address = uint32(b) << 16
		d.body = append(d.body, b)
		d.state = stAddr1
		return nil, EventNone

	case stAddr1:
		d.frame.Address |= uint32(b) << 8
		d.body = append(d.body, b)
		d.state = stAddr2
		return nil, EventNone

	case stAddr2:
		d.frame.Address |= uint32(b)
		d.body = append(d.body, b)
		d.state = stLength
		return nil, EventNone

	case stLength:
		d.body = append(d.body, b)
		length := int(b)
		if length > d.maxPayload {
			d.reset()
			return nil, EventOversized
		}
		d.payloadLen = length
		if length == 0 {
			d.state = stChecksum1
		} else {
			d.frame.Payload = make([]byte, 0, length)
			d.state = stPayload
		}
		return nil, EventNone

	case stPayload:
		d.frame.Payload = append(d.frame.Payload, b)
		d.body = append(d.body, b)
		if len(d.frame.Payload) >= d.payloadLen {
			d.state = stChecksum1
		}
		return nil, EventNone

	case stChecksum1:
		d.checksumHi = b
		d.state = stChecksum2
		return nil, EventNone

	case stChecksum2:
		got := uint16(d.checksumHi)<<8 | uint16(b)
		want := CRC16(d.body)
		emitted := d.frame
		d.reset()
		if got != want {
			return nil, EventCRCError
		}
		return &emitted, EventFrameReady

	default:
		d.reset()
		return nil, EventNone
	}
}

// DecodeStream reads bytes from r one at a time until a complete frame is
// decoded, the stream ends (returning ErrTruncated), or r.Read fails.
// onEvent, if non-nil, is invoked for every CRC_ERROR/OVERSIZED event seen
// while hunting, so callers can count resyncs without changing control flow.
func (d *Decoder) DecodeStream(r io.Reader, onEvent func(Event)) (*Frame, error) {
	var buf [1]byte
	for {
		n, err := r.Read(buf[:])
		if n > 0 {
			frame, ev := d.Feed(buf[0])
			switch ev {
			case EventFrameReady:
				return frame, nil
			case EventCRCError, EventOversized:
				if onEvent != nil {
					onEvent(ev)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, ErrTruncated
			}
			return nil, err
		}
	}
}
