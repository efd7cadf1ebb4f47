package protocol

import "fmt"

// Status is the wire-level error taxonomy carried in a response's Code field
// (spec §7).
type Status byte

const (
	StatusSuccess        Status = 0x00
	StatusInvalidCommand Status = 0x01
	StatusInvalidAddress Status = 0x02
	StatusFlashError     Status = 0x03
	StatusCRCError       Status = 0x04
	StatusBufferOverflow Status = 0x05
	StatusTimeout        Status = 0x06
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusInvalidCommand:
		return "INVALID_COMMAND"
	case StatusInvalidAddress:
		return "INVALID_ADDRESS"
	case StatusFlashError:
		return "FLASH_ERROR"
	case StatusCRCError:
		return "CRC_ERROR"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("STATUS(0x%02X)", byte(s))
	}
}

// WireError adapts a non-success Status to the error interface so device and
// host code can use ordinary Go error handling around wire-level failures.
type WireError struct {
	Status Status
}

func (e *WireError) Error() string { return "protocol: " + e.Status.String() }

// AsWireError returns nil for StatusSuccess and a *WireError otherwise.
func AsWireError(s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &WireError{Status: s}
}
