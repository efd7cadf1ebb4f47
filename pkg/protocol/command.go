package protocol

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies a request's command (spec §4.2).
type Opcode byte

const (
	CmdInfo        Opcode = 0x01
	CmdErase       Opcode = 0x02
	CmdWrite       Opcode = 0x03
	CmdRead        Opcode = 0x04
	CmdVerify      Opcode = 0x05
	CmdStatus      Opcode = 0x07
	CmdStreamWrite Opcode = 0x08
	CmdVerifyCRC   Opcode = 0x09
)

func (c Opcode) String() string {
	switch c {
	case CmdInfo:
		return "Info"
	case CmdErase:
		return "Erase"
	case CmdWrite:
		return "Write"
	case CmdRead:
		return "Read"
	case CmdVerify:
		return "Verify"
	case CmdStatus:
		return "Status"
	case CmdStreamWrite:
		return "StreamWrite"
	case CmdVerifyCRC:
		return "VerifyCRC"
	default:
		return fmt.Sprintf("Opcode(0x%02X)", byte(c))
	}
}

// EncodeEraseRequest builds the payload for an Erase request.
func EncodeEraseRequest(size uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, size)
	return b
}

// DecodeEraseRequest parses the payload of an Erase request.
func DecodeEraseRequest(p []byte) (size uint32, err error) {
	if len(p) != 4 {
		return 0, fmt.Errorf("protocol: erase payload must be 4 bytes, got %d", len(p))
	}
	return binary.BigEndian.Uint32(p), nil
}

// EncodeInfoResponse builds the payload for an Info response: JEDEC ID (3 B)
// followed by total size, page size, and sector size (4 B big-endian each,
// per SPEC_FULL.md §3's resolution of the source ambiguity).
func EncodeInfoResponse(jedec [3]byte, totalSize, pageSize, sectorSize uint32) []byte {
	b := make([]byte, 3+4+4+4)
	copy(b[0:3], jedec[:])
	binary.BigEndian.PutUint32(b[3:7], totalSize)
	binary.BigEndian.PutUint32(b[7:11], pageSize)
	binary.BigEndian.PutUint32(b[11:15], sectorSize)
	return b
}

// DecodeInfoResponse parses an Info response payload.
func DecodeInfoResponse(p []byte) (jedec [3]byte, totalSize, pageSize, sectorSize uint32, err error) {
	if len(p) != 15 {
		err = fmt.Errorf("protocol: info payload must be 15 bytes, got %d", len(p))
		return
	}
	copy(jedec[:], p[0:3])
	totalSize = binary.BigEndian.Uint32(p[3:7])
	pageSize = binary.BigEndian.Uint32(p[7:11])
	sectorSize = binary.BigEndian.Uint32(p[11:15])
	return
}

// EncodeVerifyResponse builds the payload for a Verify response: a single
// equal? byte, followed by the actual CRC32 (4 B big-endian) only when the
// comparison failed ("optional" per spec §4.2).
func EncodeVerifyResponse(equal bool, actualCRC uint32) []byte {
	if equal {
		return []byte{1}
	}
	b := make([]byte, 5)
	b[0] = 0
	binary.BigEndian.PutUint32(b[1:], actualCRC)
	return b
}

// DecodeVerifyResponse parses a Verify response payload.
func DecodeVerifyResponse(p []byte) (equal bool, actualCRC uint32, err error) {
	switch len(p) {
	case 1:
		return p[0] != 0, 0, nil
	case 5:
		return p[0] != 0, binary.BigEndian.Uint32(p[1:]), nil
	default:
		return false, 0, fmt.Errorf("protocol: verify payload must be 1 or 5 bytes, got %d", len(p))
	}
}

// EncodeVerifyCRCRequest builds the payload for a VerifyCRC request.
func EncodeVerifyCRCRequest(size, expectedCRC uint32) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], size)
	binary.BigEndian.PutUint32(b[4:8], expectedCRC)
	return b
}

// DecodeVerifyCRCRequest parses a VerifyCRC request payload.
func DecodeVerifyCRCRequest(p []byte) (size, expectedCRC uint32, err error) {
	if len(p) != 8 {
		return 0, 0, fmt.Errorf("protocol: verify-crc request must be 8 bytes, got %d", len(p))
	}
	return binary.BigEndian.Uint32(p[0:4]), binary.BigEndian.Uint32(p[4:8]), nil
}

// EncodeVerifyCRCResponse builds the payload for a VerifyCRC response: equal?
// followed by the actual CRC32, both always present (unlike Verify).
func EncodeVerifyCRCResponse(equal bool, actualCRC uint32) []byte {
	b := make([]byte, 5)
	if equal {
		b[0] = 1
	}
	binary.BigEndian.PutUint32(b[1:], actualCRC)
	return b
}

// DecodeVerifyCRCResponse parses a VerifyCRC response payload.
func DecodeVerifyCRCResponse(p []byte) (equal bool, actualCRC uint32, err error) {
	if len(p) != 5 {
		return false, 0, fmt.Errorf("protocol: verify-crc response must be 5 bytes, got %d", len(p))
	}
	return p[0] != 0, binary.BigEndian.Uint32(p[1:]), nil
}

// EncodeStatusResponse builds the payload for a Status response.
func EncodeStatusResponse(statusRegister byte) []byte { return []byte{statusRegister} }

// DecodeStatusResponse parses a Status response payload.
func DecodeStatusResponse(p []byte) (byte, error) {
	if len(p) != 1 {
		return 0, fmt.Errorf("protocol: status payload must be 1 byte, got %d", len(p))
	}
	return p[0], nil
}
