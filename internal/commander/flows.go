package commander

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/schollz/progressbar/v3"

	"github.com/ivanli-cn/flash-programmer/pkg/flash"
	"github.com/ivanli-cn/flash-programmer/pkg/protocol"
)

// ChipInfo mirrors an Info response in host-friendly form.
type ChipInfo struct {
	JEDECID    [3]byte
	TotalSize  uint32
	PageSize   uint32
	SectorSize uint32
}

// Info queries the device for chip identification and geometry.
func (c *Commander) Info(ctx context.Context) (*ChipInfo, error) {
	resp, err := c.Do(ctx, protocol.CmdInfo, 0, nil)
	if err != nil {
		return nil, err
	}
	id, total, page, sector, err := protocol.DecodeInfoResponse(resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("commander: info: %w", err)
	}
	return &ChipInfo{JEDECID: id, TotalSize: total, PageSize: page, SectorSize: sector}, nil
}

// Status queries the device's cached status register (spec §4.3's fast
// path — this call is always serviceable regardless of device state).
func (c *Commander) Status(ctx context.Context) (flash.StatusRegister, error) {
	resp, err := c.Do(ctx, protocol.CmdStatus, 0, nil)
	if err != nil {
		return 0, err
	}
	sr, err := protocol.DecodeStatusResponse(resp.Payload)
	if err != nil {
		return 0, fmt.Errorf("commander: status: %w", err)
	}
	return flash.StatusRegister(sr), nil
}

// Erase erases size bytes starting at addr.
func (c *Commander) Erase(ctx context.Context, addr, size uint32) error {
	_, err := c.Do(ctx, protocol.CmdErase, addr, protocol.EncodeEraseRequest(size))
	return err
}

// Read reads n bytes starting at addr, issuing as many Read requests as
// needed to stay under the wire payload cap.
func (c *Commander) Read(ctx context.Context, addr, n uint32) ([]byte, error) {
	out := make([]byte, 0, n)
	for uint32(len(out)) < n {
		chunk := n - uint32(len(out))
		if chunk > protocol.MaxPayloadLen {
			chunk = protocol.MaxPayloadLen
		}
		resp, err := c.Do(ctx, protocol.CmdRead, addr+uint32(len(out)), []byte{byte(chunk)})
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Payload...)
		if len(resp.Payload) < int(chunk) {
			break // device truncated near flash-end (spec §4.2)
		}
	}
	return out, nil
}

// VerifyCRC asks the device to compute the CRC32 of size bytes at addr and
// compare it against expected.
func (c *Commander) VerifyCRC(ctx context.Context, addr, size, expected uint32) (equal bool, actual uint32, err error) {
	resp, err := c.Do(ctx, protocol.CmdVerifyCRC, addr, protocol.EncodeVerifyCRCRequest(size, expected))
	if err != nil {
		return false, 0, err
	}
	return protocol.DecodeVerifyCRCResponse(resp.Payload)
}

// Verify asks the device to compare expected byte-for-byte against flash
// starting at addr (opcode 0x05 — a full-payload comparison, unlike
// VerifyCRC's checksum-only check).
func (c *Commander) Verify(ctx context.Context, addr uint32, expected []byte) (equal bool, actualCRC uint32, err error) {
	resp, err := c.Do(ctx, protocol.CmdVerify, addr, expected)
	if err != nil {
		return false, 0, err
	}
	return protocol.DecodeVerifyResponse(resp.Payload)
}

// WriteFile erases [addr, addr+len) and writes r's contents starting at
// addr using plain Write requests chunked to the wire payload cap, then
// verifies the written range against a locally computed CRC32. When show
// is non-nil, a byte-progress bar is rendered there (grounded on the
// flasher reference's schollz/progressbar usage).
func (c *Commander) WriteFile(ctx context.Context, addr uint32, r io.Reader, size int64, show io.Writer) error {
	if err := c.eraseForSize(ctx, addr, uint32(size)); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if show != nil {
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(show),
			progressbar.OptionSetDescription("writing"),
			progressbar.OptionShowBytes(true),
		)
	}

	crc := crc32.NewIEEE()
	buf := make([]byte, protocol.MaxPayloadLen)
	off := uint32(0)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := c.Do(ctx, protocol.CmdWrite, addr+off, buf[:n]); werr != nil {
				return fmt.Errorf("commander: write at 0x%06X: %w", addr+off, werr)
			}
			crc.Write(buf[:n])
			off += uint32(n)
			if bar != nil {
				bar.Add(n)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("commander: read input: %w", err)
		}
	}

	equal, actual, err := c.VerifyCRC(ctx, addr, off, crc.Sum32())
	if err != nil {
		return fmt.Errorf("commander: post-write verify: %w", err)
	}
	if !equal {
		return fmt.Errorf("commander: post-write verify mismatch: device reports CRC32 0x%08X, expected 0x%08X", actual, crc.Sum32())
	}
	return nil
}

// StreamWriteFile is WriteFile's pipelined counterpart: StreamWrite frames
// are fired at the transport without waiting for a response to any of them,
// since the device never sends one while the stream is open (spec §4.4,
// "Frames are not individually acknowledged during the stream"). The
// device's staging buffer fills while it drains earlier chunks to flash,
// and the blocking transport write is what paces the host when it falls
// behind — there is no ack to window against, so unlike WriteFile there is
// no per-chunk error locality; a fault surfaces only once the closing
// VerifyCRC comes back FLASH_ERROR.
func (c *Commander) StreamWriteFile(ctx context.Context, addr uint32, r io.Reader, size int64, show io.Writer) error {
	if err := c.eraseForSize(ctx, addr, uint32(size)); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if show != nil {
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(show),
			progressbar.OptionSetDescription("streaming"),
			progressbar.OptionShowBytes(true),
		)
	}

	crc := crc32.NewIEEE()
	buf := make([]byte, protocol.MaxPayloadLen)
	off := uint32(0)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := c.writeOnly(protocol.CmdStreamWrite, addr+off, buf[:n]); werr != nil {
				return fmt.Errorf("commander: stream write at 0x%06X: %w", addr+off, werr)
			}
			crc.Write(buf[:n])
			off += uint32(n)
			if bar != nil {
				bar.Add(n)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("commander: read input: %w", err)
		}
	}

	// Any non-StreamWrite frame closes the sequence (spec §4.4); VerifyCRC
	// both closes it and confirms the write in the same round trip.
	equal, actual, err := c.VerifyCRC(ctx, addr, off, crc.Sum32())
	if err != nil {
		return fmt.Errorf("commander: close stream write: %w", err)
	}
	if !equal {
		return fmt.Errorf("commander: post-stream verify mismatch: device reports CRC32 0x%08X, expected 0x%08X", actual, crc.Sum32())
	}
	return nil
}

func (c *Commander) eraseForSize(ctx context.Context, addr, size uint32) error {
	aligned := size
	if rem := aligned % flash.SectorSize; rem != 0 {
		aligned += flash.SectorSize - rem
	}
	return c.Erase(ctx, addr, aligned)
}
