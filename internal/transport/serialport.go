// Package transport opens the host side of the USB virtual serial link
// (spec §1) using go.bug.st/serial, the portable serial library the wider
// example corpus reaches for in place of the platform-specific
// github.com/tarm/serial the teacher used for its UART link.
package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Options configures the serial port opened for a flashtool session.
type Options struct {
	BaudRate int
	// ReadTimeout bounds a single Read call. A Read that times out returns
	// no bytes and the Commander's reader loop simply reads again; a silent
	// device surfaces through each request's context deadline.
	ReadTimeout time.Duration
}

// DefaultOptions matches the device firmware's fixed UART configuration.
func DefaultOptions() Options {
	return Options{BaudRate: 115200, ReadTimeout: 2 * time.Second}
}

// Open opens devicePath (e.g. /dev/ttyACM0) as an 8N1 serial port.
func Open(devicePath string, opts Options) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", devicePath, err)
	}
	if opts.ReadTimeout > 0 {
		if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("transport: set read timeout on %s: %w", devicePath, err)
		}
	}
	return port, nil
}

// ListPorts enumerates available serial ports, for the `flashtool list`
// subcommand to help a user pick the right device path.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: enumerate serial ports: %w", err)
	}
	return ports, nil
}
