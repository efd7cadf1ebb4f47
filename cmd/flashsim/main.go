// Command flashsim is the device-side protocol engine (spec §4): it reads
// framed requests off a serial transport, drives a SPI NOR flash chip, and
// writes framed responses back. Despite the name it also runs against real
// hardware — host.Init() finds whatever periph.io drivers the platform
// provides, and --simulate swaps in an in-memory flash.SimFlash for
// development and the test suite's own integration coverage.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/ivanli-cn/flash-programmer/internal/engine"
	"github.com/ivanli-cn/flash-programmer/internal/transport"
	"github.com/ivanli-cn/flash-programmer/pkg/flash"
)

var (
	serialDevice = flag.String("serial", "/dev/ttyGS0", "USB virtual serial device path")
	baudRate     = flag.Int("baud", 115200, "Serial baud rate")
	spiPort      = flag.String("spi", "", "SPI port name (periph.io spireg identifier); empty autodetects")
	csPin        = flag.String("cs", "", "GPIO chip-select pin name; required unless --simulate (an empty or unknown name stops the program)")
	clockHz      = flag.Int("clock-hz", 30_000_000, "SPI clock frequency")
	simulate     = flag.Bool("simulate", false, "Use an in-memory flash image instead of real SPI hardware")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting flash programmer device engine")

	op, closeFlash, err := openOperator()
	if err != nil {
		log.Fatalf("Failed to initialize flash operator: %v", err)
	}
	defer closeFlash()

	id, err := op.ReadJEDECID()
	if err != nil {
		log.Printf("Warning: failed to read JEDEC ID at startup: %v", err)
	} else {
		log.Printf("Flash JEDEC ID: % X", id)
	}

	port, err := transport.Open(*serialDevice, transport.Options{BaudRate: *baudRate})
	if err != nil {
		log.Fatalf("Failed to open serial transport %s: %v", *serialDevice, err)
	}
	defer port.Close()
	log.Printf("Listening for requests on %s at %d baud", *serialDevice, *baudRate)

	sess := engine.NewSession(op)
	eng := engine.NewEngine(port, sess)

	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-runErr:
		log.Printf("Engine session ended: %v", err)
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down", sig)
	}
}

func openOperator() (*flash.Operator, func(), error) {
	if *simulate {
		log.Printf("Running against an in-memory simulated flash image")
		sim := flash.NewSimFlash(flash.JEDECID)
		return flash.NewPeriphOperator(sim, sim, 0), func() {}, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, err
	}

	p, err := spireg.Open(*spiPort)
	if err != nil {
		return nil, nil, err
	}
	conn, err := p.Connect(physic.Frequency(*clockHz)*physic.Hertz, 0, 8)
	if err != nil {
		p.Close()
		return nil, nil, err
	}

	csPinIO := gpioreg.ByName(*csPin)
	if csPinIO == nil {
		p.Close()
		log.Fatalf("GPIO pin %q not found for chip select", *csPin)
	}

	return flash.NewPeriphOperator(conn, csPinIO, 0), func() { p.Close() }, nil
}
