// Command flashtool is the host-side Commander (spec §4.6): it drives a
// flash-programmer device over a USB virtual serial link to identify,
// erase, program, read, and verify the attached flash chip, and can also
// run as a fleet worker pulling jobs from a Redis-backed queue
// (SPEC_FULL.md §10).
package main

import (
	"context"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ivanli-cn/flash-programmer/internal/commander"
	"github.com/ivanli-cn/flash-programmer/internal/telemetry"
	"github.com/ivanli-cn/flash-programmer/internal/transport"
)

var (
	devicePath string
	baudRate   int
	timeout    time.Duration

	redisAddr string
	redisPass string
	redisDB   int
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	root := &cobra.Command{
		Use:   "flashtool",
		Short: "Program a W25Q128-class SPI NOR flash over a USB virtual serial link",
	}
	root.PersistentFlags().StringVar(&devicePath, "device", "/dev/ttyACM0", "Serial device path")
	root.PersistentFlags().IntVar(&baudRate, "baud", 115200, "Serial baud rate")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Deadline for a whole subcommand, shared by all of its requests (also the serial read timeout); there is no separate per-request timeout")

	root.AddCommand(
		newListCmd(),
		newInfoCmd(),
		newStatusCmd(),
		newEraseCmd(),
		newWriteCmd(),
		newReadCmd(),
		newVerifyCmd(),
		newQueueCmd(),
	)

	if err := root.Execute(); err != nil {
		log.Fatalf("flashtool: %v", err)
	}
}

func openCommander() (*commander.Commander, func(), error) {
	port, err := transport.Open(devicePath, transport.Options{BaudRate: baudRate, ReadTimeout: timeout})
	if err != nil {
		return nil, nil, err
	}
	return commander.New(port), func() { port.Close() }, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Read the attached chip's JEDEC ID and geometry",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := openCommander()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("JEDEC ID:    % X\n", info.JEDECID)
			fmt.Printf("Total size:  %d bytes\n", info.TotalSize)
			fmt.Printf("Page size:   %d bytes\n", info.PageSize)
			fmt.Printf("Sector size: %d bytes\n", info.SectorSize)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Read the chip's status register",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := openCommander()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			sr, err := c.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Status register: %s (busy=%v, write-enabled=%v)\n", sr, sr.Busy(), sr.WriteEnabled())
			return nil
		},
	}
}

func newEraseCmd() *cobra.Command {
	var addrStr, sizeStr string
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase a range of the flash",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := commander.ParseAddress(addrStr)
			if err != nil {
				return err
			}
			size, err := commander.ParseSize(sizeStr)
			if err != nil {
				return err
			}

			c, closeFn, err := openCommander()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return c.Erase(ctx, addr, size)
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "0x000000", "Start address")
	cmd.Flags().StringVar(&sizeStr, "size", "", "Number of bytes to erase (required)")
	cmd.MarkFlagRequired("size")
	return cmd
}

func newWriteCmd() *cobra.Command {
	var addrStr, filePath string
	var stream bool
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Erase and program a file to flash",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := commander.ParseAddress(addrStr)
			if err != nil {
				return err
			}
			f, err := os.Open(filePath)
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}

			c, closeFn, err := openCommander()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if stream {
				return c.StreamWriteFile(ctx, addr, f, info.Size(), os.Stderr)
			}
			return c.WriteFile(ctx, addr, f, info.Size(), os.Stderr)
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "0x000000", "Start address")
	cmd.Flags().StringVar(&filePath, "file", "", "File to program (required)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Use the pipelined StreamWrite flow")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newReadCmd() *cobra.Command {
	var addrStr, sizeStr, outPath string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a range of the flash to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := commander.ParseAddress(addrStr)
			if err != nil {
				return err
			}
			size, err := commander.ParseSize(sizeStr)
			if err != nil {
				return err
			}

			c, closeFn, err := openCommander()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			data, err := c.Read(ctx, addr, size)
			if err != nil {
				return err
			}
			return os.WriteFile(outPath, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "0x000000", "Start address")
	cmd.Flags().StringVar(&sizeStr, "size", "", "Number of bytes to read (required)")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file (required)")
	cmd.MarkFlagRequired("size")
	cmd.MarkFlagRequired("out")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var addrStr, filePath string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify flash contents against a local file via device-side CRC32",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := commander.ParseAddress(addrStr)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}

			c, closeFn, err := openCommander()
			if err != nil {
				return err
			}
			defer closeFn()

			expected := crc32.ChecksumIEEE(data)
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			equal, actual, err := c.VerifyCRC(ctx, addr, uint32(len(data)), expected)
			if err != nil {
				return err
			}
			if !equal {
				return fmt.Errorf("mismatch: device CRC32 0x%08X, expected 0x%08X", actual, expected)
			}
			fmt.Println("OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&addrStr, "addr", "0x000000", "Start address")
	cmd.Flags().StringVar(&filePath, "file", "", "File to compare against (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newQueueCmd() *cobra.Command {
	queue := &cobra.Command{
		Use:   "queue",
		Short: "Interact with the fleet job queue (SPEC_FULL.md §10)",
	}
	queue.PersistentFlags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis server address")
	queue.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")
	queue.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis database number")

	queue.AddCommand(newQueueWatchCmd())
	queue.AddCommand(newQueueSubmitCmd())
	return queue
}

func newQueueWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run as a worker, draining jobs from the queue against the attached device",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := telemetry.NewBus(redisAddr, redisPass, redisDB)
			if err != nil {
				return err
			}
			defer bus.Close()

			c, closeFn, err := openCommander()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx, cancel := context.WithCancel(context.Background())
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Printf("flashtool: received shutdown signal")
				cancel()
			}()

			w := commander.NewWorker(c, bus)
			err = w.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
}

func newQueueSubmitCmd() *cobra.Command {
	var addrStr, sizeStr, filePath, op string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a job for a worker to pick up",
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := telemetry.NewBus(redisAddr, redisPass, redisDB)
			if err != nil {
				return err
			}
			defer bus.Close()

			addr, err := commander.ParseAddress(addrStr)
			if err != nil {
				return err
			}
			var size uint32
			if sizeStr != "" {
				size, err = commander.ParseSize(sizeStr)
				if err != nil {
					return err
				}
			}

			job := telemetry.Job{
				ID:       fmt.Sprintf("job-%d", time.Now().UnixNano()),
				Op:       telemetry.JobOp(op),
				Address:  addr,
				Size:     size,
				FilePath: filePath,
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := bus.EnqueueJob(ctx, job); err != nil {
				return err
			}
			fmt.Println(job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&op, "op", "write", "Job operation: write, erase, or verify")
	cmd.Flags().StringVar(&addrStr, "addr", "0x000000", "Start address")
	cmd.Flags().StringVar(&sizeStr, "size", "", "Size in bytes (erase/verify)")
	cmd.Flags().StringVar(&filePath, "file", "", "File path (write)")
	return cmd
}
