package commander

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ivanli-cn/flash-programmer/internal/telemetry"
)

// Worker pulls Jobs off a telemetry.Bus queue and executes them against a
// Commander, publishing progress as it goes (SPEC_FULL.md §10's
// `flashtool queue watch` mode). It is grounded on the teacher's
// redis_handlers.go command loop: block for work, dispatch by type, log
// every transition.
type Worker struct {
	cmd *Commander
	bus *telemetry.Bus
}

// NewWorker pairs a Commander talking to one locally attached device with a
// job queue it should drain.
func NewWorker(cmd *Commander, bus *telemetry.Bus) *Worker {
	return &Worker{cmd: cmd, bus: bus}
}

// Run blocks, dequeuing and executing jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.bus.DequeueJob(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("worker: dequeue: %w", err)
		}
		if job == nil {
			continue // timed out with nothing queued; poll again
		}

		log.Printf("worker: starting job %s (%s at 0x%06X)", job.ID, job.Op, job.Address)
		if err := w.runJob(ctx, job); err != nil {
			log.Printf("worker: job %s failed: %v", job.ID, err)
			w.publish(ctx, telemetry.Progress{JobID: job.ID, Done: true, Error: err.Error()})
			continue
		}
		log.Printf("worker: job %s complete", job.ID)
	}
}

func (w *Worker) runJob(ctx context.Context, job *telemetry.Job) error {
	switch job.Op {
	case telemetry.OpErase:
		if err := w.cmd.Erase(ctx, job.Address, job.Size); err != nil {
			return err
		}
		w.publish(ctx, telemetry.Progress{JobID: job.ID, BytesDone: job.Size, BytesTotal: job.Size, Done: true})
		return nil

	case telemetry.OpWrite:
		f, err := os.Open(job.FilePath)
		if err != nil {
			return fmt.Errorf("open %s: %w", job.FilePath, err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("stat %s: %w", job.FilePath, err)
		}

		w.publish(ctx, telemetry.Progress{JobID: job.ID, BytesTotal: uint32(info.Size())})
		if err := w.cmd.WriteFile(ctx, job.Address, f, info.Size(), nil); err != nil {
			return err
		}
		w.publish(ctx, telemetry.Progress{JobID: job.ID, BytesDone: uint32(info.Size()), BytesTotal: uint32(info.Size()), Done: true})
		return nil

	case telemetry.OpVerify:
		equal, actual, err := w.cmd.VerifyCRC(ctx, job.Address, job.Size, job.ExpectCRC32)
		if err != nil {
			return err
		}
		if !equal {
			return fmt.Errorf("verify mismatch: device reports CRC32 0x%08X, expected 0x%08X", actual, job.ExpectCRC32)
		}
		w.publish(ctx, telemetry.Progress{JobID: job.ID, BytesDone: job.Size, BytesTotal: job.Size, Done: true})
		return nil

	default:
		return fmt.Errorf("unknown job op %q", job.Op)
	}
}

func (w *Worker) publish(ctx context.Context, p telemetry.Progress) {
	if err := w.bus.PublishProgress(ctx, p); err != nil {
		log.Printf("worker: failed to publish progress for job %s: %v", p.JobID, err)
	}
}
