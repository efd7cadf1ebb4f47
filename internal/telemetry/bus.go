// Package telemetry implements the fleet telemetry and remote job queue
// (SPEC_FULL.md §10): a Redis-backed work queue of flash jobs plus a
// publish/subscribe channel for progress events, so a fleet of flashtool
// workers can be driven from a central dispatcher instead of run by hand
// against a locally attached device. It is grounded on the teacher's
// pkg/redis Client — LPush/BRPop for the queue, HSet+Publish pipelining for
// progress — generalized from bespoke scooter-state fields to an arbitrary
// job/event payload.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultQueueKey is the Redis list jobs are pushed to and popped from.
	DefaultQueueKey = "flash-programmer:jobs"
	// progressKeyPrefix namespaces the per-job progress hash.
	progressKeyPrefix = "flash-programmer:progress:"
	// progressChannelPrefix namespaces the per-job progress pub/sub channel.
	progressChannelPrefix = "flash-programmer:events:"
)

// JobOp identifies which Commander flow a queued Job requests.
type JobOp string

const (
	OpWrite  JobOp = "write"
	OpErase  JobOp = "erase"
	OpVerify JobOp = "verify"
)

// Job describes one unit of work a worker pulls off the queue: program (or
// erase, or verify) a range of the flash attached to whichever worker picks
// it up, sourcing data from the path named in FilePath.
type Job struct {
	ID          string `cbor:"id"`
	Op          JobOp  `cbor:"op"`
	Address     uint32 `cbor:"addr"`
	Size        uint32 `cbor:"size,omitempty"`
	FilePath    string `cbor:"file_path,omitempty"`
	ExpectCRC32 uint32 `cbor:"expect_crc32,omitempty"`
}

// Progress is a single status update published while a Job runs.
type Progress struct {
	JobID      string `cbor:"job_id"`
	BytesDone  uint32 `cbor:"bytes_done"`
	BytesTotal uint32 `cbor:"bytes_total"`
	Done       bool   `cbor:"done"`
	Error      string `cbor:"error,omitempty"`
}

// Bus wraps a go-redis client with the queue/pubsub operations the
// flashtool worker mode needs.
type Bus struct {
	client   *redis.Client
	queueKey string
}

// NewBus connects to addr (host:port) and verifies connectivity with a
// Ping, mirroring the teacher's redis.New.
func NewBus(addr, password string, db int) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis at %s: %w", addr, err)
	}
	return &Bus{client: client, queueKey: DefaultQueueKey}, nil
}

// Close releases the underlying Redis connection.
func (b *Bus) Close() error { return b.client.Close() }

// EnqueueJob CBOR-encodes job and LPushes it onto the queue.
func (b *Bus) EnqueueJob(ctx context.Context, job Job) error {
	encoded, err := cbor.Marshal(job)
	if err != nil {
		return fmt.Errorf("telemetry: encode job %s: %w", job.ID, err)
	}
	if err := b.client.LPush(ctx, b.queueKey, encoded).Err(); err != nil {
		return fmt.Errorf("telemetry: enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// DequeueJob blocks (up to timeout, or indefinitely if timeout is 0) for
// the next job, mirroring the teacher's BRPop semantics: a nil Job and nil
// error means the wait timed out with nothing queued.
func (b *Bus) DequeueJob(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := b.client.BRPop(ctx, timeout, b.queueKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("telemetry: dequeue: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("telemetry: unexpected BRPOP result shape: %v", result)
	}

	var job Job
	if err := cbor.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("telemetry: decode job: %w", err)
	}
	return &job, nil
}

// PublishProgress records the latest progress for a job in a Redis hash and
// publishes it on the job's event channel in one pipeline, so a watching
// dashboard and a late-joining subscriber both see a consistent view.
func (b *Bus) PublishProgress(ctx context.Context, p Progress) error {
	encoded, err := cbor.Marshal(p)
	if err != nil {
		return fmt.Errorf("telemetry: encode progress for job %s: %w", p.JobID, err)
	}

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, progressKeyPrefix+p.JobID, "latest", encoded)
	pipe.Publish(ctx, progressChannelPrefix+p.JobID, encoded)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: publish progress for job %s: %w", p.JobID, err)
	}
	return nil
}

// Subscribe streams progress updates for jobID until ctx is cancelled or
// the caller invokes the returned cancel function.
func (b *Bus) Subscribe(ctx context.Context, jobID string) (<-chan Progress, func(), error) {
	pubsub := b.client.Subscribe(ctx, progressChannelPrefix+jobID)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("telemetry: subscribe to job %s: %w", jobID, err)
	}

	out := make(chan Progress)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var p Progress
			if err := cbor.Unmarshal([]byte(msg.Payload), &p); err != nil {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { pubsub.Close() }, nil
}
