// Package pipeline drives ingestion: a bounded queue feeding a small worker
// pool, each worker walking one file through register, parse, validate,
// persist, verify and ack. A failing file never takes a worker down; its
// errors land in ingestion_error and the next file proceeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axonhealth/claimsink/claimsdb"
	"github.com/axonhealth/claimsink/refdata"
)

// ErrQueueFull is returned by Submit when the intake queue is at capacity.
// Callers (fetch adapters) leave the file where it is and retry next cycle.
var ErrQueueFull = errors.New("pipeline: queue full")

// ErrStopped is returned by Submit after Shutdown has begun.
var ErrStopped = errors.New("pipeline: stopped")

// Acker acknowledges a fully verified file back to its source.
type Acker interface {
	AckFile(ctx context.Context, fileID string) error
}

// Job is one file queued for ingestion.
type Job struct {
	FileID   string
	FileName string
	Source   string
	// Payload returns the raw document bytes (possibly read back from the
	// staging spool).
	Payload func() ([]byte, error)
	// Ack, when set, is invoked after a clean verify.
	Ack Acker
	// Done, when set, receives the final report for the file.
	Done func(Report)
}

// Report is the outcome of one file's walk through the stages.
type Report struct {
	FileID          string
	RunID           string
	AlreadyVerified bool
	ClaimsParsed    int
	Persisted       int
	Skipped         int
	Errors          int
	VerifyOK        bool
	Discrepancies   []string
	Acked           bool
	Err             error
}

// Config sizes the orchestrator.
type Config struct {
	// Workers is the number of concurrent file processors. Default 3.
	Workers int `yaml:"workers"`
	// QueueSize bounds the intake queue. Default 64.
	QueueSize int `yaml:"queue_size"`
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

// Orchestrator owns the queue and worker pool.
type Orchestrator struct {
	config   Config
	store    *claimsdb.Store
	resolver *refdata.Resolver
	logger   *slog.Logger

	queue     chan Job
	wg        sync.WaitGroup
	stopped   atomic.Bool
	processed atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator. Call Start to launch the workers.
func New(cfg Config, store *claimsdb.Store, resolver *refdata.Resolver, opts ...Option) *Orchestrator {
	cfg.defaults()
	o := &Orchestrator{
		config:   cfg,
		store:    store,
		resolver: resolver,
		logger:   slog.Default(),
		queue:    make(chan Job, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the worker pool. Workers exit when the queue is closed by
// Shutdown or when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.config.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
}

// Submit enqueues a file without blocking.
func (o *Orchestrator) Submit(job Job) error {
	if o.stopped.Load() {
		return ErrStopped
	}
	select {
	case o.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// DrainReport describes what Shutdown managed to finish.
type DrainReport struct {
	Processed int64
	Remaining int
	Clean     bool
}

// Shutdown stops intake, lets workers drain the queue for at most timeout,
// and reports what was left behind.
func (o *Orchestrator) Shutdown(timeout time.Duration) DrainReport {
	if o.stopped.Swap(true) {
		return DrainReport{Processed: o.processed.Load(), Clean: true}
	}
	close(o.queue)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return DrainReport{Processed: o.processed.Load(), Clean: true}
	case <-time.After(timeout):
		return DrainReport{
			Processed: o.processed.Load(),
			Remaining: len(o.queue),
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-o.queue:
			if !ok {
				return
			}
			report := o.process(ctx, job)
			o.processed.Add(1)
			if report.Err != nil {
				o.logger.ErrorContext(ctx, "file ingestion failed",
					"worker", id, "file_id", job.FileID, "error", report.Err)
			} else {
				o.logger.InfoContext(ctx, "file ingested",
					"worker", id, "file_id", job.FileID,
					"persisted", report.Persisted, "skipped", report.Skipped,
					"verify_ok", report.VerifyOK, "acked", report.Acked)
			}
			if job.Done != nil {
				job.Done(report)
			}
		}
	}
}

// ackError formats ack failures consistently for the error log.
func ackError(fileID string, err error) string {
	return fmt.Sprintf("ack %s: %v", fileID, err)
}
