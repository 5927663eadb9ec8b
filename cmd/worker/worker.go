package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	appkafka "example.com/socialgraph/internal/broker"
	"example.com/socialgraph/internal/logger"
	"example.com/socialgraph/internal/metrics"
	"example.com/socialgraph/internal/models"
	"example.com/socialgraph/internal/social"
	"example.com/socialgraph/internal/store"
	"go.uber.org/zap"
)

var logg = logger.New()

// maxConflictRetries bounds how often an unfollow is retried on a stale version.
const maxConflictRetries = 3

// Worker consumes domain events from Kafka. On user_deleted it drops whatever follow
// edges to the deleted user the deleting request left behind.
type Worker struct {
	svc          *social.Service
	store        store.Store
	reader       appkafka.KafkaReader
	workerCount  int
	jobQueueSize int
}

// New creates a new concurrent Worker using pre-initialized dependencies.
func New(svc *social.Service, st store.Store, reader appkafka.KafkaReader, workerCount, jobQueueSize int) *Worker {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU()
	}
	if jobQueueSize <= 0 {
		jobQueueSize = workerCount * 10
	}
	return &Worker{
		svc:          svc,
		store:        st,
		reader:       reader,
		workerCount:  workerCount,
		jobQueueSize: jobQueueSize,
	}
}

// Run starts message reading and concurrent processing.
func (w *Worker) Run(ctx context.Context) {
	if w.workerCount <= 0 {
		w.workerCount = 1
	}
	if w.jobQueueSize <= 0 {
		w.jobQueueSize = 10
	}

	logg.Info("worker", "Starting workers",
		zap.Int("workers", w.workerCount), zap.Int("queue_size", w.jobQueueSize))

	jobs := make(chan []byte, w.jobQueueSize)
	var wg sync.WaitGroup

	for i := 0; i < w.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processLoop(ctx, jobs)
		}()
	}

	w.readLoop(ctx, jobs)

	close(jobs)
	wg.Wait()
	logg.Info("worker", "All workers stopped gracefully")
}

// readLoop reads Kafka messages and pushes them into a job queue.
func (w *Worker) readLoop(ctx context.Context, jobs chan<- []byte) {
	var retry int
	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := w.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				backoff := time.Duration(math.Min(1000, math.Pow(2, float64(retry)))) * time.Millisecond
				logg.Error("worker", "Kafka read error, backing off", err, zap.Duration("backoff", backoff))
				if !waitWithContext(ctx, backoff) {
					return
				}
				retry++
				continue
			}
			retry = 0

			if len(msg.Value) == 0 {
				if !waitWithContext(ctx, 50*time.Millisecond) {
					return
				}
				continue
			}

			// Keep waiting until a processor frees a slot.
			for enqueued := false; !enqueued; {
				select {
				case jobs <- msg.Value:
					enqueued = true
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
					logg.Info("worker", "Queue full, waiting to enqueue Kafka message")
				}
			}
		}
	}
}

// processLoop decodes events and applies them one at a time.
func (w *Worker) processLoop(ctx context.Context, jobs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-jobs:
			if !ok {
				return
			}

			e, err := appkafka.DecodeEvent(data)
			if err != nil {
				logg.Error("worker", "Invalid event in Kafka message", err)
				metrics.WorkerEvent("invalid", false)
				continue
			}

			err = w.handle(ctx, e)
			metrics.WorkerEvent(string(e.Type), err == nil)
			if err != nil {
				logg.Error("worker", "Failed to handle event", err,
					zap.String("event_id", e.ID), zap.String("type", string(e.Type)))
			}
		}
	}
}

// handle applies a single event. Only user deletions need follow-up work.
func (w *Worker) handle(ctx context.Context, e appkafka.Event) error {
	switch e.Type {
	case appkafka.UserDeleted:
		return w.dropEdgesTo(ctx, e.UserID)
	default:
		logg.Debug("worker", "Event observed",
			zap.String("type", string(e.Type)), zap.Int64("user_id", e.UserID), zap.Int64("target_id", e.TargetID))
		return nil
	}
}

// dropEdgesTo unfollows the deleted user on behalf of every remaining follower.
func (w *Worker) dropEdgesTo(ctx context.Context, deletedID int64) error {
	followers, err := w.store.GetFollowers(ctx, deletedID)
	if err != nil {
		return fmt.Errorf("followers of %d: %w", deletedID, err)
	}

	var errs []error
	for _, follower := range followers {
		if err := w.unfollow(ctx, follower, deletedID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		logg.Info("worker", "Dropped follow edges to deleted user",
			zap.Int64("user_id", deletedID), zap.Int("followers", len(followers)))
	}
	return errors.Join(errs...)
}

func (w *Worker) unfollow(ctx context.Context, followerID, followeeID int64) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = w.svc.Unfollow(ctx, followerID, followeeID)
		switch {
		case err == nil, errors.Is(err, models.ErrNotFound):
			// Already gone: the follower was deleted too or dropped the edge itself.
			return nil
		case errors.Is(err, models.ErrConflict):
			continue
		default:
			return err
		}
	}
	return fmt.Errorf("unfollow %d->%d after %d attempts: %w", followerID, followeeID, maxConflictRetries, err)
}

// waitWithContext waits for duration or context cancellation.
func waitWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Close shuts down the Kafka reader and the store.
func (w *Worker) Close() error {
	logg.Info("worker", "Closing Kafka reader")
	if err := w.reader.Close(); err != nil {
		logg.Error("worker", "Error closing Kafka reader", err)
		return err
	}

	logg.Info("worker", "Closing store")
	w.store.Close()
	return nil
}
