package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appkafka "example.com/socialgraph/internal/broker"
	"github.com/segmentio/kafka-go"
)

// eventMix is cycled through to build the load; user_deleted is the only type the
// worker acts on.
var eventMix = []appkafka.EventType{
	appkafka.PostCreated,
	appkafka.Followed,
	appkafka.PostUpdated,
	appkafka.Unfollowed,
	appkafka.UserDeleted,
}

func main() {
	var (
		total       int
		batchSize   int
		numWorkers  int
		kafkaBroker string
		topic       string
	)
	flag.IntVar(&total, "n", 100000, "total number of events to send")
	flag.IntVar(&batchSize, "batch", 100, "batch size for sending events")
	flag.IntVar(&numWorkers, "workers", 4, "number of parallel goroutines")
	flag.StringVar(&kafkaBroker, "broker", "localhost:29092", "Kafka broker address")
	flag.StringVar(&topic, "topic", "social-events", "events topic")
	flag.Parse()

	// Kafka writer with asynchronous sending enabled
	w := &kafka.Writer{
		Addr:     kafka.TCP(kafkaBroker),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Async:    true,
	}
	defer w.Close()

	start := time.Now()

	var successCount uint64
	var failCount uint64

	// Channel for feeding event indexes to worker goroutines
	jobs := make(chan int, total)
	var wg sync.WaitGroup

	flush := func(batch []kafka.Message) {
		if err := w.WriteMessages(context.Background(), batch...); err != nil {
			atomic.AddUint64(&failCount, uint64(len(batch)))
			fmt.Printf("write error: %v\n", err)
			return
		}
		atomic.AddUint64(&successCount, uint64(len(batch)))
	}

	// --- Start worker goroutines ---
	for wID := 0; wID < numWorkers; wID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch := make([]kafka.Message, 0, batchSize)

			for i := range jobs {
				// Ids far above any real user keep the worker's deletions no-ops.
				userID := int64(1_000_000_000 + i)
				e := appkafka.NewEvent(eventMix[i%len(eventMix)], userID, userID+1)

				msg, err := e.Message()
				if err != nil {
					atomic.AddUint64(&failCount, 1)
					fmt.Printf("marshal error: %v\n", err)
					continue
				}

				batch = append(batch, msg)
				if len(batch) >= batchSize {
					flush(batch)
					batch = batch[:0]
				}
			}

			// Send any remaining events after finishing loop
			if len(batch) > 0 {
				flush(batch)
			}
		}()
	}

	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	wg.Wait()

	// --- Benchmark results ---
	elapsed := time.Since(start)
	fmt.Printf("Total events: %d\n", total)
	fmt.Printf("Successful: %d, Failed: %d\n", successCount, failCount)
	fmt.Printf("Elapsed time: %s\n", elapsed)
	fmt.Printf("Throughput: %.2f msg/s\n", float64(successCount)/elapsed.Seconds())
}
