package ingest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/observability"

	"github.com/cespare/xxhash/v2"
)

type Handler interface {
	Handle(ctx context.Context, topic string, payload []byte) Outcome
}

type job struct {
	topic   string
	payload []byte
}

// Pool decouples the broker read loop from message processing. Messages are
// sharded by topic so one device's readings are handled in arrival order
// while different devices proceed in parallel.
type Pool struct {
	handler Handler
	shards  []chan job
}

func NewPool(handler Handler, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	perShard := queueSize / workers
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan job, workers)
	for i := range shards {
		shards[i] = make(chan job, perShard)
	}
	return &Pool{handler: handler, shards: shards}
}

// Submit enqueues a message without blocking. It reports false when the
// shard's queue is full and the message was dropped.
func (p *Pool) Submit(topic string, payload []byte) bool {
	observability.MessagesReceived.Inc()
	shard := p.shards[xxhash.Sum64String(topic)%uint64(len(p.shards))]
	select {
	case shard <- job{topic: topic, payload: payload}:
		return true
	default:
		observability.MessagesDropped.WithLabelValues("queue_full").Inc()
		slog.Warn("ingest queue full, dropping message", "topic", topic)
		return false
	}
}

// Run processes queued messages until ctx is cancelled. Messages still queued
// at that point are discarded.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, shard := range p.shards {
		wg.Add(1)
		go func(jobs <-chan job) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-jobs:
					p.handler.Handle(ctx, j.topic, j.payload)
				}
			}
		}(shard)
	}
	wg.Wait()
	return nil
}
