package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type orderHandler struct {
	mu   sync.Mutex
	seen map[string][]int
	n    int
	done chan struct{}
	want int
}

func (h *orderHandler) Handle(_ context.Context, topic string, payload []byte) Outcome {
	seq, _ := strconv.Atoi(string(payload))
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[topic] = append(h.seen[topic], seq)
	h.n++
	if h.n == h.want {
		close(h.done)
	}
	return OutcomePersisted
}

func TestPoolPreservesPerTopicOrder(t *testing.T) {
	topics := []string{"bike/bike_001/data", "bike/bike_002/data", "bike/bike_003/data"}
	const perTopic = 200
	h := &orderHandler{seen: map[string][]int{}, done: make(chan struct{}), want: len(topics) * perTopic}
	pool := NewPool(h, 4, len(topics)*perTopic*4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pool.Run(ctx) }()

	for i := 0; i < perTopic; i++ {
		for _, topic := range topics {
			if !pool.Submit(topic, []byte(strconv.Itoa(i))) {
				t.Fatalf("unexpected drop at %d", i)
			}
		}
	}

	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for messages")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		got := h.seen[topic]
		if len(got) != perTopic {
			t.Fatalf("%s: expected %d messages, got %d", topic, perTopic, len(got))
		}
		for i, seq := range got {
			if seq != i {
				t.Fatalf("%s: out of order at %d: %d", topic, i, seq)
			}
		}
	}
}

type blockingHandler struct{ release chan struct{} }

func (h blockingHandler) Handle(ctx context.Context, _ string, _ []byte) Outcome {
	select {
	case <-h.release:
	case <-ctx.Done():
	}
	return OutcomePersisted
}

func TestPoolSubmitDropsWhenFull(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	h := blockingHandler{release: make(chan struct{})}
	pool := NewPool(h, 1, 2)

	// Without Run nothing drains, so the third submit overflows.
	if !pool.Submit("bike/a/data", []byte("1")) || !pool.Submit("bike/a/data", []byte("2")) {
		t.Fatalf("expected first two submits to be queued")
	}
	done := make(chan bool, 1)
	go func() { done <- pool.Submit("bike/a/data", []byte("3")) }()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected drop on full queue")
		}
		out := logs.String()
		if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "topic=bike/a/data") {
			t.Fatalf("expected a warning naming the topic, got %q", out)
		}
	case <-time.After(time.Second):
		t.Fatalf("submit blocked on full queue")
	}
	close(h.release)
}

func TestPoolRunStopsOnCancel(t *testing.T) {
	pool := NewPool(blockingHandler{release: make(chan struct{})}, 2, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	pool.Submit("bike/a/data", []byte("1"))
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
