package simulator

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/telemetry"
)

func TestBikeApproachesTarget(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBike("bike_001", rand.New(rand.NewPCG(1, 2)), now)
	b.speed, b.target = 10, 20

	p := b.Next(now.Add(100 * time.Millisecond))
	if p.Speed != 10.5 {
		t.Fatalf("expected 5%% step to 10.5, got %v", p.Speed)
	}
	if p.DeviceID != "bike_001" || p.Timestamp != now.Add(100*time.Millisecond).UnixMilli() {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestBikeStaysInRangeAndRounds(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBike("bike_002", rand.New(rand.NewPCG(7, 9)), now)
	retargets := 0
	last := b.target
	for i := 0; i < 2000; i++ {
		now = now.Add(300 * time.Millisecond)
		p := b.Next(now)
		if p.Speed < minSpeed || p.Speed > maxSpeed {
			t.Fatalf("tick %d: speed %v out of range", i, p.Speed)
		}
		if math.Abs(p.Speed*100-math.Round(p.Speed*100)) > 1e-6 {
			t.Fatalf("tick %d: speed %v not rounded to 2 decimals", i, p.Speed)
		}
		if b.hold < 3*time.Second || b.hold > 8*time.Second {
			t.Fatalf("hold %v outside [3s,8s]", b.hold)
		}
		if b.target != last {
			retargets++
			last = b.target
		}
	}
	// 600s of ticks with a 3-8s hold.
	if retargets < 60 {
		t.Fatalf("expected regular retargeting, got %d", retargets)
	}
}

func TestDeviceIDAndTopic(t *testing.T) {
	if got := DeviceID("bike", 7); got != "bike_007" {
		t.Fatalf("unexpected id %q", got)
	}
	if got := Topic("bike_007"); got != "bike/bike_007/data" {
		t.Fatalf("unexpected topic %q", got)
	}
	if id, err := telemetry.ParseDeviceID(Topic("bike_007")); err != nil || id != "bike_007" {
		t.Fatalf("topic must round-trip through the decoder: %q %v", id, err)
	}
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs map[string][]Payload
}

func (c *capturePublisher) Publish(topic string, payload []byte) error {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs[topic] = append(c.msgs[topic], p)
	return nil
}

func TestRunPublishesPerBike(t *testing.T) {
	pub := &capturePublisher{msgs: map[string][]Payload{}}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := Run(ctx, pub, Config{Bikes: 3, Interval: 20 * time.Millisecond, Prefix: "bike"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.msgs) != 3 {
		t.Fatalf("expected 3 topics, got %d", len(pub.msgs))
	}
	for _, id := range []string{"bike_001", "bike_002", "bike_003"} {
		got := pub.msgs[Topic(id)]
		if len(got) < 2 {
			t.Fatalf("%s: expected several readings, got %d", id, len(got))
		}
		for _, p := range got {
			if p.DeviceID != id {
				t.Fatalf("%s: payload for %s", id, p.DeviceID)
			}
		}
	}
}

func TestRunRejectsNoBikes(t *testing.T) {
	if err := Run(context.Background(), &capturePublisher{}, Config{}); err == nil {
		t.Fatalf("expected error for zero bikes")
	}
}
