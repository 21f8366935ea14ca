package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	minSpeed = 10.0
	maxSpeed = 30.0
	// approach is the share of the gap to the target speed closed per tick.
	approach = 0.05
)

type Publisher interface {
	Publish(topic string, payload []byte) error
}

type Config struct {
	Bikes    int
	Interval time.Duration
	// Prefix names the devices: prefix_001, prefix_002, ...
	Prefix string
}

type Payload struct {
	Timestamp int64   `json:"timestamp"`
	DeviceID  string  `json:"device_id"`
	Speed     float64 `json:"speed"`
}

// Bike produces a smoothly varying speed that drifts toward a target which is
// re-drawn every few seconds.
type Bike struct {
	ID string

	rng          *rand.Rand
	speed        float64
	target       float64
	lastRetarget time.Time
	hold         time.Duration
}

func NewBike(id string, rng *rand.Rand, now time.Time) *Bike {
	b := &Bike{ID: id, rng: rng, lastRetarget: now}
	b.speed = b.drawSpeed()
	b.target = b.drawSpeed()
	b.hold = b.drawHold()
	return b
}

func (b *Bike) drawSpeed() float64 { return minSpeed + b.rng.Float64()*(maxSpeed-minSpeed) }

func (b *Bike) drawHold() time.Duration {
	return 3*time.Second + time.Duration(b.rng.Float64()*float64(5*time.Second))
}

// Next advances the bike by one tick and returns the reading for it.
func (b *Bike) Next(now time.Time) Payload {
	if now.Sub(b.lastRetarget) > b.hold {
		b.target = b.drawSpeed()
		b.lastRetarget = now
		b.hold = b.drawHold()
	}
	b.speed += (b.target - b.speed) * approach
	return Payload{
		Timestamp: now.UnixMilli(),
		DeviceID:  b.ID,
		Speed:     math.Round(b.speed*100) / 100,
	}
}

func DeviceID(prefix string, n int) string { return fmt.Sprintf("%s_%03d", prefix, n) }

func Topic(deviceID string) string { return "bike/" + deviceID + "/data" }

// Run starts one publisher per bike and blocks until ctx is cancelled.
// Publish failures are logged and the bike keeps going.
func Run(ctx context.Context, pub Publisher, cfg Config) error {
	if cfg.Bikes <= 0 {
		return fmt.Errorf("bikes must be positive, got %d", cfg.Bikes)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "bike"
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= cfg.Bikes; i++ {
		bike := NewBike(DeviceID(cfg.Prefix, i), rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(i))), time.Now())
		g.Go(func() error { return ride(ctx, pub, bike, cfg.Interval) })
	}
	slog.Info("simulation started", "bikes", cfg.Bikes, "interval", cfg.Interval)
	err := g.Wait()
	slog.Info("simulation ended")
	return err
}

func ride(ctx context.Context, pub Publisher, bike *Bike, interval time.Duration) error {
	topic := Topic(bike.ID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		data, err := json.Marshal(bike.Next(time.Now()))
		if err != nil {
			return err
		}
		if err := pub.Publish(topic, data); err != nil {
			slog.Warn("publish failed", "device_id", bike.ID, "error", err)
		} else {
			slog.Debug("published", "device_id", bike.ID, "payload", string(data))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
