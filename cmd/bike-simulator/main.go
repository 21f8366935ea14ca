package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PetoAdam/homenavi/telemetry-service/internal/mqtt"
	"github.com/PetoAdam/homenavi/telemetry-service/internal/simulator"

	"github.com/spf13/pflag"
)

func main() {
	broker := pflag.String("broker", "mqtt://localhost:1883", "MQTT broker URL")
	bikes := pflag.IntP("bikes", "n", 10, "number of simulated bikes")
	interval := pflag.Duration("interval", 300*time.Millisecond, "publish interval per bike")
	prefix := pflag.String("prefix", "bike", "device id prefix")
	qos := pflag.Int("qos", 0, "publish QoS")
	tlsCA := pflag.String("tls-ca", "", "CA bundle for TLS brokers")
	tlsInsecure := pflag.Bool("tls-insecure", false, "skip TLS certificate verification")
	verbose := pflag.BoolP("verbose", "v", false, "log every published reading")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))

	pub, err := mqtt.NewPublisher(*broker, "bike-simulator", byte(*qos), mqtt.TLSOptions{CAFile: *tlsCA, Insecure: *tlsInsecure})
	if err != nil {
		slog.Error("mqtt connect failed", "broker", *broker, "error", err)
		os.Exit(1)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := simulator.Run(ctx, pub, simulator.Config{Bikes: *bikes, Interval: *interval, Prefix: *prefix}); err != nil {
		slog.Error("simulation failed", "error", err)
		os.Exit(1)
	}
}
