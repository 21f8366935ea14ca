package mqtt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

func TestParseBroker(t *testing.T) {
	cases := []struct {
		raw    string
		server string
		user   string
		pass   string
		tls    bool
	}{
		{raw: "", server: "tcp://localhost:1883"},
		{raw: "mqtt://mosquitto:1883", server: "tcp://mosquitto:1883"},
		{raw: "tcp://10.0.0.5:1883", server: "tcp://10.0.0.5:1883"},
		{raw: "broker.local:1883", server: "tcp://broker.local:1883"},
		{raw: "ssl://u:p@broker:8883", server: "ssl://broker:8883", user: "u", pass: "p", tls: true},
		{raw: "wss://broker/mqtt", server: "wss://broker/mqtt", tls: true},
	}
	for _, tc := range cases {
		b, err := parseBroker(tc.raw)
		if err != nil {
			t.Fatalf("%q: unexpected err: %v", tc.raw, err)
		}
		if b.server != tc.server || b.username != tc.user || b.password != tc.pass || b.tls != tc.tls {
			t.Fatalf("%q: unexpected broker %+v", tc.raw, b)
		}
	}
}

func TestParseBrokerRejectsUnknownScheme(t *testing.T) {
	if _, err := parseBroker("http://broker:80"); err == nil {
		t.Fatalf("expected error for http scheme")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	noop := func(string, []byte) {}
	if _, err := New(Options{BrokerURL: "mqtt://localhost:1883"}, noop); err == nil {
		t.Fatalf("expected error for missing topic")
	}
	if _, err := New(Options{BrokerURL: "mqtt://localhost:1883", Topic: "bike/+/data"}, nil); err == nil {
		t.Fatalf("expected error for missing handler")
	}
	c, err := New(Options{BrokerURL: "mqtt://localhost:1883", Topic: "bike/+/data"}, noop)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if h := c.Health(); h.Connected || h.Degraded || h.ConsecutiveFailures != 0 {
		t.Fatalf("unexpected initial health %+v", h)
	}
}

func TestHealthDegradesAtCeiling(t *testing.T) {
	h := newHealth(3)
	boom := errors.New("connection refused")
	for i := 1; i <= 2; i++ {
		if n := h.markFailed(boom); n != i {
			t.Fatalf("expected %d failures, got %d", i, n)
		}
		if h.status().Degraded {
			t.Fatalf("degraded too early at %d failures", i)
		}
	}
	h.markFailed(boom)
	st := h.status()
	if !st.Degraded || st.LastError != "connection refused" {
		t.Fatalf("expected degraded status, got %+v", st)
	}

	h.markConnected()
	st = h.status()
	if !st.Connected || st.Degraded || st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Fatalf("connect should reset health, got %+v", st)
	}

	h.markDown(errors.New("EOF"))
	st = h.status()
	if st.Connected || st.Degraded || st.LastError != "EOF" {
		t.Fatalf("unexpected status after loss %+v", st)
	}
}

func TestHealthWithoutCeilingNeverDegrades(t *testing.T) {
	h := newHealth(0)
	for i := 0; i < 50; i++ {
		h.markFailed(errors.New("x"))
	}
	if h.status().Degraded {
		t.Fatalf("ceiling 0 must disable degradation")
	}
}

func TestBackOffIsBoundedAndJittered(t *testing.T) {
	initial := 100 * time.Millisecond
	maxInterval := 800 * time.Millisecond
	b := newBackOff(initial, maxInterval)

	upper := time.Duration(float64(maxInterval) * 1.5)
	distinct := map[time.Duration]bool{}
	for i := 0; i < 40; i++ {
		d := b.NextBackOff()
		if d <= 0 || d > upper {
			t.Fatalf("attempt %d: backoff %v outside (0, %v]", i, d, upper)
		}
		distinct[d] = true
	}
	if len(distinct) < 2 {
		t.Fatalf("expected jittered delays, got %v", distinct)
	}
}

func TestRunStopsOnCancelWhileBrokerDown(t *testing.T) {
	c, err := New(Options{
		BrokerURL:      "tcp://127.0.0.1:1",
		Topic:          "bike/+/data",
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		RetryCeiling:   2,
		ConnectTimeout: 200 * time.Millisecond,
	}, func(string, []byte) {})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !c.Health().Degraded {
		if time.Now().After(deadline) {
			t.Fatalf("expected degraded health, got %+v", c.Health())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

type stubToken struct {
	err     error
	pending bool
}

func (t stubToken) Wait() bool                     { return !t.pending }
func (t stubToken) WaitTimeout(time.Duration) bool { return !t.pending }
func (t stubToken) Error() error                   { return t.err }
func (t stubToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

// stubBroker accepts every connect and answers subscribes from a script. Once
// the script is used up, subscribes time out until release is closed.
type stubBroker struct {
	paho.Client

	mu          sync.Mutex
	subscribes  []paho.Token
	release     chan struct{}
	connects    int
	disconnects int
	subscribed  int
}

func (b *stubBroker) Connect() paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	return stubToken{}
}

func (b *stubBroker) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed++
	if len(b.subscribes) == 0 {
		return gatedToken{release: b.release}
	}
	tok := b.subscribes[0]
	b.subscribes = b.subscribes[1:]
	return tok
}

func (b *stubBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
}

func (b *stubBroker) IsConnected() bool { return false }

func (b *stubBroker) counts() (connects, subscribes, disconnects int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects, b.subscribed, b.disconnects
}

func TestRunRetriesFailedSubscribe(t *testing.T) {
	c, err := New(Options{
		BrokerURL:        "tcp://127.0.0.1:1883",
		Topic:            "bike/+/data",
		BackoffInitial:   5 * time.Millisecond,
		BackoffMax:       10 * time.Millisecond,
		RetryCeiling:     2,
		SubscribeTimeout: 10 * time.Millisecond,
	}, func(string, []byte) {})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Two refusals, then unanswered subscribes until the broker is released.
	release := make(chan struct{})
	stub := &stubBroker{release: release, subscribes: []paho.Token{
		stubToken{err: errors.New("not authorized")},
		stubToken{err: errors.New("not authorized")},
	}}
	c.cli = stub

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !c.Health().Degraded {
		if time.Now().After(deadline) {
			t.Fatalf("failed subscribes must degrade health, got %+v", c.Health())
		}
		time.Sleep(2 * time.Millisecond)
	}
	if h := c.Health(); h.Connected || !strings.Contains(h.LastError, ErrSubscribe.Error()) {
		t.Fatalf("connection without a subscription must not report connected, got %+v", h)
	}
	close(release)

	for !c.Health().Connected {
		if time.Now().After(deadline) {
			t.Fatalf("expected recovery after subscribe succeeds, got %+v", c.Health())
		}
		time.Sleep(2 * time.Millisecond)
	}
	h := c.Health()
	if h.Degraded || h.ConsecutiveFailures != 0 {
		t.Fatalf("successful subscribe should reset health, got %+v", h)
	}
	connects, subscribes, disconnects := stub.counts()
	if subscribes < 3 || connects != subscribes || disconnects != subscribes-1 {
		t.Fatalf("every failed subscribe must tear the session down: connects=%d subscribes=%d disconnects=%d",
			connects, subscribes, disconnects)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

// gatedToken times out until release is closed, then succeeds.
type gatedToken struct{ release chan struct{} }

func (t gatedToken) Wait() bool {
	<-t.release
	return true
}

func (t gatedToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.release:
		return true
	case <-time.After(d):
		return false
	}
}
func (t gatedToken) Done() <-chan struct{} { return t.release }
func (t gatedToken) Error() error          { return nil }

func TestTLSOptions(t *testing.T) {
	tc, err := TLSOptions{}.config()
	if err != nil || tc.InsecureSkipVerify || tc.RootCAs != nil {
		t.Fatalf("default must verify against system roots: %+v %v", tc, err)
	}
	if tc, _ := (TLSOptions{Insecure: true}).config(); !tc.InsecureSkipVerify {
		t.Fatalf("insecure flag not applied")
	}
	if _, err := (TLSOptions{CAFile: filepath.Join(t.TempDir(), "missing.pem")}).config(); err == nil {
		t.Fatalf("expected error for missing ca file")
	}
	junk := filepath.Join(t.TempDir(), "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := (TLSOptions{CAFile: junk}).config(); err == nil {
		t.Fatalf("expected error for ca file without certificates")
	}
}
