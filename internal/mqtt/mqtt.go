package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var (
	ErrConnectTimeout = errors.New("mqtt connect timed out")
	ErrNotConnected   = errors.New("mqtt not connected")
	ErrSubscribe      = errors.New("mqtt subscribe failed")
)

// Handler receives every message delivered on the subscription. It runs on
// paho's router goroutine and must return quickly.
type Handler func(topic string, payload []byte)

type Options struct {
	BrokerURL string
	ClientID  string
	Topic     string
	QoS       byte

	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RetryCeiling is the number of consecutive failed attempts after which
	// the client reports itself degraded. It keeps retrying regardless.
	RetryCeiling     int
	ConnectTimeout   time.Duration
	SubscribeTimeout time.Duration

	TLS TLSOptions
}

// Client owns one subscription and re-establishes it after every reconnect.
// Reconnects are driven by Run rather than paho's auto-reconnect so that the
// retry schedule uses jittered exponential backoff. The connection only counts
// as up once the subscription has been acknowledged.
type Client struct {
	opts    Options
	broker  broker
	cli     paho.Client
	handler Handler
	health  *health
	lost    chan error
}

func New(opts Options, handler Handler) (*Client, error) {
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, errors.New("mqtt topic is required")
	}
	if handler == nil {
		return nil, errors.New("mqtt handler is required")
	}
	b, err := parseBroker(opts.BrokerURL)
	if err != nil {
		return nil, err
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = 10 * time.Second
	}

	c := &Client{
		opts:    opts,
		broker:  b,
		handler: handler,
		health:  newHealth(opts.RetryCeiling),
		lost:    make(chan error, 1),
	}

	po := paho.NewClientOptions()
	po.AddBroker(b.server)
	po.SetClientID(clientID(opts.ClientID))
	po.SetCleanSession(true)
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	po.SetConnectTimeout(opts.ConnectTimeout)
	po.SetKeepAlive(30 * time.Second)
	po.SetPingTimeout(10 * time.Second)
	if b.username != "" {
		po.SetUsername(b.username)
		po.SetPassword(b.password)
	}
	if b.tls {
		tc, err := opts.TLS.config()
		if err != nil {
			return nil, err
		}
		po.SetTLSConfig(tc)
	}
	po.OnConnectionLost = c.onConnectionLost
	c.cli = paho.NewClient(po)
	return c, nil
}

func clientID(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "telemetry-service"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// Run connects and keeps the connection alive until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		if c.cli.IsConnected() {
			c.cli.Disconnect(250)
		}
		c.health.markDown(nil)
	}()

	for {
		select {
		case <-c.lost:
		default:
		}
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-c.lost:
			slog.Warn("mqtt reconnecting", "broker", c.broker.server, "error", err)
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	b := newBackOff(c.opts.BackoffInitial, c.opts.BackoffMax)
	for attempt := 1; ; attempt++ {
		err := c.connectAndSubscribe()
		if err == nil {
			c.health.markConnected()
			slog.Info("mqtt subscribed", "broker", c.broker.server, "topic", c.opts.Topic, "qos", c.opts.QoS)
			return nil
		}

		failures := c.health.markFailed(err)
		wait := b.NextBackOff()
		slog.Warn("mqtt connect failed", "broker", c.broker.server, "attempt", attempt, "retry_in", wait, "error", err)
		if failures == c.opts.RetryCeiling {
			slog.Error("mqtt retry ceiling reached, reporting degraded", "broker", c.broker.server, "failures", failures)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectAndSubscribe runs one attempt. A session that connects but cannot
// subscribe is torn down so the next attempt starts clean.
func (c *Client) connectAndSubscribe() error {
	if err := waitToken(c.cli.Connect(), c.opts.ConnectTimeout+time.Second); err != nil {
		return err
	}
	tok := c.cli.Subscribe(c.opts.Topic, c.opts.QoS, c.onMessage)
	err := waitToken(tok, c.opts.SubscribeTimeout)
	if err == nil {
		err = subackError(tok, c.opts.Topic)
	}
	if err != nil {
		c.cli.Disconnect(250)
		return fmt.Errorf("%w: %s: %w", ErrSubscribe, c.opts.Topic, err)
	}
	return nil
}

// subackError reports a broker-side rejection (return code 0x80), which paho
// does not surface through Token.Error.
func subackError(tok paho.Token, topic string) error {
	st, ok := tok.(*paho.SubscribeToken)
	if !ok {
		return nil
	}
	if code, found := st.Result()[topic]; found && code == 0x80 {
		return errors.New("rejected by broker")
	}
	return nil
}

func (c *Client) onMessage(_ paho.Client, m paho.Message) {
	c.handler(m.Topic(), m.Payload())
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	slog.Error("mqtt connection lost", "broker", c.broker.server, "error", err)
	c.health.markDown(err)
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Client) Health() HealthStatus { return c.health.status() }

func waitToken(tok paho.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return ErrConnectTimeout
	}
	return tok.Error()
}

func newBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}

type broker struct {
	server   string
	username string
	password string
	tls      bool
}

// parseBroker accepts mqtt://, tcp://, ssl://, tls://, ws:// and wss:// URLs,
// or a bare host:port.
func parseBroker(raw string) (broker, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "mqtt://localhost:1883"
	}
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return broker{}, fmt.Errorf("invalid broker url: %w", err)
	}
	if u.Host == "" {
		return broker{}, fmt.Errorf("invalid broker url %q: missing host", raw)
	}

	var b broker
	switch u.Scheme {
	case "mqtt", "tcp":
		b.server = "tcp://" + u.Host
	case "ssl", "tls", "mqtts":
		b.server = "ssl://" + u.Host
		b.tls = true
	case "ws", "wss":
		b.server = u.Scheme + "://" + u.Host + u.Path
		b.tls = u.Scheme == "wss"
	default:
		return broker{}, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.User != nil {
		b.username = u.User.Username()
		b.password, _ = u.User.Password()
	}
	return b, nil
}
