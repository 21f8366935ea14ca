package mqtt

import (
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is a publish-only client. It leans on paho's own reconnect since
// it holds no subscriptions.
type Publisher struct {
	cli paho.Client
	qos byte
}

func NewPublisher(brokerURL, clientIDPrefix string, qos byte, tlsOpts TLSOptions) (*Publisher, error) {
	b, err := parseBroker(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(b.server)
	opts.SetClientID(clientID(clientIDPrefix))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	if b.username != "" {
		opts.SetUsername(b.username)
		opts.SetPassword(b.password)
	}
	if b.tls {
		tc, err := tlsOpts.config()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tc)
	}
	opts.OnConnect = func(_ paho.Client) { slog.Info("mqtt connected", "broker", b.server) }
	opts.OnConnectionLost = func(_ paho.Client, err error) { slog.Warn("mqtt connection lost", "error", err) }

	cli := paho.NewClient(opts)
	if err := waitToken(cli.Connect(), 15*time.Second); err != nil {
		return nil, err
	}
	return &Publisher{cli: cli, qos: qos}, nil
}

func (p *Publisher) Publish(topic string, payload []byte) error {
	if !p.cli.IsConnectionOpen() {
		return ErrNotConnected
	}
	return waitToken(p.cli.Publish(topic, p.qos, false, payload), 5*time.Second)
}

func (p *Publisher) Close() {
	if p == nil || p.cli == nil {
		return
	}
	p.cli.Disconnect(250)
}
