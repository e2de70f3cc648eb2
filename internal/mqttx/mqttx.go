// Package mqttx wraps the paho MQTT client behind the minimal interfaces the
// rest of the system consumes. Components depend on Publisher/Subscriber so
// tests can inject a recording fake instead of a live broker.
package mqttx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/microlink/mcs/internal/config"
)

// Message is one broker message, in either direction.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Publisher sends messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber registers handlers for topic filters.
type Subscriber interface {
	Subscribe(filter string, qos byte, handler func(Message)) error
	Unsubscribe(filter string) error
}

// Client is the full broker connection surface.
type Client interface {
	Publisher
	Subscriber
	Connected() bool
	Close()
}

// Options tunes a live connection beyond the broker config.
type Options struct {
	// OnConnectionChange is invoked with true on (re)connect and false on
	// connection loss. Optional.
	OnConnectionChange func(up bool)
	// ConnectTimeout bounds the initial connect. Default 10 s.
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// PahoClient is the production Client backed by eclipse/paho.
type PahoClient struct {
	cli    mqtt.Client
	logger *slog.Logger
}

// Dial connects to the broker described by cfg. The client auto-reconnects
// and preserves in-order delivery per topic.
func Dial(cfg config.BrokerConfig, opts Options) (*PahoClient, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	mopts := mqtt.NewClientOptions().
		AddBroker(cfg.URI()).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOrderMatters(true).
		SetCleanSession(false)

	if cfg.TLS.CACert != "" {
		tlsCfg, err := buildTLS(cfg.TLS)
		if err != nil {
			return nil, err
		}
		mopts.SetTLSConfig(tlsCfg)
	}

	mopts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.URI(), "client_id", cfg.ClientID)
		if opts.OnConnectionChange != nil {
			opts.OnConnectionChange(true)
		}
	}
	mopts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", cfg.URI(), "error", err)
		if opts.OnConnectionChange != nil {
			opts.OnConnectionChange(false)
		}
	}

	cli := mqtt.NewClient(mopts)
	token := cli.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout after %s", cfg.URI(), connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.URI(), err)
	}
	return &PahoClient{cli: cli, logger: logger}, nil
}

func buildTLS(cfg config.TLSConfig) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("ca cert %s: no PEM certificates found", cfg.CACert)
	}
	tlsCfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if cfg.Cert != "" && cfg.Key != "" {
		pair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}
	return tlsCfg, nil
}

// Publish sends one message and waits for the broker handshake appropriate
// to its QoS, bounded by ctx.
func (c *PahoClient) Publish(ctx context.Context, msg Message) error {
	token := c.cli.Publish(msg.Topic, msg.QoS, msg.Retained, msg.Payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return token.Error()
	}
}

// Subscribe registers a handler for a topic filter.
func (c *PahoClient) Subscribe(filter string, qos byte, handler func(Message)) error {
	token := c.cli.Subscribe(filter, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(Message{Topic: m.Topic(), Payload: m.Payload(), QoS: m.Qos(), Retained: m.Retained()})
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes a topic filter.
func (c *PahoClient) Unsubscribe(filter string) error {
	token := c.cli.Unsubscribe(filter)
	token.Wait()
	return token.Error()
}

// Connected reports the live link state.
func (c *PahoClient) Connected() bool { return c.cli.IsConnectionOpen() }

// Close disconnects, allowing 250 ms for in-flight messages.
func (c *PahoClient) Close() { c.cli.Disconnect(250) }
