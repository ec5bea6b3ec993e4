// Package mqcheck probes a RabbitMQ broker by opening a connection and a
// channel.
package mqcheck

import (
	"context"
	"fmt"
	"html"
	"io"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const (
	Tag            = "rabbitmq"
	DefaultTimeout = 5 * time.Second
)

// DialFunc connects and opens a channel, returning something that tears
// both down.
type DialFunc func(ctx context.Context, url string, timeout time.Duration) (io.Closer, error)

type Probe struct {
	name    string
	cfg     Config
	timeout time.Duration
	dial    DialFunc
}

// New normalizes cfg; a malformed or incomplete config is returned as an
// error and the probe is not built.
func New(name string, cfg Config, dial DialFunc) (*Probe, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if dial == nil {
		dial = DialAMQP
	}
	return &Probe{name: name, cfg: cfg, timeout: DefaultTimeout, dial: dial}, nil
}

func (p *Probe) Config() Config { return p.cfg }

func (p *Probe) Check(ctx context.Context) (health.Status, string) {
	conn, err := p.dial(ctx, p.cfg.URL, p.timeout)
	if err != nil {
		return health.StatusFailed, err.Error()
	}
	if err := conn.Close(); err != nil {
		return health.StatusDegraded, fmt.Sprintf("connected but close failed: %v", err)
	}
	return health.StatusHealthy, ""
}

func (p *Probe) Title() string {
	return fmt.Sprintf("%s [%s] --> %s", Tag, p.name, p.cfg.VHost)
}

func (p *Probe) RenderHTML(w io.Writer) {
	fmt.Fprintf(w, "<p>MQ instance: %s</p>\n<p>Server: %s</p>\n",
		html.EscapeString(p.cfg.VHost), html.EscapeString(p.cfg.Host))
}

// amqpSession closes the channel before the connection.
type amqpSession struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func (s amqpSession) Close() error {
	chErr := s.ch.Close()
	if err := s.conn.Close(); err != nil {
		return err
	}
	return chErr
}

// DialAMQP is the production DialFunc. The TCP dial honors ctx; the
// handshake is bounded by timeout.
func DialAMQP(ctx context.Context, url string, timeout time.Duration) (io.Closer, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			c, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
				_ = c.Close()
				return nil, err
			}
			return c, nil
		},
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "dial broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(err, "open channel")
	}
	return amqpSession{conn: conn, ch: ch}, nil
}

// Register binds the RabbitMQ probe to reg. Config that cannot be
// normalized leaves the checker registered but not ready.
func Register(reg *health.Registry) { RegisterDialer(reg, nil) }

func RegisterDialer(reg *health.Registry, dial DialFunc) {
	reg.Register(Tag, func(a health.FactoryArgs) (health.Probe, error) {
		var cfg Config
		if err := a.Decode(&cfg); err != nil {
			return nil, err
		}
		p, err := New(a.Name, cfg, dial)
		if err != nil {
			return nil, health.SetupFailed(err)
		}
		return p, nil
	})
}
