// Package redischeck probes a Redis server with PING.
package redischeck

import (
	"context"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const Tag = "redis"

type Config struct {
	Addr        string        `mapstructure:"address"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

func DefaultConfig() Config { return Config{DialTimeout: 3 * time.Second} }

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return xerrors.New("address is required")
	}
	return nil
}

// Client is the part of a go-redis client the probe needs.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type Probe struct {
	name   string
	cfg    Config
	client Client
}

// New builds a probe around client, or a new go-redis client for cfg
// when client is nil.
func New(name string, cfg Config, client Client) *Probe {
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			Username:    cfg.Username,
			Password:    cfg.Password,
			DB:          cfg.DB,
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.DialTimeout,
			MaxRetries:  -1,
		})
	}
	return &Probe{name: name, cfg: cfg, client: client}
}

func (p *Probe) Check(ctx context.Context) (health.Status, string) {
	reply, err := p.client.Ping(ctx).Result()
	if err != nil {
		return health.StatusFailed, err.Error()
	}
	if !strings.EqualFold(reply, "PONG") {
		return health.StatusDegraded, fmt.Sprintf("unexpected PING reply %q", reply)
	}
	return health.StatusHealthy, ""
}

func (p *Probe) Close() error { return p.client.Close() }

func (p *Probe) Title() string {
	return fmt.Sprintf("%s [%s] --> %s/%d", Tag, p.name, p.cfg.Addr, p.cfg.DB)
}

func (p *Probe) RenderHTML(w io.Writer) {
	fmt.Fprintf(w, "<p>Server: %s</p>\n<p>Database: %d</p>\n", html.EscapeString(p.cfg.Addr), p.cfg.DB)
}

func Register(reg *health.Registry) {
	reg.Register(Tag, func(a health.FactoryArgs) (health.Probe, error) {
		cfg := DefaultConfig()
		if err := a.Decode(&cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return New(a.Name, cfg, nil), nil
	})
}
