// Package apicheck probes an HTTP endpoint and compares the response status.
package apicheck

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/version"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const Tag = "api"

type Config struct {
	URL          string        `mapstructure:"url"`
	Method       string        `mapstructure:"method"`
	ExpectStatus int           `mapstructure:"expectStatus"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{Method: http.MethodGet, ExpectStatus: http.StatusOK, Timeout: 5 * time.Second}
}

func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.URL)
	switch {
	case c.URL == "":
		errs = append(errs, xerrors.New("url is required"))
	case err != nil:
		errs = append(errs, xerrors.Wrap(err, "url"))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, xerrors.Newf("url scheme %q not supported", u.Scheme))
	}
	if c.ExpectStatus < 100 || c.ExpectStatus > 599 {
		errs = append(errs, xerrors.Newf("expectStatus %d out of range", c.ExpectStatus))
	}
	return errors.Join(errs...)
}

type Probe struct {
	name   string
	cfg    Config
	client *http.Client
}

// New builds a probe. A nil client gets an otelhttp-instrumented one
// bounded by cfg.Timeout.
func New(name string, cfg Config, client *http.Client) *Probe {
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	return &Probe{name: name, cfg: cfg, client: client}
}

var userAgent = version.Get().UserAgent()

func (p *Probe) Check(ctx context.Context) (health.Status, string) {
	req, err := http.NewRequestWithContext(ctx, p.cfg.Method, p.cfg.URL, nil)
	if err != nil {
		return health.StatusFailed, err.Error()
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return health.StatusFailed, err.Error()
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == p.cfg.ExpectStatus:
		return health.StatusHealthy, ""
	case resp.StatusCode >= 500:
		return health.StatusFailed, fmt.Sprintf("status %d, want %d", resp.StatusCode, p.cfg.ExpectStatus)
	default:
		return health.StatusDegraded, fmt.Sprintf("status %d, want %d", resp.StatusCode, p.cfg.ExpectStatus)
	}
}

func (p *Probe) Title() string {
	return fmt.Sprintf("%s [%s] --> %s %s", Tag, p.name, p.cfg.Method, p.cfg.URL)
}

func (p *Probe) RenderHTML(w io.Writer) {
	fmt.Fprintf(w, "<p>Endpoint: %s %s</p>\n<p>Expected status: %d</p>\n",
		p.cfg.Method, html.EscapeString(p.cfg.URL), p.cfg.ExpectStatus)
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
