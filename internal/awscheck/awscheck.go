// Package awscheck probes AWS dependencies: an S3 bucket, an SSM
// parameter and a KMS key.
package awscheck

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const (
	TagS3  = "s3"
	TagSSM = "ssm"
	TagKMS = "kms"
)

type S3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type KMSAPI interface {
	DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, opts ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// Config is shared by the three probes; each reads the fields it needs.
type Config struct {
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Parameter      string `mapstructure:"parameter"`
	WithDecryption bool   `mapstructure:"withDecryption"`
	KeyID          string `mapstructure:"keyId"`
}

// S3Probe checks that a bucket exists and is reachable with HeadBucket.
type S3Probe struct {
	name   string
	bucket string
	client S3API
}

func NewS3(name, bucket string, client S3API) *S3Probe {
	return &S3Probe{name: name, bucket: bucket, client: client}
}

func (p *S3Probe) Check(ctx context.Context) (health.Status, string) {
	if _, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)}); err != nil {
		return health.StatusFailed, err.Error()
	}
	return health.StatusHealthy, ""
}

func (p *S3Probe) Title() string { return fmt.Sprintf("%s [%s] --> s3://%s", TagS3, p.name, p.bucket) }

// SSMProbe reads a parameter. A missing parameter is Degraded: the
// service answered but the value the process depends on is gone.
type SSMProbe struct {
	name    string
	param   string
	decrypt bool
	client  SSMAPI
}

func NewSSM(name, param string, decrypt bool, client SSMAPI) *SSMProbe {
	return &SSMProbe{name: name, param: param, decrypt: decrypt, client: client}
}

func (p *SSMProbe) Check(ctx context.Context) (health.Status, string) {
	_, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(p.param),
		WithDecryption: aws.Bool(p.decrypt),
	})
	var nf *ssmtypes.ParameterNotFound
	switch {
	case err == nil:
		return health.StatusHealthy, ""
	case errors.As(err, &nf):
		return health.StatusDegraded, fmt.Sprintf("parameter %s not found", p.param)
	default:
		return health.StatusFailed, err.Error()
	}
}

func (p *SSMProbe) Title() string { return fmt.Sprintf("%s [%s] --> %s", TagSSM, p.name, p.param) }

// KMSProbe maps a key's state onto a health status.
type KMSProbe struct {
	name   string
	keyID  string
	client KMSAPI

	mu    sync.Mutex
	state kmstypes.KeyState
}

func NewKMS(name, keyID string, client KMSAPI) *KMSProbe {
	return &KMSProbe{name: name, keyID: keyID, client: client}
}

func (p *KMSProbe) Check(ctx context.Context) (health.Status, string) {
	out, err := p.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(p.keyID)})
	if err != nil {
		return health.StatusFailed, err.Error()
	}
	if out.KeyMetadata == nil {
		return health.StatusUnknown, "describe key returned no metadata"
	}
	state := out.KeyMetadata.KeyState
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()

	switch state {
	case kmstypes.KeyStateEnabled:
		return health.StatusHealthy, ""
	case kmstypes.KeyStateCreating, kmstypes.KeyStateUpdating, kmstypes.KeyStatePendingImport:
		return health.StatusDegraded, fmt.Sprintf("key state %s", state)
	default:
		return health.StatusFailed, fmt.Sprintf("key state %s", state)
	}
}

func (p *KMSProbe) Title() string { return fmt.Sprintf("%s [%s] --> %s", TagKMS, p.name, p.keyID) }

func (p *KMSProbe) RenderHTML(w io.Writer) {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state == "" {
		state = "not yet described"
	}
	fmt.Fprintf(w, "<p>Key: %s</p>\n<p>State: %s</p>\n", html.EscapeString(p.keyID), state)
}

// Clients overrides the SDK clients, mainly for tests. Nil fields are
// created from the default AWS config on first use.
type Clients struct {
	S3  S3API
	SSM SSMAPI
	KMS KMSAPI
}

// loader builds SDK clients from the default credential chain, once per region.
type loader struct {
	mu   sync.Mutex
	cfgs map[string]aws.Config
}

func (l *loader) config(region string) (aws.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.cfgs[region]; ok {
		return c, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	c, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	if l.cfgs == nil {
		l.cfgs = map[string]aws.Config{}
	}
	l.cfgs[region] = c
	return c, nil
}

// Register binds the s3, ssm and kms probes to reg using the default AWS
// credential chain.
func Register(reg *health.Registry) { RegisterClients(reg, Clients{}) }

func RegisterClients(reg *health.Registry, cl Clients) {
	ld := &loader{}
	decode := func(a health.FactoryArgs, field string, get func(Config) string) (Config, error) {
		var cfg Config
		if err := a.Decode(&cfg); err != nil {
			return cfg, err
		}
		if strings.TrimSpace(get(cfg)) == "" {
			return cfg, xerrors.Newf("%s is required", field)
		}
		return cfg, nil
	}

	reg.Register(TagS3, func(a health.FactoryArgs) (health.Probe, error) {
		cfg, err := decode(a, "bucket", func(c Config) string { return c.Bucket })
		if err != nil {
			return nil, err
		}
		client := cl.S3
		if client == nil {
			awsCfg, err := ld.config(cfg.Region)
			if err != nil {
				return nil, health.SetupFailed(err)
			}
			client = s3.NewFromConfig(awsCfg)
		}
		return NewS3(a.Name, cfg.Bucket, client), nil
	})

	reg.Register(TagSSM, func(a health.FactoryArgs) (health.Probe, error) {
		cfg, err := decode(a, "parameter", func(c Config) string { return c.Parameter })
		if err != nil {
			return nil, err
		}
		client := cl.SSM
		if client == nil {
			awsCfg, err := ld.config(cfg.Region)
			if err != nil {
				return nil, health.SetupFailed(err)
			}
			client = ssm.NewFromConfig(awsCfg)
		}
		return NewSSM(a.Name, cfg.Parameter, cfg.WithDecryption, client), nil
	})

	reg.Register(TagKMS, func(a health.FactoryArgs) (health.Probe, error) {
		cfg, err := decode(a, "keyId", func(c Config) string { return c.KeyID })
		if err != nil {
			return nil, err
		}
		client := cl.KMS
		if client == nil {
			awsCfg, err := ld.config(cfg.Region)
			if err != nil {
				return nil, health.SetupFailed(err)
			}
			client = kms.NewFromConfig(awsCfg)
		}
		return NewKMS(a.Name, cfg.KeyID, client), nil
	})
}
