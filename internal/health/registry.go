package health

import (
	"errors"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/keithlinneman/resourcehealth/internal/log"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

// FactoryArgs is what a probe factory receives for one declaration.
type FactoryArgs struct {
	Name   string
	Base   Config
	Raw    map[string]any
	Logger log.Logger
}

// Decode fills out from the raw per-checker config. See DecodeConfig.
func (a FactoryArgs) Decode(out any) error { return DecodeConfig(a.Raw, out) }

// Factory builds the probe for one declaration. Returning an error
// wrapped with SetupFailed registers the checker as not ready; any other
// error is a configuration error and aborts processor construction.
type Factory func(args FactoryArgs) (Probe, error)

// Registry maps case-insensitive type tags to probe factories.
type Registry struct {
	factories cmap.ConcurrentMap[string, Factory]
}

func NewRegistry() *Registry {
	return &Registry{factories: cmap.New[Factory]()}
}

// Register binds tag to f, replacing any previous binding.
func (r *Registry) Register(tag string, f Factory) {
	r.factories.Set(strings.ToLower(strings.TrimSpace(tag)), f)
}

// Tags lists registered type tags in sorted order.
func (r *Registry) Tags() []string {
	tags := r.factories.Keys()
	sort.Strings(tags)
	return tags
}

// Build resolves d.Type and constructs its checker.
func (r *Registry) Build(d Declaration, l log.Logger, obs Observer, opts ...CheckerOption) (*Checker, error) {
	tag := strings.ToLower(strings.TrimSpace(d.Type))
	f, ok := r.factories.Get(tag)
	if !ok {
		return nil, xerrors.Wrapf(ErrUnknownCheckerType, "type %q", d.Type)
	}
	args := FactoryArgs{
		Name:   d.Name,
		Base:   d.BaseConfig(),
		Raw:    d.Config,
		Logger: log.OrNop(l).With("checker", d.Name, "kind", tag),
	}
	probe, err := f(args)
	var setup *SetupError
	if err != nil && !errors.As(err, &setup) {
		return nil, xerrors.Wrapf(err, "build %s checker", tag)
	}

	copts := append([]CheckerOption{WithLogger(l), WithObserver(obs)}, opts...)
	if setup != nil {
		copts = append(copts, WithReadyErr(setup))
	}
	return NewChecker(d.Name, tag, args.Base, probe, copts...), nil
}

// DecodeConfig decodes a loosely typed map (as produced by YAML) into a
// probe's config struct. Keys match `mapstructure` tags or field names
// case-insensitively; strings like "5s" decode into time.Duration.
func DecodeConfig(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return xerrors.Wrap(err, "config decoder")
	}
	if raw == nil {
		return nil
	}
	return xerrors.Wrap(dec.Decode(raw), "decode checker config")
}
