package health

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestRegistry_TagsAreLowercasedAndSorted(t *testing.T) {
	r := NewRegistry()
	r.Register("RabbitMQ", func(FactoryArgs) (Probe, error) { return fixed(StatusHealthy), nil })
	r.Register(" filesystem ", func(FactoryArgs) (Probe, error) { return fixed(StatusHealthy), nil })

	if got := r.Tags(); !reflect.DeepEqual(got, []string{"filesystem", "rabbitmq"}) {
		t.Fatalf("Tags = %v", got)
	}
}

func TestRegistry_BuildPassesArgs(t *testing.T) {
	var got FactoryArgs
	r := NewRegistry()
	r.Register("dummy", func(a FactoryArgs) (Probe, error) {
		got = a
		return fixed(StatusHealthy), nil
	})

	c, err := r.Build(Declaration{
		Type:          "Dummy",
		Name:          "files",
		CheckInterval: 30,
		Config:        map[string]any{"path": "/srv"},
	}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "files" || got.Base.CheckInterval != 30*time.Second || got.Raw["path"] != "/srv" {
		t.Fatalf("args = %+v", got)
	}
	if c.Kind() != "dummy" || !c.IsReady() {
		t.Fatalf("checker kind=%s ready=%v", c.Kind(), c.IsReady())
	}
}

func TestRegistry_SetupErrorIsNotFatal(t *testing.T) {
	r := dummyRegistry(nil)
	c, err := r.Build(Declaration{Type: "broken", Name: "mq"}, nil, nil)
	if err != nil {
		t.Fatalf("setup failure should not be fatal: %v", err)
	}
	if c.IsReady() {
		t.Fatal("checker should not be ready")
	}
	var se *SetupError
	if !errors.As(SetupFailed(errors.New("x")), &se) || SetupFailed(nil) != nil {
		t.Fatal("SetupFailed wrapping misbehaves")
	}
}

// DecodeConfig

type sampleConfig struct {
	FolderPath    string        `mapstructure:"folderPath"`
	CheckWritable bool          `mapstructure:"checkIsWriteable"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Port          int           `mapstructure:"port"`
}

func TestDecodeConfig(t *testing.T) {
	cfg := sampleConfig{CheckWritable: true, Timeout: time.Second}
	err := DecodeConfig(map[string]any{
		"FOLDERPATH": "/data",
		"timeout":    "250ms",
		"port":       "5672",
	}, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := sampleConfig{FolderPath: "/data", CheckWritable: true, Timeout: 250 * time.Millisecond, Port: 5672}
	if cfg != want {
		t.Fatalf("cfg = %+v, want %+v", cfg, want)
	}
}

func TestDecodeConfig_NilKeepsDefaults(t *testing.T) {
	cfg := sampleConfig{Port: 1}
	if err := DecodeConfig(nil, &cfg); err != nil || cfg.Port != 1 {
		t.Fatalf("cfg = %+v err = %v", cfg, err)
	}
}

func TestDecodeConfig_TypeMismatch(t *testing.T) {
	var cfg sampleConfig
	if err := DecodeConfig(map[string]any{"port": []int{1}}, &cfg); err == nil {
		t.Fatal("expected decode error")
	}
}
