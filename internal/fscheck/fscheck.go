// Package fscheck probes a folder for read and write access.
package fscheck

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/spf13/afero"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

// Tag is the checker type this package registers.
const Tag = "filesystem"

const tempFilePrefix = "HealthChecker_"

type Config struct {
	FolderPath               string  `mapstructure:"folderPath"`
	CheckReadable            bool    `mapstructure:"checkIsReadable"`
	CheckWritable            bool    `mapstructure:"checkIsWriteable"`
	ReadFileName             string  `mapstructure:"readFileName"`
	AssumeReadableIfWritable bool    `mapstructure:"assumeReadableIfWriteable"`
	MinFreePercent           float64 `mapstructure:"minFreePercent"`
}

func DefaultConfig() Config {
	return Config{
		CheckReadable:            true,
		CheckWritable:            true,
		ReadFileName:             "SlugEntHealthCheck.txt",
		AssumeReadableIfWritable: true,
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FolderPath) == "" {
		errs = append(errs, xerrors.New("folderPath is required"))
	}
	if c.MinFreePercent < 0 || c.MinFreePercent >= 100 {
		errs = append(errs, xerrors.Newf("minFreePercent must be in [0,100), got %v", c.MinFreePercent))
	}
	return errors.Join(errs...)
}

// UsageFunc reports the free space of the volume holding path, in percent.
type UsageFunc func(ctx context.Context, path string) (float64, error)

func diskFreePercent(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return 100 - u.UsedPercent, nil
}

type Option func(*Probe)

// WithUsage replaces the gopsutil free-space lookup.
func WithUsage(fn UsageFunc) Option {
	return func(p *Probe) {
		if fn != nil {
			p.usage = fn
		}
	}
}

// Probe checks one folder. The last read and write results are kept for
// the HTML fragment.
type Probe struct {
	name  string
	fs    afero.Fs
	cfg   Config
	usage UsageFunc

	mu    sync.Mutex
	read  health.Status
	write health.Status
}

func New(name string, fs afero.Fs, cfg Config, opts ...Option) *Probe {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	p := &Probe{
		name:  name,
		fs:    fs,
		cfg:   cfg,
		usage: diskFreePercent,
		read:  health.StatusNotCheckedYet,
		write: health.StatusNotCheckedYet,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Check runs the write test, then the read test, then the free-space
// test, and returns the worst of them.
func (p *Probe) Check(ctx context.Context) (health.Status, string) {
	var msgs []string

	write := health.StatusNotRequested
	if p.cfg.CheckWritable {
		var msg string
		write, msg = p.writeTest(p.cfg.CheckReadable && p.cfg.AssumeReadableIfWritable)
		if msg != "" {
			msgs = append(msgs, "write: "+msg)
		}
	}

	read := health.StatusNotRequested
	switch {
	case !p.cfg.CheckReadable:
	case p.cfg.AssumeReadableIfWritable && write == health.StatusHealthy:
		read = health.StatusHealthy
	default:
		var msg string
		read, msg = p.readTest()
		if msg != "" {
			msgs = append(msgs, "read: "+msg)
		}
	}

	space := health.StatusNotRequested
	if p.cfg.MinFreePercent > 0 {
		var msg string
		space, msg = p.spaceTest(ctx)
		if msg != "" {
			msgs = append(msgs, "space: "+msg)
		}
	}

	p.mu.Lock()
	p.read, p.write = read, write
	p.mu.Unlock()

	overall := health.Worst(read, write, space)
	if !health.MoreSevere(overall, health.StatusHealthy) {
		overall = health.StatusHealthy
	}
	return overall, strings.Join(msgs, "; ")
}

// writeTest creates, optionally reads back, and deletes a uniquely named
// file. A file left behind is Degraded; failing to create one is Failed.
func (p *Probe) writeTest(readBack bool) (health.Status, string) {
	path := filepath.Join(p.cfg.FolderPath, tempFilePrefix+uuid.NewString())
	if err := afero.WriteFile(p.fs, path, []byte("Testing"), 0o600); err != nil {
		return health.StatusFailed, fmt.Sprintf("unable to write to folder: %v", err)
	}
	if readBack {
		if _, err := afero.ReadFile(p.fs, path); err != nil {
			_ = p.fs.Remove(path)
			return health.StatusDegraded, fmt.Sprintf("wrote test file but could not read it back: %v", err)
		}
	}
	if err := p.fs.Remove(path); err != nil {
		return health.StatusDegraded, fmt.Sprintf("able to write to folder but not delete %s: %v", path, err)
	}
	return health.StatusHealthy, ""
}

// readTest reads one byte from ReadFileName, or from the first file in
// the folder when that is missing.
func (p *Probe) readTest() (health.Status, string) {
	ok, err := afero.DirExists(p.fs, p.cfg.FolderPath)
	if err != nil {
		return health.StatusFailed, err.Error()
	}
	if !ok {
		return health.StatusFailed, "unable to locate folder to check"
	}

	target := filepath.Join(p.cfg.FolderPath, p.cfg.ReadFileName)
	if exists, _ := afero.Exists(p.fs, target); !exists || p.cfg.ReadFileName == "" {
		target = ""
		infos, err := afero.ReadDir(p.fs, p.cfg.FolderPath)
		if err != nil {
			return health.StatusFailed, err.Error()
		}
		for _, fi := range infos {
			if fi.Mode().IsRegular() {
				target = filepath.Join(p.cfg.FolderPath, fi.Name())
				break
			}
		}
	}
	if target == "" {
		return health.StatusDegraded, "no file found to read; cannot confirm read permission on files"
	}

	f, err := p.fs.OpenFile(target, os.O_RDONLY, 0)
	if err != nil {
		return health.StatusFailed, err.Error()
	}
	defer f.Close()
	var b [1]byte
	if _, err := f.Read(b[:]); err != nil && !errors.Is(err, io.EOF) {
		return health.StatusFailed, err.Error()
	}
	return health.StatusHealthy, ""
}

func (p *Probe) spaceTest(ctx context.Context) (health.Status, string) {
	free, err := p.usage(ctx, p.cfg.FolderPath)
	if err != nil {
		return health.StatusUnknown, fmt.Sprintf("free space unavailable: %v", err)
	}
	if free < p.cfg.MinFreePercent {
		return health.StatusDegraded, fmt.Sprintf("%.1f%% free, below %.1f%%", free, p.cfg.MinFreePercent)
	}
	return health.StatusHealthy, ""
}

func (p *Probe) Title() string {
	var access string
	if p.cfg.CheckReadable {
		access = "Read"
	}
	if p.cfg.CheckWritable {
		access += "Write"
	}
	return fmt.Sprintf("%s | %s [%s] --> %s", access, Tag, p.name, p.cfg.FolderPath)
}

func (p *Probe) RenderHTML(w io.Writer) {
	p.mu.Lock()
	read, write := p.read, p.write
	p.mu.Unlock()

	fmt.Fprintf(w, "<p>Folder: %s</p>\n", html.EscapeString(p.cfg.FolderPath))
	fmt.Fprintf(w, "<p>Readable check: %s</p>\n", requested(p.cfg.CheckReadable, read))
	fmt.Fprintf(w, "<p>Writeable check: %s</p>\n", requested(p.cfg.CheckWritable, write))
}

func requested(on bool, s health.Status) health.Status {
	if !on {
		return health.StatusNotRequested
	}
	return s
}

// Register binds the filesystem probe to reg using the OS filesystem.
func Register(reg *health.Registry) { RegisterFs(reg, afero.NewOsFs()) }

// RegisterFs is Register with an explicit filesystem.
func RegisterFs(reg *health.Registry, fs afero.Fs, opts ...Option) {
	reg.Register(Tag, func(a health.FactoryArgs) (health.Probe, error) {
		cfg := DefaultConfig()
		if err := a.Decode(&cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return New(a.Name, fs, cfg, opts...), nil
	})
}
