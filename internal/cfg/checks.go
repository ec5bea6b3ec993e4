package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

// DefaultCheckIntervalMS is the background loop cadence when the file
// leaves checkIntervalMS unset.
const DefaultCheckIntervalMS = 5000

// Checks is the resourceHealthChecker section of the checker file.
type Checks struct {
	CheckIntervalMS int                  `yaml:"checkIntervalMS"`
	Checks          []health.Declaration `yaml:"checks"`
}

type checksFile struct {
	ResourceHealthChecker Checks `yaml:"resourceHealthChecker"`
}

// Interval is the loop cadence as a duration.
func (c Checks) Interval() time.Duration {
	return time.Duration(c.CheckIntervalMS) * time.Millisecond
}

// LoadChecks reads and validates the checker file at path.
func LoadChecks(fs afero.Fs, path string) (Checks, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return Checks{}, xerrors.Wrapf(err, "read checker file %s", path)
	}
	return ParseChecks(raw)
}

// ParseChecks decodes a checker file. Sections other than
// resourceHealthChecker are ignored; an empty file declares no checkers.
func ParseChecks(raw []byte) (Checks, error) {
	var f checksFile
	if err := yaml.NewDecoder(bytes.NewReader(raw)).Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Checks{}, xerrors.Wrap(err, "decode checker file")
	}
	c := f.ResourceHealthChecker
	if c.CheckIntervalMS == 0 {
		c.CheckIntervalMS = DefaultCheckIntervalMS
	}
	if err := c.Validate(); err != nil {
		return Checks{}, err
	}
	return c, nil
}

// Validate reports every malformed declaration at once.
func (c Checks) Validate() error {
	var errs []error
	if c.CheckIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("checkIntervalMS must be positive (got %d)", c.CheckIntervalMS))
	}
	// names may repeat; each declaration becomes its own checker
	for i, d := range c.Checks {
		if strings.TrimSpace(d.Type) == "" {
			errs = append(errs, fmt.Errorf("checks[%d]: type is required", i))
		}
		if strings.TrimSpace(d.Name) == "" {
			errs = append(errs, fmt.Errorf("checks[%d]: name is required", i))
		}
		if d.CheckInterval < 0 {
			errs = append(errs, fmt.Errorf("checks[%d]: checkInterval must be >= 1 second (got %d)", i, d.CheckInterval))
		}
	}
	return errors.Join(errs...)
}
