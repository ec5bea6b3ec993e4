// Package sqlcheck probes a database by reading one row from a table and
// inserting then deleting a row in another.
package sqlcheck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keithlinneman/resourcehealth/internal/health"
	"github.com/keithlinneman/resourcehealth/internal/xerrors"
)

const Tag = "sql"

// identifier matches plain or schema-qualified table and column names.
// Table names are interpolated into SQL, so nothing else is accepted.
var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"connectionString"`
	ReadTable       string        `mapstructure:"readTable"`
	WriteTable      string        `mapstructure:"writeTable"`
	IDColumn        string        `mapstructure:"idColumn"`
	WriteColumn     string        `mapstructure:"writeColumn"`
	CheckReadTable  bool          `mapstructure:"checkReadTable"`
	CheckWriteTable bool          `mapstructure:"checkWriteTable"`
	ConnectTimeout  time.Duration `mapstructure:"connectTimeout"`
}

func DefaultConfig() Config {
	return Config{
		Driver:          "sqlite",
		WriteTable:      "SlugEntHealthCheck",
		IDColumn:        "Id",
		WriteColumn:     "CheckedAt",
		CheckReadTable:  true,
		CheckWriteTable: true,
		ConnectTimeout:  5 * time.Second,
	}
}

// Validate reports configuration errors, including table and column
// names that are not plain identifiers.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DSN) == "" {
		errs = append(errs, xerrors.New("connectionString is required"))
	}
	if strings.TrimSpace(c.Driver) == "" {
		errs = append(errs, xerrors.New("driver is required"))
	}
	if c.CheckReadTable && c.ReadTable == "" {
		errs = append(errs, xerrors.New("readTable is required when checkReadTable is set"))
	} else if err := c.checkIdentifiers(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) checkIdentifiers() error {
	var errs []error
	check := func(field, v string, needed bool) {
		if needed && !identifier.MatchString(v) {
			errs = append(errs, xerrors.Newf("%s %q is not a plain identifier", field, v))
		}
	}
	check("readTable", c.ReadTable, c.CheckReadTable)
	check("writeTable", c.WriteTable, c.CheckWriteTable)
	check("idColumn", c.IDColumn, c.CheckWriteTable)
	check("writeColumn", c.WriteColumn, c.CheckWriteTable)
	return errors.Join(errs...)
}

// Probe holds one connection pool for the lifetime of the checker.
type Probe struct {
	name string
	cfg  Config
	db   *sql.DB

	mu    sync.Mutex
	read  health.Status
	write health.Status
}

// Open validates identifiers and opens the pool. Connections are made
// lazily on the first check.
func Open(name string, cfg Config) (*Probe, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if err := cfg.checkIdentifiers(); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s", cfg.Driver)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(time.Minute)
	return &Probe{
		name:  name,
		cfg:   cfg,
		db:    db,
		read:  health.StatusNotCheckedYet,
		write: health.StatusNotCheckedYet,
	}, nil
}

func (p *Probe) Close() error { return p.db.Close() }

func (p *Probe) Check(ctx context.Context) (health.Status, string) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	var msgs []string
	read, write := health.StatusNotRequested, health.StatusNotRequested
	if p.cfg.CheckReadTable {
		read = health.StatusHealthy
		if err := p.readRow(ctx); err != nil {
			read = health.StatusFailed
			msgs = append(msgs, "read: "+err.Error())
		}
	}
	if p.cfg.CheckWriteTable {
		write = health.StatusHealthy
		if err := p.writeRow(ctx); err != nil {
			write = health.StatusFailed
			msgs = append(msgs, "write: "+err.Error())
		}
	}

	p.mu.Lock()
	p.read, p.write = read, write
	p.mu.Unlock()

	overall := health.Worst(read, write)
	if !health.MoreSevere(overall, health.StatusHealthy) {
		overall = health.StatusHealthy
	}
	return overall, strings.Join(msgs, " | ")
}

func (p *Probe) readRow(ctx context.Context) error {
	rows, err := p.db.QueryContext(ctx, "SELECT * FROM "+p.cfg.ReadTable+" LIMIT 1")
	if err != nil {
		return err
	}
	defer rows.Close()
	rows.Next()
	return rows.Err()
}

func (p *Probe) writeRow(ctx context.Context) error {
	c := p.cfg
	res, err := p.db.ExecContext(ctx,
		"INSERT INTO "+c.WriteTable+" ("+c.WriteColumn+") VALUES (?)",
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(err, "last insert id")
	}
	res, err = p.db.ExecContext(ctx, "DELETE FROM "+c.WriteTable+" WHERE "+c.IDColumn+" = ?", id)
	if err != nil {
		return xerrors.Wrapf(err, "delete row %d", id)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return xerrors.Newf("delete row %d affected %d rows", id, n)
	}
	return nil
}

func (p *Probe) Title() string {
	var access string
	if p.cfg.CheckReadTable {
		access = "Read"
	}
	if p.cfg.CheckWriteTable {
		access += "Write"
	}
	return fmt.Sprintf("%s | %s [%s] --> %s", access, Tag, p.name, p.cfg.Driver)
}

func (p *Probe) RenderHTML(w io.Writer) {
	p.mu.Lock()
	read, write := p.read, p.write
	p.mu.Unlock()

	fmt.Fprintf(w, "<p>Driver: %s</p>\n<h4>Health checks</h4>\n", html.EscapeString(p.cfg.Driver))
	table := func(label, name string, on bool, st health.Status) {
		if !on {
			fmt.Fprintf(w, "<p>%s table: not requested</p>\n", label)
			return
		}
		fmt.Fprintf(w, "<p style=\"color:%s\">%s table: %s [ %s ]</p>\n", st.Color(), label, html.EscapeString(name), st)
	}
	table("Read", p.cfg.ReadTable, p.cfg.CheckReadTable, read)
	table("Write", p.cfg.WriteTable, p.cfg.CheckWriteTable, write)
}

// Register binds the SQL probe to reg. A missing DSN or a bad identifier
// is a configuration error; a driver that cannot open leaves the checker
// not ready.
func Register(reg *health.Registry) {
	reg.Register(Tag, func(a health.FactoryArgs) (health.Probe, error) {
		cfg := DefaultConfig()
		if err := a.Decode(&cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		p, err := Open(a.Name, cfg)
		if err != nil {
			return nil, health.SetupFailed(err)
		}
		return p, nil
	})
}
