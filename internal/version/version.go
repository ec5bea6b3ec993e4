// Package version reports build metadata stamped at link time with
// -ldflags "-X .../internal/version.Version=...", falling back to the
// module build info embedded by the Go toolchain.
package version

import (
	"fmt"
	"runtime/debug"
)

// AppName is the binary name reported in logs, metrics and traces.
const AppName = "healthd"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out = out.merge(bi)
	}
	return out
}

// merge fills gaps from the toolchain's build info. Linker-stamped
// commit and build date win; the go version and vcs state always come
// from the binary.
func (i Info) merge(bi *debug.BuildInfo) Info {
	i.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		if s.Value == "" {
			continue
		}
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "none" {
				i.Commit = s.Value
			}
		case "vcs.time":
			if i.BuildDate == "" {
				i.BuildDate = s.Value
			}
			i.CommitDate = s.Value
		case "vcs.modified":
			dirty := s.Value == "true"
			i.VCSDirty = &dirty
		}
	}
	return i
}

// Dirty reports whether the binary was built from a modified tree.
func (i Info) Dirty() bool { return i.VCSDirty != nil && *i.VCSDirty }

// ShortCommit is the first twelve characters of the commit.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

func (i Info) String() string {
	return fmt.Sprintf(
		"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)",
		i.AppName, i.Version, i.Commit, i.CommitDate, i.BuildId, i.BuildDate, i.GoVersion, i.Dirty(),
	)
}

// UserAgent identifies outbound probe requests, e.g. "healthd/1.4.0 (3f2a9c1d0b7e)".
func (i Info) UserAgent() string {
	return fmt.Sprintf("%s/%s (%s)", i.AppName, i.Version, i.ShortCommit())
}
