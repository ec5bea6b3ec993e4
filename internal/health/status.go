package health

import (
	"fmt"
	"strings"
)

// Status is the health of one resource or of the whole set.
type Status int

const (
	StatusNotCheckedYet Status = iota
	StatusDisabled
	StatusNotRequested
	StatusHealthy
	StatusUnknown
	StatusDegraded
	StatusNotReady
	StatusFailed
)

// severity ranks statuses for aggregation. Higher is worse. Aggregation
// goes through this table and never through the raw constant values.
var severity = map[Status]int{
	StatusNotCheckedYet: 0,
	StatusDisabled:      1,
	StatusNotRequested:  2,
	StatusHealthy:       3,
	StatusUnknown:       4,
	StatusDegraded:      5,
	StatusNotReady:      6,
	StatusFailed:        7,
}

var statusNames = map[Status]string{
	StatusNotCheckedYet: "NotCheckedYet",
	StatusDisabled:      "Disabled",
	StatusNotRequested:  "NotRequested",
	StatusHealthy:       "Healthy",
	StatusUnknown:       "Unknown",
	StatusDegraded:      "Degraded",
	StatusNotReady:      "NotReady",
	StatusFailed:        "Failed",
}

// Severity returns the rank of s. Unrecognised values rank as Unknown.
func (s Status) Severity() int {
	if r, ok := severity[s]; ok {
		return r
	}
	return severity[StatusUnknown]
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Color is the display color used by the HTML report.
func (s Status) Color() string {
	switch s {
	case StatusHealthy:
		return "green"
	case StatusDegraded:
		return "orange"
	case StatusFailed:
		return "red"
	default:
		return "grey"
	}
}

// MoreSevere reports whether a is strictly worse than b.
func MoreSevere(a, b Status) bool { return a.Severity() > b.Severity() }

// Worst returns the most severe of statuses, or NotCheckedYet for none.
func Worst(statuses ...Status) Status {
	out := StatusNotCheckedYet
	for _, s := range statuses {
		if MoreSevere(s, out) {
			out = s
		}
	}
	return out
}

// ParseStatus is the inverse of String. Matching is case-insensitive.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown health status %q", s)
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
