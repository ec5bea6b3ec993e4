package health

import (
	"encoding/json"
	"testing"
)

// Severity

func TestSeverity_TotalOrder(t *testing.T) {
	order := []Status{
		StatusNotCheckedYet, StatusDisabled, StatusNotRequested, StatusHealthy,
		StatusUnknown, StatusDegraded, StatusNotReady, StatusFailed,
	}
	for i := 1; i < len(order); i++ {
		if !MoreSevere(order[i], order[i-1]) {
			t.Fatalf("%s should be more severe than %s", order[i], order[i-1])
		}
	}
}

func TestWorst(t *testing.T) {
	if got := Worst(); got != StatusNotCheckedYet {
		t.Fatalf("Worst() = %s, want NotCheckedYet", got)
	}
	if got := Worst(StatusHealthy, StatusDegraded, StatusUnknown); got != StatusDegraded {
		t.Fatalf("Worst = %s, want Degraded", got)
	}
	if got := Worst(StatusHealthy, StatusDisabled); got != StatusHealthy {
		t.Fatalf("Worst = %s, want Healthy", got)
	}
	if got := Worst(StatusNotReady, StatusFailed, StatusHealthy); got != StatusFailed {
		t.Fatalf("Worst = %s, want Failed", got)
	}
}

func TestSeverity_UnrecognisedRanksAsUnknown(t *testing.T) {
	if Status(99).Severity() != StatusUnknown.Severity() {
		t.Fatal("out-of-range status should rank as Unknown")
	}
}

// String / Parse

func TestParseStatus_RoundTrip(t *testing.T) {
	for st := range statusNames {
		got, err := ParseStatus(st.String())
		if err != nil || got != st {
			t.Fatalf("ParseStatus(%q) = %v, %v", st.String(), got, err)
		}
	}
	if got, _ := ParseStatus(" degraded "); got != StatusDegraded {
		t.Fatalf("case-insensitive parse failed: %v", got)
	}
	if _, err := ParseStatus("sideways"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestStatus_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Status{"s": StatusNotReady})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"s":"NotReady"}` {
		t.Fatalf("json = %s", b)
	}
	var back map[string]Status
	if err := json.Unmarshal(b, &back); err != nil || back["s"] != StatusNotReady {
		t.Fatalf("unmarshal = %v, %v", back, err)
	}
}

func TestColor(t *testing.T) {
	cases := map[Status]string{
		StatusHealthy:  "green",
		StatusDegraded: "orange",
		StatusFailed:   "red",
		StatusUnknown:  "grey",
		StatusDisabled: "grey",
	}
	for st, want := range cases {
		if st.Color() != want {
			t.Fatalf("%s.Color() = %s, want %s", st, st.Color(), want)
		}
	}
}

// Declaration

func TestDeclaration_BaseConfig(t *testing.T) {
	off := false
	c := Declaration{Enabled: &off, CheckInterval: 10}.BaseConfig()
	if c.Enabled || c.CheckInterval.Seconds() != 10 {
		t.Fatalf("BaseConfig = %+v", c)
	}
	c = Declaration{CheckInterval: 0}.BaseConfig()
	if !c.Enabled || c.CheckInterval != DefaultCheckInterval {
		t.Fatalf("defaults not applied: %+v", c)
	}
}
