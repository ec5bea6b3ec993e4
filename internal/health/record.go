package health

import "time"

// EntryRecord is one run of identical consecutive check results.
type EntryRecord struct {
	Status        Status    `json:"status"`
	Message       string    `json:"message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Count         int       `json:"count"`
}

func newEntryRecord(status Status, msg string, now time.Time) EntryRecord {
	return EntryRecord{
		Status:        status,
		Message:       msg,
		StartedAt:     now,
		LastUpdatedAt: now,
		Count:         1,
	}
}

func (r *EntryRecord) increment(now time.Time) {
	r.Count++
	r.LastUpdatedAt = now
}

// Config is the per-checker configuration every checker type shares.
type Config struct {
	CheckInterval time.Duration
	Enabled       bool
}

const (
	DefaultCheckInterval = 60 * time.Second
	MinCheckInterval     = time.Second
)

// DefaultConfig is an enabled checker probing once a minute.
func DefaultConfig() Config {
	return Config{CheckInterval: DefaultCheckInterval, Enabled: true}
}

func (c Config) normalized() Config {
	if c.CheckInterval < MinCheckInterval {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}
