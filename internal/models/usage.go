package models

import (
	"time"
)

// DayFormat is the calendar-day key format for usage buckets.
const DayFormat = "2006-01-02"

// DayOf returns the UTC calendar-day key for t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// UsageBucket holds the metered usage for one (user, lane, day) tuple.
// The count is monotonically increasing within the day; a new day opens a
// new bucket rather than mutating a closed one.
type UsageBucket struct {
	// UserID is the provider-qualified user key.
	UserID string `json:"user_id"`

	// Lane is the metering category.
	Lane Lane `json:"lane"`

	// Day is the UTC calendar day (YYYY-MM-DD).
	Day string `json:"day"`

	// Count is the accumulated usage for the day.
	Count int64 `json:"count"`

	// UpdatedAt is when the bucket was last incremented.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the usage bucket is valid.
func (b *UsageBucket) Validate() error {
	validation := &ValidationErrors{}
	if b.UserID == "" {
		validation.AddMessage("user_id", "user_id is required")
	}
	if b.Lane == "" {
		validation.AddMessage("lane", "lane is required")
	}
	if _, err := time.Parse(DayFormat, b.Day); err != nil {
		validation.AddMessage("day", "day must be YYYY-MM-DD")
	}
	if b.Count < 0 {
		validation.AddMessage("count", "count must be non-negative")
	}
	return validation.Err()
}

// UsageSummary is an aggregate over a trailing window of buckets.
type UsageSummary struct {
	// UserID is the user the summary is for.
	UserID string `json:"user_id"`

	// Lane is the lane the summary is for (empty for all lanes).
	Lane Lane `json:"lane,omitempty"`

	// WindowDays is the trailing window length in days.
	WindowDays int `json:"window_days"`

	// Total is the summed usage over the window.
	Total int64 `json:"total"`

	// BucketCount is the number of buckets contributing to the total.
	BucketCount int64 `json:"bucket_count"`
}

// ProfileStatus marks whether long-term traits have been derived from a
// user's usage history.
type ProfileStatus string

const (
	// ProfileStatusFresh means no derived traits exist yet.
	ProfileStatusFresh ProfileStatus = "fresh"

	// ProfileStatusConsolidated means derived traits have been computed.
	ProfileStatusConsolidated ProfileStatus = "consolidated"
)

// LedgerProfile is the per-user ledger header: consolidation status plus the
// derived trait set, versioned for compare-and-swap updates.
type LedgerProfile struct {
	// UserID is the provider-qualified user key.
	UserID string `json:"user_id"`

	// Status is fresh or consolidated.
	Status ProfileStatus `json:"status"`

	// Traits is the derived long-term trait set. A consolidated profile
	// with no traits is inconsistent and is repaired back to fresh on read.
	Traits map[string]string `json:"traits,omitempty"`

	// Version increments on every write and guards CAS updates.
	Version int64 `json:"version"`

	// UpdatedAt is when the profile was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Inconsistent reports whether the profile claims consolidation without any
// derived traits to back it.
func (p *LedgerProfile) Inconsistent() bool {
	return p.Status == ProfileStatusConsolidated && len(p.Traits) == 0
}
