package models

import "time"

// dateLayout is the calendar-date encoding used in the gate record.
const dateLayout = "2006-01-02"

// Date is a calendar date without a time of day, encoded YYYY-MM-DD.
// Comparison is by equality only; the zero value means "never".
type Date string

// DateOf returns the calendar date of t in loc. A nil loc uses t's own
// location.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc != nil {
		t = t.In(loc)
	}

	return Date(t.Format(dateLayout))
}

// GateRecord is the durable auto-sync gate shared by every coordinator
// instance. It is eventually consistent: writers may race.
type GateRecord struct {
	LastTriggeredDate  Date      `json:"lastTriggeredDate,omitempty"`
	LastTriggerInstant time.Time `json:"lastTriggerInstant,omitzero"`
	ControllerID       string    `json:"controllerId,omitempty"`
	ControllerSeenAt   time.Time `json:"controllerSeenAt,omitzero"`
}

// ControllerLive reports whether a controller holds the gate and has
// renewed its lease within ttl of now.
func (g GateRecord) ControllerLive(now time.Time, ttl time.Duration) bool {
	if g.ControllerID == "" {
		return false
	}

	if ttl <= 0 {
		return true
	}

	return now.Sub(g.ControllerSeenAt) < ttl
}
