package store

import (
	"time"
)

// AccessRole is the access level the account holds on a remote calendar.
type AccessRole string

const (
	AccessOwner    AccessRole = "owner"
	AccessWriter   AccessRole = "writer"
	AccessReader   AccessRole = "reader"
	AccessFreeBusy AccessRole = "freeBusyReader"
	AccessNone     AccessRole = "none"
)

// ParseAccessRole maps a remote access role string to an AccessRole.
// Unknown roles are reported so callers can skip the calendar entirely.
func ParseAccessRole(s string) (AccessRole, bool) {
	switch AccessRole(s) {
	case AccessOwner, AccessWriter, AccessReader, AccessFreeBusy, AccessNone:
		return AccessRole(s), true
	}
	return AccessNone, false
}

// Writable reports whether events in a calendar with this role may be
// modified by the account.
func (r AccessRole) Writable() bool {
	return r == AccessOwner || r == AccessWriter
}

// FailureFlag marks an event whose last remote mutation failed. The flag is
// persisted on the record so a higher layer can surface it; it is cleared on
// the next successful mutation of the same record.
type FailureFlag string

const (
	FailureNone   FailureFlag = ""
	FailureUpload FailureFlag = "upload"
	FailureUpdate FailureFlag = "update"
	FailureDelete FailureFlag = "delete"
)

// Notebook is the local container mapped 1:1 to one remote calendar.
type Notebook struct {
	UID         string
	Account     string
	CalendarID  string
	Name        string
	Description string
	Color       string
	ServerColor string
	Email       string
	Access      AccessRole
	ReadOnly    bool

	// SyncToken is the opaque continuation token from the last successful
	// cycle; empty means the next cycle must fetch a full window.
	SyncToken string
	// SyncDate is the last successful sync timestamp; the zero value means
	// no baseline exists yet.
	SyncDate time.Time
}

// Attendee is one participant of an event.
type Attendee struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// EventKey is the local identity of an event: exception occurrences share
// the base series uid but carry their own recurrence identity.
type EventKey struct {
	UID          string
	RecurrenceID int64 // unix seconds; 0 for the base series
}

// Event is a local event record, either a base series or a persistent
// exception occurrence.
type Event struct {
	UID          string
	RecurrenceID time.Time // zero unless an exception occurrence
	NotebookUID  string

	// RemoteID is empty until the first successful upsync and immutable
	// once assigned. Etag changes iff the remote copy changed.
	RemoteID string
	Etag     string

	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	Organizer   Attendee
	Attendees   []Attendee
	// Recurrence holds RRULE/EXRULE/RDATE/EXDATE strings in the remote
	// wire form, empty for non-recurring events.
	Recurrence []string
	// Reminders holds popup reminder offsets in minutes before start.
	Reminders []int
	Sequence  int

	Created      time.Time
	LastModified time.Time
	ReadOnly     bool
	Failure      FailureFlag

	Deleted   bool
	DeletedAt time.Time
}

// Key returns the local identity of the event.
func (e *Event) Key() EventKey {
	return EventKey{UID: e.UID, RecurrenceID: recurrenceUnix(e.RecurrenceID)}
}

// IsOccurrence reports whether the event is an exception occurrence of a
// recurring series rather than the series itself.
func (e *Event) IsOccurrence() bool {
	return !e.RecurrenceID.IsZero()
}

// Recurs reports whether the event carries any recurrence rule or date.
func (e *Event) Recurs() bool {
	for _, r := range e.Recurrence {
		if hasRulePrefix(r, "RRULE") || hasRulePrefix(r, "RDATE") {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	c := *e
	c.Attendees = append([]Attendee(nil), e.Attendees...)
	c.Recurrence = append([]string(nil), e.Recurrence...)
	c.Reminders = append([]int(nil), e.Reminders...)
	return &c
}

func recurrenceUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func recurrenceTime(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// Settings is the per-account sync bookkeeping persisted across cycles.
type Settings struct {
	// Success records whether the previous cycle completed for every
	// calendar; a false value forces a clean sync next cycle.
	Success bool
	// NeedCleanSync is an explicit directive from a failed cycle.
	NeedCleanSync bool
	// Version is the schema stamp written on success; a mismatch with the
	// current binary forces a clean resync of every calendar.
	Version int
	// GhostSweepDone records the one-shot cleanup of orphaned events left
	// behind by older versions.
	GhostSweepDone bool
}
