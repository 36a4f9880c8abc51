package sync

import (
	"fmt"
	"sort"
	"time"

	"caldelta/internal/store"

	"google.golang.org/api/calendar/v3"
)

// localUIDProperty is the extended private property carrying the originating
// local uid through the remote system. It is the cross-device correlation
// contract: another device (or an interrupted earlier cycle) that upsynced an
// event leaves our local identity readable in the remote payload.
const localUIDProperty = "x-caldelta-local-uid"

const allDayLayout = "2006-01-02"

// upsyncedLocalUID extracts the originating local uid from a remote payload,
// or "" when absent.
func upsyncedLocalUID(ev *calendar.Event) string {
	if ev.ExtendedProperties == nil || ev.ExtendedProperties.Private == nil {
		return ""
	}
	return ev.ExtendedProperties.Private[localUIDProperty]
}

// parseEventTime parses a remote event time, reporting whether it was an
// all-day date.
func parseEventTime(edt *calendar.EventDateTime) (time.Time, bool, error) {
	if edt == nil {
		return time.Time{}, false, fmt.Errorf("missing event time")
	}
	if edt.Date != "" {
		t, err := time.ParseInLocation(allDayLayout, edt.Date, time.UTC)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to parse date %q: %w", edt.Date, err)
		}
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse datetime %q: %w", edt.DateTime, err)
	}
	return t.UTC(), false, nil
}

func formatEventTime(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.UTC().Format(allDayLayout)}
	}
	return &calendar.EventDateTime{DateTime: t.UTC().Format(time.RFC3339)}
}

// parseStamp parses an RFC3339 metadata timestamp, falling back when absent.
func parseStamp(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}

// clampToCycleStart keeps created/modified stamps from advancing past the
// cycle start, so changes applied just before cycle end are still covered
// by the next cycle's change-log queries.
func clampToCycleStart(t, cycleStart time.Time) time.Time {
	if t.After(cycleStart) {
		return cycleStart
	}
	return t
}

// applyPayload overwrites a local record's fields from a remote payload.
// The remote id is captured only when not yet assigned; once set it is
// immutable.
func applyPayload(ev *store.Event, rev *calendar.Event, cycleStart time.Time, defaultReminder int) error {
	start, allDay, err := parseEventTime(rev.Start)
	if err != nil {
		return fmt.Errorf("event %s: %w", rev.Id, err)
	}
	end, _, err := parseEventTime(rev.End)
	if err != nil {
		return fmt.Errorf("event %s: %w", rev.Id, err)
	}

	if ev.RemoteID == "" {
		ev.RemoteID = rev.Id
	}
	ev.Etag = rev.Etag
	ev.Summary = rev.Summary
	ev.Description = rev.Description
	ev.Location = rev.Location
	ev.Start = start
	ev.End = end
	ev.AllDay = allDay
	ev.Sequence = int(rev.Sequence)
	ev.Failure = store.FailureNone

	if rev.OriginalStartTime == nil {
		ev.Recurrence = append([]string(nil), rev.Recurrence...)
	}

	ev.Organizer = store.Attendee{}
	if rev.Organizer != nil {
		ev.Organizer = store.Attendee{Email: rev.Organizer.Email, Name: rev.Organizer.DisplayName}
	}
	ev.Attendees = nil
	for _, att := range rev.Attendees {
		ev.Attendees = append(ev.Attendees, store.Attendee{
			Email:    att.Email,
			Name:     att.DisplayName,
			Optional: att.Optional,
		})
	}

	ev.Reminders = nil
	if rev.Reminders == nil || rev.Reminders.UseDefault {
		if defaultReminder >= 0 {
			ev.Reminders = []int{defaultReminder}
		}
	} else {
		for _, rem := range rev.Reminders.Overrides {
			if rem.Method == "popup" {
				ev.Reminders = append(ev.Reminders, int(rem.Minutes))
			}
		}
	}

	ev.Created = clampToCycleStart(parseStamp(rev.Created, cycleStart), cycleStart)
	ev.LastModified = clampToCycleStart(parseStamp(rev.Updated, cycleStart), cycleStart)
	return nil
}

// payloadToRecord builds a fresh local record from a remote payload. The uid
// is chosen by the caller; for an exception occurrence it must be the parent
// series' uid, with the recurrence identity taken from originalStartTime.
func payloadToRecord(rev *calendar.Event, notebookUID, uid string, cycleStart time.Time, defaultReminder int) (*store.Event, error) {
	ev := &store.Event{
		UID:         uid,
		NotebookUID: notebookUID,
	}
	if rev.OriginalStartTime != nil {
		rid, _, err := parseEventTime(rev.OriginalStartTime)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", rev.Id, err)
		}
		ev.RecurrenceID = rid.Truncate(time.Second)
	}
	if err := applyPayload(ev, rev, cycleStart, defaultReminder); err != nil {
		return nil, err
	}
	return ev, nil
}

// recordToPayload serializes a local record for upsync. parentRemoteID is
// required for exception occurrences, empty otherwise. The local uid rides
// along in the extended private property.
func recordToPayload(ev *store.Event, parentRemoteID string, defaultReminder int) *calendar.Event {
	rev := &calendar.Event{
		Id:          ev.RemoteID,
		Summary:     ev.Summary,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       formatEventTime(ev.Start, ev.AllDay),
		End:         formatEventTime(ev.End, ev.AllDay),
		Sequence:    int64(ev.Sequence),
		ExtendedProperties: &calendar.EventExtendedProperties{
			Private: map[string]string{localUIDProperty: ev.UID},
		},
	}

	if ev.IsOccurrence() {
		rev.RecurringEventId = parentRemoteID
		rev.OriginalStartTime = formatEventTime(ev.RecurrenceID, ev.AllDay)
	} else {
		rev.Recurrence = append([]string(nil), ev.Recurrence...)
	}

	if ev.Organizer.Email != "" {
		rev.Organizer = &calendar.EventOrganizer{Email: ev.Organizer.Email, DisplayName: ev.Organizer.Name}
	}
	for _, att := range ev.Attendees {
		rev.Attendees = append(rev.Attendees, &calendar.EventAttendee{
			Email:       att.Email,
			DisplayName: att.Name,
			Optional:    att.Optional,
		})
	}

	if len(ev.Reminders) == 1 && defaultReminder >= 0 && ev.Reminders[0] == defaultReminder {
		rev.Reminders = &calendar.EventReminders{UseDefault: true, ForceSendFields: []string{"UseDefault"}}
	} else if len(ev.Reminders) > 0 {
		rev.Reminders = &calendar.EventReminders{}
		for _, m := range ev.Reminders {
			rev.Reminders.Overrides = append(rev.Reminders.Overrides, &calendar.EventReminder{
				Method:  "popup",
				Minutes: int64(m),
			})
		}
	}

	return rev
}

// remoteChangeIsReal reports whether a remote payload actually differs from
// the locally stored copy: either the remote id was never captured or the
// change fingerprint moved.
func remoteChangeIsReal(local *store.Event, rev *calendar.Event) bool {
	return local.RemoteID != rev.Id || local.Etag != rev.Etag
}

// localChangeIsReal compares a locally modified record against the unchanged
// remote copy reported this cycle. A mismatch in any synced field makes the
// modification real; otherwise it is a timestamp-resolution artifact.
func localChangeIsReal(local *store.Event, unchangedRemote *calendar.Event, defaultReminder int) bool {
	return !payloadsEquivalent(recordToPayload(local, unchangedRemote.RecurringEventId, defaultReminder), unchangedRemote)
}

// payloadsEquivalent compares the user-visible content of two remote
// payloads, ignoring volatile metadata (etag, sequence, timestamps).
func payloadsEquivalent(a, b *calendar.Event) bool {
	if a.Summary != b.Summary || a.Description != b.Description || a.Location != b.Location {
		return false
	}
	if !eventTimesEqual(a.Start, b.Start) || !eventTimesEqual(a.End, b.End) {
		return false
	}
	if !stringSetsEqual(a.Recurrence, b.Recurrence) {
		return false
	}
	if !stringSetsEqual(attendeeEmails(a), attendeeEmails(b)) {
		return false
	}
	return true
}

func eventTimesEqual(a, b *calendar.EventDateTime) bool {
	ta, allDayA, errA := parseEventTime(a)
	tb, allDayB, errB := parseEventTime(b)
	if errA != nil || errB != nil {
		return errA != nil && errB != nil
	}
	return allDayA == allDayB && ta.Equal(tb)
}

func stringSetsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func attendeeEmails(ev *calendar.Event) []string {
	var emails []string
	for _, att := range ev.Attendees {
		emails = append(emails, att.Email)
	}
	return emails
}
