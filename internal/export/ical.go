// Package export renders a locally stored calendar as an iCalendar stream.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"caldelta/internal/store"

	"github.com/emersion/go-ical"
)

// Write encodes the notebook's live events as a VCALENDAR on w. Tombstones
// awaiting the next sync cycle are skipped.
func Write(w io.Writer, nb *store.Notebook, events []*store.Event) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//caldelta//EN")
	if nb.Name != "" {
		cal.Props.SetText("X-WR-CALNAME", nb.Name)
	}

	for _, ev := range events {
		if ev.Deleted {
			continue
		}
		vevent, err := eventToICal(ev)
		if err != nil {
			return fmt.Errorf("failed to export event %s: %w", ev.UID, err)
		}
		cal.Children = append(cal.Children, vevent)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode calendar: %w", err)
	}
	return nil
}

func eventToICal(ev *store.Event) (*ical.Component, error) {
	vevent := ical.NewComponent(ical.CompEvent)

	vevent.Props.SetText(ical.PropUID, ev.UID)
	if ev.IsOccurrence() {
		recurrenceID := ical.NewProp("RECURRENCE-ID")
		setStamp(recurrenceID, ev.RecurrenceID, ev.AllDay)
		vevent.Props.Set(recurrenceID)
	}

	if ev.Summary != "" {
		vevent.Props.SetText(ical.PropSummary, ev.Summary)
	}
	if ev.Description != "" {
		vevent.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		vevent.Props.SetText(ical.PropLocation, ev.Location)
	}

	dtstart := ical.NewProp("DTSTART")
	setStamp(dtstart, ev.Start, ev.AllDay)
	vevent.Props.Set(dtstart)

	if !ev.End.IsZero() {
		dtend := ical.NewProp("DTEND")
		setStamp(dtend, ev.End, ev.AllDay)
		vevent.Props.Set(dtend)
	}

	// Recurrence entries are stored as raw content lines, so they split back
	// into properties directly.
	for _, line := range ev.Recurrence {
		prop, err := parseContentLine(line)
		if err != nil {
			return nil, err
		}
		vevent.Props.Add(prop)
	}

	if ev.Sequence > 0 {
		vevent.Props.SetText("SEQUENCE", fmt.Sprintf("%d", ev.Sequence))
	}
	if ev.RemoteID != "" {
		vevent.Props.SetText("X-CALDELTA-REMOTE-ID", ev.RemoteID)
	}

	stamp := ev.LastModified
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	if !ev.Created.IsZero() {
		vevent.Props.SetDateTime(ical.PropCreated, ev.Created)
	}
	if !ev.LastModified.IsZero() {
		vevent.Props.SetDateTime(ical.PropLastModified, ev.LastModified)
	}

	return vevent, nil
}

func setStamp(prop *ical.Prop, t time.Time, allDay bool) {
	if allDay {
		prop.SetDate(t)
		return
	}
	prop.SetDateTime(t.UTC())
}

// parseContentLine splits a raw content line such as
// "EXDATE;VALUE=DATE:20250826" into a property.
func parseContentLine(line string) (*ical.Prop, error) {
	colon := strings.Index(line, ":")
	if colon < 0 {
		return nil, fmt.Errorf("malformed recurrence line %q", line)
	}
	head, value := line[:colon], line[colon+1:]

	parts := strings.Split(head, ";")
	prop := ical.NewProp(strings.ToUpper(parts[0]))
	prop.Value = value
	for _, param := range parts[1:] {
		eq := strings.Index(param, "=")
		if eq < 0 {
			return nil, fmt.Errorf("malformed parameter in recurrence line %q", line)
		}
		prop.Params.Set(strings.ToUpper(param[:eq]), param[eq+1:])
	}
	return prop, nil
}
