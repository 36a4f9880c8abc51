package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// Recurrence entries use the remote wire form: bare RRULE/EXRULE/RDATE/EXDATE
// content lines, e.g. "RRULE:FREQ=WEEKLY;BYDAY=TU" or
// "EXDATE:20250826T130000Z".

func hasRulePrefix(line, prefix string) bool {
	u := strings.ToUpper(line)
	return strings.HasPrefix(u, prefix+":") || strings.HasPrefix(u, prefix+";")
}

// ruleValue strips the property name and any parameters, returning the value
// after the first colon.
func ruleValue(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return line[i+1:]
	}
	return line
}

// RuleSet builds the evaluable recurrence set of a series event, anchored at
// the event's start time.
func RuleSet(ev *Event) (*rrule.Set, error) {
	set := &rrule.Set{}
	set.DTStart(ev.Start.UTC())

	for _, line := range ev.Recurrence {
		switch {
		case hasRulePrefix(line, "RRULE"):
			r, err := rrule.StrToRRule(ruleValue(line))
			if err != nil {
				return nil, fmt.Errorf("failed to parse rule %q: %w", line, err)
			}
			r.DTStart(ev.Start.UTC())
			set.RRule(r)
		case hasRulePrefix(line, "RDATE"):
			dates, err := parseDateList(line, ev.AllDay)
			if err != nil {
				return nil, err
			}
			for _, d := range dates {
				set.RDate(d)
			}
		case hasRulePrefix(line, "EXDATE"):
			dates, err := parseDateList(line, ev.AllDay)
			if err != nil {
				return nil, err
			}
			for _, d := range dates {
				set.ExDate(d)
			}
		}
		// EXRULE is ignored; the remote service never emits one.
	}
	return set, nil
}

// RecursAt reports whether the event's recurrence set generates an instance
// starting exactly at t. Instance identity is second precision.
func RecursAt(ev *Event, t time.Time) (bool, error) {
	if !ev.Recurs() {
		return false, nil
	}
	set, err := RuleSet(ev)
	if err != nil {
		return false, err
	}
	t = t.UTC().Truncate(time.Second)
	for _, inst := range set.Between(t.Add(-time.Second), t.Add(time.Second), true) {
		if inst.Equal(t) {
			return true, nil
		}
	}
	return false, nil
}

// AddExceptionDate appends an EXDATE entry for t to the event's recurrence
// set, skipping duplicates.
func AddExceptionDate(ev *Event, t time.Time) {
	line := "EXDATE" + formatDateSuffix(t, ev.AllDay)
	for _, r := range ev.Recurrence {
		if r == line {
			return
		}
	}
	ev.Recurrence = append(ev.Recurrence, line)
}

// AddRecurrenceDate appends an RDATE entry for t to the event's recurrence
// set, skipping duplicates. Used when dissociating an occurrence whose start
// time is not generated by the parent's rule.
func AddRecurrenceDate(ev *Event, t time.Time) {
	line := "RDATE" + formatDateSuffix(t, ev.AllDay)
	for _, r := range ev.Recurrence {
		if r == line {
			return
		}
	}
	ev.Recurrence = append(ev.Recurrence, line)
}

func formatDateSuffix(t time.Time, allDay bool) string {
	if allDay {
		return ";VALUE=DATE:" + t.UTC().Format("20060102")
	}
	return ":" + t.UTC().Format("20060102T150405Z")
}

// parseDateList parses the comma-separated value of an RDATE/EXDATE line.
func parseDateList(line string, allDay bool) ([]time.Time, error) {
	var dates []time.Time
	for _, v := range strings.Split(ruleValue(line), ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		t, err := parseICalDate(v, allDay)
		if err != nil {
			return nil, fmt.Errorf("failed to parse date in %q: %w", line, err)
		}
		dates = append(dates, t)
	}
	return dates, nil
}

func parseICalDate(v string, allDay bool) (time.Time, error) {
	layouts := []string{"20060102T150405Z", "20060102T150405", "20060102"}
	if allDay {
		layouts = []string{"20060102", "20060102T150405Z", "20060102T150405"}
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, v, time.UTC)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
