package sync

import (
	"fmt"
	"log"
	"time"

	"caldelta/internal/store"

	"google.golang.org/api/calendar/v3"
)

// applier materializes one calendar's downsync stream in the local store.
// It holds the in-memory view of the notebook's events and keeps it current
// as operations land, so parent lookups never hit the database mid-batch.
type applier struct {
	batch           *store.Batch
	ls              *localState
	cycleStart      time.Time
	defaultReminder int
	newUID          func() string
	verbose         bool
}

// applyDownsync applies a reconciled delta in the order that keeps parents
// materialized before anything referencing them: parent upserts, then
// occurrence cancellations (exclusion dates), then occurrence upserts, then
// deletions with occurrences ahead of their parents.
func (a *applier) applyDownsync(d *delta) error {
	for _, rev := range d.remoteAdditions {
		if !isOccurrenceEntry(rev) {
			if err := a.applyAddition(rev); err != nil {
				return err
			}
		}
	}
	for _, m := range d.remoteModifications {
		if m.target.RecurrenceID == 0 {
			if err := a.applyModification(m); err != nil {
				return err
			}
		}
	}

	for _, rev := range d.occurrenceCancellations {
		if err := a.applyOccurrenceCancellation(rev); err != nil {
			return err
		}
	}

	for _, rev := range d.remoteAdditions {
		if isOccurrenceEntry(rev) {
			if err := a.applyAddition(rev); err != nil {
				return err
			}
		}
	}
	for _, m := range d.remoteModifications {
		if m.target.RecurrenceID != 0 {
			if err := a.applyModification(m); err != nil {
				return err
			}
		}
	}

	for _, rev := range d.remoteDeletions {
		if isOccurrenceEntry(rev) {
			if err := a.applyDeletion(rev); err != nil {
				return err
			}
		}
	}
	for _, rev := range d.remoteDeletions {
		if !isOccurrenceEntry(rev) {
			if err := a.applyDeletion(rev); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *applier) applyAddition(rev *calendar.Event) error {
	if isOccurrenceEntry(rev) {
		return a.applyOccurrenceAddition(rev)
	}

	uid := a.chooseUID(rev)
	ev, err := payloadToRecord(rev, a.ls.notebook.UID, uid, a.cycleStart, a.defaultReminder)
	if err != nil {
		return err
	}
	ev.ReadOnly = a.ls.notebook.ReadOnly
	if err := a.batch.InsertEvent(ev); err != nil {
		return err
	}
	a.track(ev)
	return nil
}

// applyOccurrenceAddition inserts a persistent exception occurrence,
// synthesizing a placeholder parent when the series is not known locally,
// and dissociating the occurrence's start from the parent's rule set when
// the rule does not generate it.
func (a *applier) applyOccurrenceAddition(rev *calendar.Event) error {
	parent, err := a.ensureParent(rev)
	if err != nil {
		return err
	}

	rid, _, err := parseEventTime(rev.OriginalStartTime)
	if err != nil {
		return fmt.Errorf("occurrence %s: %w", rev.Id, err)
	}
	rid = rid.Truncate(time.Second)

	if err := a.dissociateOccurrence(parent, rid); err != nil {
		return err
	}

	ev, err := payloadToRecord(rev, a.ls.notebook.UID, parent.UID, a.cycleStart, a.defaultReminder)
	if err != nil {
		return err
	}
	ev.ReadOnly = a.ls.notebook.ReadOnly

	if existing, ok := a.ls.events[ev.Key()]; ok {
		// The occurrence row already exists (placeholder flows or a
		// re-fetched feed); overwrite it instead of duplicating.
		ev.Created = existing.Created
		if err := a.batch.UpdateEvent(ev); err != nil {
			return err
		}
	} else if err := a.batch.InsertEvent(ev); err != nil {
		return err
	}
	a.track(ev)
	return nil
}

// ensureParent returns the local parent series of an occurrence entry,
// synthesizing a minimal placeholder from the occurrence's own payload when
// the parent is missing. The placeholder carries no recurrence rule; the
// occurrence is attached by explicit recurrence dates instead.
func (a *applier) ensureParent(rev *calendar.Event) (*store.Event, error) {
	if parent, ok := a.ls.byRemoteID[rev.RecurringEventId]; ok {
		return parent, nil
	}

	uid := a.chooseUID(rev)
	placeholder, err := payloadToRecord(rev, a.ls.notebook.UID, uid, a.cycleStart, a.defaultReminder)
	if err != nil {
		return nil, err
	}
	placeholder.RecurrenceID = time.Time{}
	placeholder.RemoteID = rev.RecurringEventId
	placeholder.Etag = ""
	placeholder.Recurrence = nil
	placeholder.ReadOnly = a.ls.notebook.ReadOnly

	if a.verbose {
		log.Printf("DEBUG: synthesized placeholder parent %s for occurrence %s", placeholder.UID, rev.Id)
	}
	if err := a.batch.InsertEvent(placeholder); err != nil {
		return nil, err
	}
	a.track(placeholder)
	return placeholder, nil
}

// dissociateOccurrence makes sure the parent's recurrence set accounts for
// an exception instance at rid: when the rule set does not generate that
// instant, an explicit recurrence date is added.
func (a *applier) dissociateOccurrence(parent *store.Event, rid time.Time) error {
	recurs, err := store.RecursAt(parent, rid)
	if err != nil {
		return fmt.Errorf("parent %s: %w", parent.UID, err)
	}
	if recurs {
		return nil
	}
	store.AddRecurrenceDate(parent, rid)
	parent.LastModified = a.cycleStart
	return a.batch.UpdateEvent(parent)
}

func (a *applier) applyModification(m remoteModification) error {
	target, ok := a.ls.events[m.target]
	if !ok {
		// Deleted by a concurrent local action during the cycle; the
		// coordinator marks the cycle failed but keeps going.
		return fmt.Errorf("downsync target %s/%d no longer exists locally", m.target.UID, m.target.RecurrenceID)
	}
	if err := applyPayload(target, m.event, a.cycleStart, a.defaultReminder); err != nil {
		return err
	}
	if err := a.batch.UpdateEvent(target); err != nil {
		return err
	}
	a.track(target)
	return nil
}

// applyOccurrenceCancellation converts a non-persistent occurrence deletion
// into an exclusion date on the parent series.
func (a *applier) applyOccurrenceCancellation(rev *calendar.Event) error {
	parent, ok := a.ls.byRemoteID[rev.RecurringEventId]
	if !ok {
		log.Printf("Warning: cancelled occurrence %s has no local parent, skipping", rev.Id)
		return nil
	}
	rid, _, err := parseEventTime(rev.OriginalStartTime)
	if err != nil {
		return fmt.Errorf("cancelled occurrence %s: %w", rev.Id, err)
	}
	rid = rid.Truncate(time.Second)

	// A persistent local occurrence at the same instant goes away with
	// the exclusion.
	key := store.EventKey{UID: parent.UID, RecurrenceID: rid.Unix()}
	if occ, ok := a.ls.events[key]; ok {
		if err := a.batch.DeleteEvent(occ.NotebookUID, occ.UID, occ.RecurrenceID, a.cycleStart); err != nil {
			return err
		}
		a.untrack(occ)
	}

	store.AddExceptionDate(parent, rid)
	parent.LastModified = a.cycleStart
	return a.batch.UpdateEvent(parent)
}

func (a *applier) applyDeletion(rev *calendar.Event) error {
	local, ok := a.ls.byRemoteID[rev.Id]
	if !ok {
		return nil
	}
	if local.IsOccurrence() {
		if err := a.batch.DeleteEvent(local.NotebookUID, local.UID, local.RecurrenceID, a.cycleStart); err != nil {
			return err
		}
		a.untrack(local)
		return nil
	}

	// Deleting a series takes its exception occurrences with it.
	if err := a.batch.DeleteSeries(local.NotebookUID, local.UID, a.cycleStart); err != nil {
		return err
	}
	for key, ev := range a.ls.events {
		if key.UID == local.UID {
			a.untrack(ev)
		}
	}
	return nil
}

// chooseUID picks the local uid for a downsynced event: the uid another
// device upsynced rides along in the payload and is reused when free, so
// cross-device identity lines up; otherwise a fresh uid is generated.
func (a *applier) chooseUID(rev *calendar.Event) string {
	if uid := upsyncedLocalUID(rev); uid != "" && !a.ls.uidInUse(uid) {
		return uid
	}
	return a.newUID()
}

func (a *applier) track(ev *store.Event) {
	a.ls.events[ev.Key()] = ev
	if ev.RemoteID != "" {
		a.ls.byRemoteID[ev.RemoteID] = ev
	}
}

func (a *applier) untrack(ev *store.Event) {
	delete(a.ls.events, ev.Key())
	if ev.RemoteID != "" {
		delete(a.ls.byRemoteID, ev.RemoteID)
	}
}
