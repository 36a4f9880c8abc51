package sync

import (
	"log"
	"time"

	"caldelta/internal/store"

	"google.golang.org/api/calendar/v3"
)

type opKind int

const (
	opInsert opKind = iota
	opModify
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opInsert:
		return "insert"
	case opModify:
		return "modify"
	case opDelete:
		return "delete"
	}
	return "unknown"
}

// upsyncOp is one pending remote mutation. Payloads are serialized at
// dispatch time, when the parent remote id (for occurrence insertions) is
// known.
type upsyncOp struct {
	kind     opKind
	event    *store.Event
	remoteID string // target for modify/delete; empty for insert
}

// remoteModification is a downsync overwrite of a known local record.
type remoteModification struct {
	event  *calendar.Event
	target store.EventKey
}

// delta is the reconciled outcome for one calendar: disjoint downsync and
// upsync streams plus discard counts for diagnostics.
type delta struct {
	remoteAdditions         []*calendar.Event
	remoteModifications     []remoteModification
	remoteDeletions         []*calendar.Event
	occurrenceCancellations []*calendar.Event

	upsync []upsyncOp

	discardedLocal  int
	discardedRemote int
}

// localState is the loaded local side of a calendar for one cycle: the live
// event set and the change sets since the last successful sync.
type localState struct {
	notebook *store.Notebook

	events     map[store.EventKey]*store.Event
	byRemoteID map[string]*store.Event

	added    []*store.Event
	modified []*store.Event
	deleted  []*store.Event

	// cleanSync means no baseline exists: the change sets are empty by
	// construction and stale-addition filtering does not apply.
	cleanSync bool
	// boundary is the last successful sync timestamp.
	boundary time.Time
}

func newLocalState(nb *store.Notebook, events []*store.Event) *localState {
	ls := &localState{
		notebook:   nb,
		events:     make(map[store.EventKey]*store.Event),
		byRemoteID: make(map[string]*store.Event),
	}
	for _, ev := range events {
		ls.events[ev.Key()] = ev
		if ev.RemoteID != "" {
			ls.byRemoteID[ev.RemoteID] = ev
		}
	}
	return ls
}

func (ls *localState) uidInUse(uid string) bool {
	for key := range ls.events {
		if key.UID == uid {
			return true
		}
	}
	return false
}

// isOccurrenceEntry reports whether a feed entry is an occurrence of a
// recurring series rather than a top-level event.
func isOccurrenceEntry(rev *calendar.Event) bool {
	return rev.RecurringEventId != "" && rev.RecurringEventId != rev.Id
}

// reconcile classifies every remote feed entry against the local change
// sets and builds the upsync set from whatever local changes survive.
// Conflict policy is remote-wins, with two carve-outs: pure remote additions
// never invalidate local changes, and a local deletion suppresses a same-id
// remote non-deletion change.
func reconcile(remoteEvents []*calendar.Event, ls *localState, defaultReminder int, verbose bool) *delta {
	d := &delta{}

	modByRemote := make(map[string]*store.Event)
	for _, ev := range ls.modified {
		if ev.RemoteID != "" {
			modByRemote[ev.RemoteID] = ev
		}
	}
	delByRemote := make(map[string]*store.Event)
	for _, ev := range ls.deleted {
		if ev.RemoteID != "" {
			delByRemote[ev.RemoteID] = ev
		}
	}

	discardedMods := make(map[store.EventKey]bool)
	discardedAdds := make(map[store.EventKey]bool)
	consumedDels := make(map[store.EventKey]bool)

	// Remote copies reported unchanged this cycle, used below to unmask
	// spurious local modifications.
	unchangedRemote := make(map[string]*calendar.Event)
	// Remote additions seen earlier in the feed, so an occurrence
	// cancellation can land on a parent arriving in the same cycle.
	pendingRemoteAdds := make(map[string]*calendar.Event)

	discardLocalEdits := func(remoteID string, why string) {
		if mod, ok := modByRemote[remoteID]; ok && !discardedMods[mod.Key()] {
			discardedMods[mod.Key()] = true
			d.discardedLocal++
			if verbose {
				log.Printf("DEBUG: discarding local modification of %s (%s)", mod.UID, why)
			}
		}
		if local, ok := ls.byRemoteID[remoteID]; ok {
			for _, add := range ls.added {
				if add.Key() == local.Key() && !discardedAdds[add.Key()] {
					discardedAdds[add.Key()] = true
					d.discardedLocal++
				}
			}
		}
	}

	for _, rev := range remoteEvents {
		cancelled := rev.Status == "cancelled"
		local := ls.byRemoteID[rev.Id]

		if cancelled {
			switch {
			case local != nil:
				// Real remote deletion of a known record. Remote
				// deletion wins over any pending local edit.
				d.remoteDeletions = append(d.remoteDeletions, rev)
				discardLocalEdits(rev.Id, "remote deletion wins")

			case isOccurrenceEntry(rev):
				_, parentKnown := ls.byRemoteID[rev.RecurringEventId]
				_, parentPending := pendingRemoteAdds[rev.RecurringEventId]
				if parentKnown || parentPending {
					// Non-persistent occurrence deletion: becomes an
					// exclusion date on the parent series. Sub-optimal
					// resolution strategy: the server-side removal of a
					// single instance also discards a pending local
					// modification of the whole parent series.
					d.occurrenceCancellations = append(d.occurrenceCancellations, rev)
					discardLocalEdits(rev.RecurringEventId, "occurrence cancellation on parent")
				} else {
					d.discardedRemote++
				}

			default:
				if del, ok := delByRemote[rev.Id]; ok {
					// Deleted on both sides: cancel out, nothing to do
					// anywhere.
					consumedDels[del.Key()] = true
					d.discardedLocal++
					d.discardedRemote++
				} else {
					// Never downsynced locally; nothing to delete.
					d.discardedRemote++
				}
			}
			continue
		}

		if local == nil {
			if _, ok := delByRemote[rev.Id]; ok {
				// Locally deleted, remotely changed: the deletion intent
				// is honored, the remote change discarded. The upsync
				// deletion stays queued.
				d.discardedRemote++
				continue
			}

			if target, ok := partialArtifactTarget(ls, rev); ok {
				// Sent in a previous interrupted cycle; the local record
				// never learned its remote id. Remote is authoritative
				// for artifacts: treat as a modification of the local
				// record and drop the duplicate local addition.
				d.remoteModifications = append(d.remoteModifications, remoteModification{
					event:  rev,
					target: target.Key(),
				})
				if !discardedAdds[target.Key()] {
					discardedAdds[target.Key()] = true
					d.discardedLocal++
				}
				continue
			}

			// Pure remote addition; never conflicts with local changes.
			d.remoteAdditions = append(d.remoteAdditions, rev)
			pendingRemoteAdds[rev.Id] = rev
			continue
		}

		if remoteChangeIsReal(local, rev) {
			d.remoteModifications = append(d.remoteModifications, remoteModification{
				event:  rev,
				target: local.Key(),
			})
			discardLocalEdits(rev.Id, "remote modification wins")
		} else {
			// Spurious re-report of known state. Remember the payload:
			// a local modification matching it is itself spurious.
			unchangedRemote[rev.Id] = rev
			d.discardedRemote++
		}
	}

	// Upsync deletions from what survived.
	for _, del := range ls.deleted {
		if consumedDels[del.Key()] {
			continue
		}
		if del.RemoteID == "" {
			// Never upsynced; there is nothing to delete remotely.
			continue
		}
		d.upsync = append(d.upsync, upsyncOp{kind: opDelete, event: del, remoteID: del.RemoteID})
	}

	// Upsync modifications, filtering spurious ones against the unchanged
	// remote copies collected above.
	var orphanedMods []*store.Event
	for _, mod := range ls.modified {
		if discardedMods[mod.Key()] {
			continue
		}
		if mod.RemoteID == "" {
			// Modified but never successfully uploaded; treat like an
			// addition so it finally reaches the remote side.
			orphanedMods = append(orphanedMods, mod)
			continue
		}
		if unchanged, ok := unchangedRemote[mod.RemoteID]; ok && !localChangeIsReal(mod, unchanged, defaultReminder) {
			d.discardedLocal++
			if verbose {
				log.Printf("DEBUG: local modification of %s is spurious, skipping upsync", mod.UID)
			}
			continue
		}
		d.upsync = append(d.upsync, upsyncOp{kind: opModify, event: mod, remoteID: mod.RemoteID})
	}

	// Upsync additions, series parents before their exceptions.
	additions := append(append([]*store.Event(nil), ls.added...), orphanedMods...)
	additions = reorderParentsFirst(additions)
	for _, add := range additions {
		if discardedAdds[add.Key()] {
			continue
		}
		if !ls.cleanSync && add.LastModified.Before(ls.boundary) {
			// A stale artifact of the downsync window: it predates the
			// boundary, so the remote side already has it.
			d.discardedLocal++
			continue
		}
		if add.RemoteID != "" {
			// A clean-sync delete+recreate left the remote id behind:
			// the remote record exists, so modify instead of insert.
			d.upsync = append(d.upsync, upsyncOp{kind: opModify, event: add, remoteID: add.RemoteID})
			continue
		}
		d.upsync = append(d.upsync, upsyncOp{kind: opInsert, event: add})
	}

	return d
}

// partialArtifactTarget matches a remote payload to a local record via the
// embedded local uid when the local record has no remote id yet.
func partialArtifactTarget(ls *localState, rev *calendar.Event) (*store.Event, bool) {
	uid := upsyncedLocalUID(rev)
	if uid == "" {
		return nil, false
	}
	key := store.EventKey{UID: uid}
	if rev.OriginalStartTime != nil {
		rid, _, err := parseEventTime(rev.OriginalStartTime)
		if err != nil {
			return nil, false
		}
		key.RecurrenceID = rid.Unix()
	}
	ev, ok := ls.events[key]
	if !ok || ev.RemoteID != "" {
		return nil, false
	}
	return ev, true
}

// reorderParentsFirst keeps input order within each class but moves base
// series ahead of exception occurrences.
func reorderParentsFirst(events []*store.Event) []*store.Event {
	ordered := make([]*store.Event, 0, len(events))
	for _, ev := range events {
		if !ev.IsOccurrence() {
			ordered = append(ordered, ev)
		}
	}
	for _, ev := range events {
		if ev.IsOccurrence() {
			ordered = append(ordered, ev)
		}
	}
	return ordered
}
