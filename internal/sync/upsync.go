package sync

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"caldelta/internal/remote"
	"caldelta/internal/store"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
)

const (
	// collisionRetryLimit caps consecutive generated-id collisions per
	// insert operation before it is marked permanently failed.
	collisionRetryLimit = 8

	rateLimitRetryLimit   = 5
	rateLimitInitialDelay = time.Second
)

// generateRemoteID produces a candidate remote event id: a random uuid in
// lowercase base32hex, the alphabet the remote service accepts for ids.
func generateRemoteID() string {
	id := uuid.New()
	return strings.ToLower(base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(id[:]))
}

// upsyncOutcome is the terminal result of one upsync operation.
type upsyncOutcome struct {
	op       upsyncOp
	response *calendar.Event
	failure  store.FailureFlag
	// skipped marks tolerated permission rejections (non-organizer edits
	// of shared events).
	skipped bool
	// err is a cycle-failing error; the remaining operations still run.
	err error
}

// sequencer orders and dispatches one calendar's upsync operations:
// deletions, then modifications, then insertions with occurrence insertions
// sequenced after their parent's response.
type sequencer struct {
	client          remote.Client
	calendarID      string
	defaultReminder int
	ls              *localState
	verbose         bool

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	deferred []*deferredOp
}

type deferredOp struct {
	op       upsyncOp
	dispatch func(ctx context.Context) (*calendar.Event, error)
	// children are occurrence insertions sequenced after a deferred
	// parent insert; they dispatch once the parent's response arrives.
	children []upsyncOp
}

func newSequencer(client remote.Client, calendarID string, defaultReminder int, ls *localState, verbose bool) *sequencer {
	return &sequencer{
		client:          client,
		calendarID:      calendarID,
		defaultReminder: defaultReminder,
		ls:              ls,
		verbose:         verbose,
		sleep:           sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func failureFor(kind opKind) store.FailureFlag {
	switch kind {
	case opInsert:
		return store.FailureUpload
	case opModify:
		return store.FailureUpdate
	case opDelete:
		return store.FailureDelete
	}
	return store.FailureNone
}

// run dispatches every operation, returning one outcome per op. Individual
// failures never abort the run; each op resolves independently.
func (sq *sequencer) run(ctx context.Context, ops []upsyncOp) []upsyncOutcome {
	var outcomes []upsyncOutcome

	// Sequenced-after-parent table: occurrence insertions whose parent has
	// no remote id yet, keyed by the parent's generated candidate id.
	sequenced := make(map[string][]upsyncOp)
	// Generated candidate ids for pending top-level insertions, by the
	// parent's local uid.
	pendingParentID := make(map[string]string)

	var deletes, modifies, parentInserts, directOccurrenceInserts []upsyncOp
	var orphaned []upsyncOutcome

	for _, op := range ops {
		switch op.kind {
		case opDelete:
			deletes = append(deletes, op)
		case opModify:
			modifies = append(modifies, op)
		case opInsert:
			if !op.event.IsOccurrence() {
				// An occurrence earlier in the input may already have
				// reserved a candidate id for this parent.
				if pendingParentID[op.event.UID] == "" {
					pendingParentID[op.event.UID] = generateRemoteID()
				}
				parentInserts = append(parentInserts, op)
				continue
			}
			parent := sq.ls.events[store.EventKey{UID: op.event.UID}]
			switch {
			case parent != nil && parent.RemoteID != "":
				directOccurrenceInserts = append(directOccurrenceInserts, op)
			case parent != nil:
				// Parent is being inserted this cycle; defer until its
				// response assigns the real id.
				key := pendingParentID[op.event.UID]
				if key == "" {
					key = generateRemoteID()
					pendingParentID[op.event.UID] = key
				}
				sequenced[key] = append(sequenced[key], op)
			default:
				orphaned = append(orphaned, upsyncOutcome{
					op:      op,
					failure: store.FailureUpload,
					err:     fmt.Errorf("occurrence %s has no parent series locally", op.event.UID),
				})
			}
		}
	}
	outcomes = append(outcomes, orphaned...)

	for _, op := range deletes {
		if o, ok := sq.dispatchDelete(ctx, op); ok {
			outcomes = append(outcomes, o)
		}
	}
	for _, op := range modifies {
		if o, ok := sq.dispatchModify(ctx, op); ok {
			outcomes = append(outcomes, o)
		}
	}
	for _, op := range parentInserts {
		outcomes = append(outcomes, sq.dispatchParentInsert(ctx, op, pendingParentID[op.event.UID], sequenced)...)
	}
	for _, op := range directOccurrenceInserts {
		parent := sq.ls.events[store.EventKey{UID: op.event.UID}]
		if o, ok := sq.dispatchOccurrenceInsert(ctx, op, parent.RemoteID); ok {
			outcomes = append(outcomes, o)
		}
	}

	outcomes = append(outcomes, sq.drainDeferred(ctx)...)

	// Anything sequenced under a parent that never succeeded cannot be
	// sent this cycle.
	for _, children := range sequenced {
		for _, op := range children {
			if !dispatched(outcomes, op) {
				outcomes = append(outcomes, upsyncOutcome{op: op, failure: store.FailureUpload})
			}
		}
	}

	return outcomes
}

func dispatched(outcomes []upsyncOutcome, op upsyncOp) bool {
	for _, o := range outcomes {
		if o.op.event == op.event && o.op.kind == op.kind {
			return true
		}
	}
	return false
}

// dispatchParentInsert uploads a top-level insertion, regenerating the
// candidate id on collision and rewriting any children sequenced under the
// old id. After the collision cap the event is marked upload-failed. On
// success the sequenced children are dispatched with the assigned id.
func (sq *sequencer) dispatchParentInsert(ctx context.Context, op upsyncOp, id string, sequenced map[string][]upsyncOp) []upsyncOutcome {
	payload := recordToPayload(op.event, "", sq.defaultReminder)
	collisions := 0

	for {
		payload.Id = id
		resp, err := sq.client.InsertEvent(ctx, sq.calendarID, payload)
		switch {
		case err == nil:
			outcomes := []upsyncOutcome{{op: op, response: resp}}
			for _, child := range sequenced[id] {
				if o, ok := sq.dispatchOccurrenceInsert(ctx, child, resp.Id); ok {
					outcomes = append(outcomes, o)
				}
			}
			delete(sequenced, id)
			return outcomes

		case errors.Is(err, remote.ErrIDCollision):
			collisions++
			if collisions > collisionRetryLimit {
				log.Printf("Warning: event %s exceeded %d consecutive id collisions, marking upload failed",
					op.event.UID, collisionRetryLimit)
				return []upsyncOutcome{{op: op, failure: store.FailureUpload}}
			}
			newID := generateRemoteID()
			if children, ok := sequenced[id]; ok {
				sequenced[newID] = children
				delete(sequenced, id)
			}
			if sq.verbose {
				log.Printf("DEBUG: id collision for %s (attempt %d), regenerated", op.event.UID, collisions)
			}
			id = newID

		case errors.Is(err, remote.ErrRateLimited):
			// The sequenced children ride along so they still dispatch
			// this cycle if the deferred retry succeeds.
			children := sequenced[id]
			delete(sequenced, id)
			sq.deferred = append(sq.deferred, &deferredOp{
				op: op,
				dispatch: func(ctx context.Context) (*calendar.Event, error) {
					return sq.client.InsertEvent(ctx, sq.calendarID, payload)
				},
				children: children,
			})
			return nil

		case errors.Is(err, remote.ErrNonOrganizer):
			log.Printf("Warning: skipping insert of %s: %v", op.event.UID, err)
			return []upsyncOutcome{{op: op, skipped: true}}

		default:
			return []upsyncOutcome{{op: op, failure: store.FailureUpload, err: err}}
		}
	}
}

func (sq *sequencer) dispatchOccurrenceInsert(ctx context.Context, op upsyncOp, parentRemoteID string) (upsyncOutcome, bool) {
	payload := recordToPayload(op.event, parentRemoteID, sq.defaultReminder)
	payload.Id = "" // the server derives occurrence ids from the parent
	resp, err := sq.client.InsertEvent(ctx, sq.calendarID, payload)
	return sq.outcomeFor(op, resp, err, func(ctx context.Context) (*calendar.Event, error) {
		return sq.client.InsertEvent(ctx, sq.calendarID, payload)
	})
}

func (sq *sequencer) dispatchModify(ctx context.Context, op upsyncOp) (upsyncOutcome, bool) {
	parentRemoteID := ""
	if op.event.IsOccurrence() {
		if parent := sq.ls.events[store.EventKey{UID: op.event.UID}]; parent != nil {
			parentRemoteID = parent.RemoteID
		}
	}
	payload := recordToPayload(op.event, parentRemoteID, sq.defaultReminder)
	resp, err := sq.client.UpdateEvent(ctx, sq.calendarID, op.remoteID, payload)
	return sq.outcomeFor(op, resp, err, func(ctx context.Context) (*calendar.Event, error) {
		return sq.client.UpdateEvent(ctx, sq.calendarID, op.remoteID, payload)
	})
}

func (sq *sequencer) dispatchDelete(ctx context.Context, op upsyncOp) (upsyncOutcome, bool) {
	err := sq.client.DeleteEvent(ctx, sq.calendarID, op.remoteID)
	return sq.outcomeFor(op, nil, err, func(ctx context.Context) (*calendar.Event, error) {
		return nil, sq.client.DeleteEvent(ctx, sq.calendarID, op.remoteID)
	})
}

// outcomeFor resolves one dispatch attempt. Rate-limited operations are
// deferred instead of resolved, reported false so the caller emits no
// outcome yet.
func (sq *sequencer) outcomeFor(op upsyncOp, resp *calendar.Event, err error, retry func(ctx context.Context) (*calendar.Event, error)) (upsyncOutcome, bool) {
	switch {
	case err == nil:
		return upsyncOutcome{op: op, response: resp}, true
	case errors.Is(err, remote.ErrRateLimited):
		sq.defer_(op, retry)
		return upsyncOutcome{}, false
	case errors.Is(err, remote.ErrNonOrganizer):
		log.Printf("Warning: skipping %s of %s: %v", op.kind, op.event.UID, err)
		return upsyncOutcome{op: op, skipped: true}, true
	default:
		return upsyncOutcome{op: op, failure: failureFor(op.kind), err: err}, true
	}
}

func (sq *sequencer) defer_(op upsyncOp, dispatch func(ctx context.Context) (*calendar.Event, error)) {
	sq.deferred = append(sq.deferred, &deferredOp{op: op, dispatch: dispatch})
}

// drainDeferred retries rate-limited operations one at a time with an
// increasing interval, up to a hard cap, after which the survivors are
// marked permanently failed for this cycle.
func (sq *sequencer) drainDeferred(ctx context.Context) []upsyncOutcome {
	var outcomes []upsyncOutcome
	delay := rateLimitInitialDelay

	for attempt := 0; attempt < rateLimitRetryLimit && len(sq.deferred) > 0; attempt++ {
		if err := sq.sleep(ctx, delay); err != nil {
			break
		}
		delay *= 2

		// Dispatching a deferred parent's children may defer again;
		// reset the queue so those land in the next round.
		pending := sq.deferred
		sq.deferred = nil
		for _, def := range pending {
			resp, err := def.dispatch(ctx)
			switch {
			case err == nil:
				outcomes = append(outcomes, upsyncOutcome{op: def.op, response: resp})
				for _, child := range def.children {
					if o, ok := sq.dispatchOccurrenceInsert(ctx, child, resp.Id); ok {
						outcomes = append(outcomes, o)
					}
				}
			case errors.Is(err, remote.ErrRateLimited):
				sq.deferred = append(sq.deferred, def)
			default:
				outcomes = append(outcomes, upsyncOutcome{op: def.op, failure: failureFor(def.op.kind), err: err})
				for _, child := range def.children {
					outcomes = append(outcomes, upsyncOutcome{op: child, failure: store.FailureUpload})
				}
			}
		}
	}

	for _, def := range sq.deferred {
		log.Printf("Warning: %s of %s still rate limited after %d retries, marking failed",
			def.op.kind, def.op.event.UID, rateLimitRetryLimit)
		outcomes = append(outcomes, upsyncOutcome{op: def.op, failure: failureFor(def.op.kind)})
		for _, child := range def.children {
			outcomes = append(outcomes, upsyncOutcome{op: child, failure: store.FailureUpload})
		}
	}
	sq.deferred = nil
	return outcomes
}
