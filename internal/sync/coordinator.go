package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	gosync "sync"
	"time"

	"caldelta/internal/remote"
	"caldelta/internal/store"

	"github.com/google/uuid"
)

// Version is the sync schema stamp persisted on success. Any mismatch with
// a stored stamp forces a clean resync of every calendar on the account.
const Version = 3

const (
	cleanSyncPastYears   = 1
	cleanSyncFutureYears = 2
)

// Coordinator drives one full sync cycle per calendar: calendar list,
// change feeds, reconciliation, upsync, local application, finalization.
type Coordinator struct {
	store   *store.Store
	client  remote.Client
	account string
	verbose bool

	// now and newUID are swappable for tests.
	now    func() time.Time
	newUID func() string
}

// New creates a sync coordinator for one account.
func New(st *store.Store, client remote.Client, account string, verbose bool) *Coordinator {
	return &Coordinator{
		store:   st,
		client:  client,
		account: account,
		verbose: verbose,
		now:     time.Now,
		newUID:  func() string { return uuid.NewString() },
	}
}

type feedResult struct {
	notebook *store.Notebook
	feed     *remote.Feed
	err      error
}

// Sync runs one cycle. Per-calendar failures do not abort the cycle for
// other calendars; persistence (token, sync date, success marker, tombstone
// purge) happens only for calendars that fully succeeded.
func (c *Coordinator) Sync(ctx context.Context) error {
	cycleStart := c.now().UTC().Truncate(time.Second)
	log.Printf("Starting sync for account %s", c.account)

	settings, err := c.store.LoadSettings(c.account)
	if err != nil {
		return err
	}
	// A merely-failed previous cycle is recovered without a clean sync:
	// the stored tokens and timestamps are left alone so the next fetch
	// retries the same delta. Only an unfinished clean-sync directive or
	// a schema version change resets everything.
	forceClean := settings.NeedCleanSync || settings.Version != Version
	if forceClean && c.verbose {
		log.Printf("DEBUG: forcing clean sync (needClean=%v version=%d)",
			settings.NeedCleanSync, settings.Version)
	}

	if !settings.GhostSweepDone {
		if n, err := c.store.RemoveGhostEvents(); err != nil {
			log.Printf("Warning: ghost event sweep failed: %v", err)
		} else {
			if n > 0 {
				log.Printf("Removed %d orphaned events", n)
			}
			settings.GhostSweepDone = true
		}
	}

	calendars, err := c.client.Calendars(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch calendar list: %w", err)
	}

	notebooks, err := c.reconcileNotebooks(calendars, forceClean)
	if err != nil {
		return err
	}

	results := c.fetchFeeds(ctx, notebooks, cycleStart)
	if ctx.Err() != nil {
		// Aborted: in-flight fetches have drained, their results are
		// discarded unapplied.
		return ctx.Err()
	}

	var failures int
	for _, res := range results {
		if err := c.processCalendar(ctx, res, cycleStart); err != nil {
			log.Printf("Calendar %s sync failed: %v", res.notebook.CalendarID, err)
			failures++
		}
	}

	settings.Success = failures == 0
	// An interrupted clean sync stays latched until it completes.
	settings.NeedCleanSync = failures != 0 && forceClean
	if settings.Success {
		settings.Version = Version
	}
	if err := c.store.SaveSettings(c.account, settings); err != nil {
		return err
	}

	if failures > 0 {
		return fmt.Errorf("sync failed for %d of %d calendars", failures, len(results))
	}
	log.Printf("Sync complete for account %s (%d calendars)", c.account, len(results))
	return nil
}

// reconcileNotebooks lines the local notebook set up with the remote
// calendar list: create on first sight, update metadata, delete and purge
// when gone. A forced clean sync resets each notebook's events and sync
// state while preserving its uid.
func (c *Coordinator) reconcileNotebooks(calendars []remote.CalendarInfo, forceClean bool) ([]*store.Notebook, error) {
	existing, err := c.store.Notebooks(c.account)
	if err != nil {
		return nil, err
	}
	byCalendarID := make(map[string]*store.Notebook)
	for _, nb := range existing {
		byCalendarID[nb.CalendarID] = nb
	}

	var notebooks []*store.Notebook
	seen := make(map[string]bool)
	for _, cal := range calendars {
		access, ok := store.ParseAccessRole(cal.AccessRole)
		if !ok {
			log.Printf("Warning: skipping calendar %s with unknown access role %q", cal.ID, cal.AccessRole)
			continue
		}
		seen[cal.ID] = true

		nb := byCalendarID[cal.ID]
		if nb == nil {
			nb = &store.Notebook{
				UID:        c.newUID(),
				Account:    c.account,
				CalendarID: cal.ID,
				Color:      cal.Color,
			}
		}
		nb.Name = cal.Summary
		nb.Description = cal.Description
		nb.Email = cal.ID
		nb.Access = access
		nb.ReadOnly = !access.Writable()
		// The user may have recolored the notebook locally; only a
		// server-side color change overrides that.
		if cal.Color != nb.ServerColor {
			nb.Color = cal.Color
		}
		nb.ServerColor = cal.Color

		if forceClean {
			if err := c.store.PurgeEvents(nb.UID); err != nil {
				return nil, err
			}
			nb.SyncToken = ""
			nb.SyncDate = time.Time{}
		}
		if err := c.store.SaveNotebook(nb); err != nil {
			return nil, err
		}
		notebooks = append(notebooks, nb)
	}

	for _, nb := range existing {
		if !seen[nb.CalendarID] {
			log.Printf("Calendar %s disappeared from the account, removing notebook", nb.CalendarID)
			if err := c.store.DeleteNotebook(nb.UID); err != nil {
				return nil, err
			}
		}
	}
	return notebooks, nil
}

// fetchFeeds requests every calendar's change feed concurrently and waits
// for all of them to drain before reconciliation starts.
func (c *Coordinator) fetchFeeds(ctx context.Context, notebooks []*store.Notebook, cycleStart time.Time) []feedResult {
	results := make([]feedResult, len(notebooks))
	var wg gosync.WaitGroup
	for i, nb := range notebooks {
		wg.Add(1)
		go func(i int, nb *store.Notebook) {
			defer wg.Done()
			feed, err := c.client.Events(ctx, nb.CalendarID, nb.SyncToken, c.cleanWindow(nb, cycleStart))
			results[i] = feedResult{notebook: nb, feed: feed, err: err}
		}(i, nb)
	}
	wg.Wait()
	return results
}

// cleanWindow is the time window for a token-less fetch: up to one year in
// the past (or the stored resume date when later) through two years ahead.
func (c *Coordinator) cleanWindow(nb *store.Notebook, cycleStart time.Time) remote.TimeWindow {
	min := cycleStart.AddDate(-cleanSyncPastYears, 0, 0)
	if !nb.SyncDate.IsZero() && nb.SyncDate.After(min) {
		min = nb.SyncDate
	}
	return remote.TimeWindow{Min: min, Max: cycleStart.AddDate(cleanSyncFutureYears, 0, 0)}
}

// processCalendar runs reconciliation, upsync, local application and
// finalization for one calendar's drained feed.
func (c *Coordinator) processCalendar(ctx context.Context, res feedResult, cycleStart time.Time) error {
	nb := res.notebook

	if res.err != nil {
		// 410 directives are persisted for the next cycle; everything
		// else leaves the stored token and timestamp untouched so the
		// next cycle retries the same fetch.
		switch {
		case errors.Is(res.err, remote.ErrTokenInvalid):
			if err := c.store.SetSyncState(nb.UID, "", time.Time{}); err != nil {
				return err
			}
			return fmt.Errorf("sync token invalidated, clean sync scheduled: %w", res.err)
		case errors.Is(res.err, remote.ErrWindowTooOld):
			if err := c.store.SetSyncState(nb.UID, "", cycleStart.AddDate(0, 0, -1)); err != nil {
				return err
			}
			return fmt.Errorf("sync window too old, resuming from yesterday next cycle: %w", res.err)
		default:
			return res.err
		}
	}

	events, err := c.store.Events(nb.UID)
	if err != nil {
		return err
	}
	ls := newLocalState(nb, events)
	ls.cleanSync = nb.SyncToken == "" && nb.SyncDate.IsZero()
	ls.boundary = nb.SyncDate

	// No baseline means no local change log to consult; read-only
	// calendars never upsync.
	if !ls.cleanSync && !nb.ReadOnly {
		if err := c.loadLocalChanges(ls); err != nil {
			return err
		}
	}

	d := reconcile(res.feed.Events, ls, res.feed.DefaultReminderMinutes, c.verbose)
	if c.verbose {
		log.Printf("DEBUG: calendar %s: %d remote additions, %d modifications, %d deletions, %d cancellations, %d upsync ops, %d/%d discarded local/remote",
			nb.CalendarID, len(d.remoteAdditions), len(d.remoteModifications), len(d.remoteDeletions),
			len(d.occurrenceCancellations), len(d.upsync), d.discardedLocal, d.discardedRemote)
	}

	sq := newSequencer(c.client, nb.CalendarID, res.feed.DefaultReminderMinutes, ls, c.verbose)
	outcomes := sq.run(ctx, d.upsync)

	calFailed := false
	err = c.store.Batch(func(b *store.Batch) error {
		a := &applier{
			batch:           b,
			ls:              ls,
			cycleStart:      cycleStart,
			defaultReminder: res.feed.DefaultReminderMinutes,
			newUID:          c.newUID,
			verbose:         c.verbose,
		}
		if err := a.applyDownsync(d); err != nil {
			return err
		}
		failed, err := c.applyUpsyncOutcomes(b, ls, outcomes, cycleStart)
		if err != nil {
			return err
		}
		calFailed = failed
		return nil
	})
	if err != nil {
		return err
	}
	if calFailed {
		return fmt.Errorf("calendar %s had failing upsync operations", nb.CalendarID)
	}

	// Finalizing: the destructive commit and the token advance happen only
	// on full success.
	if err := c.store.SetSyncState(nb.UID, res.feed.NextSyncToken, cycleStart); err != nil {
		return err
	}
	return c.store.PurgeDeleted(nb.UID)
}

// loadLocalChanges fills the local change sets since the notebook's sync
// date. The deleted set unions the boundary and boundary+1s queries to
// cover the second-resolution created-timestamp hazard.
func (c *Coordinator) loadLocalChanges(ls *localState) error {
	nb := ls.notebook
	var err error
	if ls.added, err = c.store.InsertedSince(nb.UID, nb.SyncDate); err != nil {
		return err
	}
	if ls.modified, err = c.store.ModifiedSince(nb.UID, nb.SyncDate); err != nil {
		return err
	}

	seen := make(map[store.EventKey]bool)
	for _, since := range []time.Time{nb.SyncDate, nb.SyncDate.Add(time.Second)} {
		dels, err := c.store.DeletedSince(nb.UID, since)
		if err != nil {
			return err
		}
		for _, del := range dels {
			if !seen[del.Key()] {
				seen[del.Key()] = true
				ls.deleted = append(ls.deleted, del)
			}
		}
	}
	return nil
}

// applyUpsyncOutcomes captures assigned remote ids and fresh etags from
// upsync responses and writes failure flags onto records whose mutation
// failed. Returns whether any outcome fails the cycle.
func (c *Coordinator) applyUpsyncOutcomes(b *store.Batch, ls *localState, outcomes []upsyncOutcome, cycleStart time.Time) (bool, error) {
	failed := false
	for _, o := range outcomes {
		if o.err != nil {
			failed = true
		}
		if o.failure != store.FailureNone {
			failed = true
			if err := c.flagFailure(b, ls, o.op.event, o.failure); err != nil {
				return false, err
			}
			continue
		}
		if o.skipped || o.op.kind == opDelete || o.response == nil {
			// Deletions need no local writeback; the tombstone is purged
			// at finalization.
			continue
		}

		target, ok := ls.events[o.op.event.Key()]
		if !ok {
			// Deleted by a concurrent local action while the upload was
			// in flight.
			log.Printf("Warning: upsynced event %s no longer exists locally", o.op.event.UID)
			failed = true
			continue
		}
		if target.RemoteID == "" {
			target.RemoteID = o.response.Id
		}
		target.Etag = o.response.Etag
		target.LastModified = clampToCycleStart(parseStamp(o.response.Updated, cycleStart), cycleStart)
		target.Failure = store.FailureNone
		if err := b.UpdateEvent(target); err != nil {
			return false, err
		}
	}
	return failed, nil
}

// flagFailure persists a failure flag on the record, propagating a series
// failure to its exception occurrences. An existing failure flag is never
// overwritten by a weaker one from propagation.
func (c *Coordinator) flagFailure(b *store.Batch, ls *localState, ev *store.Event, flag store.FailureFlag) error {
	if ev.Deleted {
		ev.Failure = flag
		return b.UpdateEvent(ev)
	}

	target, ok := ls.events[ev.Key()]
	if !ok {
		return nil
	}
	target.Failure = flag
	if err := b.UpdateEvent(target); err != nil {
		return err
	}
	if target.IsOccurrence() {
		return nil
	}
	for key, occ := range ls.events {
		if key.UID == target.UID && occ.IsOccurrence() && occ.Failure == store.FailureNone {
			occ.Failure = flag
			if err := b.UpdateEvent(occ); err != nil {
				return err
			}
		}
	}
	return nil
}
