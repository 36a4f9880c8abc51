package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"caldelta/internal/remote"
	"caldelta/internal/store"

	"google.golang.org/api/calendar/v3"
)

// mockService is a full remote.Client stand-in for coordinator tests. Feed
// fetches run concurrently, so call records are guarded.
type mockService struct {
	mu gosync.Mutex

	calendars []remote.CalendarInfo
	feeds     map[string]*remote.Feed
	feedErrs  map[string]error

	insertErr error
	updateErr error
	deleteErr error

	tokens   []string
	inserted []*calendar.Event
	updated  []string
	deleted  []string
}

func (m *mockService) Calendars(ctx context.Context) ([]remote.CalendarInfo, error) {
	return m.calendars, nil
}

func (m *mockService) Events(ctx context.Context, calendarID, syncToken string, window remote.TimeWindow) (*remote.Feed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens, syncToken)
	if err := m.feedErrs[calendarID]; err != nil {
		return nil, err
	}
	feed, ok := m.feeds[calendarID]
	if !ok {
		return &remote.Feed{DefaultReminderMinutes: -1}, nil
	}
	return feed, nil
}

func (m *mockService) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	m.inserted = append(m.inserted, event)
	return &calendar.Event{Id: event.Id, Etag: "etag-ins", Updated: "2025-08-20T12:00:00Z"}, nil
}

func (m *mockService) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.updated = append(m.updated, eventID)
	return &calendar.Event{Id: eventID, Etag: "etag-upd", Updated: "2025-08-20T12:00:00Z"}, nil
}

func (m *mockService) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, eventID)
	return nil
}

var testCycleStart = time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)

func testCoordinator(st *store.Store, client remote.Client) *Coordinator {
	c := New(st, client, "test", false)
	c.now = func() time.Time { return testCycleStart }
	c.newUID = sequentialUIDs("gen")
	return c
}

func ownedCalendar(id string) remote.CalendarInfo {
	return remote.CalendarInfo{ID: id, Summary: "Calendar " + id, AccessRole: "owner", Color: "#3366cc"}
}

// seedSyncedNotebook stores a notebook with an established sync baseline and
// healthy account settings, the state after a previous successful cycle.
func seedSyncedNotebook(t *testing.T, st *store.Store, calendarID, token string, syncDate time.Time) *store.Notebook {
	t.Helper()
	nb := &store.Notebook{
		UID:        "nb-" + calendarID,
		Account:    "test",
		CalendarID: calendarID,
		Access:     store.AccessOwner,
		SyncToken:  token,
		SyncDate:   syncDate,
	}
	if err := st.SaveNotebook(nb); err != nil {
		t.Fatalf("SaveNotebook() returned an error: %v", err)
	}
	err := st.SaveSettings("test", store.Settings{Success: true, Version: Version, GhostSweepDone: true})
	if err != nil {
		t.Fatalf("SaveSettings() returned an error: %v", err)
	}
	return nb
}

func TestSyncDownsyncsNewCalendar(t *testing.T) {
	st := openSyncTestStore(t)
	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feeds: map[string]*remote.Feed{
			"cal-1": {
				Events: []*calendar.Event{{
					Id:      "r1",
					Etag:    "e1",
					Status:  "confirmed",
					Summary: "Meeting",
					Start:   timedEDT("2025-08-21T09:00:00Z"),
					End:     timedEDT("2025-08-21T09:30:00Z"),
					Updated: "2025-08-19T10:00:00Z",
				}},
				NextSyncToken:          "tok-1",
				DefaultReminderMinutes: -1,
			},
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() returned an error: %v", err)
	}

	notebooks, err := st.Notebooks("test")
	if err != nil {
		t.Fatalf("Notebooks() returned an error: %v", err)
	}
	if len(notebooks) != 1 {
		t.Fatalf("Expected 1 notebook, got %d", len(notebooks))
	}
	nb := notebooks[0]
	if nb.SyncToken != "tok-1" {
		t.Errorf("Expected sync token tok-1, got %q", nb.SyncToken)
	}
	if !nb.SyncDate.Equal(testCycleStart) {
		t.Errorf("Expected sync date %v, got %v", testCycleStart, nb.SyncDate)
	}

	events, err := st.Events(nb.UID)
	if err != nil {
		t.Fatalf("Events() returned an error: %v", err)
	}
	if len(events) != 1 || events[0].RemoteID != "r1" {
		t.Fatalf("Expected the remote event to be stored, got %+v", events)
	}

	settings, err := st.LoadSettings("test")
	if err != nil {
		t.Fatalf("LoadSettings() returned an error: %v", err)
	}
	if !settings.Success || settings.Version != Version {
		t.Errorf("Expected success with version %d, got %+v", Version, settings)
	}
}

func TestSyncInvalidTokenSchedulesCleanSync(t *testing.T) {
	st := openSyncTestStore(t)
	nb := seedSyncedNotebook(t, st, "cal-1", "stale-token", testCycleStart.Add(-24*time.Hour))
	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feedErrs: map[string]error{
			"cal-1": fmt.Errorf("calendar cal-1: %w", remote.ErrTokenInvalid),
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err == nil {
		t.Fatal("Expected Sync() to report the failed calendar")
	}

	notebooks, err := st.Notebooks("test")
	if err != nil {
		t.Fatalf("Notebooks() returned an error: %v", err)
	}
	got := notebooks[0]
	if got.UID != nb.UID {
		t.Fatalf("Expected notebook uid to be preserved, got %s", got.UID)
	}
	if got.SyncToken != "" || !got.SyncDate.IsZero() {
		t.Errorf("Expected cleared sync state for a clean sync, got token=%q date=%v",
			got.SyncToken, got.SyncDate)
	}

	settings, err := st.LoadSettings("test")
	if err != nil {
		t.Fatalf("LoadSettings() returned an error: %v", err)
	}
	if settings.Success {
		t.Error("Expected the cycle to be recorded as failed")
	}
}

func TestSyncWindowTooOldResumesFromYesterday(t *testing.T) {
	st := openSyncTestStore(t)
	seedSyncedNotebook(t, st, "cal-1", "stale-token", testCycleStart.AddDate(0, -6, 0))
	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feedErrs: map[string]error{
			"cal-1": fmt.Errorf("calendar cal-1: %w", remote.ErrWindowTooOld),
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err == nil {
		t.Fatal("Expected Sync() to report the failed calendar")
	}

	notebooks, err := st.Notebooks("test")
	if err != nil {
		t.Fatalf("Notebooks() returned an error: %v", err)
	}
	got := notebooks[0]
	if got.SyncToken != "" {
		t.Errorf("Expected the token to be cleared, got %q", got.SyncToken)
	}
	wantDate := testCycleStart.AddDate(0, 0, -1)
	if !got.SyncDate.Equal(wantDate) {
		t.Errorf("Expected recovery date %v (yesterday), got %v", wantDate, got.SyncDate)
	}
}

func TestSyncFinalizesOnlyOnFullSuccess(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", baseline)

	// A local deletion made after the last cycle, pending upsync.
	tomb := &store.Event{
		UID:          "d1",
		NotebookUID:  nb.UID,
		RemoteID:     "rd1",
		Summary:      "To be deleted remotely",
		Start:        baseline,
		End:          baseline.Add(time.Hour),
		Created:      baseline.Add(-time.Hour),
		LastModified: baseline.Add(-time.Hour),
		Deleted:      true,
		DeletedAt:    baseline.Add(30 * time.Minute),
	}
	if err := st.InsertEvent(tomb); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feeds: map[string]*remote.Feed{
			"cal-1": {NextSyncToken: "tok-new", DefaultReminderMinutes: -1},
		},
		deleteErr: errors.New("backend unavailable"),
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err == nil {
		t.Fatal("Expected Sync() to fail when the upsync deletion fails")
	}

	notebooks, err := st.Notebooks("test")
	if err != nil {
		t.Fatalf("Notebooks() returned an error: %v", err)
	}
	if notebooks[0].SyncToken != "tok-old" {
		t.Errorf("Expected the token to stay at tok-old on failure, got %q", notebooks[0].SyncToken)
	}

	// The tombstone must survive so the deletion replays next cycle.
	dels, err := st.DeletedSince(nb.UID, baseline)
	if err != nil {
		t.Fatalf("DeletedSince() returned an error: %v", err)
	}
	if len(dels) != 1 {
		t.Errorf("Expected the tombstone to survive the failed cycle, got %d", len(dels))
	}
}

func TestSyncUploadsLocalAddition(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", baseline)

	added := &store.Event{
		UID:          "a1",
		NotebookUID:  nb.UID,
		Summary:      "Created locally",
		Start:        testCycleStart.Add(48 * time.Hour),
		End:          testCycleStart.Add(49 * time.Hour),
		Created:      baseline.Add(time.Hour),
		LastModified: baseline.Add(time.Hour),
	}
	if err := st.InsertEvent(added); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feeds: map[string]*remote.Feed{
			"cal-1": {NextSyncToken: "tok-new", DefaultReminderMinutes: -1},
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() returned an error: %v", err)
	}

	if len(mock.inserted) != 1 {
		t.Fatalf("Expected 1 remote insert, got %d", len(mock.inserted))
	}
	payload := mock.inserted[0]
	if payload.ExtendedProperties == nil || payload.ExtendedProperties.Private[localUIDProperty] != "a1" {
		t.Error("Expected the local uid to ride along in the extended properties")
	}

	got, err := st.Event(nb.UID, "a1", time.Time{})
	if err != nil {
		t.Fatalf("Event() returned an error: %v", err)
	}
	if got.RemoteID != payload.Id {
		t.Errorf("Expected the assigned remote id %s to be captured, got %s", payload.Id, got.RemoteID)
	}
	if got.Etag != "etag-ins" {
		t.Errorf("Expected the fresh etag to be captured, got %s", got.Etag)
	}

	notebooks, _ := st.Notebooks("test")
	if notebooks[0].SyncToken != "tok-new" {
		t.Errorf("Expected the token to advance to tok-new, got %q", notebooks[0].SyncToken)
	}
}

func TestSyncRemoteDeletionBeatsLocalModification(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", baseline)

	ev := &store.Event{
		UID:          "e1",
		NotebookUID:  nb.UID,
		RemoteID:     "r1",
		Etag:         "et1",
		Summary:      "Edited locally",
		Start:        testCycleStart.Add(24 * time.Hour),
		End:          testCycleStart.Add(25 * time.Hour),
		Created:      baseline.Add(-time.Hour),
		LastModified: baseline.Add(time.Hour),
	}
	if err := st.InsertEvent(ev); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feeds: map[string]*remote.Feed{
			"cal-1": {
				Events:                 []*calendar.Event{{Id: "r1", Status: "cancelled"}},
				NextSyncToken:          "tok-new",
				DefaultReminderMinutes: -1,
			},
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() returned an error: %v", err)
	}

	if len(mock.updated) != 0 {
		t.Errorf("Expected the discarded local edit to never reach the remote, got updates %v", mock.updated)
	}
	events, err := st.Events(nb.UID)
	if err != nil {
		t.Fatalf("Events() returned an error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected the event to be deleted locally, got %d events", len(events))
	}
	// Finalization purged the tombstone too.
	dels, err := st.DeletedSince(nb.UID, baseline)
	if err != nil {
		t.Fatalf("DeletedSince() returned an error: %v", err)
	}
	if len(dels) != 0 {
		t.Errorf("Expected tombstones purged after a successful cycle, got %d", len(dels))
	}
}

func TestSyncReadOnlyCalendarNeverUpsyncs(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", baseline)

	added := &store.Event{
		UID:          "a1",
		NotebookUID:  nb.UID,
		Summary:      "Created locally",
		Start:        testCycleStart.Add(48 * time.Hour),
		End:          testCycleStart.Add(49 * time.Hour),
		Created:      baseline.Add(time.Hour),
		LastModified: baseline.Add(time.Hour),
	}
	if err := st.InsertEvent(added); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	mock := &mockService{
		calendars: []remote.CalendarInfo{{ID: "cal-1", Summary: "Shared", AccessRole: "reader"}},
		feeds: map[string]*remote.Feed{
			"cal-1": {NextSyncToken: "tok-new", DefaultReminderMinutes: -1},
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() returned an error: %v", err)
	}
	if len(mock.inserted) != 0 {
		t.Errorf("Expected no uploads for a read-only calendar, got %d", len(mock.inserted))
	}
}

func TestSyncRemovesVanishedCalendar(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-gone", "tok-old", baseline)
	ev := &store.Event{
		UID:         "e1",
		NotebookUID: nb.UID,
		RemoteID:    "r1",
		Start:       baseline,
		End:         baseline.Add(time.Hour),
		Created:     baseline.Add(-time.Hour),
	}
	if err := st.InsertEvent(ev); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	mock := &mockService{calendars: []remote.CalendarInfo{ownedCalendar("cal-1")}}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() returned an error: %v", err)
	}

	notebooks, err := st.Notebooks("test")
	if err != nil {
		t.Fatalf("Notebooks() returned an error: %v", err)
	}
	if len(notebooks) != 1 || notebooks[0].CalendarID != "cal-1" {
		t.Fatalf("Expected only cal-1 to remain, got %+v", notebooks)
	}
	events, err := st.Events(nb.UID)
	if err != nil {
		t.Fatalf("Events() returned an error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected the vanished calendar's events to be purged, got %d", len(events))
	}
}

func TestSyncPreservesLocalRecolor(t *testing.T) {
	st := openSyncTestStore(t)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", testCycleStart.Add(-24*time.Hour))
	nb.Color = "#ff0000" // user recolored locally
	nb.ServerColor = "#3366cc"
	if err := st.SaveNotebook(nb); err != nil {
		t.Fatalf("SaveNotebook() returned an error: %v", err)
	}

	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")}, // server color unchanged
		feeds: map[string]*remote.Feed{
			"cal-1": {NextSyncToken: "tok-new", DefaultReminderMinutes: -1},
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() returned an error: %v", err)
	}

	notebooks, _ := st.Notebooks("test")
	if notebooks[0].Color != "#ff0000" {
		t.Errorf("Expected the local recolor to survive, got %q", notebooks[0].Color)
	}
}

func TestSyncFailedCycleRetainsDeltaBaseline(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", baseline)

	// A local addition that has never reached the remote side.
	added := &store.Event{
		UID:          "a1",
		NotebookUID:  nb.UID,
		Summary:      "Created locally",
		Start:        testCycleStart.Add(48 * time.Hour),
		End:          testCycleStart.Add(49 * time.Hour),
		Created:      baseline.Add(time.Hour),
		LastModified: baseline.Add(time.Hour),
	}
	if err := st.InsertEvent(added); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feedErrs: map[string]error{
			"cal-1": errors.New("backend unavailable"),
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err == nil {
		t.Fatal("Expected Sync() to report the failed calendar")
	}

	// A failed cycle must not degrade the next one to a clean sync: the
	// token and baseline stay put so the same delta fetch is retried.
	mock.feedErrs = nil
	mock.feeds = map[string]*remote.Feed{
		"cal-1": {NextSyncToken: "tok-new", DefaultReminderMinutes: -1},
	}
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Second Sync() returned an error: %v", err)
	}

	if len(mock.tokens) != 2 || mock.tokens[1] != "tok-old" {
		t.Fatalf("Expected the retry to reuse token tok-old, got fetches %v", mock.tokens)
	}
	if len(mock.inserted) != 1 {
		t.Fatalf("Expected the pending local addition to be uploaded, got %d inserts", len(mock.inserted))
	}
	got, err := st.Event(nb.UID, "a1", time.Time{})
	if err != nil {
		t.Fatalf("Event() returned an error: %v", err)
	}
	if got.RemoteID == "" {
		t.Error("Expected the local addition to survive the failed cycle and gain a remote id")
	}
	notebooks, _ := st.Notebooks("test")
	if notebooks[0].SyncToken != "tok-new" {
		t.Errorf("Expected the token to advance to tok-new, got %q", notebooks[0].SyncToken)
	}
}

func TestSyncReplaysFeedAfterInterruptedCycle(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", baseline)

	// A pending upsync deletion whose failure keeps the first cycle from
	// finalizing after the downsync has already been applied.
	tomb := &store.Event{
		UID:          "d1",
		NotebookUID:  nb.UID,
		RemoteID:     "rd1",
		Summary:      "To be deleted remotely",
		Start:        baseline,
		End:          baseline.Add(time.Hour),
		Created:      baseline.Add(-time.Hour),
		LastModified: baseline.Add(-time.Hour),
		Deleted:      true,
		DeletedAt:    baseline.Add(30 * time.Minute),
	}
	if err := st.InsertEvent(tomb); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	feed := &remote.Feed{
		Events: []*calendar.Event{{
			Id:      "r1",
			Etag:    "e1",
			Status:  "confirmed",
			Summary: "Meeting",
			Start:   timedEDT("2025-08-21T09:00:00Z"),
			End:     timedEDT("2025-08-21T09:30:00Z"),
			Created: "2025-08-18T10:00:00Z",
			Updated: "2025-08-18T10:00:00Z",
		}},
		NextSyncToken:          "tok-new",
		DefaultReminderMinutes: -1,
	}
	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feeds:     map[string]*remote.Feed{"cal-1": feed},
		deleteErr: errors.New("backend unavailable"),
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err == nil {
		t.Fatal("Expected the first Sync() to fail")
	}
	notebooks, _ := st.Notebooks("test")
	if notebooks[0].SyncToken != "tok-old" {
		t.Fatalf("Expected the token to stay at tok-old, got %q", notebooks[0].SyncToken)
	}

	// The retry fetches the identical feed with the unadvanced token; the
	// already-applied downsync must not duplicate or bounce back upstream.
	mock.deleteErr = nil
	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Second Sync() returned an error: %v", err)
	}

	if len(mock.tokens) != 2 || mock.tokens[0] != "tok-old" || mock.tokens[1] != "tok-old" {
		t.Fatalf("Expected both fetches to use tok-old, got %v", mock.tokens)
	}
	events, err := st.Events(nb.UID)
	if err != nil {
		t.Fatalf("Events() returned an error: %v", err)
	}
	if len(events) != 1 || events[0].RemoteID != "r1" {
		t.Fatalf("Expected exactly one copy of the remote event, got %+v", events)
	}
	if len(mock.inserted) != 0 || len(mock.updated) != 0 {
		t.Errorf("Expected the replayed event to trigger no uploads, got %d inserts %d updates",
			len(mock.inserted), len(mock.updated))
	}
	if len(mock.deleted) != 1 || mock.deleted[0] != "rd1" {
		t.Errorf("Expected the pending deletion to be retried once, got %v", mock.deleted)
	}
	notebooks, _ = st.Notebooks("test")
	if notebooks[0].SyncToken != "tok-new" {
		t.Errorf("Expected the token to advance after the clean retry, got %q", notebooks[0].SyncToken)
	}
	settings, _ := st.LoadSettings("test")
	if !settings.Success {
		t.Error("Expected the retry cycle to be recorded as successful")
	}
}

func TestSyncForcesCleanAfterVersionBump(t *testing.T) {
	st := openSyncTestStore(t)
	baseline := testCycleStart.Add(-24 * time.Hour)
	nb := seedSyncedNotebook(t, st, "cal-1", "tok-old", baseline)
	err := st.SaveSettings("test", store.Settings{Success: true, Version: Version - 1, GhostSweepDone: true})
	if err != nil {
		t.Fatalf("SaveSettings() returned an error: %v", err)
	}
	ev := &store.Event{
		UID:         "e1",
		NotebookUID: nb.UID,
		RemoteID:    "r1",
		Start:       baseline,
		End:         baseline.Add(time.Hour),
		Created:     baseline.Add(-time.Hour),
	}
	if err := st.InsertEvent(ev); err != nil {
		t.Fatalf("InsertEvent() returned an error: %v", err)
	}

	mock := &mockService{
		calendars: []remote.CalendarInfo{ownedCalendar("cal-1")},
		feeds: map[string]*remote.Feed{
			"cal-1": {NextSyncToken: "tok-new", DefaultReminderMinutes: -1},
		},
	}
	c := testCoordinator(st, mock)

	if err := c.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() returned an error: %v", err)
	}

	// The old local copy was purged by the forced clean sync and the feed
	// carried nothing, so the notebook is empty but kept its uid.
	notebooks, _ := st.Notebooks("test")
	if notebooks[0].UID != nb.UID {
		t.Errorf("Expected the notebook uid to be preserved, got %s", notebooks[0].UID)
	}
	events, err := st.Events(nb.UID)
	if err != nil {
		t.Fatalf("Events() returned an error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected the forced clean sync to purge local events, got %d", len(events))
	}
	settings, _ := st.LoadSettings("test")
	if !settings.Success || settings.Version != Version {
		t.Errorf("Expected the version stamp to advance to %d, got %+v", Version, settings)
	}
}
