package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the local calendar database: notebooks, events with tombstones,
// and per-account sync settings.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the calendar database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS notebooks (
			uid TEXT PRIMARY KEY,
			account TEXT NOT NULL,
			calendar_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			server_color TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			access_role TEXT NOT NULL DEFAULT 'none',
			read_only BOOLEAN NOT NULL DEFAULT 0,
			sync_token TEXT NOT NULL DEFAULT '',
			sync_date INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS events (
			uid TEXT NOT NULL,
			recurrence_id INTEGER NOT NULL DEFAULT 0,
			notebook_uid TEXT NOT NULL,
			remote_id TEXT NOT NULL DEFAULT '',
			etag TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			dtstart INTEGER NOT NULL DEFAULT 0,
			dtend INTEGER NOT NULL DEFAULT 0,
			all_day BOOLEAN NOT NULL DEFAULT 0,
			organizer TEXT NOT NULL DEFAULT '{}',
			attendees TEXT NOT NULL DEFAULT '[]',
			recurrence TEXT NOT NULL DEFAULT '[]',
			reminders TEXT NOT NULL DEFAULT '[]',
			sequence INTEGER NOT NULL DEFAULT 0,
			created INTEGER NOT NULL DEFAULT 0,
			last_modified INTEGER NOT NULL DEFAULT 0,
			read_only BOOLEAN NOT NULL DEFAULT 0,
			failure TEXT NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT 0,
			deleted_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (uid, recurrence_id)
		);

		CREATE TABLE IF NOT EXISTS settings (
			account TEXT PRIMARY KEY,
			success BOOLEAN NOT NULL DEFAULT 0,
			need_clean_sync BOOLEAN NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 0,
			ghost_sweep_done BOOLEAN NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_notebooks_account ON notebooks(account);
		CREATE INDEX IF NOT EXISTS idx_events_notebook ON events(notebook_uid);
		CREATE INDEX IF NOT EXISTS idx_events_remote ON events(remote_id);
		CREATE INDEX IF NOT EXISTS idx_events_deleted ON events(deleted);
	`)
	return err
}

type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Batch groups event mutations into a single transaction so one downsync
// application lands as one coherent revision.
type Batch struct {
	tx *sql.Tx
}

// Batch runs fn inside a transaction, committing on success and rolling
// back on error.
func (s *Store) Batch(fn func(b *Batch) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&Batch{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Notebooks returns all notebooks belonging to an account.
func (s *Store) Notebooks(account string) ([]*Notebook, error) {
	rows, err := s.db.Query(`
		SELECT uid, account, calendar_id, name, description, color, server_color,
		       email, access_role, read_only, sync_token, sync_date
		FROM notebooks
		WHERE account = ?
		ORDER BY calendar_id
	`, account)
	if err != nil {
		return nil, fmt.Errorf("failed to query notebooks: %w", err)
	}
	defer rows.Close()

	var notebooks []*Notebook
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, err
		}
		notebooks = append(notebooks, nb)
	}
	return notebooks, rows.Err()
}

func scanNotebook(rows *sql.Rows) (*Notebook, error) {
	var nb Notebook
	var role string
	var syncDate int64
	err := rows.Scan(&nb.UID, &nb.Account, &nb.CalendarID, &nb.Name, &nb.Description,
		&nb.Color, &nb.ServerColor, &nb.Email, &role, &nb.ReadOnly, &nb.SyncToken, &syncDate)
	if err != nil {
		return nil, fmt.Errorf("failed to scan notebook: %w", err)
	}
	nb.Access, _ = ParseAccessRole(role)
	if syncDate != 0 {
		nb.SyncDate = time.Unix(syncDate, 0).UTC()
	}
	return &nb, nil
}

// SaveNotebook inserts or updates a notebook keyed by uid.
func (s *Store) SaveNotebook(nb *Notebook) error {
	var syncDate int64
	if !nb.SyncDate.IsZero() {
		syncDate = nb.SyncDate.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO notebooks (uid, account, calendar_id, name, description, color,
		                       server_color, email, access_role, read_only, sync_token, sync_date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			account = excluded.account,
			calendar_id = excluded.calendar_id,
			name = excluded.name,
			description = excluded.description,
			color = excluded.color,
			server_color = excluded.server_color,
			email = excluded.email,
			access_role = excluded.access_role,
			read_only = excluded.read_only,
			sync_token = excluded.sync_token,
			sync_date = excluded.sync_date
	`, nb.UID, nb.Account, nb.CalendarID, nb.Name, nb.Description, nb.Color,
		nb.ServerColor, nb.Email, string(nb.Access), nb.ReadOnly, nb.SyncToken, syncDate)
	if err != nil {
		return fmt.Errorf("failed to save notebook: %w", err)
	}
	return nil
}

// DeleteNotebook removes a notebook and purges all of its events, including
// tombstones.
func (s *Store) DeleteNotebook(uid string) error {
	return s.Batch(func(b *Batch) error {
		if _, err := b.tx.Exec(`DELETE FROM events WHERE notebook_uid = ?`, uid); err != nil {
			return fmt.Errorf("failed to purge notebook events: %w", err)
		}
		if _, err := b.tx.Exec(`DELETE FROM notebooks WHERE uid = ?`, uid); err != nil {
			return fmt.Errorf("failed to delete notebook: %w", err)
		}
		return nil
	})
}

// SetSyncState persists a notebook's continuation token and sync timestamp.
// Clearing both forces a clean sync next cycle; clearing the token while
// keeping a recent timestamp yields a narrow window-bounded recovery.
func (s *Store) SetSyncState(notebookUID, token string, syncDate time.Time) error {
	var unix int64
	if !syncDate.IsZero() {
		unix = syncDate.Unix()
	}
	_, err := s.db.Exec(`UPDATE notebooks SET sync_token = ?, sync_date = ? WHERE uid = ?`,
		token, unix, notebookUID)
	if err != nil {
		return fmt.Errorf("failed to set sync state: %w", err)
	}
	return nil
}

const eventColumns = `uid, recurrence_id, notebook_uid, remote_id, etag, summary,
       description, location, dtstart, dtend, all_day, organizer, attendees,
       recurrence, reminders, sequence, created, last_modified, read_only,
       failure, deleted, deleted_at`

func scanEvent(rows *sql.Rows) (*Event, error) {
	var ev Event
	var recurrenceID, start, end, created, modified, deletedAt int64
	var organizer, attendees, recurrence, reminders, failure string
	err := rows.Scan(&ev.UID, &recurrenceID, &ev.NotebookUID, &ev.RemoteID, &ev.Etag,
		&ev.Summary, &ev.Description, &ev.Location, &start, &end, &ev.AllDay,
		&organizer, &attendees, &recurrence, &reminders, &ev.Sequence,
		&created, &modified, &ev.ReadOnly, &failure, &ev.Deleted, &deletedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.RecurrenceID = recurrenceTime(recurrenceID)
	ev.Start = time.Unix(start, 0).UTC()
	ev.End = time.Unix(end, 0).UTC()
	ev.Created = time.Unix(created, 0).UTC()
	ev.LastModified = time.Unix(modified, 0).UTC()
	ev.Failure = FailureFlag(failure)
	if deletedAt != 0 {
		ev.DeletedAt = time.Unix(deletedAt, 0).UTC()
	}

	if err := json.Unmarshal([]byte(organizer), &ev.Organizer); err != nil {
		return nil, fmt.Errorf("failed to parse organizer: %w", err)
	}
	if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
		return nil, fmt.Errorf("failed to parse attendees: %w", err)
	}
	if err := json.Unmarshal([]byte(recurrence), &ev.Recurrence); err != nil {
		return nil, fmt.Errorf("failed to parse recurrence: %w", err)
	}
	if err := json.Unmarshal([]byte(reminders), &ev.Reminders); err != nil {
		return nil, fmt.Errorf("failed to parse reminders: %w", err)
	}
	return &ev, nil
}

func queryEvents(q querier, where string, args ...interface{}) ([]*Event, error) {
	rows, err := q.Query(`SELECT `+eventColumns+` FROM events `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Events returns all live (non-deleted) events of a notebook, base series
// ordered before their exception occurrences.
func (s *Store) Events(notebookUID string) ([]*Event, error) {
	return queryEvents(s.db,
		`WHERE notebook_uid = ? AND deleted = 0 ORDER BY uid, recurrence_id`, notebookUID)
}

// Event returns one live event by local identity, or nil if absent.
func (s *Store) Event(notebookUID, uid string, recurrenceID time.Time) (*Event, error) {
	events, err := queryEvents(s.db,
		`WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ? AND deleted = 0`,
		notebookUID, uid, recurrenceUnix(recurrenceID))
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// InsertedSince returns live events created strictly after since.
func (s *Store) InsertedSince(notebookUID string, since time.Time) ([]*Event, error) {
	return queryEvents(s.db,
		`WHERE notebook_uid = ? AND deleted = 0 AND created > ? ORDER BY uid, recurrence_id`,
		notebookUID, since.Unix())
}

// ModifiedSince returns live events modified strictly after since but
// created at or before it, so fresh additions are not double reported.
func (s *Store) ModifiedSince(notebookUID string, since time.Time) ([]*Event, error) {
	return queryEvents(s.db,
		`WHERE notebook_uid = ? AND deleted = 0 AND last_modified > ? AND created <= ? ORDER BY uid, recurrence_id`,
		notebookUID, since.Unix(), since.Unix())
}

// DeletedSince returns tombstones deleted strictly after since AND created
// strictly before it. An event created exactly at since is invisible here
// even once deleted; callers union the results for since and since+1s to
// cover that resolution boundary.
func (s *Store) DeletedSince(notebookUID string, since time.Time) ([]*Event, error) {
	return queryEvents(s.db,
		`WHERE notebook_uid = ? AND deleted = 1 AND deleted_at > ? AND created < ? ORDER BY uid, recurrence_id`,
		notebookUID, since.Unix(), since.Unix())
}

// PurgeEvents permanently removes every event of a notebook, tombstones
// included. Used when a notebook is reset for a forced clean sync.
func (s *Store) PurgeEvents(notebookUID string) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE notebook_uid = ?`, notebookUID)
	if err != nil {
		return fmt.Errorf("failed to purge notebook events: %w", err)
	}
	return nil
}

// PurgeDeleted permanently removes every tombstone of a notebook. Called
// only during finalization of a fully successful cycle.
func (s *Store) PurgeDeleted(notebookUID string) error {
	_, err := s.db.Exec(`DELETE FROM events WHERE notebook_uid = ? AND deleted = 1`, notebookUID)
	if err != nil {
		return fmt.Errorf("failed to purge deleted events: %w", err)
	}
	return nil
}

// RemoveGhostEvents deletes events whose notebook no longer exists. Older
// versions could leave these behind when a calendar vanished mid-cycle.
func (s *Store) RemoveGhostEvents() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE notebook_uid NOT IN (SELECT uid FROM notebooks)`)
	if err != nil {
		return 0, fmt.Errorf("failed to remove ghost events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertEvent adds a new event record.
func (s *Store) InsertEvent(ev *Event) error { return insertEvent(s.db, ev) }

// InsertEvent adds a new event record within the batch.
func (b *Batch) InsertEvent(ev *Event) error { return insertEvent(b.tx, ev) }

func insertEvent(q querier, ev *Event) error {
	organizer, attendees, recurrence, reminders, err := encodeEventFields(ev)
	if err != nil {
		return err
	}
	var deletedAt int64
	if !ev.DeletedAt.IsZero() {
		deletedAt = ev.DeletedAt.Unix()
	}
	_, err = q.Exec(`
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.UID, recurrenceUnix(ev.RecurrenceID), ev.NotebookUID, ev.RemoteID, ev.Etag,
		ev.Summary, ev.Description, ev.Location, ev.Start.Unix(), ev.End.Unix(), ev.AllDay,
		organizer, attendees, recurrence, reminders, ev.Sequence,
		ev.Created.Unix(), ev.LastModified.Unix(), ev.ReadOnly, string(ev.Failure),
		ev.Deleted, deletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.UID, err)
	}
	return nil
}

// UpdateEvent overwrites an event record keyed by its local identity.
func (s *Store) UpdateEvent(ev *Event) error { return updateEvent(s.db, ev) }

// UpdateEvent overwrites an event record within the batch.
func (b *Batch) UpdateEvent(ev *Event) error { return updateEvent(b.tx, ev) }

func updateEvent(q querier, ev *Event) error {
	organizer, attendees, recurrence, reminders, err := encodeEventFields(ev)
	if err != nil {
		return err
	}
	var deletedAt int64
	if !ev.DeletedAt.IsZero() {
		deletedAt = ev.DeletedAt.Unix()
	}
	_, err = q.Exec(`
		UPDATE events SET
			notebook_uid = ?, remote_id = ?, etag = ?, summary = ?, description = ?,
			location = ?, dtstart = ?, dtend = ?, all_day = ?, organizer = ?, attendees = ?,
			recurrence = ?, reminders = ?, sequence = ?, created = ?, last_modified = ?,
			read_only = ?, failure = ?, deleted = ?, deleted_at = ?
		WHERE uid = ? AND recurrence_id = ?
	`, ev.NotebookUID, ev.RemoteID, ev.Etag, ev.Summary, ev.Description,
		ev.Location, ev.Start.Unix(), ev.End.Unix(), ev.AllDay, organizer, attendees,
		recurrence, reminders, ev.Sequence, ev.Created.Unix(), ev.LastModified.Unix(),
		ev.ReadOnly, string(ev.Failure), ev.Deleted, deletedAt,
		ev.UID, recurrenceUnix(ev.RecurrenceID))
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", ev.UID, err)
	}
	return nil
}

// DeleteEvent tombstones an event at the given time. The row survives until
// PurgeDeleted so the change log can report the deletion.
func (s *Store) DeleteEvent(notebookUID, uid string, recurrenceID time.Time, at time.Time) error {
	return deleteEvent(s.db, notebookUID, uid, recurrenceID, at)
}

// DeleteEvent tombstones an event within the batch.
func (b *Batch) DeleteEvent(notebookUID, uid string, recurrenceID time.Time, at time.Time) error {
	return deleteEvent(b.tx, notebookUID, uid, recurrenceID, at)
}

func deleteEvent(q querier, notebookUID, uid string, recurrenceID time.Time, at time.Time) error {
	_, err := q.Exec(`
		UPDATE events SET deleted = 1, deleted_at = ?
		WHERE notebook_uid = ? AND uid = ? AND recurrence_id = ?
	`, at.Unix(), notebookUID, uid, recurrenceUnix(recurrenceID))
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", uid, err)
	}
	return nil
}

// DeleteSeries tombstones a base series together with all of its exception
// occurrences.
func (b *Batch) DeleteSeries(notebookUID, uid string, at time.Time) error {
	_, err := b.tx.Exec(`
		UPDATE events SET deleted = 1, deleted_at = ?
		WHERE notebook_uid = ? AND uid = ?
	`, at.Unix(), notebookUID, uid)
	if err != nil {
		return fmt.Errorf("failed to delete series %s: %w", uid, err)
	}
	return nil
}

func encodeEventFields(ev *Event) (organizer, attendees, recurrence, reminders string, err error) {
	o, err := json.Marshal(ev.Organizer)
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode organizer: %w", err)
	}
	a, err := json.Marshal(emptyIfNilAttendees(ev.Attendees))
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode attendees: %w", err)
	}
	r, err := json.Marshal(emptyIfNilStrings(ev.Recurrence))
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode recurrence: %w", err)
	}
	m, err := json.Marshal(emptyIfNilInts(ev.Reminders))
	if err != nil {
		return "", "", "", "", fmt.Errorf("failed to encode reminders: %w", err)
	}
	return string(o), string(a), string(r), string(m), nil
}

func emptyIfNilAttendees(a []Attendee) []Attendee {
	if a == nil {
		return []Attendee{}
	}
	return a
}

func emptyIfNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyIfNilInts(i []int) []int {
	if i == nil {
		return []int{}
	}
	return i
}

// LoadSettings returns the per-account settings, zero-valued when the
// account has never synced.
func (s *Store) LoadSettings(account string) (Settings, error) {
	var st Settings
	err := s.db.QueryRow(`
		SELECT success, need_clean_sync, version, ghost_sweep_done
		FROM settings WHERE account = ?
	`, account).Scan(&st.Success, &st.NeedCleanSync, &st.Version, &st.GhostSweepDone)
	if err == sql.ErrNoRows {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	return st, nil
}

// SaveSettings persists the per-account settings.
func (s *Store) SaveSettings(account string, st Settings) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (account, success, need_clean_sync, version, ghost_sweep_done)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			success = excluded.success,
			need_clean_sync = excluded.need_clean_sync,
			version = excluded.version,
			ghost_sweep_done = excluded.ghost_sweep_done
	`, account, st.Success, st.NeedCleanSync, st.Version, st.GhostSweepDone)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
