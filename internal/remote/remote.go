package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Sentinel errors for the remote failure taxonomy. Everything else coming
// out of this package is a transient, cycle-failing error.
var (
	// ErrTokenInvalid is a 410 telling us the stored sync token is no
	// longer usable; the calendar needs a clean sync next cycle.
	ErrTokenInvalid = errors.New("sync token invalidated")
	// ErrWindowTooOld is a 410 with reason updatedMinTooLongAgo; the
	// calendar can recover with a narrow window instead of a clean sync.
	ErrWindowTooOld = errors.New("sync window too far in the past")
	// ErrIDCollision is a 409 rejecting a generated event id.
	ErrIDCollision = errors.New("generated event id already in use")
	// ErrNonOrganizer is a 403 for editing a shared event we do not
	// organize; tolerated and skipped.
	ErrNonOrganizer = errors.New("not organizer of shared event")
	// ErrRateLimited is a usage-limit 403; the operation may be retried
	// after a delay.
	ErrRateLimited = errors.New("request rate limited")
)

const (
	reasonUpdatedMinTooOld = "updatedMinTooLongAgo"
	reasonNonOrganizer     = "forbiddenForNonOrganizer"
	reasonRateLimited      = "rateLimitExceeded"
	reasonUserRateLimited  = "userRateLimitExceeded"
)

// CalendarInfo is one entry from the account's calendar list.
type CalendarInfo struct {
	ID          string
	Summary     string
	Description string
	Color       string
	AccessRole  string
}

// TimeWindow bounds a clean (token-less) feed fetch.
type TimeWindow struct {
	Min time.Time
	Max time.Time
}

// Feed is one fully drained change feed for a calendar.
type Feed struct {
	Events        []*calendar.Event
	NextSyncToken string
	// DefaultReminderMinutes is the calendar's default popup reminder
	// offset, or -1 when the calendar has none.
	DefaultReminderMinutes int
}

// Client is the remote calendar service surface the sync engine needs.
type Client interface {
	Calendars(ctx context.Context) ([]CalendarInfo, error)
	Events(ctx context.Context, calendarID, syncToken string, window TimeWindow) (*Feed, error)
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// client wraps the Google Calendar API service.
type client struct {
	service *calendar.Service
}

// NewClient creates a remote calendar client using the provided
// authenticated HTTP client.
func NewClient(ctx context.Context, httpClient *http.Client) (Client, error) {
	service, err := calendar.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &client{service: service}, nil
}

// Calendars drains the account's calendar list.
func (c *client) Calendars(ctx context.Context) ([]CalendarInfo, error) {
	var calendars []CalendarInfo
	pageToken := ""
	for {
		call := c.service.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list calendars: %w", err)
		}
		for _, entry := range resp.Items {
			if entry.Deleted {
				continue
			}
			calendars = append(calendars, CalendarInfo{
				ID:          entry.Id,
				Summary:     entry.Summary,
				Description: entry.Description,
				Color:       entry.BackgroundColor,
				AccessRole:  entry.AccessRole,
			})
		}
		if resp.NextPageToken == "" {
			return calendars, nil
		}
		pageToken = resp.NextPageToken
	}
}

// Events drains the change feed for one calendar. A non-empty syncToken
// selects a delta fetch; otherwise the window bounds a clean fetch.
// Cancelled events are included so deletions downsync.
func (c *client) Events(ctx context.Context, calendarID, syncToken string, window TimeWindow) (*Feed, error) {
	feed := &Feed{DefaultReminderMinutes: -1}
	pageToken := ""
	for {
		call := c.service.Events.List(calendarID).
			EventTypes("default").
			ShowDeleted(true).
			Context(ctx)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		} else {
			call = call.TimeMin(window.Min.Format(time.RFC3339)).
				TimeMax(window.Max.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classifyFeedError(calendarID, err)
		}

		feed.Events = append(feed.Events, resp.Items...)
		for _, rem := range resp.DefaultReminders {
			if rem.Method == "popup" {
				feed.DefaultReminderMinutes = int(rem.Minutes)
			}
		}
		if resp.NextSyncToken != "" {
			feed.NextSyncToken = resp.NextSyncToken
		}
		if resp.NextPageToken == "" {
			return feed, nil
		}
		pageToken = resp.NextPageToken
	}
}

// InsertEvent creates an event; the caller may pre-assign the event id.
// Notifications are suppressed so syncing never spams attendees.
func (c *client) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (*calendar.Event, error) {
	created, err := c.service.Events.Insert(calendarID, event).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyWriteError("insert", calendarID, err)
	}
	return created, nil
}

// UpdateEvent overwrites an event remotely.
func (c *client) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) (*calendar.Event, error) {
	updated, err := c.service.Events.Update(calendarID, eventID, event).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyWriteError("update", calendarID, err)
	}
	return updated, nil
}

// DeleteEvent removes an event remotely. 404 and 410 mean the event is
// already gone and count as success.
func (c *client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.service.Events.Delete(calendarID, eventID).
		SendUpdates("none").
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			return nil
		}
		return classifyWriteError("delete", calendarID, err)
	}
	return nil
}

func classifyFeedError(calendarID string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusGone {
		if hasReason(gerr, reasonUpdatedMinTooOld) {
			return fmt.Errorf("calendar %s: %w", calendarID, ErrWindowTooOld)
		}
		return fmt.Errorf("calendar %s: %w", calendarID, ErrTokenInvalid)
	}
	return fmt.Errorf("failed to fetch events for calendar %s: %w", calendarID, err)
}

func classifyWriteError(op, calendarID string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusConflict:
			return fmt.Errorf("%s in calendar %s: %w", op, calendarID, ErrIDCollision)
		case http.StatusForbidden:
			if hasReason(gerr, reasonNonOrganizer) {
				return fmt.Errorf("%s in calendar %s: %w", op, calendarID, ErrNonOrganizer)
			}
			if hasReason(gerr, reasonRateLimited) || hasReason(gerr, reasonUserRateLimited) {
				return fmt.Errorf("%s in calendar %s: %w", op, calendarID, ErrRateLimited)
			}
		case http.StatusTooManyRequests:
			return fmt.Errorf("%s in calendar %s: %w", op, calendarID, ErrRateLimited)
		}
	}
	return fmt.Errorf("failed to %s event in calendar %s: %w", op, calendarID, err)
}

func hasReason(gerr *googleapi.Error, reason string) bool {
	for _, item := range gerr.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return false
}
