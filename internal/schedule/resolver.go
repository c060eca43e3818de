// Package schedule converts declarative date-relative send definitions
// into concrete send timestamps in the campground's local time zone.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campreserv/outreach/internal/store"
)

// ErrMissingAnchor indicates the reservation lacks the timestamp the
// entry anchors on. The delivery is skipped, not retried; the data will
// not materialize later.
var ErrMissingAnchor = errors.New("reservation is missing the anchor timestamp")

// ResolveSendTime computes the absolute send instant for an entry.
//
// Day-unit entries are normalized to sendHour:00:00 local time on the
// computed date. Hour-unit entries send at the precise computed instant:
// an entry like "1 hour before arrival" would be meaningless if snapped
// to a fixed hour of day.
//
// The result may lie in the past when evaluation runs late; the
// dispatcher decides what a past timestamp means, not the resolver.
func ResolveSendTime(entry *store.ScheduleEntry, sendHour int, arrivalAt, departureAt time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	var base time.Time
	switch entry.Anchor {
	case store.AnchorArrival:
		base = arrivalAt
	case store.AnchorDeparture:
		base = departureAt
	default:
		return time.Time{}, fmt.Errorf("unknown anchor: %s", entry.Anchor)
	}
	if base.IsZero() {
		return time.Time{}, ErrMissingAnchor
	}

	var delta time.Duration
	switch entry.Unit {
	case store.UnitHours:
		delta = time.Duration(entry.Offset) * time.Hour
	case store.UnitDays:
		delta = time.Duration(entry.Offset) * 24 * time.Hour
	default:
		return time.Time{}, fmt.Errorf("unknown unit: %s", entry.Unit)
	}

	if entry.Direction == store.DirectionBefore {
		delta = -delta
	} else if entry.Direction != store.DirectionAfter {
		return time.Time{}, fmt.Errorf("unknown direction: %s", entry.Direction)
	}

	candidate := base.Add(delta).In(loc)

	if entry.Unit == store.UnitHours {
		return candidate, nil
	}

	year, month, day := candidate.Date()
	return time.Date(year, month, day, sendHour, 0, 0, 0, loc), nil
}

// DefaultSurveyOffsetDays is the synthetic post-stay entry's offset.
const DefaultSurveyOffsetDays = 1

// EntriesFor returns the effective schedule for a campground: the
// enabled stored entries plus the synthetic always-on post-stay entry
// (one day after departure). The synthetic entry cannot be disabled or
// deleted; a stored post-stay survey entry only overrides its template.
func EntriesFor(stored []*store.ScheduleEntry, campgroundID uuid.UUID, defaultTemplateID *uuid.UUID) []*store.ScheduleEntry {
	entries := make([]*store.ScheduleEntry, 0, len(stored)+1)

	templateID := defaultTemplateID
	for _, entry := range stored {
		if !entry.Enabled {
			continue
		}
		if isDefaultShape(entry) && entry.TemplateID != nil {
			// Staff override of the synthetic entry's template.
			templateID = entry.TemplateID
			continue
		}
		entries = append(entries, entry)
	}

	entries = append(entries, &store.ScheduleEntry{
		ID:           uuid.Nil, // synthetic, never persisted
		CampgroundID: campgroundID,
		Anchor:       store.AnchorDeparture,
		Direction:    store.DirectionAfter,
		Offset:       DefaultSurveyOffsetDays,
		Unit:         store.UnitDays,
		TemplateID:   templateID,
		Enabled:      true,
	})

	return entries
}

func isDefaultShape(entry *store.ScheduleEntry) bool {
	return entry.Anchor == store.AnchorDeparture &&
		entry.Direction == store.DirectionAfter &&
		entry.Offset == DefaultSurveyOffsetDays &&
		entry.Unit == store.UnitDays
}

// Validate checks an entry's declarative fields at the settings
// boundary, before it reaches the engine.
func Validate(entry *store.ScheduleEntry) error {
	if entry.Offset < 0 {
		return fmt.Errorf("offset must be >= 0, got %d", entry.Offset)
	}
	if entry.Unit != store.UnitHours && entry.Unit != store.UnitDays {
		return fmt.Errorf("unit must be hours or days, got %q", entry.Unit)
	}
	if entry.Anchor != store.AnchorArrival && entry.Anchor != store.AnchorDeparture {
		return fmt.Errorf("anchor must be arrival or departure, got %q", entry.Anchor)
	}
	if entry.Direction != store.DirectionBefore && entry.Direction != store.DirectionAfter {
		return fmt.Errorf("direction must be before or after, got %q", entry.Direction)
	}
	return nil
}
