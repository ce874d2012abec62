// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import (
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// matchMemory tracks which calendar events have already been enriched and
// which mailboxes are permanently unreachable. Both sets grow monotonically
// and live only for the current process run; a durable backing store can be
// swapped in behind this type without touching the poll loop.
type matchMemory struct {
	seen   *cache.Cache
	failed *cache.Cache
}

func newMatchMemory() *matchMemory {
	return &matchMemory{
		seen:   cache.New(cache.NoExpiration, 0),
		failed: cache.New(cache.NoExpiration, 0),
	}
}

// MarkSeen records that an enrichment attempt has been initiated for the
// event. Insertions are never rolled back, even when the attempt fails.
func (m *matchMemory) MarkSeen(eventID string) {
	m.seen.Set(eventID, struct{}{}, cache.NoExpiration)
}

// Seen reports whether an enrichment attempt was already initiated for the event.
func (m *matchMemory) Seen(eventID string) bool {
	_, found := m.seen.Get(eventID)
	return found
}

// MarkFailed excludes a mailbox for the remainder of the process lifetime.
// Only the permanent "no mailbox" error class may reach this; transient
// failures are retried on the next cycle instead.
func (m *matchMemory) MarkFailed(mailbox string) {
	m.failed.Set(mailbox, struct{}{}, cache.NoExpiration)
}

// Failed reports whether the mailbox was excluded by a permanent failure.
func (m *matchMemory) Failed(mailbox string) bool {
	_, found := m.failed.Get(mailbox)
	return found
}

// calendarEvent holds the calendar item attributes the pipeline consumes.
type calendarEvent struct {
	ID        string
	ChangeKey string
	Subject   string
	Start     time.Time
	Created   time.Time
	Location  string
	Organizer string
}

// eventMatches is the match predicate: an event qualifies for enrichment iff
// it is unseen, was created strictly after the service started, carries the
// marker word in its location, and is organized by the polled mailbox itself.
// It is pure apart from the seen-set lookup and performs no I/O.
func eventMatches(ev calendarEvent, mailbox, marker string, startedAt time.Time, memory *matchMemory) bool {
	if ev.ID == "" || memory.Seen(ev.ID) {
		return false
	}
	if ev.Created.IsZero() || !ev.Created.After(startedAt) {
		return false
	}
	if ev.Location == "" || !strings.Contains(strings.ToLower(ev.Location), strings.ToLower(marker)) {
		return false
	}
	if ev.Organizer == "" || !strings.EqualFold(ev.Organizer, mailbox) {
		return false
	}
	return true
}
