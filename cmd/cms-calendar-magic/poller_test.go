// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type updateCall struct {
	mailbox   string
	itemID    string
	changeKey string
	body      string
}

// fakeCalendar is an in-memory calendar service.
type fakeCalendar struct {
	events    map[string][]calendarEvent
	findErr   map[string]error
	findCalls map[string]int

	body   string
	getErr error

	updates      []updateCall
	updateErr    error
	updateCtxErr error
}

func (f *fakeCalendar) FindUpcomingEvents(_ context.Context, mailbox string, _ time.Time, _ int) ([]calendarEvent, error) {
	if f.findCalls == nil {
		f.findCalls = map[string]int{}
	}
	f.findCalls[mailbox]++
	if err := f.findErr[mailbox]; err != nil {
		return nil, err
	}
	return f.events[mailbox], nil
}

func (f *fakeCalendar) GetEventBody(_ context.Context, _, _, changeKey string) (string, string, error) {
	if f.getErr != nil {
		return "", "", f.getErr
	}
	return f.body, changeKey + "-fresh", nil
}

func (f *fakeCalendar) UpdateEventBody(ctx context.Context, mailbox, itemID, changeKey, body string) error {
	f.updateCtxErr = ctx.Err()
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, updateCall{mailbox, itemID, changeKey, body})
	return nil
}

// fakeResolver returns canned details and records the user ids it was asked for.
type fakeResolver struct {
	details *meetingDetails
	calls   []string
}

func (f *fakeResolver) ResolveMeetingDetails(_ context.Context, userID string) *meetingDetails {
	f.calls = append(f.calls, userID)
	return f.details
}

// newTestPoller wires a poller over temp roster and template files.
func newTestPoller(t *testing.T, calendar calendarService, resolver detailResolver, mailboxes []string) *poller {
	t.Helper()
	dir := t.TempDir()

	rosterPath := filepath.Join(dir, "users.txt")
	if err := writeRoster(rosterPath, mailboxes); err != nil {
		t.Fatal(err)
	}
	templatePath := filepath.Join(dir, "invite.html")
	template := "Web: {{WEB_LINK}} SIP: {{SIP_ADDRESS}} PIN: {{PIN}} Call: {{callid}}"
	if err := os.WriteFile(templatePath, []byte(template), 0o644); err != nil {
		t.Fatal(err)
	}

	return &poller{
		calendar:     calendar,
		resolver:     resolver,
		memory:       newMatchMemory(),
		rosterPath:   rosterPath,
		templatePath: templatePath,
		magicWord:    "MAGICWORD",
		interval:     time.Minute,
		maxEvents:    20,
		startedAt:    time.Now().UTC().Add(-time.Hour),
		failureLog:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// matchingEvent builds an event that passes every predicate condition for
// mailbox a@x.com.
func matchingEvent(id string) calendarEvent {
	return calendarEvent{
		ID:        id,
		ChangeKey: "ck",
		Subject:   "Planning",
		Start:     time.Now().UTC().Add(2 * time.Hour),
		Created:   time.Now().UTC(),
		Location:  "Conf MAGICWORD Room",
		Organizer: "a@x.com",
	}
}

func testDetails() *meetingDetails {
	return &meetingDetails{
		WebLink:    "https://wb/meeting/123?secret=abc",
		SIPAddress: "sip123@x.com",
		CallID:     "123",
		PIN:        "нет",
	}
}

func TestPollerEnrichesMatchingEvent(t *testing.T) {
	calendar := &fakeCalendar{
		events: map[string][]calendarEvent{"a@x.com": {matchingEvent("ev-1")}},
		body:   "<p>agenda</p>",
	}
	resolver := &fakeResolver{details: testDetails()}
	p := newTestPoller(t, calendar, resolver, []string{"a@x.com"})

	p.runCycle(context.Background())

	if len(resolver.calls) != 1 || resolver.calls[0] != "a" {
		t.Errorf("resolver calls = %v, want [a]", resolver.calls)
	}
	if len(calendar.updates) != 1 {
		t.Fatalf("got %d update calls, want 1", len(calendar.updates))
	}
	update := calendar.updates[0]
	if update.mailbox != "a@x.com" || update.itemID != "ev-1" {
		t.Errorf("update target = %s/%s", update.mailbox, update.itemID)
	}
	if update.changeKey != "ck-fresh" {
		t.Errorf("update used change key %q, want the fresh one from GetEventBody", update.changeKey)
	}
	if !strings.HasPrefix(update.body, "<p>agenda</p><br><br>") {
		t.Errorf("updated body lost the original content: %q", update.body)
	}
	for _, want := range []string{"https://wb/meeting/123?secret=abc", "sip123@x.com", "нет", "Call: 123"} {
		if !strings.Contains(update.body, want) {
			t.Errorf("updated body missing %q", want)
		}
	}
	if !p.memory.Seen("ev-1") {
		t.Error("enriched event must be in the seen set")
	}
}

func TestPollerDeduplicatesAcrossCycles(t *testing.T) {
	calendar := &fakeCalendar{
		events: map[string][]calendarEvent{"a@x.com": {matchingEvent("ev-1")}},
	}
	resolver := &fakeResolver{details: testDetails()}
	p := newTestPoller(t, calendar, resolver, []string{"a@x.com"})

	p.runCycle(context.Background())
	p.runCycle(context.Background())

	if len(resolver.calls) != 1 {
		t.Errorf("resolver called %d times, want exactly once for a seen event", len(resolver.calls))
	}
	if len(calendar.updates) != 1 {
		t.Errorf("got %d update calls, want 1", len(calendar.updates))
	}
}

func TestPollerOrganizerMismatch(t *testing.T) {
	ev := matchingEvent("ev-1")
	ev.Organizer = "b@x.com"
	calendar := &fakeCalendar{events: map[string][]calendarEvent{"a@x.com": {ev}}}
	resolver := &fakeResolver{details: testDetails()}
	p := newTestPoller(t, calendar, resolver, []string{"a@x.com"})

	p.runCycle(context.Background())

	if len(resolver.calls) != 0 {
		t.Error("resolver must not run for events the mailbox only attends")
	}
	if len(calendar.updates) != 0 {
		t.Error("no body mutation may occur for an organizer mismatch")
	}
}

func TestPollerNoDetailsStillMarksSeen(t *testing.T) {
	calendar := &fakeCalendar{
		events: map[string][]calendarEvent{"a@x.com": {matchingEvent("ev-1")}},
	}
	resolver := &fakeResolver{} // always "no details"
	p := newTestPoller(t, calendar, resolver, []string{"a@x.com"})

	p.runCycle(context.Background())
	p.runCycle(context.Background())

	if len(calendar.updates) != 0 {
		t.Error("no save may happen without details")
	}
	if !p.memory.Seen("ev-1") {
		t.Error("event must be marked seen even when no details resolve")
	}
	if len(resolver.calls) != 1 {
		t.Errorf("resolver called %d times, want 1: no retry once seen", len(resolver.calls))
	}
}

func TestPollerPermanentMailboxFailure(t *testing.T) {
	calendar := &fakeCalendar{
		findErr: map[string]error{"gone@x.com": &mailboxNotFoundError{mailbox: "gone@x.com", code: "ErrorNonExistentMailbox"}},
	}
	p := newTestPoller(t, calendar, &fakeResolver{}, []string{"gone@x.com", "a@x.com"})

	p.runCycle(context.Background())
	p.runCycle(context.Background())

	if calendar.findCalls["gone@x.com"] != 1 {
		t.Errorf("failed mailbox fetched %d times, want exactly 1", calendar.findCalls["gone@x.com"])
	}
	// The neighbor is unaffected and still polled every cycle.
	if calendar.findCalls["a@x.com"] != 2 {
		t.Errorf("healthy mailbox fetched %d times, want 2", calendar.findCalls["a@x.com"])
	}
	if !p.memory.Failed("gone@x.com") {
		t.Error("mailbox must be in the failed set")
	}
}

func TestPollerTransientFailureRetries(t *testing.T) {
	calendar := &fakeCalendar{
		findErr: map[string]error{"a@x.com": errors.New("connection reset")},
	}
	p := newTestPoller(t, calendar, &fakeResolver{}, []string{"a@x.com"})

	p.runCycle(context.Background())
	p.runCycle(context.Background())

	if calendar.findCalls["a@x.com"] != 2 {
		t.Errorf("transient failures must be retried next cycle, got %d fetches", calendar.findCalls["a@x.com"])
	}
	if p.memory.Failed("a@x.com") {
		t.Error("generic failures must never enter the failed set")
	}
}

func TestPollerUnreadableRosterSkipsCycle(t *testing.T) {
	calendar := &fakeCalendar{}
	p := newTestPoller(t, calendar, &fakeResolver{}, nil)
	p.rosterPath = filepath.Join(t.TempDir(), "absent.txt")

	p.runCycle(context.Background())

	if len(calendar.findCalls) != 0 {
		t.Error("an unreadable roster must abandon the cycle before any fetch")
	}
	if p.Ready() {
		t.Error("poller must not report ready without a successful roster read")
	}
}

func TestPollerTemplateFailureAbortsEnrichmentOnly(t *testing.T) {
	calendar := &fakeCalendar{
		events: map[string][]calendarEvent{"a@x.com": {matchingEvent("ev-1")}},
	}
	p := newTestPoller(t, calendar, &fakeResolver{details: testDetails()}, []string{"a@x.com"})
	p.templatePath = filepath.Join(t.TempDir(), "absent.html")

	p.runCycle(context.Background())

	if len(calendar.updates) != 0 {
		t.Error("no save may happen when the template is unreadable")
	}
	if !p.memory.Seen("ev-1") {
		t.Error("event stays seen after a render failure: no retry")
	}
}

func TestPollerSaveFailureKeepsSeen(t *testing.T) {
	calendar := &fakeCalendar{
		events:    map[string][]calendarEvent{"a@x.com": {matchingEvent("ev-1")}},
		updateErr: errors.New("503 from EWS"),
	}
	p := newTestPoller(t, calendar, &fakeResolver{details: testDetails()}, []string{"a@x.com"})

	p.runCycle(context.Background())
	p.runCycle(context.Background())

	if !p.memory.Seen("ev-1") {
		t.Error("seen-set insertion must survive a save failure")
	}
	if len(calendar.updates) != 0 {
		t.Error("update never succeeded, so no calls should be recorded")
	}
}

// cancelDuringFind cancels the cycle context on every mailbox fetch.
type cancelDuringFind struct {
	*fakeCalendar
	cancel context.CancelFunc
}

func (c *cancelDuringFind) FindUpcomingEvents(ctx context.Context, mailbox string, now time.Time, max int) ([]calendarEvent, error) {
	c.cancel()
	return c.fakeCalendar.FindUpcomingEvents(ctx, mailbox, now, max)
}

// cancelDuringResolve cancels the cycle context while enrichment is in flight.
type cancelDuringResolve struct {
	fakeResolver
	cancel context.CancelFunc
}

func (r *cancelDuringResolve) ResolveMeetingDetails(ctx context.Context, userID string) *meetingDetails {
	r.cancel()
	return r.fakeResolver.ResolveMeetingDetails(ctx, userID)
}

func TestPollerCancellationStopsBetweenMailboxes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calendar := &cancelDuringFind{fakeCalendar: &fakeCalendar{}, cancel: cancel}
	p := newTestPoller(t, calendar, &fakeResolver{}, []string{"a@x.com", "b@x.com"})

	p.runCycle(ctx)

	if calendar.findCalls["a@x.com"] != 1 {
		t.Errorf("first mailbox fetched %d times, want 1", calendar.findCalls["a@x.com"])
	}
	if calendar.findCalls["b@x.com"] != 0 {
		t.Error("a canceled cycle must not move on to the next mailbox")
	}
}

func TestPollerCancellationNeverInterruptsWriteBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calendar := &fakeCalendar{
		events: map[string][]calendarEvent{"a@x.com": {matchingEvent("ev-1")}},
		body:   "<p>agenda</p>",
	}
	resolver := &cancelDuringResolve{fakeResolver: fakeResolver{details: testDetails()}, cancel: cancel}
	p := newTestPoller(t, calendar, resolver, []string{"a@x.com"})

	p.runCycle(ctx)

	if len(calendar.updates) != 1 {
		t.Fatalf("got %d update calls, want 1: an in-flight enrichment must finish its save", len(calendar.updates))
	}
	if calendar.updateCtxErr != nil {
		t.Errorf("save observed a canceled context: %v", calendar.updateCtxErr)
	}
}
