// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

// The calendar poll loop.
//
// Once per interval the poller re-reads the roster wholesale, walks every
// mailbox that has not permanently failed, fetches its near-future calendar
// events, and enriches every event that passes the match predicate with
// conferencing join details. All failures are contained at the smallest
// possible scope: a bad mailbox never affects its neighbors, a bad event
// never aborts its mailbox, and nothing past startup is fatal.

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// calendarService is the calendar-side surface the poller depends on.
type calendarService interface {
	FindUpcomingEvents(ctx context.Context, mailbox string, now time.Time, max int) ([]calendarEvent, error)
	GetEventBody(ctx context.Context, mailbox, itemID, changeKey string) (body, freshChangeKey string, err error)
	UpdateEventBody(ctx context.Context, mailbox, itemID, changeKey, htmlBody string) error
}

// detailResolver resolves conferencing join details for a user id. A nil
// result means "nothing to enrich with", never an error.
type detailResolver interface {
	ResolveMeetingDetails(ctx context.Context, userID string) *meetingDetails
}

// poller drives the enrichment pipeline on a fixed period.
type poller struct {
	calendar calendarService
	resolver detailResolver
	memory   *matchMemory

	rosterPath   string
	templatePath string
	magicWord    string
	interval     time.Duration
	maxEvents    int

	// startedAt guards against re-enriching events that existed before
	// this run started. The seen set is not durable, so this is the only
	// restart protection (documented product decision).
	startedAt time.Time

	// failureLog is the dedicated stream for permanent mailbox failures.
	failureLog *slog.Logger

	ready atomic.Bool
}

func newPoller(cfg *Config, calendar calendarService, resolver detailResolver, memory *matchMemory, failureLog *slog.Logger) *poller {
	return &poller{
		calendar:     calendar,
		resolver:     resolver,
		memory:       memory,
		rosterPath:   cfg.RosterPath,
		templatePath: cfg.TemplatePath,
		magicWord:    cfg.MagicWord,
		interval:     cfg.PollInterval,
		maxEvents:    cfg.MaxEvents,
		startedAt:    time.Now().UTC(),
		failureLog:   failureLog,
	}
}

// Ready reports whether at least one cycle has read the roster successfully.
func (p *poller) Ready() bool {
	return p.ready.Load()
}

// Run executes poll cycles until ctx is canceled. Cycles never overlap: the
// next tick is only consumed after the previous cycle completes.
func (p *poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.runCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle performs one pass over the roster. A roster read failure abandons
// the cycle softly; per-mailbox failures are classified and contained.
func (p *poller) runCycle(ctx context.Context) {
	log := logger.With("cycle_id", uuid.NewString())

	refreshedAt, mailboxes, err := readRoster(p.rosterPath)
	if err != nil {
		log.With(errKey, err, "roster_path", p.rosterPath).ErrorContext(ctx, "failed to read roster; retrying next cycle")
		return
	}
	p.ready.Store(true)
	log.With("mailboxes", len(mailboxes), "roster_refreshed_at", refreshedAt).DebugContext(ctx, "starting poll cycle")

	for _, mailbox := range mailboxes {
		// Cancellation is honored between mailboxes, never mid-write-back.
		if ctx.Err() != nil {
			return
		}
		if p.memory.Failed(mailbox) {
			continue
		}

		if err := p.processMailbox(ctx, log, mailbox); err != nil {
			if isMailboxNotFound(err) {
				p.memory.MarkFailed(mailbox)
				p.failureLog.With(errKey, err, "mailbox", mailbox).ErrorContext(ctx, "mailbox unavailable; excluded until restart")
				continue
			}
			log.With(errKey, err, "mailbox", mailbox).ErrorContext(ctx, "failed to process mailbox")
		}
	}
}

// processMailbox fetches the mailbox's upcoming events and enriches every
// match. The returned error covers the fetch only; enrichment failures are
// contained per event inside enrich.
func (p *poller) processMailbox(ctx context.Context, log *slog.Logger, mailbox string) error {
	events, err := p.calendar.FindUpcomingEvents(ctx, mailbox, time.Now().UTC(), p.maxEvents)
	if err != nil {
		return err
	}

	for i := range events {
		ev := events[i]
		if !eventMatches(ev, mailbox, p.magicWord, p.startedAt, p.memory) {
			continue
		}
		// Marked seen at match time, before any enrichment I/O, and never
		// rolled back: one attempt per event per process run.
		p.memory.MarkSeen(ev.ID)
		log.With("mailbox", mailbox, "subject", ev.Subject, "start", ev.Start, "location", ev.Location).
			InfoContext(ctx, "event matched")
		p.enrich(ctx, log, mailbox, ev)
	}
	return nil
}

// enrich resolves join details for the mailbox owner's personal room and
// appends them to the event body, re-notifying attendees. Every failure mode
// is logged and aborts this enrichment only.
func (p *poller) enrich(ctx context.Context, log *slog.Logger, mailbox string, ev calendarEvent) {
	userID, _, _ := strings.Cut(mailbox, "@")

	details := p.resolver.ResolveMeetingDetails(ctx, userID)
	if details == nil {
		log.With("mailbox", mailbox, "subject", ev.Subject).InfoContext(ctx, "no meeting details; skipping enrichment")
		return
	}

	template, err := os.ReadFile(p.templatePath)
	if err != nil {
		log.With(errKey, err, "template_path", p.templatePath).ErrorContext(ctx, "failed to read invite template")
		return
	}

	body, changeKey, err := p.calendar.GetEventBody(ctx, mailbox, ev.ID, ev.ChangeKey)
	if err != nil {
		log.With(errKey, err, "mailbox", mailbox).ErrorContext(ctx, "failed to fetch event body")
		return
	}

	updated := renderBody(body, string(template), details.placeholderValues())

	// The write-back must finish once started: a cancellation arriving here
	// must not leave attendees half-notified.
	if err := p.calendar.UpdateEventBody(context.WithoutCancel(ctx), mailbox, ev.ID, changeKey, updated); err != nil {
		log.With(errKey, err, "mailbox", mailbox).ErrorContext(ctx, "failed to update meeting")
		return
	}
	log.With("mailbox", mailbox, "subject", ev.Subject).InfoContext(ctx, "meeting updated and participants notified")
}
