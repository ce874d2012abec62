// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import (
	"context"
	"strings"
)

// userLister is the directory surface the roster refresh depends on.
type userLister interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// rosterRefresher pulls the conferencing user directory and rewrites the
// roster file the poll loop reads. It runs concurrently with the poll loop
// and shares nothing with it except the atomically swapped roster file.
type rosterRefresher struct {
	directory  userLister
	mailDomain string
	rosterPath string
}

func newRosterRefresher(cfg *Config, directory userLister) *rosterRefresher {
	return &rosterRefresher{
		directory:  directory,
		mailDomain: cfg.MailDomain,
		rosterPath: cfg.RosterPath,
	}
}

// Refresh rewrites the roster from the current directory contents. An empty
// listing is a warning, not a failure: the previous roster stays in place so
// a directory outage cannot wipe the watch list.
func (r *rosterRefresher) Refresh(ctx context.Context) error {
	jids, err := r.directory.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(jids) == 0 {
		logger.WarnContext(ctx, "no users retrieved; keeping previous roster")
		return nil
	}

	mailboxes := make([]string, 0, len(jids))
	for _, jid := range jids {
		local, _, _ := strings.Cut(jid, "@")
		mailboxes = append(mailboxes, local+r.mailDomain)
	}

	if err := writeRoster(r.rosterPath, mailboxes); err != nil {
		return err
	}
	logger.With("users", len(mailboxes), "roster_path", r.rosterPath).InfoContext(ctx, "roster refreshed")
	return nil
}
