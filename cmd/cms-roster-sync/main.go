// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-roster-sync command performs one roster refresh and exits: it pages
// through the CMS user directory, maps each user jid to a mailbox address,
// and atomically rewrites the roster file the calendar watcher polls. The
// watcher runs the same refresh on its own schedule; this command exists for
// deploy hooks and manual backfills.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

const errKey = "error"

var (
	logger *slog.Logger
	cfg    *Config
)

func main() {
	// Load configuration
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logOptions := &slog.HandlerOptions{}
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	if cfg.CMSTLSInsecure {
		logger.Warn("TLS certificate validation is DISABLED for CMS calls (CMS_TLS_INSECURE=true)")
	}

	ctx := context.Background()
	logger.InfoContext(ctx, "starting roster sync")

	client := newCMSClient(cfg)
	jids, err := client.ListUsers(ctx)
	if err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "failed to list CMS users")
		os.Exit(1)
	}
	if len(jids) == 0 {
		logger.WarnContext(ctx, "no users retrieved; keeping previous roster")
		return
	}

	mailboxes := mapJidsToMailboxes(jids, cfg.MailDomain)
	if err := writeRoster(cfg.RosterPath, mailboxes); err != nil {
		logger.With(errKey, err, "roster_path", cfg.RosterPath).ErrorContext(ctx, "failed to write roster")
		os.Exit(1)
	}
	logger.With("users", len(mailboxes), "roster_path", cfg.RosterPath).InfoContext(ctx, "roster refreshed")
}
