// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	errKey = "error"
	// cronStopGraceSeconds bounds how long shutdown waits for an in-flight
	// roster refresh fired by the scheduler.
	cronStopGraceSeconds = 10
)

var (
	logger *slog.Logger
	cfg    *Config
)

// main parses optional flags and starts the poll loop and the scheduled
// roster refresh.
func main() {
	// Load configuration
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "health checks port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logOptions := &slog.HandlerOptions{}

	// Optional debug logging.
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	if cfg.CMSTLSInsecure {
		logger.Warn("TLS certificate validation is DISABLED for CMS and EWS calls (CMS_TLS_INSECURE=true)")
	}

	// Dedicated failure log for permanently unreachable mailboxes.
	failureLog, failureLogFile, err := openFailureLog(cfg.FailureLogFile, logOptions)
	if err != nil {
		logger.With(errKey, err, "path", cfg.FailureLogFile).Error("error opening failure log")
		os.Exit(1)
	}
	defer failureLogFile.Close()

	// Support graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	cmsClient := newCMSClient(cfg)
	ewsClient := newEWSClient(cfg)
	memory := newMatchMemory()
	watcher := newPoller(cfg, ewsClient, cmsClient, memory, failureLog)
	refresher := newRosterRefresher(cfg, cmsClient)

	// Support GET/POST monitoring "ping".
	http.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		// This always returns as long as the service is still running.
		fmt.Fprintf(w, "OK\n")
	})

	// Basic health check: ready once the poll loop has read the roster.
	http.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !watcher.Ready() {
			http.Error(w, "no successful roster read yet", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "OK\n")
	})

	// Add an http listener for health checks. This server does NOT participate
	// in the graceful shutdown process; we want it to stay up until the process
	// is killed, to avoid liveness checks failing during the graceful shutdown.
	var addr string
	if *bind == "*" {
		addr = ":" + *port
	} else {
		addr = *bind + ":" + *port
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.With(errKey, err).Error("http listener error")
			os.Exit(1)
		}
	}()

	// Initial roster refresh so the first cycle has something to poll. A
	// failure here is not fatal: a roster from a previous run may exist.
	if cfg.RosterSyncOnStart {
		if err := refresher.Refresh(ctx); err != nil {
			logger.With(errKey, err).Error("initial roster refresh failed")
		}
	}

	// Scheduled roster refresh, sharing only the roster file with the poller.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.RosterSyncSchedule, func() {
		if err := refresher.Refresh(ctx); err != nil {
			logger.With(errKey, err).Error("scheduled roster refresh failed")
		}
	})
	if err != nil {
		logger.With(errKey, err, "schedule", cfg.RosterSyncSchedule).Error("error registering roster refresh schedule")
		os.Exit(1)
	}
	scheduler.Start()

	logger.With(
		"poll_interval", cfg.PollInterval.String(),
		"magic_word", cfg.MagicWord,
		"roster_path", cfg.RosterPath,
		"roster_sync_schedule", cfg.RosterSyncSchedule,
	).Info("starting calendar watcher")

	var pollerWG sync.WaitGroup
	pollerWG.Add(1)
	go func() {
		defer pollerWG.Done()
		watcher.Run(ctx)
	}()

	// This next line blocks until SIGINT or SIGTERM is received.
	<-done

	// Begin graceful shutdown process.
	logger.Debug("beginning graceful shutdown")
	cancel()
	pollerWG.Wait()

	// Stop the scheduler and give an in-flight refresh a bounded window.
	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cronStopGraceSeconds * time.Second):
		logger.Warn("roster refresh still running at shutdown deadline")
	}

	// Immediately close the HTTP server after graceful shutdown has finished.
	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}

// openFailureLog opens the dedicated mailbox-failure log for appending and
// returns a JSON logger writing to it.
func openFailureLog(path string, opts *slog.HandlerOptions) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open failure log: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, opts)), f, nil
}
