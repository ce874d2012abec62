// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestReadRosterSkipsTimestampAndBlanks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	content := "2026-09-01 00:00:00\na@x.com\n\n  b@x.com  \n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	refreshedAt, mailboxes, err := readRoster(path)
	if err != nil {
		t.Fatalf("readRoster: %v", err)
	}
	if refreshedAt != "2026-09-01 00:00:00" {
		t.Errorf("refreshedAt = %q", refreshedAt)
	}
	if want := []string{"a@x.com", "b@x.com"}; !reflect.DeepEqual(mailboxes, want) {
		t.Errorf("mailboxes = %v, want %v", mailboxes, want)
	}
}

func TestReadRosterMissingFile(t *testing.T) {
	_, _, err := readRoster(filepath.Join(t.TempDir(), "absent.txt"))
	if err == nil {
		t.Error("expected an error for a missing roster file")
	}
}

func TestWriteRosterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "users.txt")

	if err := writeRoster(path, []string{"a@x.com", "b@x.com"}); err != nil {
		t.Fatalf("writeRoster: %v", err)
	}

	refreshedAt, mailboxes, err := readRoster(path)
	if err != nil {
		t.Fatalf("readRoster: %v", err)
	}
	if refreshedAt == "" {
		t.Error("expected a refresh timestamp on the first line")
	}
	if want := []string{"a@x.com", "b@x.com"}; !reflect.DeepEqual(mailboxes, want) {
		t.Errorf("mailboxes = %v, want %v", mailboxes, want)
	}

	// A rewrite replaces the file wholesale and leaves no temp files behind.
	if err := writeRoster(path, []string{"c@x.com"}); err != nil {
		t.Fatalf("writeRoster rewrite: %v", err)
	}
	_, mailboxes, err = readRoster(path)
	if err != nil {
		t.Fatalf("readRoster after rewrite: %v", err)
	}
	if want := []string{"c@x.com"}; !reflect.DeepEqual(mailboxes, want) {
		t.Errorf("mailboxes after rewrite = %v, want %v", mailboxes, want)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("roster directory should contain only the roster file, got %d entries", len(entries))
	}
}

// fakeLister returns a canned directory listing.
type fakeLister struct {
	jids []string
	err  error
}

func (f *fakeLister) ListUsers(ctx context.Context) ([]string, error) {
	return f.jids, f.err
}

func TestRosterRefresherMapsJidsToMailboxes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	refresher := &rosterRefresher{
		directory:  &fakeLister{jids: []string{"alice@cms.local", "bob@cms.local"}},
		mailDomain: "@x.com",
		rosterPath: path,
	}

	if err := refresher.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	_, mailboxes, err := readRoster(path)
	if err != nil {
		t.Fatalf("readRoster: %v", err)
	}
	if want := []string{"alice@x.com", "bob@x.com"}; !reflect.DeepEqual(mailboxes, want) {
		t.Errorf("mailboxes = %v, want %v", mailboxes, want)
	}
}

func TestRosterRefresherKeepsPreviousRosterOnEmptyListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.txt")
	if err := writeRoster(path, []string{"a@x.com"}); err != nil {
		t.Fatal(err)
	}

	refresher := &rosterRefresher{
		directory:  &fakeLister{},
		mailDomain: "@x.com",
		rosterPath: path,
	}
	if err := refresher.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	_, mailboxes, err := readRoster(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a@x.com"}; !reflect.DeepEqual(mailboxes, want) {
		t.Errorf("previous roster was not preserved: %v", mailboxes)
	}
}
