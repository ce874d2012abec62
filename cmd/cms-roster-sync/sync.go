// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-roster-sync command.
package main

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/rehttp"
)

// pageSize is the CMS user-listing page size. Offsets advance by this amount
// until the accumulated count reaches the total reported by the API.
const pageSize = 20

// rosterTimeFormat is the human-readable refresh timestamp on the roster
// file's first line.
const rosterTimeFormat = "2006-01-02 15:04:05"

// cmsClient is a minimal read-only client for the CMS user directory.
type cmsClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

func newCMSClient(cfg *Config) *cmsClient {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CMSTLSInsecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &cmsClient{
		baseURL:  cfg.CMSBaseURL,
		username: cfg.CMSUsername,
		password: cfg.CMSPassword,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: rehttp.NewTransport(
				base,
				rehttp.RetryAll(
					rehttp.RetryMaxRetries(3),
					rehttp.RetryAny(
						rehttp.RetryTemporaryErr(),
						rehttp.RetryStatuses(http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout),
					),
				),
				rehttp.ExpJitterDelay(200*time.Millisecond, 2*time.Second),
			),
		},
	}
}

// cmsUsersResponse models one page of the users listing.
type cmsUsersResponse struct {
	XMLName xml.Name `xml:"users"`
	Total   int      `xml:"total,attr"`
	Users   []struct {
		UserJid string `xml:"userJid"`
	} `xml:"user"`
}

// ListUsers pages through the CMS user directory and returns the user jids.
// Users lacking a userJid are skipped with a warning.
func (c *cmsClient) ListUsers(ctx context.Context) ([]string, error) {
	var jids []string
	offset := 0

	for {
		url := fmt.Sprintf("%susers?offset=%d&limit=%d", c.baseURL, offset, pageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return jids, fmt.Errorf("failed to create CMS request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/xml")

		resp, err := c.http.Do(req)
		if err != nil {
			return jids, fmt.Errorf("CMS request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return jids, fmt.Errorf("failed to read CMS response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return jids, fmt.Errorf("CMS users listing returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var page cmsUsersResponse
		if err := xml.Unmarshal(body, &page); err != nil {
			return jids, fmt.Errorf("failed to parse CMS users listing: %w", err)
		}

		for _, user := range page.Users {
			jid := strings.TrimSpace(user.UserJid)
			if jid == "" {
				logger.WarnContext(ctx, "skipping CMS user without a userJid")
				continue
			}
			jids = append(jids, jid)
		}

		offset += pageSize
		if offset >= page.Total || len(page.Users) == 0 {
			return jids, nil
		}
	}
}

// mapJidsToMailboxes maps each jid's local part onto the mail domain.
func mapJidsToMailboxes(jids []string, mailDomain string) []string {
	mailboxes := make([]string, 0, len(jids))
	for _, jid := range jids {
		local, _, _ := strings.Cut(jid, "@")
		mailboxes = append(mailboxes, local+mailDomain)
	}
	return mailboxes
}

// writeRoster atomically replaces the roster file with a fresh timestamp line
// followed by one mailbox per line, so a concurrently reading watcher never
// observes a partial file.
func writeRoster(path string, mailboxes []string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create roster directory: %w", err)
	}

	var b strings.Builder
	b.WriteString(time.Now().Format(rosterTimeFormat))
	b.WriteString("\n")
	for _, mailbox := range mailboxes {
		b.WriteString(mailbox)
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(dir, ".users-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create roster temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write roster temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync roster temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close roster temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod roster temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace roster file: %w", err)
	}
	return nil
}
