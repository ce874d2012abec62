// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-calendar-magic service.
package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the cms-calendar-magic service.
type Config struct {
	// EWS (calendar service) configuration
	EWSServer   string // base URL of the Exchange server, e.g. https://mail.example.com
	EWSUsername string // impersonation account
	EWSPassword string

	// CMS (conferencing directory) configuration
	CMSBaseURL         string // API base URL, e.g. https://cms.example.com:445/api/v1/
	CMSUsername        string
	CMSPassword        string
	CMSTLSInsecure     bool   // disable TLS certificate validation on CMS/EWS calls
	PersonalRoomSuffix string // coSpace filter is "{user}.{suffix}"
	WebBaseURL         string // web join base URL
	SIPDomainSuffix    string // appended verbatim to the coSpace URI, e.g. @vc.example.com
	MailDomain         string // appended verbatim to CMS jid local parts, e.g. @example.com

	// Matching
	MagicWord    string // location marker word that flags an event for enrichment
	TemplatePath string // invite template with the four placeholders

	// Roster
	RosterPath         string
	RosterSyncSchedule string // cron expression for the in-process roster refresh
	RosterSyncOnStart  bool

	// Scheduling and transport
	PollInterval   time.Duration
	RequestTimeout time.Duration
	MaxEvents      int

	// Logging
	FailureLogFile string // dedicated log for permanent mailbox failures
	Debug          bool

	// Server configuration
	Port string
	Bind string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		EWSServer:   os.Getenv("EWS_SERVER"),
		EWSUsername: os.Getenv("EWS_USERNAME"),
		EWSPassword: os.Getenv("EWS_PASSWORD"),

		CMSBaseURL:         os.Getenv("CMS_BASE_URL"),
		CMSUsername:        os.Getenv("CMS_API_USER"),
		CMSPassword:        os.Getenv("CMS_API_PASSWORD"),
		CMSTLSInsecure:     parseBooleanEnv("CMS_TLS_INSECURE"),
		PersonalRoomSuffix: os.Getenv("PERSONAL_ROOM_SUFFIX"),
		WebBaseURL:         os.Getenv("WEB_BASE_URL"),
		SIPDomainSuffix:    os.Getenv("SIP_DOMAIN_SUFFIX"),
		MailDomain:         os.Getenv("MAIL_DOMAIN"),

		MagicWord:    os.Getenv("MAGIC_WORD"),
		TemplatePath: os.Getenv("TEMPLATE_PATH"),

		RosterPath:         os.Getenv("ROSTER_PATH"),
		RosterSyncSchedule: os.Getenv("ROSTER_SYNC_SCHEDULE"),
		RosterSyncOnStart:  parseBooleanEnvDefault("ROSTER_SYNC_ON_START", true),

		PollInterval:   time.Duration(parseIntEnv("POLL_INTERVAL_SEC", 60)) * time.Second,
		RequestTimeout: time.Duration(parseIntEnv("REQUEST_TIMEOUT_SEC", 30)) * time.Second,
		MaxEvents:      parseIntEnv("MAX_EVENTS", 20),

		FailureLogFile: os.Getenv("FAILURE_LOG_FILE"),
		Debug:          parseBooleanEnv("DEBUG"),

		Port: os.Getenv("PORT"),
		Bind: os.Getenv("BIND"),
	}

	required := map[string]string{
		"EWS_SERVER":        cfg.EWSServer,
		"EWS_USERNAME":      cfg.EWSUsername,
		"EWS_PASSWORD":      cfg.EWSPassword,
		"CMS_BASE_URL":      cfg.CMSBaseURL,
		"CMS_API_USER":      cfg.CMSUsername,
		"CMS_API_PASSWORD":  cfg.CMSPassword,
		"MAGIC_WORD":        cfg.MagicWord,
		"MAIL_DOMAIN":       cfg.MailDomain,
		"WEB_BASE_URL":      cfg.WebBaseURL,
		"SIP_DOMAIN_SUFFIX": cfg.SIPDomainSuffix,
	}
	for name, value := range required {
		if value == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	// Both base URLs are concatenated with path fragments downstream.
	cfg.CMSBaseURL = ensureTrailingSlash(cfg.CMSBaseURL)
	cfg.WebBaseURL = ensureTrailingSlash(cfg.WebBaseURL)

	if cfg.PersonalRoomSuffix == "" {
		cfg.PersonalRoomSuffix = "space"
	}
	if cfg.TemplatePath == "" {
		cfg.TemplatePath = "config/invite_template.html"
	}
	if cfg.RosterPath == "" {
		cfg.RosterPath = "config/users.txt"
	}
	if cfg.RosterSyncSchedule == "" {
		cfg.RosterSyncSchedule = "0 0 * * *"
	}
	if cfg.FailureLogFile == "" {
		cfg.FailureLogFile = "logs/subscriptions.log"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Bind == "" {
		cfg.Bind = "*"
	}

	return cfg, nil
}

func ensureTrailingSlash(url string) string {
	if strings.HasSuffix(url, "/") {
		return url
	}
	return url + "/"
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}

// parseBooleanEnvDefault behaves like parseBooleanEnv but returns defaultVal
// when the variable is unset or blank.
func parseBooleanEnvDefault(envVar string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(envVar)) == "" {
		return defaultVal
	}
	return parseBooleanEnv(envVar)
}

// parseIntEnv parses an integer environment variable with a default value.
func parseIntEnv(envVar string, defaultVal int) int {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}
