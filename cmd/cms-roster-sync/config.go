// Copyright the cms-calendar-magic authors.
// SPDX-License-Identifier: MIT

// The cms-roster-sync command.
package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the cms-roster-sync command.
type Config struct {
	// CMS (conferencing directory) configuration
	CMSBaseURL     string // API base URL
	CMSUsername    string
	CMSPassword    string
	CMSTLSInsecure bool

	// MailDomain is appended verbatim to CMS jid local parts, e.g. @example.com.
	MailDomain string

	// RosterPath is the flat roster file rewritten wholesale on every run.
	RosterPath string

	RequestTimeout time.Duration

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		CMSBaseURL:     os.Getenv("CMS_BASE_URL"),
		CMSUsername:    os.Getenv("CMS_API_USER"),
		CMSPassword:    os.Getenv("CMS_API_PASSWORD"),
		CMSTLSInsecure: parseBooleanEnv("CMS_TLS_INSECURE"),
		MailDomain:     os.Getenv("MAIL_DOMAIN"),
		RosterPath:     os.Getenv("ROSTER_PATH"),
		RequestTimeout: time.Duration(parseIntEnv("REQUEST_TIMEOUT_SEC", 30)) * time.Second,
		Debug:          parseBooleanEnv("DEBUG"),
	}

	required := map[string]string{
		"CMS_BASE_URL":     cfg.CMSBaseURL,
		"CMS_API_USER":     cfg.CMSUsername,
		"CMS_API_PASSWORD": cfg.CMSPassword,
		"MAIL_DOMAIN":      cfg.MailDomain,
	}
	for name, value := range required {
		if value == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	// The base URL is concatenated with path fragments downstream.
	if !strings.HasSuffix(cfg.CMSBaseURL, "/") {
		cfg.CMSBaseURL += "/"
	}

	if cfg.RosterPath == "" {
		cfg.RosterPath = "config/users.txt"
	}

	return cfg, nil
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
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
