package config

import (
	"fmt"
	"os"
	"strings"
)

// Normalize expands paths and fills blank values with defaults. It is safe to
// call again after command-line overrides have been applied.
func (c *Config) Normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFetch()
	c.normalizeReorganizer()
	c.normalizeWorklist()
	c.normalizeHistory()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.StagingDir, err = expandPath(strings.TrimSpace(c.Paths.StagingDir)); err != nil {
		return fmt.Errorf("paths.staging_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeFetch() {
	c.Fetch.Binary = strings.TrimSpace(c.Fetch.Binary)
	if c.Fetch.Binary == "" {
		if value, ok := os.LookupEnv("UKBFETCH_BINARY"); ok && strings.TrimSpace(value) != "" {
			c.Fetch.Binary = strings.TrimSpace(value)
		} else {
			c.Fetch.Binary = defaultFetchBinary
		}
	}
}

func (c *Config) normalizeReorganizer() {
	c.Reorganizer.Binary = strings.TrimSpace(c.Reorganizer.Binary)
	if c.Reorganizer.Binary == "" {
		c.Reorganizer.Binary = defaultReorgBinary
	}
	c.Reorganizer.NativeMapping = strings.TrimSpace(c.Reorganizer.NativeMapping)
	if c.Reorganizer.NativeMapping == "" {
		c.Reorganizer.NativeMapping = defaultNativeMapping
	}
	c.Reorganizer.BidsMapping = strings.TrimSpace(c.Reorganizer.BidsMapping)
	if c.Reorganizer.BidsMapping == "" {
		c.Reorganizer.BidsMapping = defaultBidsMapping
	}
}

func (c *Config) normalizeWorklist() {
	c.Worklist.SubjectColumn = strings.TrimSpace(c.Worklist.SubjectColumn)
	if c.Worklist.SubjectColumn == "" {
		c.Worklist.SubjectColumn = defaultSubjectColumn
	}
	c.Worklist.MandatoryColumn = strings.TrimSpace(c.Worklist.MandatoryColumn)
	if c.Worklist.MandatoryColumn == "" {
		c.Worklist.MandatoryColumn = defaultMandatoryColumn
	}
}

func (c *Config) normalizeHistory() {
	c.History.AuthorName = strings.TrimSpace(c.History.AuthorName)
	if c.History.AuthorName == "" {
		c.History.AuthorName = defaultAuthorName
	}
	c.History.AuthorEmail = strings.TrimSpace(c.History.AuthorEmail)
	if c.History.AuthorEmail == "" {
		c.History.AuthorEmail = defaultAuthorEmail
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("STD2BIDS_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeoutSeconds == 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
