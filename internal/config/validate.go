package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateFetch(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if c.Notifications.RequestTimeoutSeconds < 0 {
		return errors.New("notifications.request_timeout_seconds must be >= 0")
	}
	return c.validateLogging()
}

func (c *Config) validateFetch() error {
	if c.Fetch.MaxWorkers < 1 || c.Fetch.MaxWorkers > MaxFetchWorkers {
		return fmt.Errorf("fetch.max_workers must be between 1 and %d (UKB does not allow more simultaneous connections), got %d", MaxFetchWorkers, c.Fetch.MaxWorkers)
	}
	if c.Fetch.TimeoutSeconds < 0 {
		return errors.New("fetch.timeout_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.MaxParticipants < 0 {
		return errors.New("workflow.max_participants must be >= 0 (0 means unlimited)")
	}
	if c.Workflow.MaxActiveSubjects < 0 {
		return errors.New("workflow.max_active_subjects must be >= 0 (0 means unlimited)")
	}
	if c.Worklist.SubjectColumn == c.Worklist.MandatoryColumn {
		return errors.New("worklist.subject_column and worklist.mandatory_column must differ")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	return nil
}
