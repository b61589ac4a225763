package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	if cfg.Database.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "database.url",
			Message: "required",
		})
	}

	if cfg.Dispatcher.Workers <= 0 {
		errs = append(errs, ValidationError{
			Field:   "dispatcher.workers",
			Message: "must be positive",
		})
	}

	if cfg.Retry.Factor < 1 {
		errs = append(errs, ValidationError{
			Field:   "retry.factor",
			Message: fmt.Sprintf("must be at least 1, got %v", cfg.Retry.Factor),
		})
	}
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, ValidationError{
			Field:   "retry.max_attempts",
			Message: "must be at least 1",
		})
	}
	if cfg.Retry.BaseDelay <= 0 {
		errs = append(errs, ValidationError{
			Field:   "retry.base_delay",
			Message: "must be positive",
		})
	}

	if cfg.Breaker.Threshold < 0 {
		errs = append(errs, ValidationError{
			Field:   "breaker.threshold",
			Message: "must not be negative",
		})
	}

	if cfg.Reconciler.ClaimTimeout <= cfg.Dispatcher.SendTimeout {
		errs = append(errs, ValidationError{
			Field:   "reconciler.claim_timeout",
			Message: "must exceed dispatcher.send_timeout",
		})
	}

	if cfg.Janitor.Enabled {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		if _, err := parser.Parse(cfg.Janitor.Schedule); err != nil {
			errs = append(errs, ValidationError{
				Field:   "janitor.schedule",
				Message: fmt.Sprintf("invalid cron expression: %v", err),
			})
		}
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", cfg.Logging.Level),
		})
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be 'json' or 'console', got %q", cfg.Logging.Format),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
