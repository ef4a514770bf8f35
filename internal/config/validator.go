package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/govnext/web-core-sub000/internal/adapter/outbound/cel"
	"github.com/govnext/web-core-sub000/internal/domain/ratelimit"
)

// RegisterCustomValidators registers the rate limiter validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: a positive Go duration string such as "250ms" or "25h"
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d > 0
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validatePolicyTable(); err != nil {
		return err
	}

	if err := c.validateStoreWindow(); err != nil {
		return err
	}

	if err := c.validateClassifierRules(); err != nil {
		return err
	}

	return nil
}

// validatePolicyTable rejects unknown classes, malformed endpoints and
// non-positive limits through the domain table validation.
func (c *Config) validatePolicyTable() error {
	table, err := c.Limiter.PolicyTable()
	if err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return fmt.Errorf("limiter: %w", err)
	}
	return nil
}

// validateStoreWindow ensures stored history outlives the day window.
func (c *Config) validateStoreWindow() error {
	ttl := Duration(c.Store.TTL, ratelimit.DefaultSeriesTTL)
	if ttl < ratelimit.PeriodDay.Window() {
		return fmt.Errorf("store.ttl: %s is shorter than the day window", ttl)
	}
	return nil
}

// validateClassifierRules compiles every CEL rule once.
func (c *Config) validateClassifierRules() error {
	if len(c.Limiter.Classifier.Rules) == 0 {
		return nil
	}
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("limiter.classifier: %w", err)
	}
	for i, r := range c.Limiter.Classifier.Rules {
		if err := evaluator.CheckCondition(r.Condition); err != nil {
			return fmt.Errorf("limiter.classifier.rules[%d]: %w", i, err)
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a positive duration such as '250ms' or '1h'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
