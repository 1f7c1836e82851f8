package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	s := &cfg.Server

	if s.Host != "" {
		host := strings.TrimSuffix(strings.TrimPrefix(s.Host, "["), "]")
		if _, err := netip.ParseAddr(host); err != nil {
			return fmt.Errorf("server.host: %q is not a numeric IP address", s.Host)
		}
	}

	// 0 picks an ephemeral port; workers share the parent's socket anyway.
	if _, err := strconv.ParseUint(s.Port, 10, 16); err != nil {
		return fmt.Errorf("server.port: %q is not a numeric port", s.Port)
	}

	if s.AcceptRate > 0 && s.AcceptBurst < 1 {
		return fmt.Errorf("server.accept_burst: must be >= 1 when accept_rate is set")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		// Return the first validation error with context
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
