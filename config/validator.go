package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*$`)

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("namespace", validateNamespace)
	_ = validate.RegisterValidation("host", validateHost)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   any
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails runs struct tag validation followed by the checks
// that span several fields, and returns every problem found.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}

	details = append(details, crossFieldErrors(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

func crossFieldErrors(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	short := cfg.Tiers.ShortTerm
	if short.Backend == "redis" && strings.TrimSpace(short.Redis.Address) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Tiers.ShortTerm.Redis.Address",
			Message: "required when backend is redis",
			Value:   short.Redis.Address,
		})
	}

	mid := cfg.Tiers.MidTerm
	if mid.Backend == "badger" && !mid.Badger.InMemory && strings.TrimSpace(mid.Badger.Path) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Tiers.MidTerm.Badger.Path",
			Message: "required unless in_memory is set",
			Value:   mid.Badger.Path,
		})
	}
	if mid.Backend == "sqlite" && strings.TrimSpace(mid.SQLite.Path) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Tiers.MidTerm.SQLite.Path",
			Message: "required when backend is sqlite",
			Value:   mid.SQLite.Path,
		})
	}

	emb := cfg.Tiers.LongTerm.Embedder
	if cfg.Tiers.LongTerm.Enabled {
		switch emb.Provider {
		case "hash":
			if emb.Dimensions <= 0 {
				errs = append(errs, ConfigError{
					Field:   "Config.Tiers.LongTerm.Embedder.Dimensions",
					Message: "must be positive for the hash provider",
					Value:   emb.Dimensions,
				})
			}
		case "openai":
			if emb.APIKey == "" {
				errs = append(errs, ConfigError{
					Field:   "Config.Tiers.LongTerm.Embedder.APIKey",
					Message: "required for the openai provider",
					Value:   "",
				})
			}
		case "ollama", "openai_compat":
			if emb.Model == "" {
				errs = append(errs, ConfigError{
					Field:   "Config.Tiers.LongTerm.Embedder.Model",
					Message: "required for provider " + emb.Provider,
					Value:   emb.Model,
				})
			}
		}
	}

	if cfg.Consolidation.Enabled && strings.TrimSpace(cfg.Consolidation.Schedule) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Consolidation.Schedule",
			Message: "required when consolidation is enabled",
			Value:   cfg.Consolidation.Schedule,
		})
	}

	if cfg.Tracing.Enabled {
		if strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
			errs = append(errs, ConfigError{
				Field:   "Config.Tracing.Endpoint",
				Message: "required when tracing is enabled",
				Value:   cfg.Tracing.Endpoint,
			})
		}
		if cfg.Tracing.Timeout <= 0 {
			errs = append(errs, ConfigError{
				Field:   "Config.Tracing.Timeout",
				Message: "must be positive when tracing is enabled",
				Value:   cfg.Tracing.Timeout,
			})
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		errs = append(errs, ConfigError{
			Field:   "Config.Metrics.Port",
			Message: "must differ from the API port",
			Value:   cfg.Metrics.Port,
		})
	}

	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "namespace":
		return "must contain only letters, digits and '-', starting with a letter or digit"
	case "host":
		return "must be a host name or address without whitespace"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateNamespace rejects underscores so that resolved location names can be
// split back into their parts.
func validateNamespace(fl validator.FieldLevel) bool {
	return namespacePattern.MatchString(fl.Field().String())
}

// validateHost accepts empty values, host names, IPv4/IPv6 literals and
// host:port pairs.
func validateHost(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if !isValidHostChar(r) {
			return false
		}
	}
	return true
}

func isValidHostChar(r rune) bool {
	if r > unicode.MaxASCII {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsDigit(r) ||
		r == '-' || r == '.' || r == ':' || r == '_' || r == '[' || r == ']'
}
