package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the constraints the pipeline refuses to start without.
// Misconfiguration is the only fatal failure class, so it is caught here
// before any source pipeline spins up.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	if c.Classifier.Endpoint == "" {
		errors = append(errors, ValidationError{
			Field:   "classifier.endpoint",
			Message: "classifier endpoint is required",
		})
	} else if _, err := url.ParseRequestURI(c.Classifier.Endpoint); err != nil {
		errors = append(errors, ValidationError{
			Field:   "classifier.endpoint",
			Message: "invalid classifier endpoint URL",
		})
	}

	if c.Classifier.MaxBatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "classifier.max_batch_size",
			Message: "max_batch_size must be positive",
		})
	}

	if c.Database.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "database URL is required",
		})
	}

	if len(c.Sources) == 0 {
		errors = append(errors, ValidationError{
			Field:   "sources",
			Message: "at least one source must be configured",
		})
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		field := fmt.Sprintf("sources[%d]", i)

		if src.ID == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Message: "source id is required",
			})
		} else if seen[src.ID] {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate source id: %s", src.ID),
			})
		}
		seen[src.ID] = true

		if len(src.URLs) == 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".urls",
				Message: "at least one listing URL is required",
			})
		}
		for _, u := range src.URLs {
			if _, err := url.ParseRequestURI(u); err != nil {
				errors = append(errors, ValidationError{
					Field:   field + ".urls",
					Message: fmt.Sprintf("invalid URL: %s", u),
				})
			}
		}

		if src.Strategy != "static-markup" && src.Strategy != "rendered" {
			errors = append(errors, ValidationError{
				Field:   field + ".strategy",
				Message: fmt.Sprintf("unknown strategy: %s", src.Strategy),
			})
		}

		if src.RateLimit <= 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".rate_limit",
				Message: "rate_limit must be positive",
			})
		}

		if src.MaxConcurrency < 1 {
			errors = append(errors, ValidationError{
				Field:   field + ".max_concurrency",
				Message: "max_concurrency must be positive",
			})
		}

		if src.Selectors.Links == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".selectors.links",
				Message: "a links selector is required",
			})
		}
	}

	return errors
}
