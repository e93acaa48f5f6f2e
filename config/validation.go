package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate checks struct tags first, then the rules that involve several
// fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	p := cfg.PrivatePrefix
	if p == "." || p == ".." || strings.ContainsAny(p, `/\`) {
		return fmt.Errorf("private_prefix: %q must be a single path segment", p)
	}

	private, err := filepath.Abs(cfg.PrivatePath)
	if err != nil {
		return fmt.Errorf("private_path: %w", err)
	}
	source, err := filepath.Abs(cfg.SourcePath)
	if err != nil {
		return fmt.Errorf("source_path: %w", err)
	}
	links, err := filepath.Abs(cfg.LinksFile)
	if err != nil {
		return fmt.Errorf("links_file: %w", err)
	}

	if within(source, private) {
		return fmt.Errorf("private_path: %s must not be inside source_path %s", cfg.PrivatePath, cfg.SourcePath)
	}
	if within(private, source) {
		return fmt.Errorf("source_path: %s must not be inside private_path %s", cfg.SourcePath, cfg.PrivatePath)
	}
	if within(private, links) || within(source, links) {
		return fmt.Errorf("links_file: %s must be outside source_path and private_path", cfg.LinksFile)
	}

	seen := make(map[string]bool)
	for i, n := range cfg.Notifiers {
		if seen[n.Type] {
			return fmt.Errorf("notifier[%d]: duplicate %q notifier", i, n.Type)
		}
		seen[n.Type] = true
	}
	return nil
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
