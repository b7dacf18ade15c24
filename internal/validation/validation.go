package validation

import (
	"errors"
	"fmt"
	"go/token"
	"regexp"
	"strings"

	"github.com/sdtprobe/sdtprobe/internal/config"
)

// ErrInvalidName is returned for identifiers that cannot be written into an
// SDT note or a generated Go file.
var ErrInvalidName = errors.New("invalid name")

var (
	cIdentifierRegex    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	goPackageRegex      = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)
	maxIdentifierLength = config.IdentifierMaxLength
	maxArgFormatLength  = 1024
	maxLogLevelLength   = 10
)

func validateCIdentifier(kind, name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%s cannot be empty: %w", kind, ErrInvalidName)
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("%s %q exceeds maximum length of %d characters: %w", kind, name, maxIdentifierLength, ErrInvalidName)
	}
	if !cIdentifierRegex.MatchString(name) {
		return fmt.Errorf("%s %q must be a C identifier (letters, digits and underscores, not starting with a digit): %w", kind, name, ErrInvalidName)
	}
	return nil
}

func ValidateProvider(name string) error {
	return validateCIdentifier("provider", name)
}

func ValidateProbeName(name string) error {
	return validateCIdentifier("probe name", name)
}

// ValidateArgName accepts Go identifiers that are not keywords or the blank
// identifier.
func ValidateArgName(name string) error {
	if name == "_" || !token.IsIdentifier(name) {
		return fmt.Errorf("argument name %q is not a Go identifier: %w", name, ErrInvalidName)
	}
	return nil
}

func ValidatePackageName(name string) error {
	if name == "" || !goPackageRegex.MatchString(name) || token.IsKeyword(name) {
		return fmt.Errorf("package name %q is not valid: %w", name, ErrInvalidName)
	}
	return nil
}

// ValidateArgFormat rejects argument strings that would end the note string
// early or break line oriented readers.
func ValidateArgFormat(format string) error {
	if len(format) > maxArgFormatLength {
		return fmt.Errorf("argument format exceeds maximum length of %d characters: %w", maxArgFormatLength, ErrInvalidName)
	}
	if strings.ContainsAny(format, "\x00\n\r") {
		return fmt.Errorf("argument format %q contains NUL or newline: %w", format, ErrInvalidName)
	}
	return nil
}

func ValidateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	if len(level) > maxLogLevelLength {
		return fmt.Errorf("log level exceeds maximum length of %d characters", maxLogLevelLength)
	}
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error", "fatal":
		return nil
	}
	return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error, fatal)", level)
}

func ValidateLogFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "console", "json":
		return nil
	}
	return fmt.Errorf("invalid log format: %s (valid: console, json)", format)
}

// SanitizeComment makes s safe to place on a single Go or assembly comment
// line.
func SanitizeComment(s string) string {
	s = strings.TrimSpace(s)
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
