// Package validation provides centralized input validation for tierstore.
package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for entity names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSlashes bool

	// LowerASCII restricts letters to ASCII lowercase and requires an
	// alphanumeric first character. Set for names that become literal
	// path segments in cache keys.
	LowerASCII bool
}

// SiteNameRules returns the rules for site names.
// Site names become path segments in cache keys, so the charset is the
// key grammar's: lowercase ASCII letters, digits, hyphen and underscore,
// starting with a letter or digit.
func SiteNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSlashes: false,
		LowerASCII:   true,
	}
}

// PointNameRules returns the rules for telemetry point names.
// Upstream controllers emit hierarchical names such as
// "ahu-1/supply-temp" or "vav.12.damper-pos".
func PointNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    512,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSlashes: true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain '..'")
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return fmt.Errorf("name cannot start or end with '/'")
	}
	if strings.Contains(name, "//") {
		return fmt.Errorf("name cannot contain '//'")
	}

	if rules.LowerASCII {
		for i, r := range name {
			lowerAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
			if i == 0 && !lowerAlnum {
				return fmt.Errorf("name must start with a lowercase letter or digit")
			}
			switch {
			case lowerAlnum:
			case r == '-' && rules.AllowHyphens:
			case r == '_' && rules.AllowUnders:
			default:
				return fmt.Errorf("name contains invalid character %q", r)
			}
		}
		return nil
	}

	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
		case r == '.' && rules.AllowDots:
		case r == '-' && rules.AllowHyphens:
		case r == '_' && rules.AllowUnders:
		case r == '/' && rules.AllowSlashes:
		case r == ':' && rules.AllowSlashes:
			// Point names from BACnet sources carry object references
			// like "analogValue:12".
		default:
			return fmt.Errorf("name contains invalid character %q", r)
		}
	}

	return nil
}

// ValidateSiteName validates a site name.
func ValidateSiteName(name string) error {
	if err := ValidateName(name, SiteNameRules()); err != nil {
		return fmt.Errorf("site name: %w", err)
	}
	return nil
}

// NormalizeSiteName maps an upstream site spelling onto the stored
// charset: trimmed, lowercased, spaces collapsed to hyphens. The result
// still has to pass ValidateSiteName.
func NormalizeSiteName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.ReplaceAll(name, " ", "-")
}

// ValidatePointName validates a telemetry point name.
func ValidatePointName(name string) error {
	if err := ValidateName(name, PointNameRules()); err != nil {
		return fmt.Errorf("point name: %w", err)
	}
	return nil
}

// ValidatePointNames validates a set of point names.
// An empty set is valid; the router produces a zero-cost plan for it.
func ValidatePointNames(names []string) error {
	for _, n := range names {
		if err := ValidatePointName(n); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Time Range Validation
// =============================================================================

// ValidateTimeRange validates that a time range is well-formed.
func ValidateTimeRange(start, end time.Time) error {
	if start.IsZero() {
		return fmt.Errorf("start time is required")
	}
	if end.IsZero() {
		return fmt.Errorf("end time is required")
	}
	if end.Before(start) {
		return fmt.Errorf("end time %s precedes start time %s",
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}
