package session

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTitleLen is the maximum title length in runes.
	MaxTitleLen = 200
	// MaxTagLen is the maximum length of a single tag in runes.
	MaxTagLen = 50
)

// contentRefPattern accepts URL-shaped strings. The target is never fetched
// or resolved here; the reference is treated as opaque.
var contentRefPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://\S+$`)

func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return fmt.Errorf("%w: title exceeds %d characters", ErrValidation, MaxTitleLen)
	}
	return nil
}

func ValidateTags(tags []string) error {
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: empty tag", ErrValidation)
		}
		if utf8.RuneCountInString(tag) > MaxTagLen {
			return fmt.Errorf("%w: tag %q exceeds %d characters", ErrValidation, tag, MaxTagLen)
		}
	}
	return nil
}

func ValidateContentRef(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("%w: content_ref is required", ErrValidation)
	}
	if !contentRefPattern.MatchString(ref) {
		return fmt.Errorf("%w: content_ref must be a URL", ErrValidation)
	}
	return nil
}

// ValidateFields checks the full required field set of a candidate record.
func ValidateFields(title string, tags []string, contentRef string) error {
	if err := ValidateTitle(title); err != nil {
		return err
	}
	if err := ValidateTags(tags); err != nil {
		return err
	}
	return ValidateContentRef(contentRef)
}

// validatePatch checks only the fields a patch actually sets.
func validatePatch(p Patch) error {
	if p.Title != nil {
		if err := ValidateTitle(*p.Title); err != nil {
			return err
		}
	}
	if p.Tags != nil {
		if err := ValidateTags(*p.Tags); err != nil {
			return err
		}
	}
	if p.ContentRef != nil {
		if err := ValidateContentRef(*p.ContentRef); err != nil {
			return err
		}
	}
	return nil
}
