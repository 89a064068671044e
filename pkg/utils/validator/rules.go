package validator

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Custom validation tags
const (
	TagNotBlank   = "notblank"   // String must contain a non-whitespace character
	TagDocumentID = "documentid" // Document id (letters, digits, '-' and '_', 1-64 chars)
	TagFilename   = "filename"   // Bare file name without path separators
)

var documentIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func (v *Validator) registerCustomRules() {
	_ = v.validate.RegisterValidation(TagNotBlank, validateNotBlank)
	_ = v.validate.RegisterValidation(TagDocumentID, validateDocumentID)
	_ = v.validate.RegisterValidation(TagFilename, validateFilename)
}

// validateNotBlank rejects strings made only of whitespace.
// Empty strings are left to 'required'.
func validateNotBlank(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return strings.IndexFunc(value, func(r rune) bool { return !unicode.IsSpace(r) }) >= 0
}

func validateDocumentID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return documentIDRegex.MatchString(value)
}

func validateFilename(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	if value == "." || value == ".." {
		return false
	}
	return !strings.ContainsAny(value, `/\`) && !strings.ContainsRune(value, 0)
}
