package api

import (
	"regexp"
	"unicode/utf8"
)

// maxShortStringLen is the maximum length for phone numbers and ids.
const maxShortStringLen = 40

// maxRouteLen is the maximum length for a route path.
const maxRouteLen = 2048

// maxVariables bounds the extra channel variables of one call.
const maxVariables = 50

// phoneRe validates dialable numbers: digits with an optional leading +,
// plus * and # for feature codes.
var phoneRe = regexp.MustCompile(`^\+?[0-9*#]{1,40}$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validatePhoneNumber checks that a number is dialable.
func validatePhoneNumber(field, value string) string {
	if value == "" {
		return field + " is required"
	}
	if !phoneRe.MatchString(value) {
		return field + " must contain only digits, *, # and a leading +"
	}
	return ""
}
