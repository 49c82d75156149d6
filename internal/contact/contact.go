// Package contact normalizes and validates the business identifiers that key
// candidate profiles: email addresses and phone numbers.
package contact

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^\S+@\S+\.\S+$`)
	nonDigits    = regexp.MustCompile(`\D`)

	// Region-specific phone acceptance, applied to the digits-only form.
	phoneIN       = regexp.MustCompile(`^91[0-9]{10}$`)
	phoneUS       = regexp.MustCompile(`^1[0-9]{10}$`)
	phoneFallback = regexp.MustCompile(`^[0-9]{10,15}$`)
)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the normalized form of email is acceptable.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(NormalizeEmail(email))
}

// NormalizePhone strips every non-digit character, yielding the canonical
// digits-only form with no leading +.
func NormalizePhone(phone string) string {
	return nonDigits.ReplaceAllString(phone, "")
}

// ValidPhone reports whether the digits-only form of phone is acceptable for
// the given region. Region "IN" requires 91 plus ten digits, "US" requires 1
// plus ten digits, and anything else falls back to a permissive 10-15 digit
// check.
func ValidPhone(phone, region string) bool {
	digits := NormalizePhone(phone)
	switch strings.ToUpper(region) {
	case "IN":
		return phoneIN.MatchString(digits)
	case "US":
		return phoneUS.MatchString(digits)
	default:
		return phoneFallback.MatchString(digits)
	}
}

// ValidName reports whether a first or last name is acceptable.
func ValidName(name string) bool {
	return len(strings.TrimSpace(name)) >= 2
}

// ValidOtpCode reports whether code is exactly six ASCII digits.
func ValidOtpCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// SplitDisplayName derives first and last names from a provider-asserted
// display name, falling back to the email local part. Used by the
// register-first link flow when no registration payload exists yet.
func SplitDisplayName(displayName, email string) (firstName, lastName string) {
	firstName, lastName = "User", "Candidate"

	parts := strings.Fields(strings.TrimSpace(displayName))
	if len(parts) >= 2 {
		return parts[0], strings.Join(parts[1:], " ")
	}
	if len(parts) == 1 && len(parts[0]) >= 2 {
		return parts[0], lastName
	}

	local := strings.SplitN(NormalizeEmail(email), "@", 2)[0]
	local = stripNonAlnum(local)
	if len(local) >= 2 {
		firstName = strings.ToUpper(local[:1]) + strings.ToLower(local[1:])
	}
	return firstName, lastName
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
