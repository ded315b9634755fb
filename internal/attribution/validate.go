package attribution

import "regexp"

// Referral codes come in two shapes: the structured codes we mint ourselves
// ("CG-" followed by six hex characters) and free-form alphanumeric tokens
// handed out for partner campaigns.
var (
	structuredCodePattern = regexp.MustCompile(`^(?i)CG-[0-9A-F]{6}$`)
	genericCodePattern    = regexp.MustCompile(`^[0-9A-Za-z]{4,20}$`)
)

// ValidCode reports whether raw is an acceptable referral code.
func ValidCode(raw string) bool {
	if raw == "" {
		return false
	}
	return structuredCodePattern.MatchString(raw) || genericCodePattern.MatchString(raw)
}
