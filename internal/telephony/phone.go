package telephony

import (
	"errors"
	"strings"
	"unicode"
)

var ErrInvalidPhone = errors.New("telephony: not a dialable phone number")

// NormalizePhone converts a lead's phone number into a canonical E.164-style
// dialable form. Numbers without an explicit international prefix get
// defaultPrefix (e.g. "+1"); "00" international dialing is rewritten to "+".
func NormalizePhone(raw, defaultPrefix string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(trimmed, "+")

	var digits strings.Builder
	for _, r := range trimmed {
		if unicode.IsDigit(r) {
			digits.WriteRune(r)
		} else if !strings.ContainsRune("+()-. /", r) {
			return "", ErrInvalidPhone
		}
	}
	num := digits.String()
	if len(num) < 7 {
		return "", ErrInvalidPhone
	}

	switch {
	case hasPlus:
		return "+" + num, nil
	case strings.HasPrefix(num, "00"):
		return "+" + num[2:], nil
	case defaultPrefix != "" && strings.HasPrefix("+"+num, defaultPrefix):
		// Already carries the default country code (e.g. 1555...).
		return "+" + num, nil
	default:
		if defaultPrefix == "" {
			defaultPrefix = "+1"
		}
		return defaultPrefix + num, nil
	}
}
