package calls

import (
	"errors"
	"strings"
)

var ErrInvalidPhoneNumber = errors.New("calls: invalid phone number")

// NormalizePhoneNumber converts user input into E.164.
// Ten bare digits are treated as a North American number.
func NormalizePhoneNumber(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	digits := strings.TrimPrefix(cleaned, "+")
	if len(digits) < 8 || len(digits) > 15 {
		return "", ErrInvalidPhoneNumber
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhoneNumber
		}
	}

	switch {
	case strings.HasPrefix(cleaned, "+"):
		return cleaned, nil
	case len(digits) == 10:
		return "+1" + digits, nil
	default:
		return "+" + digits, nil
	}
}
