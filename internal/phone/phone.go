// Package phone normalizes phone-like addresses into the "+<digits>" form
// used as the internal user key.
package phone

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

var ErrInvalid = errors.New("invalid phone number")

var validate = validator.New()

// Normalize drops an "@domain" suffix, a ":device" suffix and every
// non-digit, then prefixes "+". The result must be a valid E.164 number.
func Normalize(s string) (string, error) {
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	b.WriteByte('+')
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if err := validate.Var(out, "required,e164"); err != nil {
		return "", ErrInvalid
	}
	return out, nil
}
