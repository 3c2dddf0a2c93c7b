package phone

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"+6281234567890", "+6281234567890"},
		{"+62 812-3456-7890", "+6281234567890"},
		{"6281234567890@c.us", "+6281234567890"},
		{"6281234567890:12@s.whatsapp.net", "+6281234567890"},
		{"(415) 555 0100", "+4155550100"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, in := range []string{"", "abc", "@c.us", "+12345", "1234567890123456789"} {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalid) {
			t.Errorf("Normalize(%q) err = %v, want ErrInvalid", in, err)
		}
	}
}
