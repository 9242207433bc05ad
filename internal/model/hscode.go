package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// NormalizeHSCode canonicalizes a Harmonized Schedule code to 8 digits with
// no punctuation. Dots, spaces, and dashes are stripped; 6-digit inputs are
// right-padded with "00"; inputs longer than 8 digits are truncated to the
// first 8 (the statistical suffix is dropped).
func NormalizeHSCode(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ' ' || r == '-':
			// punctuation stripped
		default:
			return "", eris.Errorf("hs code %q contains invalid character %q", raw, r)
		}
	}

	code := b.String()
	switch {
	case len(code) < 6:
		return "", eris.Errorf("hs code %q too short: need at least 6 digits, got %d", raw, len(code))
	case len(code) == 6:
		return code + "00", nil
	case len(code) == 7:
		return "", eris.Errorf("hs code %q has 7 digits; expected 6, 8, or longer", raw)
	case len(code) == 8:
		return code, nil
	default:
		return code[:8], nil
	}
}
