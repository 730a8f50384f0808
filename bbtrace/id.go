package bbtrace

import (
	"fmt"
	"math"
	"strings"
)

const (
	idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	idLen      = 11
)

// FormatID renders a non-negative trace id as an 11 character base64 string,
// most significant digit first.
func FormatID(id int64) (string, error) {
	if id < 0 {
		return "", fmt.Errorf("trace id %d is negative", id)
	}
	var b [idLen]byte
	for i := idLen - 1; i >= 0; i-- {
		b[i] = idAlphabet[id%64]
		id /= 64
	}
	return string(b[:]), nil
}

// ParseID is the inverse of FormatID.
func ParseID(s string) (int64, error) {
	if len(s) != idLen {
		return 0, fmt.Errorf("trace id %q: want %d characters", s, idLen)
	}
	var id int64
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(idAlphabet, s[i])
		if d < 0 {
			return 0, fmt.Errorf("trace id %q: invalid character %q", s, s[i])
		}
		if id > (math.MaxInt64-int64(d))/64 {
			return 0, fmt.Errorf("trace id %q: overflow", s)
		}
		id = id*64 + int64(d)
	}
	return id, nil
}

// Sanitize replaces every character that isn't safe in a file name with an
// underscore.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
