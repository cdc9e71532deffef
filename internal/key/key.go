// Package key implements the canonical encoding used by the high-water
// tracker's radix tree: a trailing slash is appended to every key so that
// prefix queries over a directory never spuriously match a sibling key
// that merely shares a textual prefix (e.g. "a/b/" must never match
// "a/bc/").
package key

import (
	"regexp"

	"github.com/pkg/errors"
)

// allowedChars is the character set a key's segments may be drawn from.
var allowedChars = regexp.MustCompile(`^[A-Za-z0-9/_-]+$`)

// InvalidKeyError is returned by Encode when a key contains characters
// outside the allowed set. It is a programmer error: callers should
// terminate rather than attempt to recover from it.
type InvalidKeyError struct {
	Key string
}

func (e *InvalidKeyError) Error() string {
	return "invalid key: " + e.Key
}

// Encode validates k and returns its canonical form: k with exactly one
// trailing "/" appended, unless it's already present.
func Encode(k string) (string, error) {
	if !allowedChars.MatchString(k) {
		return "", errors.WithStack(&InvalidKeyError{Key: k})
	}
	if k[len(k)-1] != '/' {
		return k + "/", nil
	}
	return k, nil
}

// Decode is the inverse of Encode on a canonical key: it strips exactly
// one trailing "/".
func Decode(k string) string {
	if len(k) > 0 && k[len(k)-1] == '/' {
		return k[:len(k)-1]
	}
	return k
}
