package utils

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashParts produces a stable hex digest over an ordered list of string parts.
// Parts are length-prefixed before hashing so that ("ab","c") and ("a","bc")
// never collide.
func HashParts(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(strconv.Itoa(len(p)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(p)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
