package util

import (
	"fmt"
	"net/url"
	"strings"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString generates a hash value for a string with a seed
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution
func HashString(s string, seed uint64) uint64 {

	// FNV-1a hash with seed incorporation
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	// Start with the offset combined with our seed for uniqueness
	hash := uint64(offset64) ^ seed

	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}

	return hash
}

// --------------------------------------------------------------------------
// File names
// --------------------------------------------------------------------------

// maxReadableName is the number of origin characters kept in a file name
const maxReadableName = 48

// FileName builds a file system safe name for an origin. The name keeps a
// readable prefix of the origin and appends a hash of the full origin and
// the context so that different origins never collide.
func FileName(origin string, context uint64, ext string) string {
	readable := url.PathEscape(origin)
	readable = strings.NewReplacer("%", "_", ":", "_", "/", "_").Replace(readable)
	if len(readable) > maxReadableName {
		readable = readable[:maxReadableName]
	}
	return readable + "-" + fmt.Sprintf("%016x", HashString(origin, context)) + ext
}
