// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// Fingerprint computes a 64-bit FNV-1a hash over the given parts. Parts are
// separated by a zero byte so ("ab","c") and ("a","bc") differ. The hash is
// used solely for identification and does not need to be reversible.
func Fingerprint(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
