package shared

import "crypto/subtle"

// SecureCompare compares two tokens in constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
