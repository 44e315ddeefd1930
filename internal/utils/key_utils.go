package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"net"
	"regexp"
	"strings"
)

// filenamePattern allows only alphanumerics and '.', '_' and '-'.
var filenamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ShortHash returns the first length hex characters of the SHA-1 digest of input.
func ShortHash(input string, length int) string {
	sum := sha1.Sum([]byte(input))
	digest := hex.EncodeToString(sum[:])
	if length <= 0 || length > len(digest) {
		return digest
	}
	return digest[:length]
}

// HostOf strips the port from a host:port address. Addresses without a port
// are returned unchanged.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ValidFilename reports whether name is a bare file name made of safe characters.
func ValidFilename(name string) bool {
	return filenamePattern.MatchString(name) && name != "." && name != ".."
}

// OptionIn reports whether value equals one of options, ignoring case.
func OptionIn(value string, options ...string) bool {
	for _, option := range options {
		if strings.EqualFold(value, option) {
			return true
		}
	}
	return false
}
