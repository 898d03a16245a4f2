// Package hash provides the hex digests stored alongside domains and captured
// artifacts.
package hash

import (
	"crypto/md5" //nolint:gosec // md5 is a lookup key, not a security boundary
	"crypto/sha256"
	"encoding/hex"
)

// SHA256 returns the hex SHA-256 digest of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MD5 returns the hex MD5 digest of data.
func MD5(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// Domain returns the md5 and sha256 digests of a domain name.
func Domain(name string) (md5Hex, sha256Hex string) {
	return MD5([]byte(name)), SHA256([]byte(name))
}
