// Package checksum computes the digests used for image identifiers and ETags.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
)

// MD5 returns the hex-encoded MD5 digest of data. Image identifiers are the
// MD5 of the uploaded blob.
func MD5(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

// ETag returns data's digest as a quoted entity tag.
func ETag(data []byte) string {
	return `"` + MD5(data) + `"`
}
