package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Key joins a keyspace prefix and id segments with ':'.
func Key(prefix string, parts ...interface{}) string {
	key := prefix
	for _, p := range parts {
		key = fmt.Sprintf("%s:%v", key, p)
	}
	return key
}

// Fingerprint hashes the given segments into a short stable token, used to
// detect unchanged analyzer inputs.
func Fingerprint(parts ...interface{}) string {
	h := md5.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v|", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
