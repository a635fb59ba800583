package monitor

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Fingerprint digests a site failure into a stable dedup key. The hash is
// order-preserving: each field is length-prefixed so ("ab","c") and
// ("a","bc") never collide.
func Fingerprint(kind, message, stepAction, stepSelector string) string {
	h := sha256.New()
	for _, field := range []string{kind, message, stepAction, stepSelector} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}
