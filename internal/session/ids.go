package session

import (
	"crypto/rand"
	"encoding/hex"
)

// newSessionID returns a 128-bit random identifier, hex encoded. Collisions
// are not re-checked; the space is large enough that a clash means the
// entropy source is broken, which Read reports anyway.
func newSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
