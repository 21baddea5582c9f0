package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewRequestID returns a fresh 10-hex-character AI request identifier.
func NewRequestID() string {
	return randomHex(5)
}

// NewActionID returns a fresh 8-hex-character tool action identifier.
func NewActionID() string {
	return randomHex(4)
}

// NewClientID returns the stable 12-character peer token written into
// presence file names. Generated once per installation and persisted.
func NewClientID() string {
	return randomHex(6)
}

// NewMemoryID returns a memory entry id of the form mem_<unix>_<rand6>.
func NewMemoryID(now time.Time) string {
	return fmt.Sprintf("mem_%d_%s", now.Unix(), randomHex(3))
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; there is no sensible way to continue.
		panic(fmt.Sprintf("models: reading random bytes: %v", err))
	}
	return hex.EncodeToString(b)
}
