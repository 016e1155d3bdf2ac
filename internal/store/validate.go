package store

import (
	"fmt"
	"regexp"
)

// Device names are user-chosen handles typed into chat, so the charset is
// deliberately tight: letters, digits, underscore, hyphen, 1-50 chars.
var deviceNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidDeviceName reports whether name is acceptable for a device handle.
func ValidDeviceName(name string) bool {
	return deviceNameRe.MatchString(name)
}

// Steam64 IDs for individual accounts sit in a fixed numeric window; anything
// outside it is a typo or a different ID type.
const (
	gameIDMin = 76500000000000000
	gameIDMax = 76600000000000000
)

// ValidateGameID checks that id looks like a Steam64-style player ID.
func ValidateGameID(id int64) error {
	if id < gameIDMin || id > gameIDMax {
		return fmt.Errorf("game id %d out of range: expected a 17-digit ID starting with 765", id)
	}
	return nil
}
