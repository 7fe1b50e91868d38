package session

import (
	"errors"
	"fmt"
)

// Session names become directory names under ~/.gochat/sessions.
const maxNameLen = 64

// ValidateName checks that name is usable as a session directory name:
// lowercase letters, digits, underscore and hyphen, at most 64 characters.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("session name is empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("session name %q exceeds %d characters", name, maxNameLen)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return fmt.Errorf("session name %q contains %q; allowed: a-z, 0-9, _, -", name, r)
		}
	}
	return nil
}
