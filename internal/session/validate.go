package session

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName is returned for session ids that break the naming rules.
var ErrInvalidName = errors.New("invalid session id")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match ^[a-z0-9_-]{1,64}$", ErrInvalidName, name)
	}
	return nil
}
