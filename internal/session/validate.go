package session

import (
	"fmt"
	"regexp"
)

var (
	nameRegexp   = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	memberRegexp = regexp.MustCompile(`^[A-Za-z0-9@.:-]{1,128}$`)
)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// ValidateMemberID checks a member id before it is embedded in store paths
// and local keys. Underscores are rejected because local keys use them as
// separators.
func ValidateMemberID(id string) error {
	if !memberRegexp.MatchString(id) {
		return fmt.Errorf("invalid member id %q: must match %s", id, memberRegexp)
	}
	return nil
}
