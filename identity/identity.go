package identity

import "strings"

// ID names the principal a request acts as. Every mutating operation in the
// system carries one explicitly; there is no ambient "current user".
type ID string

func (id ID) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

func (id ID) String() string {
	return string(id)
}

// Allowed reports whether caller may act on a record owned by owner.
// Ownership is the only relationship; there are no roles or grants.
func Allowed(caller, owner ID) bool {
	return caller.Valid() && caller == owner
}
