// Package auth gates dispatcher handlers by the connection's authKind, the
// collapsed two-kind descendant of the teacher's permission-string
// Enforcer: aries has exactly two subjects (user, daemon) and no resource
// scopes, so the check is a single comparison rather than a role/permission
// lookup.
package auth

import "github.com/ariesdockerd/ariesdockerd/internal/token"

// Kind mirrors token.Kind plus the unauthenticated initial state.
type Kind string

const (
	Unauth Kind = "unauth"
	User   Kind = "user"
	Daemon Kind = "daemon"
)

func FromTokenKind(k token.Kind) Kind {
	switch k {
	case token.KindUser:
		return User
	case token.KindDaemon:
		return Daemon
	default:
		return Unauth
	}
}

// Require reports whether a connection authenticated as have may invoke a
// handler that requires need.
func Require(have, need Kind) bool {
	return have == need
}
