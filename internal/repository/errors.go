// Package repository holds the MySQL-backed stores.  The sentinel errors
// below let handlers tell apart "nothing there" and "constraint violated"
// from infrastructure failures without inspecting driver errors.
package repository

import "errors"

// ErrUserNotFound is returned when no user matches the lookup key.
var ErrUserNotFound = errors.New("user not found")

// ErrUsernameTaken is returned when the unique index on users.username
// rejects an insert.  It is the authoritative duplicate signal; any
// pre-check done by callers is advisory.
var ErrUsernameTaken = errors.New("username already taken")
