package model

import "time"

// User represents an application user record as stored in the `users`
// table.  The json tags are omitted because the struct carries the
// password hash; handlers build their own sanitized response types.
//
// Fields:
//
//	ID           – primary key identifier of the user.
//	Username     – unique login name (unique index uq_users_username).
//	Email        – contact address, not unique.
//	PasswordHash – bcrypt hash of the password (column `password`).
//	CreatedAt    – timestamp of creation.
type User struct {
	ID           uint64    // users.id
	Username     string    // users.username
	Email        string    // users.email
	PasswordHash string    // users.password
	CreatedAt    time.Time // users.created_at
}
