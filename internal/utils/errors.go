package utils

import "errors"

// Errors returned by the credential helpers.  Handlers translate them into
// HTTP responses with errors.Is; the wrapped detail is only ever logged.
var (
	// ErrHashing reports a failure of the underlying hash function (entropy
	// source or resource exhaustion), never a property of the password.
	ErrHashing = errors.New("password hashing failed")
	// ErrMalformedHash means a stored hash could not be parsed as bcrypt.
	ErrMalformedHash = errors.New("malformed password hash")
	// ErrTokenInvalid covers bad signatures, unexpected algorithms and
	// tokens that are not JWTs at all.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned once the current time reaches exp.
	ErrTokenExpired = errors.New("token expired")
)
