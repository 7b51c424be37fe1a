package auth

import "errors"

var (
	// ErrInvalidToken indicates an admin token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrBadPassword indicates a failed admin login.
	ErrBadPassword = errors.New("invalid password")
)
