package auth

import "errors"

var (
	ErrNotFound      = errors.New("auth: user not found")
	ErrAlreadyExists = errors.New("auth: user already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrUnauthorized  = errors.New("auth: unauthorized")
)
