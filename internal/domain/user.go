// Package domain contains entity without logic, just meta-data and validation
package domain

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 24
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
	ErrUserIDInvalid   = errors.New("user id invalid")
)

type UserID string

// Identity is the acting user of one session. Components receive it at
// construction time instead of reading a global "current user".
type Identity struct {
	UserID UserID
	Name   string
}

func NewIdentity(id UserID, name string) (Identity, error) {
	if id == "" || len(id) > MaxUserIDLen {
		return Identity{}, ErrUserIDInvalid
	}
	n, err := NormalizeName(name)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: id, Name: n}, nil
}

// NormalizeName trims surrounding space and enforces the display name bounds.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLen {
		return "", ErrUsernameTooLong
	}
	return name, nil
}
