// Package identity supplies the user id stamped on every transition event.
package identity

import "errors"

// ErrNoUser is returned by Validate when no user id is configured.
var ErrNoUser = errors.New("identity: user id is not configured")

// Provider returns the signed-in user's id.
type Provider interface {
	UserID() string
}

// Static is a Provider backed by a fixed id, usually read from config.
type Static string

// UserID implements Provider.
func (s Static) UserID() string { return string(s) }

// Validate fails if the provider has no id.
func Validate(p Provider) error {
	if p == nil || p.UserID() == "" {
		return ErrNoUser
	}
	return nil
}
