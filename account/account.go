// Package account reads user profiles from the account directory. Accounts
// are created and edited elsewhere; this package only looks them up.
package account

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("account: user not found")

// DefaultProfilePic is used when a profile has no picture.
const DefaultProfilePic = "/default-avatar.png"

// Profile is the public part of a user record.
type Profile struct {
	ID         string `json:"_id" yaml:"id" bson:"-"`
	Name       string `json:"name" yaml:"name" bson:"name"`
	Email      string `json:"email" yaml:"email" bson:"email"`
	ProfilePic string `json:"profile_pic" yaml:"profile_pic" bson:"profile_pic"`
	Bio        string `json:"bio" yaml:"bio" bson:"bio"`
}

// Avatar returns the profile picture or the default one.
func (p *Profile) Avatar() string {
	if p.ProfilePic == "" {
		return DefaultProfilePic
	}
	return p.ProfilePic
}

type Directory interface {
	// FindByID returns ErrNotFound for unknown ids.
	FindByID(ctx context.Context, id string) (*Profile, error)
}
