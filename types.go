package docsafe

import (
	"github.com/absfs/docsafe/keystore"
	"github.com/absfs/docsafe/profile"
	"github.com/absfs/docsafe/storage"
)

// UserID identifies a user. It is used verbatim as a path segment, so only
// [A-Za-z0-9._@-] is allowed.
type UserID string

// Validate checks that the id is usable.
func (u UserID) Validate() error {
	return profile.ValidateUserID(string(u))
}

// UserIDAuth is a user id with the passwords guarding its keystore.
type UserIDAuth struct {
	ID   UserID
	Auth keystore.Auth
}

// NewUserIDAuth builds a UserIDAuth from plain strings.
func NewUserIDAuth(id, storePassword, keyPassword string) UserIDAuth {
	return UserIDAuth{ID: UserID(id), Auth: keystore.NewAuth(storePassword, keyPassword)}
}

// Wipe zeroes the passwords.
func (a UserIDAuth) Wipe() {
	a.Auth.Wipe()
}

// Document is a listed document: its logical path and the backend resource
// holding it.
type Document struct {
	Path     string
	Resource storage.ResolvedResource
}
