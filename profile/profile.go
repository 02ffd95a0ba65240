// Package profile maps users to their storage namespaces.
//
// Every registered user owns a keystore, a private profile and a public
// profile, stored under a single system root:
//
//	profiles/private/<uid>        private profile (JSON)
//	profiles/public/<uid>         public profile (JSON)
//	users/<uid>/private/keystore  sealed keystore
//	users/<uid>/private/files/    private documents
//	users/<uid>/public/files/     public documents
//	users/<uid>/inbox/            inbox
//
// The private profile is written last and is the commit point of a
// registration. Resolution only ever joins a validated relative path onto a
// namespace root taken from a profile, so one user can never address
// another user's private namespace.
package profile

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/storage"
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)

// ValidateUserID checks that id is usable as a single path segment.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) || id == "." || id == ".." {
		return errs.NewValidationError("user", errs.Obfuscate(id), "user id must match [A-Za-z0-9._@-]{1,128}")
	}
	return nil
}

// PrivateProfile is only readable by its owner.
type PrivateProfile struct {
	PrivateRoot      string    `json:"privateRoot"`
	KeyStore         string    `json:"keystore"`
	InboxRoot        string    `json:"inboxRoot"`
	PathKeyAlias     string    `json:"pathKeyAlias"`
	DocumentKeyAlias string    `json:"documentKeyAlias"`
	Created          time.Time `json:"created"`
}

// PublicProfile is what peers see of a user.
type PublicProfile struct {
	PublicRoot string            `json:"publicRoot"`
	InboxRoot  string            `json:"inboxRoot"`
	PublicKeys map[string][]byte `json:"publicKeys,omitempty"`
}

// UserProfile is both halves of a registered user's profile.
type UserProfile struct {
	User    string
	Private PrivateProfile
	Public  PublicProfile
}

func (p *PrivateProfile) privateRoot() (storage.AbsoluteLocation, error) {
	return rootOf(p.PrivateRoot)
}

func (p *PrivateProfile) inboxRoot() (storage.AbsoluteLocation, error) {
	return rootOf(p.InboxRoot)
}

func (p *PrivateProfile) keyStore() (storage.AbsoluteLocation, error) {
	return storage.ParseAbsoluteLocation(p.KeyStore)
}

func (p *PublicProfile) publicRoot() (storage.AbsoluteLocation, error) {
	return rootOf(p.PublicRoot)
}

func rootOf(raw string) (storage.AbsoluteLocation, error) {
	loc, err := storage.ParseAbsoluteLocation(raw)
	if err != nil {
		return storage.AbsoluteLocation{}, errs.NewIntegrityError("", "profile holds an invalid namespace root", err)
	}
	return loc.Dir(), nil
}

func decodeProfile[T any](data []byte, location string) (*T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &errs.IntegrityError{Location: location, Message: "malformed profile", Err: err}
	}
	return &p, nil
}

// layout computes the persisted locations of one user.
type layout struct {
	root storage.AbsoluteLocation
}

func (l layout) at(rel string) storage.AbsoluteLocation {
	// Callers validate user ids first, so rel is always a clean path.
	loc, err := l.root.Resolve(rel)
	if err != nil {
		panic("profile: invalid layout path " + rel)
	}
	return loc
}

func (l layout) privateProfile(uid string) storage.AbsoluteLocation {
	return l.at("profiles/private/" + uid)
}

func (l layout) publicProfile(uid string) storage.AbsoluteLocation {
	return l.at("profiles/public/" + uid)
}

func (l layout) userRoot(uid string) storage.AbsoluteLocation {
	return l.at("users/" + uid + "/")
}

func (l layout) keyStore(uid string) storage.AbsoluteLocation {
	return l.at("users/" + uid + "/private/keystore")
}

func (l layout) privateFiles(uid string) storage.AbsoluteLocation {
	return l.at("users/" + uid + "/private/files/")
}

func (l layout) publicFiles(uid string) storage.AbsoluteLocation {
	return l.at("users/" + uid + "/public/files/")
}

func (l layout) inbox(uid string) storage.AbsoluteLocation {
	return l.at("users/" + uid + "/inbox/")
}
