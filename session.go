package docsafe

import (
	"context"
	"errors"

	"github.com/absfs/docsafe/envelope"
	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/keystore"
	"github.com/absfs/docsafe/pathcrypt"
	"github.com/absfs/docsafe/profile"
)

// session is one call's view of an authenticated user: the opened keystore,
// the keys the call needs and the path codec. Keys are wiped when the call
// is done with them.
type session struct {
	user    string
	profile *profile.PrivateProfile
	access  keystore.Access
	keys    map[string][]byte
	paths   pathcrypt.Codec
}

func (s *Service) open(ctx context.Context, auth UserIDAuth) (*session, error) {
	if err := auth.ID.Validate(); err != nil {
		return nil, err
	}
	user := string(auth.ID)
	obf := errs.Obfuscate(user)

	p, err := s.profiles.PrivateProfile(ctx, user)
	if err != nil {
		return nil, err
	}
	blob, err := s.profiles.KeyStoreBlob(ctx, user)
	if err != nil {
		return nil, err
	}
	ks, err := s.keys.Open(blob, auth.Auth.Store)
	if err != nil {
		return nil, withUser(err, obf)
	}

	sess := &session{
		user:    user,
		profile: p,
		access:  keystore.Access{Store: ks, Key: auth.Auth.Key},
		paths:   pathcrypt.Identity,
	}
	// One key derivation covers both keys.
	sess.keys, err = s.keys.Keys(sess.access, []string{p.PathKeyAlias, p.DocumentKeyAlias})
	if err != nil {
		return nil, withUser(err, obf)
	}

	if s.cfg.EncryptPaths {
		secret, ok := sess.keys[p.PathKeyAlias]
		if !ok {
			sess.wipe()
			return nil, &errs.KeyNotFoundError{Alias: p.PathKeyAlias, User: obf}
		}
		c, err := pathcrypt.New(secret)
		if err != nil {
			sess.wipe()
			return nil, err
		}
		sess.paths = c
	}
	return sess, nil
}

// resolver serves the session's keys and falls back to the keystore for
// aliases it does not hold, e.g. documents written under an older key.
func (sess *session) resolver(keys *keystore.Manager) envelope.KeyResolver {
	return func(ids []string) (map[string][]byte, error) {
		out := make(map[string][]byte, len(ids))
		var missing []string
		for _, id := range ids {
			if k, ok := sess.keys[id]; ok {
				out[id] = k
			} else {
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return out, nil
		}
		more, err := keys.Keys(sess.access, missing)
		if err != nil {
			return nil, err
		}
		for id, k := range more {
			out[id] = k
			sess.keys[id] = k
		}
		return out, nil
	}
}

func (sess *session) wipe() {
	for _, k := range sess.keys {
		clear(k)
	}
	clear(sess.keys)
}

// withUser attaches the obfuscated user to keystore errors.
func withUser(err error, obf string) error {
	var wp *errs.WrongPasswordError
	if errors.As(err, &wp) && wp.User == "" {
		wp.User = obf
	}
	var kn *errs.KeyNotFoundError
	if errors.As(err, &kn) && kn.User == "" {
		kn.User = obf
	}
	return err
}
