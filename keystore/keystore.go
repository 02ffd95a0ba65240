// Package keystore creates, seals and opens per-user keystores.
//
// A keystore holds symmetric secret keys and X25519 key pairs under string
// aliases. It is protected by two passwords: the store password derives the
// key that seals the whole entry table, and the key password derives the key
// that wraps each entry's material. Opening a keystore therefore reveals the
// aliases and public keys, but no key material, to a holder of the store
// password alone.
//
// The serialized container is CBOR:
//
//	container { magic, version, store kdf, nonce, sealed table }
//	table     { key kdf, entries }
//	entry     { alias, kind, public key, nonce, wrapped material }
//
// Sealing uses XChaCha20-Poly1305 with random nonces. The entry alias is the
// associated data of its wrapped material, so entries cannot be swapped.
package keystore

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/absfs/docsafe/errs"
)

const (
	containerMagic   = "DSKS"
	containerVersion = 1

	// SecretKeySize is the size of generated symmetric keys.
	SecretKeySize = 32
)

// Kind is the type of a keystore entry.
type Kind uint8

const (
	// KindSecret is a symmetric secret key.
	KindSecret Kind = iota + 1
	// KindKeyPair is an X25519 key pair.
	KindKeyPair
)

func (k Kind) String() string {
	switch k {
	case KindSecret:
		return "secret"
	case KindKeyPair:
		return "keypair"
	default:
		return "unknown"
	}
}

type container struct {
	Magic   string    `cbor:"1,keyasint"`
	Version uint8     `cbor:"2,keyasint"`
	KDF     kdfRecord `cbor:"3,keyasint"`
	Nonce   []byte    `cbor:"4,keyasint"`
	Sealed  []byte    `cbor:"5,keyasint"`
}

type table struct {
	KDF     kdfRecord `cbor:"1,keyasint"`
	Entries []entry   `cbor:"2,keyasint"`
}

type entry struct {
	Alias   string `cbor:"1,keyasint"`
	Kind    Kind   `cbor:"2,keyasint"`
	Public  []byte `cbor:"3,keyasint,omitempty"`
	Nonce   []byte `cbor:"4,keyasint"`
	Wrapped []byte `cbor:"5,keyasint"`
}

// KeyStore is an open keystore. It is immutable and safe for concurrent use.
type KeyStore struct {
	blob    []byte
	keyKDF  kdfRecord
	entries map[string]entry
}

// Bytes returns the sealed container.
func (ks *KeyStore) Bytes() []byte {
	return append([]byte(nil), ks.blob...)
}

// Aliases returns every alias in sorted order.
func (ks *KeyStore) Aliases() []string {
	aliases := make([]string, 0, len(ks.entries))
	for a := range ks.entries {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)
	return aliases
}

// Kind returns the kind of the entry under alias.
func (ks *KeyStore) Kind(alias string) (Kind, bool) {
	e, ok := ks.entries[alias]
	return e.Kind, ok
}

// PublicKeys returns the public half of every key pair by alias.
func (ks *KeyStore) PublicKeys() map[string][]byte {
	out := make(map[string][]byte)
	for a, e := range ks.entries {
		if e.Kind == KindKeyPair {
			out[a] = append([]byte(nil), e.Public...)
		}
	}
	return out
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key)
}

func seal(rand io.Reader, key, plaintext, aad []byte) (nonce, sealed []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func unseal(key, nonce, sealed, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size")
	}
	return aead.Open(nil, nonce, sealed, aad)
}

func containerAAD(version uint8) []byte {
	return append([]byte(containerMagic), version)
}

// decode parses a container without opening it.
func decode(blob []byte) (container, error) {
	var c container
	if err := cbor.Unmarshal(blob, &c); err != nil {
		return c, errs.NewIntegrityError("", "malformed keystore container", err)
	}
	if c.Magic != containerMagic {
		return c, errs.NewIntegrityError("", "not a keystore container", nil)
	}
	if c.Version != containerVersion {
		return c, errs.NewIntegrityError("", fmt.Sprintf("unsupported keystore version %d", c.Version), nil)
	}
	return c, nil
}
