// Package pathcrypt encrypts logical document paths segment by segment.
//
// Each segment is sealed with AES-SIV and base64url-encoded without padding,
// so encryption is deterministic: the same path always maps to the same
// stored name and the directory structure is kept one to one. Encoded
// segments never start with a dot.
package pathcrypt

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/absfs/docsafe/errs"
)

const (
	// MaxSegmentLength is the longest encoded segment, the common filesystem
	// name limit.
	MaxSegmentLength = 255

	separator = "/"
	hkdfInfo  = "docsafe path encryption v1"
)

var encoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// Codec maps logical paths to stored paths and back.
type Codec interface {
	// EncryptPath encrypts every segment of a relative path
	EncryptPath(plaintext string) (string, error)

	// DecryptPath decrypts a path produced by EncryptPath
	DecryptPath(ciphertext string) (string, error)
}

// Identity is the Codec used when path encryption is disabled.
var Identity Codec = identity{}

type identity struct{}

func (identity) EncryptPath(plaintext string) (string, error)  { return plaintext, nil }
func (identity) DecryptPath(ciphertext string) (string, error) { return ciphertext, nil }

// Cipher is the AES-SIV Codec.
type Cipher struct {
	siv *SIV
}

// DeriveKey expands a 32-byte secret into the 64-byte AES-SIV key.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) < 32 {
		return nil, errs.NewValidationError("secret", len(secret), "path secret must be at least 32 bytes")
	}
	key := make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive path key: %w", err)
	}
	return key, nil
}

// New creates a Cipher from a path secret.
func New(secret []byte) (*Cipher, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	siv, err := NewSIV(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create SIV engine: %w", err)
	}
	return &Cipher{siv: siv}, nil
}

// EncryptSegment encrypts a single path segment.
func (c *Cipher) EncryptSegment(plaintext string) (string, error) {
	if plaintext == "" || plaintext == "." || plaintext == ".." || strings.Contains(plaintext, separator) {
		return "", errs.NewValidationError("segment", nil, "invalid path segment")
	}
	encoded := encoding.EncodeToString(c.siv.Seal([]byte(plaintext)))
	if len(encoded) > MaxSegmentLength {
		return "", errs.NewValidationError("segment", len(plaintext), "path segment too long once encrypted")
	}
	return encoded, nil
}

// DecryptSegment decrypts a single path segment.
func (c *Cipher) DecryptSegment(ciphertext string) (string, error) {
	data, err := encoding.DecodeString(ciphertext)
	if err != nil {
		return "", errs.NewIntegrityError("", "path segment is not encrypted", err)
	}
	plaintext, err := c.siv.Open(data)
	if err != nil {
		return "", errs.NewIntegrityError("", "path segment failed authentication", err)
	}
	return string(plaintext), nil
}

// EncryptPath encrypts each segment of a cleaned relative path. A trailing
// separator is kept.
func (c *Cipher) EncryptPath(plaintext string) (string, error) {
	return c.mapSegments(plaintext, c.EncryptSegment)
}

// DecryptPath reverses EncryptPath.
func (c *Cipher) DecryptPath(ciphertext string) (string, error) {
	return c.mapSegments(ciphertext, c.DecryptSegment)
}

func (c *Cipher) mapSegments(p string, fn func(string) (string, error)) (string, error) {
	if p == "" {
		return "", nil
	}
	parts := strings.Split(p, separator)
	for i, part := range parts {
		// Empty parts only come from a trailing separator.
		if part == "" && i == len(parts)-1 {
			continue
		}
		mapped, err := fn(part)
		if err != nil {
			return "", err
		}
		parts[i] = mapped
	}
	return strings.Join(parts, separator), nil
}

var _ Codec = (*Cipher)(nil)
