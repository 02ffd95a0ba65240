package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherSuite represents the AEAD used for chunks
type CipherSuite uint8

const (
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM CipherSuite = iota + 1
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite maps a name as printed by String back to a suite.
func ParseCipherSuite(name string) (CipherSuite, error) {
	switch name {
	case "aes-256-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305":
		return CipherChaCha20Poly1305, nil
	}
	return 0, ErrUnsupportedCipher
}

// KeySize is the key size of every supported suite.
const KeySize = 32

var (
	ErrUnsupportedCipher = errors.New("unsupported cipher suite")
	ErrAuthFailed        = errors.New("authentication failed - data may be corrupted or tampered")
)

// CipherEngine provides AEAD encryption/decryption. Results are appended to
// dst, which may be nil.
type CipherEngine interface {
	// Encrypt seals plaintext with the given nonce and associated data
	Encrypt(dst, nonce, plaintext, aad []byte) ([]byte, error)

	// Decrypt opens ciphertext with the given nonce and associated data
	Decrypt(dst, nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine adapts a cipher.AEAD to CipherEngine.
type aeadEngine struct {
	aead cipher.AEAD
}

func (e *aeadEngine) Encrypt(dst, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(dst, nonce, plaintext, aad), nil
}

func (e *aeadEngine) Decrypt(dst, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(dst, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int { return e.aead.NonceSize() }

func (e *aeadEngine) Overhead() int { return e.aead.Overhead() }

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("AES-256 requires a 32-byte key, got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ChaCha20-Poly1305 requires a %d-byte key, got %d bytes",
			chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}
