package envelope

import (
	"fmt"

	"github.com/absfs/docsafe/errs"
)

const (
	// DefaultChunkSize is the default chunk size (64 KB)
	DefaultChunkSize = 64 * 1024

	// MinChunkSize is the minimum allowed chunk size (64 bytes, for testing)
	MinChunkSize = 64

	// MaxChunkSize is the maximum allowed chunk size (16 MB)
	MaxChunkSize = 16 * 1024 * 1024
)

// ValidateChunkSize checks if a chunk size is within bounds
func ValidateChunkSize(size int) error {
	if size < MinChunkSize {
		return &errs.ValidationError{
			Field:   "ChunkSize",
			Value:   size,
			Message: fmt.Sprintf("size too small: got %d, minimum is %d", size, MinChunkSize),
		}
	}
	if size > MaxChunkSize {
		return &errs.ValidationError{
			Field:   "ChunkSize",
			Value:   size,
			Message: fmt.Sprintf("size too large: got %d, maximum is %d", size, MaxChunkSize),
		}
	}
	return nil
}

// ValidateKey checks that key fits the cipher suite
func ValidateKey(key []byte, suite CipherSuite) error {
	if key == nil {
		return &errs.ValidationError{Field: "key", Message: "key cannot be nil"}
	}
	switch suite {
	case CipherAES256GCM, CipherChaCha20Poly1305:
	default:
		return &errs.ValidationError{Field: "cipher", Value: suite, Message: "unsupported cipher suite", Err: ErrUnsupportedCipher}
	}
	if len(key) != KeySize {
		return &errs.ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("%s requires a %d-byte key, got %d bytes", suite, KeySize, len(key)),
		}
	}
	return nil
}

// ValidateKeyID checks that a key id can be carried in a header
func ValidateKeyID(keyID string) error {
	if keyID == "" {
		return &errs.ValidationError{Field: "keyID", Message: "key id cannot be empty"}
	}
	if len(keyID) > MaxKeyIDLength {
		return &errs.ValidationError{
			Field:   "keyID",
			Value:   len(keyID),
			Message: fmt.Sprintf("key id too long: got %d bytes, maximum is %d", len(keyID), MaxKeyIDLength),
		}
	}
	return nil
}
