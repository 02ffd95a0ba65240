package keystore

import (
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF identifies a password-based key derivation function.
type KDF uint8

const (
	// Argon2id is the default KDF.
	Argon2id KDF = iota + 1
	// PBKDF2SHA256 is PBKDF2 with HMAC-SHA256.
	PBKDF2SHA256
	// PBKDF2SHA512 is PBKDF2 with HMAC-SHA512.
	PBKDF2SHA512
)

// String returns the string representation of the KDF
func (k KDF) String() string {
	switch k {
	case Argon2id:
		return "argon2id"
	case PBKDF2SHA256:
		return "pbkdf2-sha256"
	case PBKDF2SHA512:
		return "pbkdf2-sha512"
	default:
		return "unknown"
	}
}

// ParseKDF maps a name as printed by String back to a KDF.
func ParseKDF(name string) (KDF, error) {
	for _, k := range []KDF{Argon2id, PBKDF2SHA256, PBKDF2SHA512} {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unsupported kdf %q", name)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int // Number of iterations (minimum 100,000 recommended)
	SHA512     bool
}

const (
	saltSize = 32
	kekSize  = 32
)

// Upper bounds on KDF cost. Records are read from stored keystores, so they
// bound what a tampered keystore can make Open spend.
const (
	MaxArgon2Memory     = 4 * 1024 * 1024 // KiB, 4 GiB
	MaxArgon2Iterations = 64
	MaxPBKDF2Iterations = 10_000_000
)

// kdfRecord is stored next to each sealed block so it can be re-derived with
// the parameters it was sealed under.
type kdfRecord struct {
	Algorithm   KDF    `cbor:"1,keyasint"`
	Salt        []byte `cbor:"2,keyasint"`
	Iterations  uint32 `cbor:"3,keyasint"`
	Memory      uint32 `cbor:"4,keyasint,omitempty"`
	Parallelism uint8  `cbor:"5,keyasint,omitempty"`
}

// kdfTemplate produces fresh records for new keystores.
type kdfTemplate struct {
	algorithm KDF
	argon     Argon2idParams
	pbkdf2    PBKDF2Params
}

func defaultKDF() kdfTemplate {
	return argon2Template(Argon2idParams{})
}

func argon2Template(p Argon2idParams) kdfTemplate {
	// Set defaults
	if p.Memory == 0 {
		p.Memory = 64 * 1024 // 64 MB
	}
	if p.Iterations == 0 {
		p.Iterations = 3
	}
	if p.Parallelism == 0 {
		p.Parallelism = 4
	}
	return kdfTemplate{algorithm: Argon2id, argon: p}
}

func pbkdf2Template(p PBKDF2Params) kdfTemplate {
	if p.Iterations == 0 {
		p.Iterations = 600000
	}
	alg := PBKDF2SHA256
	if p.SHA512 {
		alg = PBKDF2SHA512
	}
	return kdfTemplate{algorithm: alg, pbkdf2: p}
}

func (t kdfTemplate) validate() error {
	switch t.algorithm {
	case Argon2id:
		if t.argon.Memory < 8*uint32(t.argon.Parallelism) {
			return errors.New("argon2id memory must be at least 8 KiB per lane")
		}
		if t.argon.Memory > MaxArgon2Memory || t.argon.Iterations > MaxArgon2Iterations {
			return errors.New("argon2id cost exceeds limits")
		}
	case PBKDF2SHA256, PBKDF2SHA512:
		if t.pbkdf2.Iterations < 1000 {
			return errors.New("pbkdf2 iterations must be at least 1000")
		}
		if t.pbkdf2.Iterations > MaxPBKDF2Iterations {
			return errors.New("pbkdf2 iterations exceed limit")
		}
	default:
		return fmt.Errorf("unsupported kdf %v", t.algorithm)
	}
	return nil
}

func (t kdfTemplate) newRecord(rand io.Reader) (kdfRecord, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand, salt); err != nil {
		return kdfRecord{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	r := kdfRecord{Algorithm: t.algorithm, Salt: salt}
	if t.algorithm == Argon2id {
		r.Iterations = t.argon.Iterations
		r.Memory = t.argon.Memory
		r.Parallelism = t.argon.Parallelism
	} else {
		r.Iterations = uint32(t.pbkdf2.Iterations)
	}
	return r, nil
}

// derive produces a key-encryption key from password.
func (r kdfRecord) derive(password []byte) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(r.Salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}
	if r.Iterations == 0 {
		return nil, errors.New("kdf iterations cannot be zero")
	}

	var hashFunc func() hash.Hash
	switch r.Algorithm {
	case Argon2id:
		if r.Parallelism == 0 || r.Memory < 8*uint32(r.Parallelism) {
			return nil, errors.New("invalid argon2id parameters")
		}
		if r.Memory > MaxArgon2Memory || r.Iterations > MaxArgon2Iterations {
			return nil, fmt.Errorf("argon2id cost exceeds limits (memory %d KiB, iterations %d)", r.Memory, r.Iterations)
		}
		return argon2.IDKey(password, r.Salt, r.Iterations, r.Memory, r.Parallelism, kekSize), nil
	case PBKDF2SHA256:
		hashFunc = sha256.New
	case PBKDF2SHA512:
		hashFunc = sha512.New
	default:
		return nil, fmt.Errorf("unsupported kdf: %v", r.Algorithm)
	}
	if r.Iterations > MaxPBKDF2Iterations {
		return nil, fmt.Errorf("pbkdf2 iterations %d exceed limit", r.Iterations)
	}
	return pbkdf2.Key(password, r.Salt, int(r.Iterations), kekSize, hashFunc), nil
}
