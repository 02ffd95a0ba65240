package docsafe

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/absfs/docsafe/envelope"
	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/keystore"
	"github.com/absfs/docsafe/profile"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "DOCSAFE_"

// Config contains configuration for the document service
type Config struct {
	// Cipher suite used for new documents: aes-256-gcm or chacha20-poly1305
	Cipher string `env:"CIPHER" envDefault:"aes-256-gcm"`

	// ChunkSize is the plaintext size of one envelope chunk
	ChunkSize int `env:"CHUNK_SIZE" envDefault:"65536"`

	// KDF protecting keystores: argon2id, pbkdf2-sha256 or pbkdf2-sha512
	KDF               string `env:"KDF" envDefault:"argon2id"`
	Argon2Memory      uint32 `env:"ARGON2_MEMORY" envDefault:"65536"` // KiB
	Argon2Iterations  uint32 `env:"ARGON2_ITERATIONS" envDefault:"3"`
	Argon2Parallelism uint8  `env:"ARGON2_PARALLELISM" envDefault:"4"`
	PBKDF2Iterations  int    `env:"PBKDF2_ITERATIONS" envDefault:"600000"`

	// Keys generated for every new user
	SecretKeys int `env:"SECRET_KEYS" envDefault:"1"`
	KeyPairs   int `env:"KEY_PAIRS" envDefault:"1"`

	// CacheTTL bounds how long profiles and keystores are cached. Zero
	// disables the cache.
	CacheTTL time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	// EncryptPaths stores document paths encrypted segment by segment
	EncryptPaths bool `env:"ENCRYPT_PATHS" envDefault:"true"`
}

// DefaultConfig returns the configuration LoadConfig yields on an empty
// environment.
func DefaultConfig() Config {
	return Config{
		Cipher:            envelope.CipherAES256GCM.String(),
		ChunkSize:         envelope.DefaultChunkSize,
		KDF:               keystore.Argon2id.String(),
		Argon2Memory:      64 * 1024,
		Argon2Iterations:  3,
		Argon2Parallelism: 4,
		PBKDF2Iterations:  600000,
		SecretKeys:        1,
		KeyPairs:          1,
		CacheTTL:          5 * time.Minute,
		EncryptPaths:      true,
	}
}

// LoadConfig reads the configuration from DOCSAFE_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return errs.NewValidationError("config", nil, "config cannot be nil")
	}
	if _, err := envelope.ParseCipherSuite(c.Cipher); err != nil {
		return &errs.ValidationError{Field: "Cipher", Value: c.Cipher, Message: "unsupported cipher suite", Err: err}
	}
	if err := envelope.ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if _, err := keystore.ParseKDF(c.KDF); err != nil {
		return &errs.ValidationError{Field: "KDF", Value: c.KDF, Message: "unsupported kdf", Err: err}
	}
	if c.CacheTTL < 0 {
		return errs.NewValidationError("CacheTTL", c.CacheTTL, "cannot be negative")
	}
	if c.CacheTTL > 0 && c.CacheTTL < profile.MinCacheTTL {
		return errs.NewValidationError("CacheTTL", c.CacheTTL, "must be zero or at least one second")
	}
	cc := c.creationConfig()
	return cc.Validate()
}

func (c *Config) cipherSuite() envelope.CipherSuite {
	suite, _ := envelope.ParseCipherSuite(c.Cipher)
	return suite
}

func (c *Config) keystoreOptions() []keystore.Option {
	kdf, _ := keystore.ParseKDF(c.KDF)
	switch kdf {
	case keystore.PBKDF2SHA256, keystore.PBKDF2SHA512:
		return []keystore.Option{keystore.WithPBKDF2(keystore.PBKDF2Params{
			Iterations: c.PBKDF2Iterations,
			SHA512:     kdf == keystore.PBKDF2SHA512,
		})}
	default:
		return []keystore.Option{keystore.WithArgon2id(keystore.Argon2idParams{
			Memory:      c.Argon2Memory,
			Iterations:  c.Argon2Iterations,
			Parallelism: c.Argon2Parallelism,
		})}
	}
}

func (c *Config) creationConfig() keystore.CreationConfig {
	cc := keystore.DefaultCreationConfig()
	cc.SecretKeys = c.SecretKeys
	cc.KeyPairs = c.KeyPairs
	return cc
}
