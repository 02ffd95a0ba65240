package docsafe

import (
	"strings"
	"testing"
	"time"

	"github.com/absfs/docsafe/envelope"
	"github.com/absfs/docsafe/errs"
)

// TestConfig_Validate tests the Config validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "defaults",
			modify: func(*Config) {},
		},
		{
			name:   "chacha20",
			modify: func(c *Config) { c.Cipher = "chacha20-poly1305" },
		},
		{
			name:    "unsupported cipher",
			modify:  func(c *Config) { c.Cipher = "des" },
			wantErr: true,
			errMsg:  "unsupported cipher suite",
		},
		{
			name:    "chunk size too small",
			modify:  func(c *Config) { c.ChunkSize = 16 },
			wantErr: true,
			errMsg:  "ChunkSize",
		},
		{
			name:    "chunk size too large",
			modify:  func(c *Config) { c.ChunkSize = envelope.MaxChunkSize + 1 },
			wantErr: true,
			errMsg:  "ChunkSize",
		},
		{
			name:    "unknown kdf",
			modify:  func(c *Config) { c.KDF = "md5" },
			wantErr: true,
			errMsg:  "unsupported kdf",
		},
		{
			name:   "pbkdf2",
			modify: func(c *Config) { c.KDF = "pbkdf2-sha512" },
		},
		{
			name:    "negative cache ttl",
			modify:  func(c *Config) { c.CacheTTL = -time.Second },
			wantErr: true,
			errMsg:  "cannot be negative",
		},
		{
			name:    "sub-second cache ttl",
			modify:  func(c *Config) { c.CacheTTL = 500 * time.Millisecond },
			wantErr: true,
			errMsg:  "at least one second",
		},
		{
			name:   "cache disabled",
			modify: func(c *Config) { c.CacheTTL = 0 },
		},
		{
			name:    "no secret keys",
			modify:  func(c *Config) { c.SecretKeys = 0 },
			wantErr: true,
			errMsg:  "at least one secret key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errs.IsValidationError(err) {
					t.Errorf("expected validation error, got %T", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not mention %q", err.Error(), tt.errMsg)
				}
			}
		})
	}

	var nilCfg *Config
	if err := nilCfg.Validate(); err == nil {
		t.Error("nil config accepted")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("LoadConfig() = %+v, want %+v", cfg, DefaultConfig())
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DOCSAFE_CIPHER", "chacha20-poly1305")
	t.Setenv("DOCSAFE_CHUNK_SIZE", "4096")
	t.Setenv("DOCSAFE_KDF", "pbkdf2-sha256")
	t.Setenv("DOCSAFE_PBKDF2_ITERATIONS", "1000")
	t.Setenv("DOCSAFE_CACHE_TTL", "0s")
	t.Setenv("DOCSAFE_ENCRYPT_PATHS", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.cipherSuite() != envelope.CipherChaCha20Poly1305 {
		t.Errorf("cipher = %q", cfg.Cipher)
	}
	if cfg.ChunkSize != 4096 || cfg.PBKDF2Iterations != 1000 || cfg.CacheTTL != 0 || cfg.EncryptPaths {
		t.Errorf("unexpected config %+v", cfg)
	}
	if len(cfg.keystoreOptions()) != 1 {
		t.Errorf("expected a single kdf option")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("DOCSAFE_CHUNK_SIZE", "not-a-number")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}

	t.Setenv("DOCSAFE_CHUNK_SIZE", "1")
	if _, err := LoadConfig(); !errs.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
