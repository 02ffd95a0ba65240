package keystore

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/curve25519"

	"github.com/absfs/docsafe/errs"
)

// Default aliases and alias prefixes.
const (
	DefaultPathKeyAlias     = "PATH_SECRET"
	DefaultDocumentKeyAlias = "PRIVATE_SECRET"
	SecretAliasPrefix       = "SECRET_"
	KeyPairAliasPrefix      = "KEYPAIR_ENC_"
)

// CreationConfig describes the keys generated for a new keystore.
//
// The path key is always generated. SecretKeys counts document keys: the
// first is stored under DocumentKeyAlias, further ones under SECRET_<n>.
type CreationConfig struct {
	SecretKeys       int
	KeyPairs         int
	PathKeyAlias     string
	DocumentKeyAlias string
}

// DefaultCreationConfig returns one document key and one key pair.
func DefaultCreationConfig() CreationConfig {
	return CreationConfig{
		SecretKeys:       1,
		KeyPairs:         1,
		PathKeyAlias:     DefaultPathKeyAlias,
		DocumentKeyAlias: DefaultDocumentKeyAlias,
	}
}

// Validate checks if the creation config is valid
func (c *CreationConfig) Validate() error {
	if c.SecretKeys < 1 {
		return errs.NewValidationError("SecretKeys", c.SecretKeys, "at least one secret key is required")
	}
	if c.SecretKeys > 1024 {
		return errs.NewValidationError("SecretKeys", c.SecretKeys, "must not exceed 1024")
	}
	if c.KeyPairs < 0 || c.KeyPairs > 1024 {
		return errs.NewValidationError("KeyPairs", c.KeyPairs, "must be between 0 and 1024")
	}
	if c.PathKeyAlias == "" || c.DocumentKeyAlias == "" {
		return errs.NewValidationError("alias", nil, "aliases cannot be empty")
	}
	if c.PathKeyAlias == c.DocumentKeyAlias {
		return errs.NewValidationError("alias", c.PathKeyAlias, "path and document aliases must differ")
	}
	for _, a := range []string{c.PathKeyAlias, c.DocumentKeyAlias} {
		if strings.HasPrefix(a, SecretAliasPrefix) || strings.HasPrefix(a, KeyPairAliasPrefix) {
			return errs.NewValidationError("alias", a, "alias collides with generated aliases")
		}
	}
	return nil
}

// Manager creates and opens keystores.
type Manager struct {
	kdf  kdfTemplate
	rand io.Reader
	log  *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithArgon2id derives keys with Argon2id. Zero fields take defaults.
func WithArgon2id(p Argon2idParams) Option {
	return func(m *Manager) {
		m.kdf = argon2Template(p)
	}
}

// WithPBKDF2 derives keys with PBKDF2. Zero fields take defaults.
func WithPBKDF2(p PBKDF2Params) Option {
	return func(m *Manager) {
		m.kdf = pbkdf2Template(p)
	}
}

// WithRand sets the entropy source for keys, salts and nonces.
func WithRand(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.rand = r
		}
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager returns a Manager using Argon2id unless configured otherwise.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		kdf:  defaultKDF(),
		rand: rand.Reader,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.kdf.validate(); err != nil {
		return nil, errs.NewValidationError("kdf", m.kdf.algorithm.String(), err.Error())
	}
	return m, nil
}

func creationError(message string, err error) error {
	return &errs.KeyStoreCreationError{Message: message, Err: err}
}

// Create generates keys per cfg and seals them under auth.
func (m *Manager) Create(auth Auth, cfg CreationConfig) (*KeyStore, error) {
	if auth.Store.IsEmpty() || auth.Key.IsEmpty() {
		return nil, creationError("store and key passwords are required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, creationError("invalid keystore config", err)
	}

	keyKDF, err := m.kdf.newRecord(m.rand)
	if err != nil {
		return nil, creationError("key derivation setup failed", err)
	}
	kek, err := keyKDF.derive(auth.Key.b)
	if err != nil {
		return nil, creationError("key derivation failed", err)
	}
	defer clear(kek)

	entries := make(map[string]entry, 1+cfg.SecretKeys+cfg.KeyPairs)
	add := func(alias string, kind Kind, material, public []byte) error {
		defer clear(material)
		nonce, wrapped, err := seal(m.rand, kek, material, []byte(alias))
		if err != nil {
			return err
		}
		entries[alias] = entry{Alias: alias, Kind: kind, Public: public, Nonce: nonce, Wrapped: wrapped}
		return nil
	}

	secretAliases := []string{cfg.PathKeyAlias, cfg.DocumentKeyAlias}
	for n := 1; n < cfg.SecretKeys; n++ {
		secretAliases = append(secretAliases, fmt.Sprintf("%s%d", SecretAliasPrefix, n))
	}
	for _, alias := range secretAliases {
		key := make([]byte, SecretKeySize)
		if _, err := io.ReadFull(m.rand, key); err != nil {
			return nil, creationError("failed to generate secret key", err)
		}
		if err := add(alias, KindSecret, key, nil); err != nil {
			return nil, creationError("failed to wrap secret key", err)
		}
	}

	for range cfg.KeyPairs {
		id, err := uuid.NewRandomFromReader(m.rand)
		if err != nil {
			return nil, creationError("failed to generate key pair alias", err)
		}
		priv := make([]byte, curve25519.ScalarSize)
		if _, err := io.ReadFull(m.rand, priv); err != nil {
			return nil, creationError("failed to generate key pair", err)
		}
		pub, err := curve25519.X25519(priv, curve25519.Basepoint)
		if err != nil {
			return nil, creationError("failed to derive public key", err)
		}
		if err := add(KeyPairAliasPrefix+id.String(), KindKeyPair, priv, pub); err != nil {
			return nil, creationError("failed to wrap key pair", err)
		}
	}

	blob, err := m.sealTable(auth.Store, keyKDF, entries)
	if err != nil {
		return nil, creationError("failed to seal keystore", err)
	}

	m.log.Debug("keystore created",
		zap.Int("secret_keys", len(secretAliases)),
		zap.Int("key_pairs", cfg.KeyPairs),
		zap.String("kdf", keyKDF.Algorithm.String()))

	return &KeyStore{blob: blob, keyKDF: keyKDF, entries: entries}, nil
}

func (m *Manager) sealTable(pw StorePassword, keyKDF kdfRecord, entries map[string]entry) ([]byte, error) {
	t := table{KDF: keyKDF}
	for _, e := range entries {
		t.Entries = append(t.Entries, e)
	}
	tb, err := cbor.Marshal(t)
	if err != nil {
		return nil, err
	}

	storeKDF, err := m.kdf.newRecord(m.rand)
	if err != nil {
		return nil, err
	}
	sk, err := storeKDF.derive(pw.b)
	if err != nil {
		return nil, err
	}
	defer clear(sk)

	nonce, sealed, err := seal(m.rand, sk, tb, containerAAD(containerVersion))
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(container{
		Magic:   containerMagic,
		Version: containerVersion,
		KDF:     storeKDF,
		Nonce:   nonce,
		Sealed:  sealed,
	})
}

// Open decodes a sealed container with the store password.
func (m *Manager) Open(blob []byte, pw StorePassword) (*KeyStore, error) {
	if pw.IsEmpty() {
		return nil, &errs.WrongPasswordError{}
	}
	c, err := decode(blob)
	if err != nil {
		return nil, err
	}

	sk, err := c.KDF.derive(pw.b)
	if err != nil {
		return nil, errs.NewIntegrityError("", "invalid keystore kdf parameters", err)
	}
	defer clear(sk)

	tb, err := unseal(sk, c.Nonce, c.Sealed, containerAAD(c.Version))
	if err != nil {
		return nil, &errs.WrongPasswordError{Err: err}
	}

	var t table
	if err := cbor.Unmarshal(tb, &t); err != nil {
		return nil, errs.NewIntegrityError("", "malformed keystore table", err)
	}
	entries := make(map[string]entry, len(t.Entries))
	for _, e := range t.Entries {
		if _, dup := entries[e.Alias]; dup {
			return nil, errs.NewIntegrityError("", fmt.Sprintf("duplicate alias %q", e.Alias), nil)
		}
		entries[e.Alias] = e
	}
	return &KeyStore{blob: append([]byte(nil), blob...), keyKDF: t.KDF, entries: entries}, nil
}

func (m *Manager) kek(access Access) ([]byte, error) {
	if access.Key.IsEmpty() {
		return nil, &errs.WrongPasswordError{}
	}
	kek, err := access.Store.keyKDF.derive(access.Key.b)
	if err != nil {
		return nil, errs.NewIntegrityError("", "invalid key kdf parameters", err)
	}
	return kek, nil
}

func (m *Manager) unwrap(access Access, alias string, kind Kind) ([]byte, error) {
	if access.Store == nil {
		return nil, errs.NewValidationError("access", nil, "keystore cannot be nil")
	}
	e, ok := access.Store.entries[alias]
	if !ok || e.Kind != kind {
		return nil, &errs.KeyNotFoundError{Alias: alias}
	}
	kek, err := m.kek(access)
	if err != nil {
		return nil, err
	}
	defer clear(kek)

	material, err := unseal(kek, e.Nonce, e.Wrapped, []byte(alias))
	if err != nil {
		return nil, &errs.WrongPasswordError{Alias: alias, Err: err}
	}
	return material, nil
}

// SecretKey returns the symmetric key stored under alias.
func (m *Manager) SecretKey(access Access, alias string) ([]byte, error) {
	return m.unwrap(access, alias, KindSecret)
}

// PrivateKey returns the X25519 private key stored under alias.
func (m *Manager) PrivateKey(access Access, alias string) ([]byte, error) {
	return m.unwrap(access, alias, KindKeyPair)
}

// Keys resolves every secret-key alias it knows. Unknown aliases and aliases
// of other kinds are omitted.
func (m *Manager) Keys(access Access, aliases []string) (map[string][]byte, error) {
	if access.Store == nil {
		return nil, errs.NewValidationError("access", nil, "keystore cannot be nil")
	}
	out := make(map[string][]byte)

	var known []entry
	for _, a := range aliases {
		if e, ok := access.Store.entries[a]; ok && e.Kind == KindSecret {
			known = append(known, e)
		}
	}
	if len(known) == 0 {
		return out, nil
	}

	kek, err := m.kek(access)
	if err != nil {
		return nil, err
	}
	defer clear(kek)

	for _, e := range known {
		material, err := unseal(kek, e.Nonce, e.Wrapped, []byte(e.Alias))
		if err != nil {
			return nil, &errs.WrongPasswordError{Alias: e.Alias, Err: err}
		}
		out[e.Alias] = material
	}
	return out, nil
}
