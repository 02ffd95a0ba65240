package profile

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/keystore"
	"github.com/absfs/docsafe/storage"
	"github.com/absfs/docsafe/storage/fsstore"
)

// flakyBackend fails writes whose location ends with failSuffix.
type flakyBackend struct {
	storage.Backend
	failSuffix string
}

func (f *flakyBackend) Write(ctx context.Context, loc storage.AbsoluteLocation) (io.WriteCloser, error) {
	if f.failSuffix != "" && strings.HasSuffix(loc.String(), f.failSuffix) {
		return nil, errs.NewBackendIOError("write", loc.String(), errors.New("disk full"))
	}
	return f.Backend.Write(ctx, loc)
}

type fixture struct {
	svc     *Service
	backend *flakyBackend
	root    storage.AbsoluteLocation
	keys    *keystore.Manager
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mfs, err := memfs.NewFS()
	require.NoError(t, err)
	store, err := fsstore.New(mfs, storage.MustParseUri("file:///system"))
	require.NoError(t, err)

	keys, err := keystore.NewManager(keystore.WithArgon2id(keystore.Argon2idParams{Memory: 64, Iterations: 1, Parallelism: 1}))
	require.NoError(t, err)

	backend := &flakyBackend{Backend: store}
	svc, err := NewService(backend, store.Root(), keys, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return &fixture{svc: svc, backend: backend, root: store.Root(), keys: keys}
}

func (f *fixture) register(t *testing.T, user string) *UserProfile {
	t.Helper()
	p, err := f.svc.RegisterUser(context.Background(), user, keystore.NewAuth("store", "key"), keystore.DefaultCreationConfig())
	require.NoError(t, err)
	return p
}

func (f *fixture) listAll(t *testing.T) []string {
	t.Helper()
	res, err := storage.Collect(f.backend.List(context.Background(), f.root))
	require.NoError(t, err)
	var out []string
	for _, r := range res {
		rel, err := f.root.Rel(r.Location)
		require.NoError(t, err)
		out = append(out, rel)
	}
	return out
}

func TestRegisterUserWritesLayout(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, "john")

	assert.ElementsMatch(t, []string{
		"profiles/private/john",
		"profiles/public/john",
		"users/john/private/keystore",
	}, f.listAll(t))

	assert.Equal(t, "file:///system/users/john/private/files/", p.Private.PrivateRoot)
	assert.Equal(t, "file:///system/users/john/public/files/", p.Public.PublicRoot)
	assert.Equal(t, p.Private.InboxRoot, p.Public.InboxRoot)
	assert.Equal(t, keystore.DefaultPathKeyAlias, p.Private.PathKeyAlias)
	assert.Len(t, p.Public.PublicKeys, 1)

	ctx := context.Background()
	priv, err := f.svc.PrivateProfile(ctx, "john")
	require.NoError(t, err)
	assert.Equal(t, p.Private.KeyStore, priv.KeyStore)
	assert.True(t, p.Private.Created.Equal(priv.Created))

	pub, err := f.svc.PublicProfile(ctx, "john")
	require.NoError(t, err)
	assert.Equal(t, p.Public.PublicKeys, pub.PublicKeys)

	blob, err := f.svc.KeyStoreBlob(ctx, "john")
	require.NoError(t, err)
	ks, err := f.keys.Open(blob, keystore.NewStorePassword("store"))
	require.NoError(t, err)
	assert.Contains(t, ks.Aliases(), keystore.DefaultDocumentKeyAlias)
}

func TestRegisterUserTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.register(t, "john")

	_, err := f.svc.RegisterUser(context.Background(), "john", keystore.NewAuth("other", "other"), keystore.DefaultCreationConfig())
	require.Error(t, err)
	assert.True(t, errs.IsKeyStoreCreation(err))

	// The original keystore is untouched.
	blob, err := f.svc.KeyStoreBlob(context.Background(), "john")
	require.NoError(t, err)
	_, err = f.keys.Open(blob, keystore.NewStorePassword("store"))
	assert.NoError(t, err)
}

func TestRegisterUserRollsBack(t *testing.T) {
	for _, suffix := range []string{"/keystore", "profiles/public/john", "profiles/private/john"} {
		t.Run(suffix, func(t *testing.T) {
			f := newFixture(t)
			f.backend.failSuffix = suffix

			_, err := f.svc.RegisterUser(context.Background(), "john", keystore.NewAuth("store", "key"), keystore.DefaultCreationConfig())
			require.Error(t, err)
			assert.True(t, errs.IsKeyStoreCreation(err))
			assert.True(t, errs.IsBackendIO(err))

			assert.Empty(t, f.listAll(t))
			exists, err := f.svc.UserExists(context.Background(), "john")
			require.NoError(t, err)
			assert.False(t, exists)

			// A later attempt succeeds.
			f.backend.failSuffix = ""
			f.register(t, "john")
		})
	}
}

func TestRegisterUserInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "a/b", "white space", strings.Repeat("x", 129)} {
		_, err := f.svc.RegisterUser(ctx, id, keystore.NewAuth("s", "k"), keystore.DefaultCreationConfig())
		assert.True(t, errs.IsValidationError(err), "user %q: %v", id, err)
	}

	_, err := f.svc.RegisterUser(ctx, "john", keystore.NewAuth("", "k"), keystore.DefaultCreationConfig())
	assert.True(t, errs.IsKeyStoreCreation(err))
	assert.Empty(t, f.listAll(t))
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	f.register(t, "john")
	f.register(t, "jane")
	ctx := context.Background()

	loc, err := f.svc.ResolvePrivate(ctx, "john", "folder/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "file:///system/users/john/private/files/folder/doc.txt", loc.String())

	root, err := f.svc.ResolvePrivate(ctx, "john", "")
	require.NoError(t, err)
	assert.Equal(t, "file:///system/users/john/private/files/", root.String())

	loc, err = f.svc.ResolvePublicOfPeer(ctx, "jane", "shared.txt")
	require.NoError(t, err)
	assert.Equal(t, "file:///system/users/jane/public/files/shared.txt", loc.String())

	loc, err = f.svc.ResolveInbox(ctx, "jane", "msg")
	require.NoError(t, err)
	assert.Equal(t, "file:///system/users/jane/inbox/msg", loc.String())

	// Escaping the namespace is impossible.
	_, err = f.svc.ResolvePrivate(ctx, "john", "../../jane/private/files/x")
	assert.True(t, errs.IsValidationError(err))

	_, err = f.svc.ResolvePrivate(ctx, "nobody", "x")
	assert.True(t, errs.IsUnknownUser(err))
	_, err = f.svc.ResolvePublicOfPeer(ctx, "nobody", "x")
	assert.True(t, errs.IsUnknownUser(err))
	_, err = f.svc.KeyStoreBlob(ctx, "nobody")
	assert.True(t, errs.IsUnknownUser(err))
}

func TestRemoveUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "john")
	f.register(t, "jane")

	doc, err := f.svc.ResolvePrivate(ctx, "john", "a/b.txt")
	require.NoError(t, err)
	require.NoError(t, storage.WriteAll(ctx, f.backend, doc, []byte("ciphertext")))

	require.NoError(t, f.svc.RemoveUser(ctx, "john"))

	exists, err := f.svc.UserExists(ctx, "john")
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = f.svc.PrivateProfile(ctx, "john")
	assert.True(t, errs.IsUnknownUser(err))

	for _, p := range f.listAll(t) {
		assert.NotContains(t, p, "john")
	}
	exists, err = f.svc.UserExists(ctx, "jane")
	require.NoError(t, err)
	assert.True(t, exists)

	// Idempotent.
	require.NoError(t, f.svc.RemoveUser(ctx, "john"))
	require.NoError(t, f.svc.RemoveUser(ctx, "never-registered"))

	// The id can be registered again.
	f.register(t, "john")
}

func TestCacheServesAndEvicts(t *testing.T) {
	f := newFixture(t, WithCacheTTL(time.Minute))
	ctx := context.Background()
	f.register(t, "john")

	_, err := f.svc.PrivateProfile(ctx, "john")
	require.NoError(t, err)

	// Deleting behind the service's back is hidden by the cache.
	require.NoError(t, f.backend.Remove(ctx, f.svc.retriever.layout.privateProfile("john")))
	_, err = f.svc.PrivateProfile(ctx, "john")
	require.NoError(t, err)

	// RemoveUser evicts.
	require.NoError(t, f.svc.RemoveUser(ctx, "john"))
	_, err = f.svc.PrivateProfile(ctx, "john")
	assert.True(t, errs.IsUnknownUser(err))
}

func TestCacheDisabled(t *testing.T) {
	f := newFixture(t, WithCacheTTL(0))
	ctx := context.Background()
	f.register(t, "john")

	_, err := f.svc.PrivateProfile(ctx, "john")
	require.NoError(t, err)
	require.NoError(t, f.backend.Remove(ctx, f.svc.retriever.layout.privateProfile("john")))
	_, err = f.svc.PrivateProfile(ctx, "john")
	assert.True(t, errs.IsUnknownUser(err))
}

func TestMalformedProfile(t *testing.T) {
	f := newFixture(t, WithCacheTTL(0))
	ctx := context.Background()
	f.register(t, "john")

	require.NoError(t, storage.WriteAll(ctx, f.backend, f.svc.retriever.layout.privateProfile("john"), []byte("{not json")))
	_, err := f.svc.PrivateProfile(ctx, "john")
	assert.True(t, errs.IsIntegrity(err))
}

func TestNewServiceValidation(t *testing.T) {
	mfs, err := memfs.NewFS()
	require.NoError(t, err)
	store, err := fsstore.New(mfs, storage.MustParseUri("file:///system"))
	require.NoError(t, err)
	keys, err := keystore.NewManager()
	require.NoError(t, err)

	_, err = NewService(nil, store.Root(), keys)
	assert.True(t, errs.IsValidationError(err))
	_, err = NewService(store, store.Root(), nil)
	assert.True(t, errs.IsValidationError(err))
	_, err = NewService(store, storage.AbsoluteLocation{}, keys)
	assert.True(t, errs.IsValidationError(err))

	for _, ttl := range []time.Duration{-time.Second, time.Millisecond, 999 * time.Millisecond} {
		_, err = NewService(store, store.Root(), keys, WithCacheTTL(ttl))
		assert.True(t, errs.IsValidationError(err), "ttl %v", ttl)
	}
	svc, err := NewService(store, store.Root(), keys, WithCacheTTL(MinCacheTTL))
	require.NoError(t, err)
	require.NoError(t, svc.Close())
}
