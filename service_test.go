package docsafe

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/storage"
	"github.com/absfs/docsafe/storage/fsstore"
	"github.com/absfs/docsafe/storage/s3store"
	"github.com/absfs/docsafe/storage/s3store/s3mem"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Argon2Memory = 64
	cfg.Argon2Iterations = 1
	cfg.Argon2Parallelism = 1
	return cfg
}

type backendFactory func(t *testing.T) (storage.Backend, storage.AbsoluteLocation)

func memBackend(t *testing.T) (storage.Backend, storage.AbsoluteLocation) {
	t.Helper()
	mfs, err := memfs.NewFS()
	require.NoError(t, err)
	s, err := fsstore.New(mfs, storage.MustParseUri("file:///docsafe"))
	require.NoError(t, err)
	return s, s.Root()
}

func s3Backend(t *testing.T) (storage.Backend, storage.AbsoluteLocation) {
	t.Helper()
	s, err := s3store.New(s3mem.New(), storage.MustParseUri("s3://home/docsafe"), s3store.WithPartSize(s3store.MinPartSize))
	require.NoError(t, err)
	return s, s.Root()
}

// osBackend stores into a temporary host directory. Unlike memfs the host
// filesystem is safe for concurrent use.
func osBackend(t *testing.T) (storage.Backend, storage.AbsoluteLocation) {
	t.Helper()
	s, err := fsstore.New(fsstore.OS(), storage.MustParseUri("file://"+filepath.ToSlash(t.TempDir())))
	require.NoError(t, err)
	return s, s.Root()
}

var backends = map[string]backendFactory{
	"fs": memBackend,
	"s3": s3Backend,
}

var concurrentBackends = map[string]backendFactory{
	"fs": osBackend,
	"s3": s3Backend,
}

func newService(t *testing.T, backend storage.Backend, root storage.AbsoluteLocation, cfg Config) *Service {
	t.Helper()
	svc, err := New(backend, root, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func register(t *testing.T, svc *Service, id string) UserIDAuth {
	t.Helper()
	auth := NewUserIDAuth(id, id+"-store", id+"-key")
	_, err := svc.RegisterUser(context.Background(), auth)
	require.NoError(t, err)
	return auth
}

func writeDoc(t *testing.T, svc *Service, auth UserIDAuth, path string, data []byte) {
	t.Helper()
	w, err := svc.Write(context.Background(), auth, path)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func readDoc(t *testing.T, svc *Service, auth UserIDAuth, path string) []byte {
	t.Helper()
	r, err := svc.Read(context.Background(), auth, path)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestWriteReadRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 1000, 64 * 1024, 64*1024 + 1, 300 * 1024}
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			backend, root := factory(t)
			svc := newService(t, backend, root, testConfig())
			john := register(t, svc, "john")

			for _, size := range sizes {
				data := randomBytes(t, size)
				path := fmt.Sprintf("docs/%d.bin", size)
				writeDoc(t, svc, john, path, data)
				assert.Equal(t, data, readDoc(t, svc, john, path), "size %d", size)
			}

			// Overwrite wins.
			writeDoc(t, svc, john, "docs/0.bin", []byte("replaced"))
			assert.Equal(t, []byte("replaced"), readDoc(t, svc, john, "docs/0.bin"))
		})
	}
}

func TestMultipartDocument(t *testing.T) {
	backend, root := s3Backend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")

	data := randomBytes(t, 2*s3store.MinPartSize+12345)
	writeDoc(t, svc, john, "large.bin", data)
	got := readDoc(t, svc, john, "large.bin")
	assert.Equal(t, sha256.Sum256(data), sha256.Sum256(got))
}

func TestBackendSeesOnlyCiphertext(t *testing.T) {
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")

	secret := []byte("the quarterly numbers are great")
	writeDoc(t, svc, john, "finance/quarterly-report.txt", secret)

	res, err := storage.Collect(backend.List(context.Background(), root))
	require.NoError(t, err)
	found := false
	for _, r := range res {
		assert.NotContains(t, r.Location.String(), "finance")
		assert.NotContains(t, r.Location.String(), "quarterly")
		raw, err := storage.ReadAll(context.Background(), backend, r.Location)
		require.NoError(t, err)
		assert.False(t, bytes.Contains(raw, secret))
		if strings.Contains(r.Location.String(), "/private/files/") {
			found = true
			assert.Equal(t, 2, strings.Count(strings.SplitN(r.Location.String(), "/private/files/", 2)[1], "/")+1)
		}
	}
	assert.True(t, found)
}

func TestPathEncryptionDisabled(t *testing.T) {
	backend, root := memBackend(t)
	cfg := testConfig()
	cfg.EncryptPaths = false
	svc := newService(t, backend, root, cfg)
	john := register(t, svc, "john")

	writeDoc(t, svc, john, "plain/name.txt", []byte("content"))
	loc, err := root.Resolve("users/john/private/files/plain/name.txt")
	require.NoError(t, err)
	ok, err := backend.Exists(context.Background(), loc)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("content"), readDoc(t, svc, john, "plain/name.txt"))
}

func TestHiddenNamesRejectedWithoutPathEncryption(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			backend, root := factory(t)
			cfg := testConfig()
			cfg.EncryptPaths = false
			svc := newService(t, backend, root, cfg)
			john := register(t, svc, "john")
			ctx := context.Background()

			for _, p := range []string{".profile", "dir/.hidden", ".config/app.json", ".stage-0000"} {
				_, err := svc.Write(ctx, john, p)
				assert.True(t, errs.IsValidationError(err), "write %s: %v", p, err)
				_, err = svc.Read(ctx, john, p)
				assert.True(t, errs.IsValidationError(err), "read %s: %v", p, err)
				assert.True(t, errs.IsValidationError(svc.Remove(ctx, john, p)), "remove %s", p)
			}
			_, err := storage.Collect(svc.List(ctx, john, ".config"))
			assert.True(t, errs.IsValidationError(err))

			writeDoc(t, svc, john, "visible.txt", []byte("x"))
			docs, err := storage.Collect(svc.List(ctx, john, ""))
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, "visible.txt", docs[0].Path)
		})
	}

	// Encrypted segments never start with a dot, so such names are fine.
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")
	writeDoc(t, svc, john, ".profile", []byte("x"))
	assert.Equal(t, []byte("x"), readDoc(t, svc, john, ".profile"))
	docs, err := storage.Collect(svc.List(context.Background(), john, ""))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, ".profile", docs[0].Path)
}

func TestListDocuments(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			backend, root := factory(t)
			svc := newService(t, backend, root, testConfig())
			john := register(t, svc, "john")
			ctx := context.Background()

			for _, p := range []string{"a.txt", "folder/b.txt", "folder/sub/c.txt", "other/d.txt"} {
				writeDoc(t, svc, john, p, []byte(p))
			}

			docs, err := storage.Collect(svc.List(ctx, john, ""))
			require.NoError(t, err)
			var paths []string
			for _, d := range docs {
				paths = append(paths, d.Path)
				assert.False(t, d.Resource.ModTime.IsZero())
			}
			assert.ElementsMatch(t, []string{"a.txt", "folder/b.txt", "folder/sub/c.txt", "other/d.txt"}, paths)

			docs, err = storage.Collect(svc.List(ctx, john, "folder"))
			require.NoError(t, err)
			paths = paths[:0]
			for _, d := range docs {
				paths = append(paths, d.Path)
			}
			assert.ElementsMatch(t, []string{"folder/b.txt", "folder/sub/c.txt"}, paths)

			docs, err = storage.Collect(svc.List(ctx, john, "missing/"))
			require.NoError(t, err)
			assert.Empty(t, docs)

			seq := svc.List(ctx, john, "")
			_, err = storage.Collect(seq)
			require.NoError(t, err)
			_, err = storage.Collect(seq)
			assert.ErrorIs(t, err, storage.ErrSequenceConsumed)
		})
	}
}

func TestListReportsUndecryptableNames(t *testing.T) {
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")
	ctx := context.Background()

	writeDoc(t, svc, john, "good.txt", []byte("ok"))
	stray, err := root.Resolve("users/john/private/files/not*encrypted")
	require.NoError(t, err)
	require.NoError(t, storage.WriteAll(ctx, backend, stray, []byte("junk")))

	var good []string
	var bad int
	for doc, err := range svc.List(ctx, john, "") {
		if err != nil {
			assert.True(t, errs.IsIntegrity(err), "unexpected error %v", err)
			bad++
			continue
		}
		good = append(good, doc.Path)
	}
	assert.Equal(t, []string{"good.txt"}, good)
	assert.Equal(t, 1, bad)
}

func TestUserIsolation(t *testing.T) {
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")
	jane := register(t, svc, "jane")
	ctx := context.Background()

	writeDoc(t, svc, john, "diary.txt", []byte("john's secrets"))

	_, err := svc.Read(ctx, jane, "diary.txt")
	assert.True(t, errs.IsNotFound(err), "got %v", err)

	docs, err := storage.Collect(svc.List(ctx, jane, ""))
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Escaping the namespace is rejected before any lookup.
	_, err = svc.Read(ctx, jane, "../../../john/private/files/diary.txt")
	assert.True(t, errs.IsValidationError(err), "got %v", err)

	// Knowing the id is not enough.
	_, err = svc.Read(ctx, NewUserIDAuth("john", "jane-store", "jane-key"), "diary.txt")
	assert.True(t, errs.IsWrongPassword(err), "got %v", err)
}

func TestWrongPasswords(t *testing.T) {
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")
	writeDoc(t, svc, john, "doc.txt", []byte("data"))
	ctx := context.Background()

	_, err := svc.Read(ctx, NewUserIDAuth("john", "wrong", "john-key"), "doc.txt")
	assert.True(t, errs.IsWrongPassword(err))

	_, err = svc.Write(ctx, NewUserIDAuth("john", "john-store", "wrong"), "doc.txt")
	assert.True(t, errs.IsWrongPassword(err))

	// Nothing was overwritten.
	assert.Equal(t, []byte("data"), readDoc(t, svc, john, "doc.txt"))

	msg := fmt.Sprintf("%v %+v", john, john)
	assert.NotContains(t, msg, "john-store")
	assert.NotContains(t, msg, "john-key")
}

func TestUnknownUser(t *testing.T) {
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	ghost := NewUserIDAuth("ghost", "s", "k")
	ctx := context.Background()

	_, err := svc.Read(ctx, ghost, "x.txt")
	assert.True(t, errs.IsUnknownUser(err))
	_, err = svc.Write(ctx, ghost, "x.txt")
	assert.True(t, errs.IsUnknownUser(err))
	_, err = storage.Collect(svc.List(ctx, ghost, ""))
	assert.True(t, errs.IsUnknownUser(err))
}

func TestInvalidPaths(t *testing.T) {
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")
	ctx := context.Background()

	for _, p := range []string{"", "/", "dir/", "../escape.txt", "a/../../b"} {
		_, err := svc.Write(ctx, john, p)
		assert.True(t, errs.IsValidationError(err), "Write(%q): %v", p, err)
		_, err = svc.Read(ctx, john, p)
		assert.True(t, errs.IsValidationError(err), "Read(%q): %v", p, err)
	}
	assert.True(t, errs.IsValidationError(svc.Remove(ctx, john, "")))

	_, err := svc.RegisterUser(ctx, NewUserIDAuth("../admin", "s", "k"))
	assert.True(t, errs.IsValidationError(err))
}

func TestTamperedDocumentIsRejected(t *testing.T) {
	backend, root := memBackend(t)
	cfg := testConfig()
	cfg.EncryptPaths = false
	svc := newService(t, backend, root, cfg)
	john := register(t, svc, "john")
	ctx := context.Background()

	data := randomBytes(t, 200*1024)
	writeDoc(t, svc, john, "doc.bin", data)
	loc, err := root.Resolve("users/john/private/files/doc.bin")
	require.NoError(t, err)
	raw, err := storage.ReadAll(ctx, backend, loc)
	require.NoError(t, err)

	for _, offset := range []int{0, 10, len(raw) / 2, len(raw) - 1} {
		tampered := bytes.Clone(raw)
		tampered[offset] ^= 0x01
		require.NoError(t, storage.WriteAll(ctx, backend, loc, tampered))

		r, err := svc.Read(ctx, john, "doc.bin")
		if err == nil {
			_, err = io.ReadAll(r)
			r.Close()
		}
		require.Error(t, err, "offset %d", offset)
		assert.True(t, errs.IsIntegrity(err) || errs.IsUnresolvableKey(err), "offset %d: %v", offset, err)
	}

	// Truncation.
	require.NoError(t, storage.WriteAll(ctx, backend, loc, raw[:len(raw)-100]))
	r, err := svc.Read(ctx, john, "doc.bin")
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	r.Close()
	assert.True(t, errs.IsIntegrity(err))
}

func TestFailedWritePublishesNothing(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			backend, root := factory(t)
			svc := newService(t, backend, root, testConfig())
			john := register(t, svc, "john")
			writeDoc(t, svc, john, "doc.txt", []byte("version 1"))

			ctx, cancel := context.WithCancel(context.Background())
			w, err := svc.Write(ctx, john, "doc.txt")
			require.NoError(t, err)
			_, err = w.Write([]byte("version 2"))
			require.NoError(t, err)
			cancel()
			require.Error(t, w.Close())
			assert.ErrorIs(t, w.Close(), errs.ErrAlreadyClosed)

			assert.Equal(t, []byte("version 1"), readDoc(t, svc, john, "doc.txt"))
		})
	}
}

func TestRemoveDocument(t *testing.T) {
	backend, root := memBackend(t)
	svc := newService(t, backend, root, testConfig())
	john := register(t, svc, "john")
	ctx := context.Background()

	writeDoc(t, svc, john, "a/one.txt", []byte("1"))
	writeDoc(t, svc, john, "a/two.txt", []byte("2"))
	writeDoc(t, svc, john, "b.txt", []byte("3"))

	require.NoError(t, svc.Remove(ctx, john, "b.txt"))
	_, err := svc.Read(ctx, john, "b.txt")
	assert.True(t, errs.IsNotFound(err))
	require.NoError(t, svc.Remove(ctx, john, "b.txt"))

	require.NoError(t, svc.Remove(ctx, john, "a/"))
	docs, err := storage.Collect(svc.List(ctx, john, ""))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRemoveUser(t *testing.T) {
	for name, factory := range backends {
		t.Run(name, func(t *testing.T) {
			backend, root := factory(t)
			svc := newService(t, backend, root, testConfig())
			john := register(t, svc, "john")
			jane := register(t, svc, "jane")
			ctx := context.Background()

			writeDoc(t, svc, john, "doc.txt", []byte("john"))
			writeDoc(t, svc, jane, "doc.txt", []byte("jane"))

			require.NoError(t, svc.RemoveUser(ctx, "john"))
			require.NoError(t, svc.RemoveUser(ctx, "john"))

			ok, err := svc.UserExists(ctx, "john")
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = svc.Read(ctx, john, "doc.txt")
			assert.True(t, errs.IsUnknownUser(err))

			res, err := storage.Collect(backend.List(ctx, root))
			require.NoError(t, err)
			for _, r := range res {
				assert.NotContains(t, r.Location.String(), "john")
			}
			assert.Equal(t, []byte("jane"), readDoc(t, svc, jane, "doc.txt"))

			// Re-registration starts from scratch.
			john = register(t, svc, "john")
			_, err = svc.Read(ctx, john, "doc.txt")
			assert.True(t, errs.IsNotFound(err))
		})
	}
}

func TestConcurrentUsers(t *testing.T) {
	const users, files = 3, 5
	for name, factory := range concurrentBackends {
		t.Run(name, func(t *testing.T) {
			backend, root := factory(t)
			svc := newService(t, backend, root, testConfig())
			ctx := context.Background()

			auths := make([]UserIDAuth, users)
			g, gctx := errgroup.WithContext(ctx)
			for i := range users {
				auths[i] = NewUserIDAuth(fmt.Sprintf("user-%d", i), fmt.Sprintf("store-%d", i), fmt.Sprintf("key-%d", i))
				g.Go(func() error {
					_, err := svc.RegisterUser(gctx, auths[i])
					return err
				})
			}
			require.NoError(t, g.Wait())

			sums := make([][files][32]byte, users)
			g, gctx = errgroup.WithContext(ctx)
			for u := range users {
				for f := range files {
					g.Go(func() error {
						data := make([]byte, 10*1024+u*1000+f)
						if _, err := rand.Read(data); err != nil {
							return err
						}
						sums[u][f] = sha256.Sum256(data)
						w, err := svc.Write(gctx, auths[u], fmt.Sprintf("dir%d/file%d.bin", f%2, f))
						if err != nil {
							return err
						}
						if _, err := w.Write(data); err != nil {
							w.Close()
							return err
						}
						return w.Close()
					})
				}
			}
			require.NoError(t, g.Wait())

			g, gctx = errgroup.WithContext(ctx)
			for u := range users {
				for f := range files {
					g.Go(func() error {
						r, err := svc.Read(gctx, auths[u], fmt.Sprintf("dir%d/file%d.bin", f%2, f))
						if err != nil {
							return err
						}
						defer r.Close()
						h := sha256.New()
						if _, err := io.Copy(h, r); err != nil {
							return err
						}
						if !bytes.Equal(h.Sum(nil), sums[u][f][:]) {
							return errors.New("checksum mismatch")
						}
						return nil
					})
				}
			}
			require.NoError(t, g.Wait())

			for _, auth := range auths {
				docs, err := storage.Collect(svc.List(ctx, auth, ""))
				require.NoError(t, err)
				assert.Len(t, docs, files)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	backend, root := memBackend(t)

	_, err := New(nil, root, testConfig())
	assert.True(t, errs.IsValidationError(err))

	cfg := testConfig()
	cfg.Cipher = "rot13"
	_, err = New(backend, root, cfg)
	assert.True(t, errs.IsValidationError(err))

	_, err = New(backend, storage.AbsoluteLocation{}, testConfig())
	assert.True(t, errs.IsValidationError(err))
}
