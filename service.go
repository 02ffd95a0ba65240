package docsafe

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/absfs/docsafe/envelope"
	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/keystore"
	"github.com/absfs/docsafe/pathcrypt"
	"github.com/absfs/docsafe/profile"
	"github.com/absfs/docsafe/storage"
)

// Service reads and writes users' private documents.
type Service struct {
	cfg      Config
	backend  storage.Backend
	keys     *keystore.Manager
	profiles *profile.Service
	suite    envelope.CipherSuite
	log      *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a Service that keeps everything below root on backend.
func New(backend storage.Backend, root storage.AbsoluteLocation, cfg Config, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, errs.NewValidationError("backend", nil, "backend cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		backend: backend,
		suite:   cfg.cipherSuite(),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	keys, err := keystore.NewManager(append(cfg.keystoreOptions(), keystore.WithLogger(s.log))...)
	if err != nil {
		return nil, err
	}
	profiles, err := profile.NewService(backend, root, keys,
		profile.WithCacheTTL(cfg.CacheTTL),
		profile.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.keys = keys
	s.profiles = profiles
	return s, nil
}

// Profiles exposes the profile service, e.g. for resolving peers.
func (s *Service) Profiles() profile.Operations {
	return s.profiles
}

// Close releases cached state.
func (s *Service) Close() error {
	return s.profiles.Close()
}

// RegisterUser creates the user's keystore and profiles.
func (s *Service) RegisterUser(ctx context.Context, auth UserIDAuth) (*profile.UserProfile, error) {
	return s.profiles.RegisterUser(ctx, string(auth.ID), auth.Auth, s.cfg.creationConfig())
}

// RemoveUser deletes the user with all documents. Unknown users are ignored.
func (s *Service) RemoveUser(ctx context.Context, id UserID) error {
	return s.profiles.RemoveUser(ctx, string(id))
}

// UserExists reports whether id is registered.
func (s *Service) UserExists(ctx context.Context, id UserID) (bool, error) {
	return s.profiles.UserExists(ctx, string(id))
}

// Write returns a writer storing a document at relPath in the user's private
// namespace. The document becomes visible when Close succeeds; a failed
// write leaves the previous version in place.
func (s *Service) Write(ctx context.Context, auth UserIDAuth, relPath string) (io.WriteCloser, error) {
	clean, err := documentPath(relPath)
	if err != nil {
		return nil, err
	}
	sess, err := s.open(ctx, auth)
	if err != nil {
		return nil, err
	}
	defer sess.wipe()

	key, ok := sess.keys[sess.profile.DocumentKeyAlias]
	if !ok {
		return nil, &errs.KeyNotFoundError{Alias: sess.profile.DocumentKeyAlias, User: errs.Obfuscate(string(auth.ID))}
	}
	loc, err := s.resolve(ctx, sess, clean)
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(ctx)
	sink, err := s.backend.Write(bctx, loc)
	if err != nil {
		cancel()
		return nil, err
	}
	enc, err := envelope.NewEncryptionWriter(holdClose{sink}, key, sess.profile.DocumentKeyAlias,
		envelope.WithCipher(s.suite),
		envelope.WithChunkSize(s.cfg.ChunkSize))
	if err != nil {
		cancel()
		sink.Close()
		return nil, err
	}

	s.log.Debug("write", zap.String("user", errs.Obfuscate(string(auth.ID))), zap.String("location", errs.Obfuscate(loc.String())))
	return &documentWriter{enc: enc, sink: sink, cancel: cancel}, nil
}

// Read returns the decrypted content of the document at relPath. The first
// chunk is authenticated before Read returns, so a wrong key or a tampered
// header fails here.
func (s *Service) Read(ctx context.Context, auth UserIDAuth, relPath string) (io.ReadCloser, error) {
	clean, err := documentPath(relPath)
	if err != nil {
		return nil, err
	}
	sess, err := s.open(ctx, auth)
	if err != nil {
		return nil, err
	}
	defer sess.wipe()

	loc, err := s.resolve(ctx, sess, clean)
	if err != nil {
		return nil, err
	}
	src, err := s.backend.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	r, err := envelope.NewDecryptionReader(src, sess.resolver(s.keys))
	if err != nil {
		src.Close()
		return nil, errs.WithLocation(err, loc.String())
	}

	s.log.Debug("read", zap.String("user", errs.Obfuscate(string(auth.ID))), zap.String("location", errs.Obfuscate(loc.String())))
	return &documentReader{ReadCloser: r, location: loc.String()}, nil
}

// List yields the user's documents below prefix, which is treated as a
// directory. Stored names that fail to decrypt are yielded as integrity
// errors and the listing goes on.
func (s *Service) List(ctx context.Context, auth UserIDAuth, prefix string) iter.Seq2[Document, error] {
	return storage.Once(func(yield func(Document, error) bool) {
		clean, err := storage.CleanRelative(prefix)
		if err != nil {
			yield(Document{}, err)
			return
		}
		if clean != "" && !strings.HasSuffix(clean, "/") {
			clean += "/"
		}

		sess, err := s.open(ctx, auth)
		if err != nil {
			yield(Document{}, err)
			return
		}
		paths := sess.paths
		sess.wipe()

		root, err := s.profiles.ResolvePrivate(ctx, string(auth.ID), "")
		if err != nil {
			yield(Document{}, err)
			return
		}
		stored, err := storedPath(paths, clean)
		if err != nil {
			yield(Document{}, err)
			return
		}
		dir, err := root.Resolve(stored)
		if err != nil {
			yield(Document{}, err)
			return
		}

		for res, err := range s.backend.List(ctx, dir) {
			if err != nil {
				yield(Document{}, err)
				return
			}
			rel, err := root.Rel(res.Location)
			if err != nil {
				if !yield(Document{Resource: res}, errs.NewIntegrityError("", "listed resource outside the namespace", err)) {
					return
				}
				continue
			}
			plain, err := paths.DecryptPath(rel)
			if err != nil {
				if !yield(Document{Resource: res}, errs.WithLocation(err, res.Location.String())) {
					return
				}
				continue
			}
			if !yield(Document{Path: plain, Resource: res}, nil) {
				return
			}
		}
	})
}

// Remove deletes the document at relPath. A path ending in "/" removes the
// whole directory. Removing a missing document succeeds.
func (s *Service) Remove(ctx context.Context, auth UserIDAuth, relPath string) error {
	clean, err := storage.CleanRelative(relPath)
	if err != nil {
		return err
	}
	if clean == "" {
		return errs.NewValidationError("path", relPath, "path cannot be empty")
	}
	sess, err := s.open(ctx, auth)
	if err != nil {
		return err
	}
	defer sess.wipe()

	loc, err := s.resolve(ctx, sess, clean)
	if err != nil {
		return err
	}
	s.log.Debug("remove", zap.String("user", errs.Obfuscate(string(auth.ID))), zap.String("location", errs.Obfuscate(loc.String())))
	return s.backend.Remove(ctx, loc)
}

func (s *Service) resolve(ctx context.Context, sess *session, clean string) (storage.AbsoluteLocation, error) {
	stored, err := storedPath(sess.paths, clean)
	if err != nil {
		return storage.AbsoluteLocation{}, err
	}
	return s.profiles.ResolvePrivate(ctx, sess.user, stored)
}

// storedPath maps a clean logical path onto its stored form. Backends may
// hide dot-prefixed names, so no stored segment may start with a dot.
// Encrypted segments never do; plain ones are checked here.
func storedPath(paths pathcrypt.Codec, clean string) (string, error) {
	stored, err := paths.EncryptPath(clean)
	if err != nil {
		return "", err
	}
	for _, seg := range strings.Split(stored, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", errs.NewValidationError("path", clean, "path segments cannot start with a dot")
		}
	}
	return stored, nil
}

// documentPath cleans a path that must name a document.
func documentPath(p string) (string, error) {
	clean, err := storage.CleanRelative(p)
	if err != nil {
		return "", err
	}
	if clean == "" || strings.HasSuffix(clean, "/") {
		return "", errs.NewValidationError("path", p, "path must name a document")
	}
	return clean, nil
}

// holdClose keeps the encryption writer from closing the backend sink, so a
// failed final seal can still cancel the write before it is published.
type holdClose struct {
	io.WriteCloser
}

func (holdClose) Close() error { return nil }

type documentWriter struct {
	enc    io.WriteCloser
	sink   io.WriteCloser
	cancel context.CancelFunc
	closed bool
}

func (w *documentWriter) Write(p []byte) (int, error) {
	n, err := w.enc.Write(p)
	if err != nil {
		w.cancel()
	}
	return n, err
}

func (w *documentWriter) Close() error {
	if w.closed {
		return errs.ErrAlreadyClosed
	}
	w.closed = true
	defer w.cancel()

	if err := w.enc.Close(); err != nil {
		w.cancel()
		w.sink.Close()
		return err
	}
	return w.sink.Close()
}

type documentReader struct {
	io.ReadCloser
	location string
}

func (r *documentReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = errs.WithLocation(err, r.location)
	}
	return n, err
}
