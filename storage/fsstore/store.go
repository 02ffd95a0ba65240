// Package fsstore implements storage.Backend over an absfs filesystem.
//
// Locations use the file scheme; the location path is used as the
// filesystem path. Writes are staged in a hidden sibling file and renamed
// into place on Close, so a reader never sees a partially written resource.
// Hidden (dot-prefixed) entries are skipped by List.
package fsstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/storage"
)

const stagePrefix = ".stage-"

// Store is a filesystem storage backend.
type Store struct {
	fs      FS
	root    storage.AbsoluteLocation
	rootDir string
	perm    os.FileMode
	log     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithFileMode sets the permission bits of created files.
func WithFileMode(perm os.FileMode) Option {
	return func(s *Store) {
		s.perm = perm
	}
}

// New creates a store over fsys. Only locations under root are accepted.
// The store calls fsys from as many goroutines as its callers use, so fsys
// must be safe for concurrent use when the store is shared. OS() is; memfs
// is not.
func New(fsys FS, root storage.Uri, opts ...Option) (*Store, error) {
	if fsys == nil {
		return nil, errs.NewValidationError("fs", nil, "filesystem cannot be nil")
	}
	if root.Scheme() != "file" {
		return nil, errs.NewValidationError("root", root.String(), "filesystem root must use the file scheme")
	}
	loc, err := storage.NewAbsoluteLocation(root.AsDir())
	if err != nil {
		return nil, err
	}

	s := &Store{
		fs:      fsys,
		root:    loc,
		rootDir: path.Clean(loc.Uri().Path()),
		perm:    0o600,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the configured root location.
func (s *Store) Root() storage.AbsoluteLocation {
	return s.root
}

// native maps a location onto a filesystem path. The path is cleaned before
// the containment check so no spelling of a location reaches outside rootDir.
func (s *Store) native(loc storage.AbsoluteLocation) (string, error) {
	u := loc.Uri()
	if u.Scheme() != "file" || u.Host() != s.root.Uri().Host() {
		return "", errs.NewValidationError("location", loc.String(), "location is outside the store root")
	}
	p := path.Clean("/" + u.Path())
	if p != s.rootDir && !strings.HasPrefix(p, strings.TrimSuffix(s.rootDir, "/")+"/") {
		return "", errs.NewValidationError("location", loc.String(), "location is outside the store root")
	}
	return p, nil
}

// locationOf maps a filesystem path below the root back onto a location.
func (s *Store) locationOf(p string) (storage.AbsoluteLocation, error) {
	rel := strings.TrimPrefix(p, s.rootDir)
	return s.root.Resolve(rel)
}

// List walks root depth first, yielding files only.
func (s *Store) List(ctx context.Context, root storage.AbsoluteLocation) iter.Seq2[storage.ResolvedResource, error] {
	return storage.Once(func(yield func(storage.ResolvedResource, error) bool) {
		p, err := s.native(root)
		if err != nil {
			yield(storage.ResolvedResource{}, err)
			return
		}
		s.log.Debug("list", zap.String("location", errs.Obfuscate(root.String())))

		info, err := s.fs.Stat(p)
		if isNotExist(err) {
			return
		}
		if err != nil {
			yield(storage.ResolvedResource{}, errs.NewBackendIOError("list", root.String(), err))
			return
		}
		if !info.IsDir() {
			yield(storage.ResolvedResource{Location: root, ModTime: info.ModTime()}, nil)
			return
		}

		stack := []string{p}
		for len(stack) > 0 {
			if err := ctx.Err(); err != nil {
				yield(storage.ResolvedResource{}, err)
				return
			}
			dir := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			entries, err := s.readDir(dir)
			if isNotExist(err) {
				continue
			}
			if err != nil {
				yield(storage.ResolvedResource{}, errs.NewBackendIOError("list", root.String(), err))
				return
			}

			var subdirs []string
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), ".") {
					continue
				}
				child := path.Join(dir, e.Name())
				if e.IsDir() {
					subdirs = append(subdirs, child)
					continue
				}
				loc, err := s.locationOf(child)
				if err != nil {
					yield(storage.ResolvedResource{}, err)
					return
				}
				if !yield(storage.ResolvedResource{Location: loc, ModTime: e.ModTime()}, nil) {
					return
				}
			}
			for i := len(subdirs) - 1; i >= 0; i-- {
				stack = append(stack, subdirs[i])
			}
		}
	})
}

func (s *Store) readDir(dir string) ([]os.FileInfo, error) {
	f, err := s.fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.Readdir(-1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// Read opens the resource at loc for reading.
func (s *Store) Read(ctx context.Context, loc storage.AbsoluteLocation) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.native(loc)
	if err != nil {
		return nil, err
	}
	s.log.Debug("read", zap.String("location", errs.Obfuscate(loc.String())))

	info, err := s.fs.Stat(p)
	if isNotExist(err) {
		return nil, errs.NewNotFoundError("read", loc.String(), err)
	}
	if err != nil {
		return nil, errs.NewBackendIOError("read", loc.String(), err)
	}
	if info.IsDir() {
		return nil, errs.NewNotFoundError("read", loc.String(), nil)
	}

	f, err := s.fs.Open(p)
	if isNotExist(err) {
		return nil, errs.NewNotFoundError("read", loc.String(), err)
	}
	if err != nil {
		return nil, errs.NewBackendIOError("read", loc.String(), err)
	}
	return f, nil
}

// Write stages content next to loc and publishes it on Close.
func (s *Store) Write(ctx context.Context, loc storage.AbsoluteLocation) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.native(loc)
	if err != nil {
		return nil, err
	}
	if p == s.rootDir {
		return nil, errs.NewValidationError("location", loc.String(), "cannot write to the store root")
	}
	s.log.Debug("write", zap.String("location", errs.Obfuscate(loc.String())))

	dir := path.Dir(p)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.NewBackendIOError("write", loc.String(), err)
	}

	stage := path.Join(dir, stagePrefix+uuid.NewString())
	f, err := s.fs.OpenFile(stage, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, s.perm)
	if err != nil {
		return nil, errs.NewBackendIOError("write", loc.String(), err)
	}

	return &stagedWriter{
		ctx:    ctx,
		store:  s,
		file:   f,
		stage:  stage,
		target: p,
		loc:    loc,
	}, nil
}

// Remove deletes loc and, for directories, everything below it.
func (s *Store) Remove(ctx context.Context, loc storage.AbsoluteLocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.native(loc)
	if err != nil {
		return err
	}

	info, err := s.fs.Stat(p)
	if isNotExist(err) {
		s.log.Debug("nothing to delete", zap.String("location", errs.Obfuscate(loc.String())))
		return nil
	}
	if err != nil {
		return errs.NewBackendIOError("remove", loc.String(), err)
	}

	if err := s.fs.RemoveAll(p); err != nil && !isNotExist(err) {
		return errs.NewBackendIOError("remove", loc.String(), err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	s.log.Debug("deleted", zap.String("kind", kind), zap.String("location", errs.Obfuscate(loc.String())))
	return nil
}

// Exists reports whether anything is stored at loc.
func (s *Store) Exists(ctx context.Context, loc storage.AbsoluteLocation) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.native(loc)
	if err != nil {
		return false, err
	}

	_, err = s.fs.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case isNotExist(err):
		return false, nil
	default:
		return false, errs.NewBackendIOError("exists", loc.String(), err)
	}
}

func isNotExist(err error) bool {
	return err != nil && (errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err))
}

var _ storage.Backend = (*Store)(nil)
