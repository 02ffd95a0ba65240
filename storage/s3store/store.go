// Package s3store implements storage.Backend over an S3-compatible object
// store.
//
// The root is an s3://bucket/prefix/ location. Directory-like locations are
// key prefixes. Content up to the configured part size is uploaded with a
// single PUT; anything larger streams through a multipart upload whose parts
// are sent by a bounded pool of workers. Nothing is visible until the upload
// completes, and any failure aborts it.
package s3store

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/storage"
)

const (
	// MinPartSize is the smallest part size S3 accepts for non-final parts.
	MinPartSize = 5 << 20
	// MaxPartSize is the largest part size S3 accepts.
	MaxPartSize = 5 << 30
	// DefaultPartSize is the single-PUT threshold and multipart part size.
	DefaultPartSize = 16 << 20
	// DefaultWorkers is the default number of concurrent part uploads.
	DefaultWorkers = 4
)

// Store is an object-store backend.
type Store struct {
	api      ObjectAPI
	root     storage.AbsoluteLocation
	bucket   string
	partSize int64
	workers  int
	log      *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPartSize sets the single-PUT threshold and multipart part size.
func WithPartSize(n int64) Option {
	return func(s *Store) {
		s.partSize = n
	}
}

// WithWorkers bounds the number of concurrent part uploads and deletes.
func WithWorkers(n int) Option {
	return func(s *Store) {
		s.workers = n
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a store writing below root, which must be s3://bucket/[prefix].
func New(api ObjectAPI, root storage.Uri, opts ...Option) (*Store, error) {
	if api == nil {
		return nil, errs.NewValidationError("api", nil, "object api cannot be nil")
	}
	if root.Scheme() != "s3" {
		return nil, errs.NewValidationError("root", root.String(), "object store root must use the s3 scheme")
	}
	if root.Host() == "" {
		return nil, errs.NewValidationError("root", root.String(), "object store root must name a bucket")
	}
	dir := root.AsDir()
	if dir.Path() == "" {
		dir = storage.MustParseUri("s3://" + root.Host() + "/")
	}
	loc, err := storage.NewAbsoluteLocation(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		api:      api,
		root:     loc,
		bucket:   root.Host(),
		partSize: DefaultPartSize,
		workers:  DefaultWorkers,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.partSize < MinPartSize {
		return nil, errs.NewValidationError("partSize", s.partSize, "part size must be at least 5 MiB")
	}
	if s.partSize > MaxPartSize {
		return nil, errs.NewValidationError("partSize", s.partSize, "part size must not exceed 5 GiB")
	}
	if s.workers < 1 || s.workers > 64 {
		return nil, errs.NewValidationError("workers", s.workers, "workers must be between 1 and 64")
	}
	return s, nil
}

// Root returns the configured root location.
func (s *Store) Root() storage.AbsoluteLocation {
	return s.root
}

// key maps a location onto an object key.
func (s *Store) key(loc storage.AbsoluteLocation) (string, error) {
	if !s.root.Contains(loc) {
		return "", errs.NewValidationError("location", loc.String(), "location is outside the store root")
	}
	return strings.TrimPrefix(loc.Uri().Path(), "/"), nil
}

func (s *Store) locationOf(key string) (storage.AbsoluteLocation, error) {
	rootKey := strings.TrimPrefix(s.root.Uri().Path(), "/")
	return s.root.Resolve(strings.TrimPrefix(key, rootKey))
}

// List yields every object under root. Prefix markers ending in "/" are
// skipped.
func (s *Store) List(ctx context.Context, root storage.AbsoluteLocation) iter.Seq2[storage.ResolvedResource, error] {
	return storage.Once(func(yield func(storage.ResolvedResource, error) bool) {
		key, err := s.key(root)
		if err != nil {
			yield(storage.ResolvedResource{}, err)
			return
		}
		s.log.Debug("list", zap.String("location", errs.Obfuscate(root.String())))

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		isDir := key == "" || strings.HasSuffix(key, "/")
		for obj := range s.api.ListObjects(ctx, s.bucket, key) {
			if obj.Err != nil {
				if isNoSuchKey(obj.Err) {
					return
				}
				yield(storage.ResolvedResource{}, errs.NewBackendIOError("list", root.String(), obj.Err))
				return
			}
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			if !isDir && obj.Key != key && !strings.HasPrefix(obj.Key, key+"/") {
				continue
			}
			loc, err := s.locationOf(obj.Key)
			if err != nil {
				yield(storage.ResolvedResource{}, err)
				return
			}
			if !yield(storage.ResolvedResource{Location: loc, ModTime: obj.LastModified}, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(storage.ResolvedResource{}, err)
		}
	})
}

// Read opens the object at loc.
func (s *Store) Read(ctx context.Context, loc storage.AbsoluteLocation) (io.ReadCloser, error) {
	key, err := s.key(loc)
	if err != nil {
		return nil, err
	}
	s.log.Debug("read", zap.String("location", errs.Obfuscate(loc.String())))

	r, err := s.api.GetObject(ctx, s.bucket, key)
	if isNoSuchKey(err) {
		return nil, errs.NewNotFoundError("read", loc.String(), err)
	}
	if err != nil {
		return nil, errs.NewBackendIOError("read", loc.String(), err)
	}
	return r, nil
}

// Write buffers up to one part in memory; see the package documentation.
func (s *Store) Write(ctx context.Context, loc storage.AbsoluteLocation) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := s.key(loc)
	if err != nil {
		return nil, err
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return nil, errs.NewValidationError("location", loc.String(), "cannot write to a directory-like location")
	}
	s.log.Debug("write", zap.String("location", errs.Obfuscate(loc.String())))

	return &uploadWriter{ctx: ctx, store: s, key: key, loc: loc}, nil
}

// Remove deletes the object at loc and every object under loc as a prefix.
func (s *Store) Remove(ctx context.Context, loc storage.AbsoluteLocation) error {
	key, err := s.key(loc)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	remove := func(k string) {
		g.Go(func() error {
			if err := s.api.RemoveObject(gctx, s.bucket, k); err != nil && !isNoSuchKey(err) {
				return errs.NewBackendIOError("remove", loc.String(), err)
			}
			return nil
		})
	}

	prefix := key
	if key != "" && !strings.HasSuffix(key, "/") {
		remove(key)
		prefix = key + "/"
	}

	listCtx, cancel := context.WithCancel(gctx)
	defer cancel()
	var listErr error
	for obj := range s.api.ListObjects(listCtx, s.bucket, prefix) {
		if obj.Err != nil {
			if !isNoSuchKey(obj.Err) {
				listErr = errs.NewBackendIOError("remove", loc.String(), obj.Err)
			}
			break
		}
		remove(obj.Key)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if listErr != nil {
		return listErr
	}
	s.log.Debug("deleted", zap.String("location", errs.Obfuscate(loc.String())))
	return ctx.Err()
}

// Exists reports whether an object is stored at loc or under it as a prefix.
func (s *Store) Exists(ctx context.Context, loc storage.AbsoluteLocation) (bool, error) {
	key, err := s.key(loc)
	if err != nil {
		return false, err
	}

	prefix := key
	if key != "" && !strings.HasSuffix(key, "/") {
		_, err := s.api.StatObject(ctx, s.bucket, key)
		if err == nil {
			return true, nil
		}
		if !isNoSuchKey(err) {
			return false, errs.NewBackendIOError("exists", loc.String(), err)
		}
		prefix = key + "/"
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range s.api.ListObjects(listCtx, s.bucket, prefix) {
		if obj.Err != nil {
			if isNoSuchKey(obj.Err) {
				return false, nil
			}
			return false, errs.NewBackendIOError("exists", loc.String(), obj.Err)
		}
		return true, nil
	}
	return false, nil
}

var (
	_ storage.Backend = (*Store)(nil)

	errCompleted = errors.New("multipart upload already completed")
)
