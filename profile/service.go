package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/absfs/docsafe/errs"
	"github.com/absfs/docsafe/keystore"
	"github.com/absfs/docsafe/storage"
)

// Registrar creates users.
type Registrar interface {
	RegisterUser(ctx context.Context, user string, auth keystore.Auth, cfg keystore.CreationConfig) (*UserProfile, error)
}

// Retriever loads profiles and resolves namespace locations.
type Retriever interface {
	PrivateProfile(ctx context.Context, user string) (*PrivateProfile, error)
	PublicProfile(ctx context.Context, user string) (*PublicProfile, error)
	UserExists(ctx context.Context, user string) (bool, error)
	KeyStoreBlob(ctx context.Context, user string) ([]byte, error)
	ResolvePrivate(ctx context.Context, user, rel string) (storage.AbsoluteLocation, error)
	ResolvePublicOfPeer(ctx context.Context, peer, rel string) (storage.AbsoluteLocation, error)
	ResolveInbox(ctx context.Context, user, rel string) (storage.AbsoluteLocation, error)
}

// Remover deletes users.
type Remover interface {
	RemoveUser(ctx context.Context, user string) error
}

// Operations is the full profile service.
type Operations interface {
	Registrar
	Retriever
	Remover
}

// Option configures a Service.
type Option func(*options)

type options struct {
	log      *zap.Logger
	cacheTTL time.Duration
	now      func() time.Time
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCacheTTL caches profiles and keystores for ttl. Zero disables the
// cache; otherwise ttl must be at least MinCacheTTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.cacheTTL = ttl
	}
}

const (
	// DefaultCacheTTL is the cache lifetime unless configured otherwise.
	DefaultCacheTTL = 5 * time.Minute
	// MinCacheTTL is the shortest lifetime the cache can track; entry
	// lifetimes are kept in whole seconds.
	MinCacheTTL = time.Second
)

// base is the state shared by the three sub-services.
type base struct {
	backend storage.Backend
	layout  layout
	cache   *cache
	log     *zap.Logger
}

// Service implements Operations on top of a storage backend.
type Service struct {
	registrar *registrar
	retriever *retriever
	remover   *remover
	cache     *cache
}

// NewService creates a Service storing everything under root.
func NewService(backend storage.Backend, root storage.AbsoluteLocation, keys *keystore.Manager, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, errs.NewValidationError("backend", nil, "backend cannot be nil")
	}
	if keys == nil {
		return nil, errs.NewValidationError("keys", nil, "keystore manager cannot be nil")
	}
	if root.IsZero() {
		return nil, errs.NewValidationError("root", nil, "system root cannot be empty")
	}
	o := options{log: zap.NewNop(), cacheTTL: DefaultCacheTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheTTL < 0 || (o.cacheTTL > 0 && o.cacheTTL < MinCacheTTL) {
		return nil, errs.NewValidationError("cacheTTL", o.cacheTTL, "must be zero or at least one second")
	}

	c, err := newCache(o.cacheTTL, o.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile cache: %w", err)
	}

	b := &base{backend: backend, layout: layout{root: root.Dir()}, cache: c, log: o.log}
	return &Service{
		registrar: &registrar{base: b, keys: keys, now: o.now},
		retriever: &retriever{base: b},
		remover:   &remover{base: b},
		cache:     c,
	}, nil
}

// Close releases the cache.
func (s *Service) Close() error {
	return s.cache.close()
}

func (s *Service) RegisterUser(ctx context.Context, user string, auth keystore.Auth, cfg keystore.CreationConfig) (*UserProfile, error) {
	return s.registrar.RegisterUser(ctx, user, auth, cfg)
}

func (s *Service) PrivateProfile(ctx context.Context, user string) (*PrivateProfile, error) {
	return s.retriever.PrivateProfile(ctx, user)
}

func (s *Service) PublicProfile(ctx context.Context, user string) (*PublicProfile, error) {
	return s.retriever.PublicProfile(ctx, user)
}

func (s *Service) UserExists(ctx context.Context, user string) (bool, error) {
	return s.retriever.UserExists(ctx, user)
}

func (s *Service) KeyStoreBlob(ctx context.Context, user string) ([]byte, error) {
	return s.retriever.KeyStoreBlob(ctx, user)
}

func (s *Service) ResolvePrivate(ctx context.Context, user, rel string) (storage.AbsoluteLocation, error) {
	return s.retriever.ResolvePrivate(ctx, user, rel)
}

func (s *Service) ResolvePublicOfPeer(ctx context.Context, peer, rel string) (storage.AbsoluteLocation, error) {
	return s.retriever.ResolvePublicOfPeer(ctx, peer, rel)
}

func (s *Service) ResolveInbox(ctx context.Context, user, rel string) (storage.AbsoluteLocation, error) {
	return s.retriever.ResolveInbox(ctx, user, rel)
}

func (s *Service) RemoveUser(ctx context.Context, user string) error {
	return s.remover.RemoveUser(ctx, user)
}

type artifact struct {
	what string
	loc  storage.AbsoluteLocation
	data []byte
}

// registrar writes keystore, public profile and private profile, in that
// order, and rolls back on failure.
type registrar struct {
	*base
	keys *keystore.Manager
	now  func() time.Time
}

func (r *registrar) RegisterUser(ctx context.Context, user string, auth keystore.Auth, cfg keystore.CreationConfig) (*UserProfile, error) {
	if err := ValidateUserID(user); err != nil {
		return nil, err
	}
	obf := errs.Obfuscate(user)
	fail := func(message string, err error) error {
		return &errs.KeyStoreCreationError{User: obf, Message: message, Err: err}
	}

	exists, err := r.backend.Exists(ctx, r.layout.privateProfile(user))
	if err != nil {
		return nil, fail("failed to check registration", err)
	}
	if exists {
		return nil, fail("user already registered", nil)
	}

	ks, err := r.keys.Create(auth, cfg)
	if err != nil {
		var ce *errs.KeyStoreCreationError
		if errors.As(err, &ce) {
			ce.User = obf
		}
		return nil, err
	}

	p := &UserProfile{
		User: user,
		Private: PrivateProfile{
			PrivateRoot:      r.layout.privateFiles(user).String(),
			KeyStore:         r.layout.keyStore(user).String(),
			InboxRoot:        r.layout.inbox(user).String(),
			PathKeyAlias:     cfg.PathKeyAlias,
			DocumentKeyAlias: cfg.DocumentKeyAlias,
			Created:          r.now().UTC(),
		},
		Public: PublicProfile{
			PublicRoot: r.layout.publicFiles(user).String(),
			InboxRoot:  r.layout.inbox(user).String(),
			PublicKeys: ks.PublicKeys(),
		},
	}
	public, err := json.Marshal(p.Public)
	if err != nil {
		return nil, fail("failed to encode public profile", err)
	}
	private, err := json.Marshal(p.Private)
	if err != nil {
		return nil, fail("failed to encode private profile", err)
	}

	steps := []artifact{
		{"keystore", r.layout.keyStore(user), ks.Bytes()},
		{"public profile", r.layout.publicProfile(user), public},
		{"private profile", r.layout.privateProfile(user), private},
	}
	for i, step := range steps {
		if err := storage.WriteAll(ctx, r.backend, step.loc, step.data); err != nil {
			r.rollback(ctx, user, steps[:i+1])
			return nil, fail("failed to write "+step.what, err)
		}
	}

	r.log.Debug("user registered", zap.String("user", obf))
	return p, nil
}

func (r *registrar) rollback(ctx context.Context, user string, written []artifact) {
	// Rollback must run even when ctx is what failed the registration.
	ctx = context.WithoutCancel(ctx)
	for i := len(written) - 1; i >= 0; i-- {
		if err := r.backend.Remove(ctx, written[i].loc); err != nil {
			r.log.Warn("registration rollback failed",
				zap.String("user", errs.Obfuscate(user)),
				zap.String("artifact", written[i].what),
				zap.Error(err))
		}
	}
	if err := r.backend.Remove(ctx, r.layout.userRoot(user)); err != nil {
		r.log.Warn("registration rollback failed",
			zap.String("user", errs.Obfuscate(user)),
			zap.Error(err))
	}
}

// retriever loads profiles through the cache.
type retriever struct {
	*base
}

func (r *retriever) load(ctx context.Context, slot, user string, loc storage.AbsoluteLocation) ([]byte, error) {
	if err := ValidateUserID(user); err != nil {
		return nil, err
	}
	if data, ok := r.cache.get(slot, user); ok {
		return data, nil
	}
	data, err := storage.ReadAll(ctx, r.backend, loc)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, &errs.UnknownUserError{User: errs.Obfuscate(user)}
		}
		return nil, err
	}
	r.cache.set(slot, user, data)
	return data, nil
}

func (r *retriever) PrivateProfile(ctx context.Context, user string) (*PrivateProfile, error) {
	loc := r.layout.privateProfile(user)
	data, err := r.load(ctx, slotPrivate, user, loc)
	if err != nil {
		return nil, err
	}
	return decodeProfile[PrivateProfile](data, loc.String())
}

func (r *retriever) PublicProfile(ctx context.Context, user string) (*PublicProfile, error) {
	loc := r.layout.publicProfile(user)
	data, err := r.load(ctx, slotPublic, user, loc)
	if err != nil {
		return nil, err
	}
	return decodeProfile[PublicProfile](data, loc.String())
}

func (r *retriever) UserExists(ctx context.Context, user string) (bool, error) {
	if err := ValidateUserID(user); err != nil {
		return false, err
	}
	if _, ok := r.cache.get(slotPrivate, user); ok {
		return true, nil
	}
	return r.backend.Exists(ctx, r.layout.privateProfile(user))
}

// KeyStoreBlob loads the sealed keystore named by the private profile.
func (r *retriever) KeyStoreBlob(ctx context.Context, user string) ([]byte, error) {
	p, err := r.PrivateProfile(ctx, user)
	if err != nil {
		return nil, err
	}
	loc, err := p.keyStore()
	if err != nil {
		return nil, errs.NewIntegrityError("", "profile holds an invalid keystore location", err)
	}
	return r.load(ctx, slotKeyStore, user, loc)
}

func (r *retriever) ResolvePrivate(ctx context.Context, user, rel string) (storage.AbsoluteLocation, error) {
	p, err := r.PrivateProfile(ctx, user)
	if err != nil {
		return storage.AbsoluteLocation{}, err
	}
	root, err := p.privateRoot()
	if err != nil {
		return storage.AbsoluteLocation{}, err
	}
	return root.Resolve(rel)
}

func (r *retriever) ResolvePublicOfPeer(ctx context.Context, peer, rel string) (storage.AbsoluteLocation, error) {
	p, err := r.PublicProfile(ctx, peer)
	if err != nil {
		return storage.AbsoluteLocation{}, err
	}
	root, err := p.publicRoot()
	if err != nil {
		return storage.AbsoluteLocation{}, err
	}
	return root.Resolve(rel)
}

func (r *retriever) ResolveInbox(ctx context.Context, user, rel string) (storage.AbsoluteLocation, error) {
	p, err := r.PrivateProfile(ctx, user)
	if err != nil {
		return storage.AbsoluteLocation{}, err
	}
	root, err := p.inboxRoot()
	if err != nil {
		return storage.AbsoluteLocation{}, err
	}
	return root.Resolve(rel)
}

// remover deletes everything a registration wrote.
type remover struct {
	*base
}

// RemoveUser removes the private profile first, so the user stops
// resolving, then the keystore and public profile, then the namespaces.
// Removing an unknown user succeeds.
func (r *remover) RemoveUser(ctx context.Context, user string) error {
	if err := ValidateUserID(user); err != nil {
		return err
	}
	r.cache.evict(user)
	defer r.cache.evict(user)

	if err := r.backend.Remove(ctx, r.layout.privateProfile(user)); err != nil {
		return fmt.Errorf("failed to remove private profile: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.backend.Remove(gctx, r.layout.keyStore(user))
	})
	g.Go(func() error {
		return r.backend.Remove(gctx, r.layout.publicProfile(user))
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to remove user artifacts: %w", err)
	}

	if err := r.backend.Remove(ctx, r.layout.userRoot(user)); err != nil {
		return fmt.Errorf("failed to remove user namespaces: %w", err)
	}
	r.log.Debug("user removed", zap.String("user", errs.Obfuscate(user)))
	return nil
}

var _ Operations = (*Service)(nil)
