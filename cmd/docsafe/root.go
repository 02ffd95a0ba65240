package main

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/absfs/docsafe"
	"github.com/absfs/docsafe/storage"
	"github.com/absfs/docsafe/storage/fsstore"
	"github.com/absfs/docsafe/storage/s3store"
)

// GlobalFlags holds flags shared by every command
type GlobalFlags struct {
	User    string
	Verbose bool
}

// storageConfig selects and reaches the backend.
type storageConfig struct {
	Root        string `env:"ROOT" envDefault:"file:///var/lib/docsafe"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Region    string `env:"S3_REGION"`
	S3Secure    bool   `env:"S3_SECURE" envDefault:"true"`
	PartSize    int64  `env:"S3_PART_SIZE" envDefault:"16777216"`
	Workers     int    `env:"S3_WORKERS" envDefault:"4"`
}

type passwords struct {
	User  string `env:"USER"`
	Store string `env:"STORE_PASSWORD"`
	Key   string `env:"KEY_PASSWORD"`
}

var (
	globalFlags GlobalFlags
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "docsafe",
	Short:         "Encrypted multi-user document storage",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if globalFlags.Verbose {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.User, "user", "u", "", "user id (default $DOCSAFE_USER)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(removeUserCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
}

// openBackend builds the backend named by the root uri's scheme.
func openBackend(sc storageConfig) (storage.Backend, storage.AbsoluteLocation, error) {
	root, err := storage.ParseUri(sc.Root)
	if err != nil {
		return nil, storage.AbsoluteLocation{}, err
	}

	switch root.Scheme() {
	case "file":
		s, err := fsstore.New(fsstore.OS(), root, fsstore.WithLogger(logger))
		if err != nil {
			return nil, storage.AbsoluteLocation{}, err
		}
		return s, s.Root(), nil
	case "s3":
		if sc.S3Endpoint == "" {
			return nil, storage.AbsoluteLocation{}, errors.New("DOCSAFE_S3_ENDPOINT is required for s3 roots")
		}
		api, err := s3store.Dial(s3store.Endpoint{
			Address:   sc.S3Endpoint,
			AccessKey: sc.S3AccessKey,
			SecretKey: sc.S3SecretKey,
			Region:    sc.S3Region,
			Secure:    sc.S3Secure,
		})
		if err != nil {
			return nil, storage.AbsoluteLocation{}, fmt.Errorf("connect to object store: %w", err)
		}
		s, err := s3store.New(api, root,
			s3store.WithPartSize(sc.PartSize),
			s3store.WithWorkers(sc.Workers),
			s3store.WithLogger(logger))
		if err != nil {
			return nil, storage.AbsoluteLocation{}, err
		}
		return s, s.Root(), nil
	}
	return nil, storage.AbsoluteLocation{}, fmt.Errorf("unsupported storage scheme %q", root.Scheme())
}

// newService wires the configured backend into a docsafe service.
func newService() (*docsafe.Service, error) {
	cfg, err := docsafe.LoadConfig()
	if err != nil {
		return nil, err
	}
	var sc storageConfig
	if err := env.ParseWithOptions(&sc, env.Options{Prefix: docsafe.EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	backend, root, err := openBackend(sc)
	if err != nil {
		return nil, err
	}
	return docsafe.New(backend, root, cfg, docsafe.WithLogger(logger))
}

// currentUser returns the user id and passwords of this invocation.
func currentUser() (docsafe.UserIDAuth, error) {
	var pw passwords
	if err := env.ParseWithOptions(&pw, env.Options{Prefix: docsafe.EnvPrefix}); err != nil {
		return docsafe.UserIDAuth{}, fmt.Errorf("parse env: %w", err)
	}
	user := globalFlags.User
	if user == "" {
		user = pw.User
	}
	if user == "" {
		return docsafe.UserIDAuth{}, errors.New("no user: pass --user or set DOCSAFE_USER")
	}
	if pw.Store == "" || pw.Key == "" {
		return docsafe.UserIDAuth{}, errors.New("DOCSAFE_STORE_PASSWORD and DOCSAFE_KEY_PASSWORD are required")
	}
	return docsafe.NewUserIDAuth(user, pw.Store, pw.Key), nil
}
