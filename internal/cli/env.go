package cli

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/marketsync/internal/catalog"
	"github.com/roach88/marketsync/internal/config"
	"github.com/roach88/marketsync/internal/engine"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/store"
)

// SessionFlags are the flags shared by commands that open a session.
type SessionFlags struct {
	Actor   string
	Remote  string
	Store   string
	Catalog string
}

func (f *SessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Actor, "actor", "", "actor to sync as (overrides config)")
	cmd.Flags().StringVar(&f.Remote, "remote", "", "remote API base URL, or memory:// (overrides config)")
	cmd.Flags().StringVar(&f.Store, "store", "", "snapshot store DSN (overrides config)")
	cmd.Flags().StringVar(&f.Catalog, "catalog", "", "CUE catalog directory (overrides config)")
}

func (f *SessionFlags) apply(cfg *config.Config) {
	if f.Actor != "" {
		cfg.Actor = f.Actor
	}
	if f.Remote != "" {
		cfg.Remote.URL = f.Remote
	}
	if f.Store != "" {
		cfg.Store.DSN = f.Store
	}
	if f.Catalog != "" {
		cfg.Catalog = f.Catalog
	}
}

// loadConfig reads the config file and environment overrides. Flags are
// applied by the caller.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.EnvFile != "" {
		lookup, err := config.EnvFileLookup(opts.EnvFile)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load env file", err)
		}
		if err := cfg.ApplyEnv(lookup); err != nil {
			return cfg, WrapExitError(ExitCommandError, "invalid env file", err)
		}
	}
	return cfg, nil
}

// newLogger writes text logs to w, at debug level when verbose.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.LoadDir(cfg.Catalog)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	return cat, nil
}

// restrict narrows cat to one primary collection plus every reference
// collection. An empty key keeps the catalog as is.
func restrict(cat *catalog.Catalog, key string) (*catalog.Catalog, error) {
	if key == "" {
		return cat, nil
	}
	def, ok := cat.Lookup(key)
	if !ok || def.Role != catalog.RolePrimary {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown primary collection: %s", key))
	}
	return catalog.New(append([]catalog.Collection{def}, cat.Reference()...)...), nil
}

// newAuthority builds the remote authority named by the config.
func newAuthority(cfg config.Config, cat *catalog.Catalog, logger *slog.Logger) (remote.Authority, error) {
	if cfg.IsMemoryRemote() {
		logger.Warn("using in-process authority, nothing leaves this machine")
		return remote.NewMemory(nil), nil
	}
	validator, err := remote.NewEntityValidator(cat.RequiredFields())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build response validator", err)
	}
	return remote.NewHTTPClient(cfg.Remote.URL, cfg.Remote.Token,
		&http.Client{Timeout: cfg.Remote.Timeout},
		remote.WithValidator(validator),
		remote.WithLogger(logger),
		remote.WithRetry(cfg.Remote.MaxRetries, 200*time.Millisecond, 5*time.Second),
	), nil
}

func openStore(cfg config.Config) (store.SnapshotStore, error) {
	snapshots, err := store.OpenDSN(cfg.Store.DSN)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open snapshot store", err)
	}
	return snapshots, nil
}

// openSession wires config into a session. The caller closes both the
// session and the returned store.
func openSession(cfg config.Config, collection string, logger *slog.Logger) (*engine.Session, store.SnapshotStore, error) {
	if cfg.Actor == "" {
		return nil, nil, NewExitError(ExitCommandError, "actor is required (--actor, config actor or MARKETSYNC_ACTOR)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cat, err = restrict(cat, collection); err != nil {
		return nil, nil, err
	}
	authority, err := newAuthority(cfg, cat, logger)
	if err != nil {
		return nil, nil, err
	}
	snapshots, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	session, err := engine.NewSession(engine.SessionConfig{
		ActorID:   cfg.Actor,
		Catalog:   cat,
		Remote:    authority,
		Snapshots: snapshots,
		Logger:    logger,
	})
	if err != nil {
		snapshots.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to create session", err)
	}
	return session, snapshots, nil
}
