package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/marketsync/internal/catalog"
	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/store"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	// ActorID is the authenticated user. Required.
	ActorID string

	// Catalog lists the collections to manage. Required.
	Catalog *catalog.Catalog

	// Remote is the authority. Required.
	Remote remote.Authority

	// Snapshots is the durable snapshot store. Required.
	Snapshots store.SnapshotStore

	// Clock defaults to SystemClock.
	Clock Clock

	// IDs defaults to TempIDGenerator.
	IDs IDGenerator

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Collection is the sync state of one primary collection.
type Collection struct {
	Def         catalog.Collection
	Store       *entitystore.Store
	Cursor      *SyncCursor
	Tombstones  *TombstoneSet
	Merger      *Merger
	Coordinator *Coordinator
	Bridge      *Bridge

	// Warm is set by Start when the collection was hydrated from a
	// snapshot rather than pulled cold.
	Warm bool
}

// Reference is the cache of one reference collection.
type Reference struct {
	Def      catalog.Collection
	Store    *entitystore.Store
	Hydrator *Hydrator
}

// Session owns every store, cursor and tombstone set of one actor.
//
// Nothing is shared between sessions: switching actors means closing the
// session and creating a new one.
type Session struct {
	actorID     string
	logger      *slog.Logger
	keys        []string
	collections map[string]*Collection
	references  map[string]*Reference
	unsubscribe []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSession builds the per-collection state for cfg.ActorID. No I/O
// happens until Start.
func NewSession(cfg SessionConfig) (*Session, error) {
	switch {
	case cfg.ActorID == "":
		return nil, errors.New("session: actor id is required")
	case cfg.Catalog == nil:
		return nil, errors.New("session: catalog is required")
	case cfg.Remote == nil:
		return nil, errors.New("session: remote authority is required")
	case cfg.Snapshots == nil:
		return nil, errors.New("session: snapshot store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.IDs == nil {
		cfg.IDs = TempIDGenerator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		actorID:     cfg.ActorID,
		logger:      cfg.Logger.With("actor", cfg.ActorID),
		keys:        cfg.Catalog.Keys(),
		collections: make(map[string]*Collection),
		references:  make(map[string]*Reference),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, def := range cfg.Catalog.Reference() {
		entities := entitystore.New(def.Key())
		s.track(entities)
		s.references[def.Key()] = &Reference{
			Def:      def,
			Store:    entities,
			Hydrator: NewHydrator(entities, cfg.Remote, cfg.Logger),
		}
	}

	for _, def := range cfg.Catalog.Primary() {
		entities := entitystore.New(def.Key())
		s.track(entities)
		d := Deps{
			ActorID:    cfg.ActorID,
			Entities:   entities,
			Cursor:     NewSyncCursor(def.Key(), cfg.ActorID),
			Tombstones: NewTombstoneSet(),
			Pending:    NewPendingSet(),
			Remote:     cfg.Remote,
			Snapshots:  cfg.Snapshots,
			Clock:      cfg.Clock,
			IDs:        cfg.IDs,
			Logger:     cfg.Logger,
		}
		bridge := NewBridge(d)
		s.collections[def.Key()] = &Collection{
			Def:         def,
			Store:       entities,
			Cursor:      d.Cursor,
			Tombstones:  d.Tombstones,
			Merger:      NewMerger(d, bridge),
			Coordinator: NewCoordinator(d, s.hydrator),
			Bridge:      bridge,
		}
	}
	return s, nil
}

// track keeps the cached-entities gauge current for a store.
func (s *Session) track(entities *entitystore.Store) {
	key := entities.Key()
	gauge := CachedEntities.WithLabelValues(key)
	gauge.Set(0)
	s.unsubscribe = append(s.unsubscribe, entities.Subscribe(func(entitystore.ChangeSet) {
		gauge.Set(float64(entities.Len()))
	}))
}

func (s *Session) hydrator(key string) (*Hydrator, bool) {
	ref, ok := s.references[key]
	if !ok {
		return nil, false
	}
	return ref.Hydrator, true
}

// ActorID returns the actor the session belongs to.
func (s *Session) ActorID() string {
	return s.actorID
}

// Start brings every primary collection up. A collection with a usable
// snapshot is served from it at once and revalidated by a background
// merge; one without is pulled in full before Start returns. Failed cold
// pulls are returned joined, but Start still starts every collection.
func (s *Session) Start(ctx context.Context) error {
	if err := s.check("start"); err != nil {
		return err
	}

	var errs []error
	for _, key := range s.keys {
		col, ok := s.collections[key]
		if !ok {
			continue
		}
		if col.Bridge.Hydrate(ctx) {
			col.Warm = true
			s.revalidate(col)
			continue
		}
		if _, err := col.Merger.FullPull(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Session) revalidate(col *Collection) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := col.Merger.Merge(s.ctx); err != nil {
			s.logger.Warn("background revalidation failed",
				"collection", col.Def.Key(),
				"error", err,
			)
		}
	}()
}

// Wait blocks until background revalidation started by Start is done.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Revalidate merges every primary collection now and returns the results
// in key order. Failures are joined; the other collections still merge.
func (s *Session) Revalidate(ctx context.Context) ([]MergeResult, error) {
	if err := s.check("revalidate"); err != nil {
		return nil, err
	}
	var results []MergeResult
	var errs []error
	for _, key := range s.keys {
		col, ok := s.collections[key]
		if !ok {
			continue
		}
		res, err := col.Merger.Merge(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Collection returns the primary collection with the given key.
func (s *Session) Collection(key string) (*Collection, error) {
	if err := s.check("collection"); err != nil {
		return nil, err
	}
	col, ok := s.collections[key]
	if !ok {
		return nil, newSyncError(ErrCodeUnknownCollection, "collection", key, "", nil)
	}
	return col, nil
}

// Reference returns the reference collection with the given key.
func (s *Session) Reference(key string) (*Reference, error) {
	if err := s.check("reference"); err != nil {
		return nil, err
	}
	ref, ok := s.references[key]
	if !ok {
		return nil, newSyncError(ErrCodeUnknownCollection, "reference", key, "", nil)
	}
	return ref, nil
}

// Keys returns every collection key, primary and reference, in order.
func (s *Session) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Close cancels background work and waits for it. The session cannot be
// used afterwards. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	for key := range s.collections {
		CachedEntities.DeleteLabelValues(key)
	}
	for key := range s.references {
		CachedEntities.DeleteLabelValues(key)
	}
	s.logger.Debug("session closed")
}

func (s *Session) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newSyncError(ErrCodeSessionClosed, op, "", "", fmt.Errorf("actor %s", s.actorID))
	}
	return nil
}
