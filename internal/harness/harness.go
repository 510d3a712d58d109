package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/roach88/marketsync/internal/catalog"
	"github.com/roach88/marketsync/internal/engine"
	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
	"github.com/roach88/marketsync/internal/remote"
	"github.com/roach88/marketsync/internal/store"
	"github.com/roach88/marketsync/internal/testutil"
)

// Result is the outcome of one scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool

	// Trace is the recorded step and change log.
	Trace []string

	// Errors lists step expectation and assertion failures.
	Errors []string
}

// Harness holds everything one scenario run touches.
type Harness struct {
	scenario  *Scenario
	catalog   *catalog.Catalog
	clock     *testutil.ManualClock
	ids       *testutil.SequenceIDs
	authority *remote.Memory
	snapshots *store.MemoryStore
	logger    *slog.Logger

	session *engine.Session
	unsub   []func()
	trace   *recorder
	errors  []string
}

// Run executes a scenario against a fresh session and returns the result.
//
// Each run gets its own authority, snapshot store, clock and id sequence.
// Setup failures (catalog, session) are returned as errors; step and
// assertion failures are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	for i, step := range scenario.Steps {
		h.runStep(ctx, i, step, "step")
		h.trace.flush()
	}

	for i, a := range scenario.Assertions {
		if err := h.evaluate(a); err != nil {
			h.errors = append(h.errors, fmt.Sprintf("assertion %d (%s): %v", i, a.Type, err))
		}
	}

	return &Result{
		Pass:   len(h.errors) == 0,
		Trace:  h.trace.lines(),
		Errors: h.errors,
	}, nil
}

func newHarness(scenario *Scenario) (*Harness, error) {
	cat := catalog.Default()
	if scenario.Catalog != "" {
		loaded, err := catalog.LoadDir(scenario.Catalog)
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		cat = loaded
	}

	clock := testutil.NewManualClock(testutil.Epoch)
	h := &Harness{
		scenario:  scenario,
		catalog:   cat,
		clock:     clock,
		ids:       testutil.NewSequenceIDs(ir.TempIDPrefix),
		authority: remote.NewMemory(clock),
		snapshots: store.NewMemoryStore(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		trace:     newRecorder(),
	}
	if err := h.open(); err != nil {
		return nil, err
	}
	return h, nil
}

// open creates a session over the harness's authority and snapshots and
// records every store it owns.
func (h *Harness) open() error {
	session, err := engine.NewSession(engine.SessionConfig{
		ActorID:   h.actor(),
		Catalog:   h.catalog,
		Remote:    h.authority,
		Snapshots: h.snapshots,
		Clock:     h.clock,
		IDs:       h.ids,
		Logger:    h.logger,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	h.session = session

	for _, key := range session.Keys() {
		entities, err := h.store(key)
		if err != nil {
			return err
		}
		h.unsub = append(h.unsub, entities.Subscribe(h.trace.record))
	}
	return nil
}

func (h *Harness) close() {
	for _, unsub := range h.unsub {
		unsub()
	}
	h.unsub = nil
	if h.session != nil {
		h.session.Close()
	}
}

func (h *Harness) actor() string {
	if h.scenario.Actor != "" {
		return h.scenario.Actor
	}
	return DefaultActor
}

func (h *Harness) collectionKey(key string) string {
	switch {
	case key != "":
		return key
	case h.scenario.Collection != "":
		return h.scenario.Collection
	default:
		return DefaultCollection
	}
}

// store returns the entity store of a primary or reference collection.
func (h *Harness) store(key string) (*entitystore.Store, error) {
	if col, err := h.session.Collection(key); err == nil {
		return col.Store, nil
	}
	ref, err := h.session.Reference(key)
	if err != nil {
		return nil, err
	}
	return ref.Store, nil
}

// runStep executes one step, its during steps included, and checks the
// outcome against the step's expectation.
func (h *Harness) runStep(ctx context.Context, i int, step Step, prefix string) {
	h.trace.step(prefix + " " + h.describe(step))

	var ran atomic.Bool
	if len(step.During) > 0 {
		want := remoteOp(step.Op)
		target := h.collectionKey(step.Collection)
		h.authority.SetBeforeReturn(func(op, collection string) {
			if op != want || collection != target || !ran.CompareAndSwap(false, true) {
				return
			}
			h.authority.SetBeforeReturn(nil)
			for j, nested := range step.During {
				h.runStep(ctx, j, nested, "during")
			}
		})
	}

	err := h.exec(ctx, step)
	if len(step.During) > 0 {
		h.authority.SetBeforeReturn(nil)
		if !ran.Load() {
			h.errors = append(h.errors, fmt.Sprintf("%s %d (%s): during steps never ran", prefix, i, step.Op))
		}
	}

	if err != nil {
		h.trace.fail(prefix, errorCode(err))
	}
	switch {
	case step.ExpectError == "" && err != nil:
		h.errors = append(h.errors, fmt.Sprintf("%s %d (%s): unexpected error: %v", prefix, i, step.Op, err))
	case step.ExpectError != "" && err == nil:
		h.errors = append(h.errors, fmt.Sprintf("%s %d (%s): expected error %s, got none", prefix, i, step.Op, step.ExpectError))
	case step.ExpectError != "" && step.ExpectError != "any" && errorCode(err) != step.ExpectError:
		h.errors = append(h.errors, fmt.Sprintf("%s %d (%s): expected error %s, got %s", prefix, i, step.Op, step.ExpectError, errorCode(err)))
	}
}

func (h *Harness) exec(ctx context.Context, step Step) error {
	key := h.collectionKey(step.Collection)

	switch step.Op {
	case OpRemotePut:
		fields, err := toObject(step.Fields)
		if err != nil {
			return err
		}
		return h.authority.Put(key, ir.NewEntity(step.ID, fields))

	case OpRemoteDelete:
		if !h.authority.Remove(key, step.ID) {
			return fmt.Errorf("remote_delete: %s/%s: %w", key, step.ID, remote.ErrNotFound)
		}
		return nil

	case OpFailNext:
		h.authority.FailNext(step.Target, injectedError(step))
		return nil

	case OpAdvanceClock:
		h.clock.Advance(step.By)
		return nil

	case OpStart:
		err := h.session.Start(ctx)
		h.session.Wait()
		return err

	case OpRestart:
		return h.restart(ctx)

	case OpEnsureCached:
		ref, err := h.session.Reference(key)
		if err != nil {
			return err
		}
		_, err = ref.Hydrator.EnsureCached(ctx, step.IDs)
		return err
	}

	col, err := h.session.Collection(key)
	if err != nil {
		return err
	}
	switch step.Op {
	case OpFullPull:
		_, err = col.Merger.FullPull(ctx)
	case OpMerge:
		_, err = col.Merger.Merge(ctx)
	case OpPersist:
		err = col.Bridge.Persist(ctx)
	case OpInsert:
		var fields ir.IRObject
		if fields, err = toObject(step.Fields); err == nil {
			_, err = col.Coordinator.Insert(ctx, fields)
		}
	case OpUpdate:
		var fields ir.IRObject
		if fields, err = toObject(step.Fields); err == nil {
			_, err = col.Coordinator.Update(ctx, step.ID, fields)
		}
	case OpDelete:
		err = col.Coordinator.Delete(ctx, step.ID)
	case OpSetReference:
		_, err = col.Coordinator.SetReference(ctx, step.ID, step.Field, step.Ref, step.RefID)
	default:
		err = fmt.Errorf("unknown op %q", step.Op)
	}
	return err
}

// restart closes the session and opens a new one over the same authority
// and snapshots, as an app relaunch would.
func (h *Harness) restart(ctx context.Context) error {
	h.close()
	if err := h.open(); err != nil {
		return err
	}
	err := h.session.Start(ctx)
	h.session.Wait()
	return err
}

// describe renders the trace line of a step without its prefix.
func (h *Harness) describe(step Step) string {
	parts := []string{step.Op}
	switch step.Op {
	case OpFailNext:
		parts = append(parts, step.Target)
		if step.Status != 0 {
			parts = append(parts, fmt.Sprint(step.Status))
		}
	case OpAdvanceClock:
		parts = append(parts, step.By.String())
	case OpStart, OpRestart:
	case OpEnsureCached:
		parts = append(parts, h.collectionKey(step.Collection), strings.Join(step.IDs, ","))
	case OpSetReference:
		ref := step.RefID
		if ref == "" {
			ref = "null"
		}
		parts = append(parts, h.collectionKey(step.Collection), step.ID, step.Field, step.Ref, ref)
	default:
		parts = append(parts, h.collectionKey(step.Collection))
		if step.ID != "" {
			parts = append(parts, step.ID)
		}
	}
	return strings.Join(parts, " ")
}

func injectedError(step Step) error {
	msg := step.Error
	if step.Status != 0 {
		if msg == "" {
			msg = http.StatusText(step.Status)
		}
		return &remote.HTTPError{StatusCode: step.Status, Message: msg}
	}
	if msg == "" {
		msg = "injected failure"
	}
	return errors.New(msg)
}

// errorCode returns the engine error code of err, or "ERROR" for errors
// the engine did not classify.
func errorCode(err error) string {
	var se *engine.SyncError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return "ERROR"
}

func toObject(fields map[string]any) (ir.IRObject, error) {
	obj := make(ir.IRObject, len(fields))
	for k, v := range fields {
		val, err := ir.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		obj[k] = val
	}
	return obj, nil
}
