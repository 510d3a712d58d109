package harness

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/marketsync/internal/entitystore"
	"github.com/roach88/marketsync/internal/ir"
)

// recorder buffers the trace of the current step.
//
// Store listeners run on whichever goroutine committed the write, so
// background revalidation can record concurrently with the step itself.
// flush orders buffered change sets by collection, keeping commit order
// within a collection.
type recorder struct {
	mu      sync.Mutex
	out     []string
	steps   []string
	changes []entitystore.ChangeSet
	errs    []string
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) step(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, line)
}

func (r *recorder) fail(prefix, code string) {
	line := "error " + code
	if prefix != "step" {
		line = prefix + " " + line
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, line)
}

// record is an entitystore.Listener.
func (r *recorder) record(cs entitystore.ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, cs)
}

func (r *recorder) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.out = append(r.out, r.steps...)
	sort.SliceStable(r.changes, func(i, j int) bool {
		return r.changes[i].Collection < r.changes[j].Collection
	})
	for _, cs := range r.changes {
		for _, c := range cs.Changes {
			r.out = append(r.out, formatChange(cs, c))
		}
	}
	r.out = append(r.out, r.errs...)

	r.steps = nil
	r.changes = nil
	r.errs = nil
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.out...)
}

// formatChange renders "change <collection> v<version> <kind> <id> [json]".
// Deletes carry no body.
func formatChange(cs entitystore.ChangeSet, c entitystore.Change) string {
	line := fmt.Sprintf("change %s v%d %s %s", cs.Collection, cs.Version, c.Kind, c.ID)
	if c.After == nil {
		return line
	}
	body, err := ir.MarshalCanonical(c.After)
	if err != nil {
		return line + " <" + err.Error() + ">"
	}
	return line + " " + string(body)
}
