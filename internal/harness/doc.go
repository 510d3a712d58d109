// Package harness runs YAML sync scenarios against a real engine.Session.
//
// Each scenario gets a fresh in-process authority (remote.Memory), an
// in-memory snapshot store, a manual clock starting at testutil.Epoch and
// sequential temp ids, so every run is deterministic.
//
// # Scenario Format
//
//	name: update_rollback
//	description: "A rejected update restores the previous entity"
//	steps:
//	  - op: remote_put
//	    id: "1"
//	    fields: { title: A }
//	  - op: start
//	  - op: fail_next
//	    target: update
//	    status: 422
//	  - op: update
//	    id: "1"
//	    fields: { title: B }
//	    expect_error: REMOTE_FAILED
//	assertions:
//	  - type: entity
//	    id: "1"
//	    fields: { title: A }
//
// Collection defaults to the scenario's collection, or dashboard:listings.
//
// # Races
//
// A step may carry "during" steps. They run once, from inside the first
// remote call the step makes (create for insert, update for update, delete
// for delete, list_changed_since for merge, list_all for full_pull, and
// get_by_ids for ensure_cached), after the authority answered but before
// the engine sees the answer.
//
// # Trace
//
// Every step and every committed store change is recorded as one line.
// Changes inside a step are grouped by collection in commit order, so
// background revalidation of several collections still yields a stable
// trace. RunWithGolden compares the trace against
// testdata/golden/<name>.golden.
package harness
