package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/marketsync/internal/remote"
)

// DefaultCollection is used by steps and assertions that name none.
const DefaultCollection = "dashboard:listings"

// DefaultActor is the actor scenarios run as unless they set one.
const DefaultActor = "actor-1"

// Scenario is one executable sync story.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Actor defaults to DefaultActor.
	Actor string `yaml:"actor,omitempty"`

	// Catalog is a CUE catalog directory relative to the scenario file.
	// Empty uses catalog.Default().
	Catalog string `yaml:"catalog,omitempty"`

	// Collection is the default collection key for steps and assertions.
	Collection string `yaml:"collection,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action against the authority, the clock or the session.
type Step struct {
	Op         string         `yaml:"op"`
	Collection string         `yaml:"collection,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	IDs        []string       `yaml:"ids,omitempty"`
	Fields     map[string]any `yaml:"fields,omitempty"`

	// Field, Ref and RefID are used by set_reference.
	Field string `yaml:"field,omitempty"`
	Ref   string `yaml:"ref,omitempty"`
	RefID string `yaml:"ref_id,omitempty"`

	// Target, Status and Error are used by fail_next. A non-zero Status
	// injects a remote.HTTPError.
	Target string `yaml:"target,omitempty"`
	Status int    `yaml:"status,omitempty"`
	Error  string `yaml:"error,omitempty"`

	// By is used by advance_clock.
	By time.Duration `yaml:"by,omitempty"`

	// During runs while this step's first remote call is in flight.
	During []Step `yaml:"during,omitempty"`

	// ExpectError is the engine error code the step must fail with, or
	// "any". Empty means the step must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	OpRemotePut    = "remote_put"
	OpRemoteDelete = "remote_delete"
	OpFailNext     = "fail_next"
	OpAdvanceClock = "advance_clock"
	OpStart        = "start"
	OpFullPull     = "full_pull"
	OpMerge        = "merge"
	OpInsert       = "insert"
	OpUpdate       = "update"
	OpDelete       = "delete"
	OpSetReference = "set_reference"
	OpEnsureCached = "ensure_cached"
	OpPersist      = "persist"
	OpRestart      = "restart"
)

// Assertion checks final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type       string `yaml:"type"`
	Collection string `yaml:"collection,omitempty"`
	ID         string `yaml:"id,omitempty"`

	// Fields is a subset match (entity).
	Fields map[string]any `yaml:"fields,omitempty"`

	// Count is used by count and temp_count.
	Count int `yaml:"count,omitempty"`

	// At is an RFC 3339 time or "unset" (cursor).
	At string `yaml:"at,omitempty"`
}

// Assertion types.
const (
	AssertEntity    = "entity"
	AssertAbsent    = "absent"
	AssertCount     = "count"
	AssertConverged = "converged"
	AssertTempCount = "temp_count"
	AssertCursor    = "cursor"
)

var validOps = map[string]bool{
	OpRemotePut: true, OpRemoteDelete: true, OpFailNext: true, OpAdvanceClock: true,
	OpStart: true, OpFullPull: true, OpMerge: true, OpInsert: true, OpUpdate: true,
	OpDelete: true, OpSetReference: true, OpEnsureCached: true, OpPersist: true,
	OpRestart: true,
}

var validAssertions = map[string]bool{
	AssertEntity: true, AssertAbsent: true, AssertCount: true,
	AssertConverged: true, AssertTempCount: true, AssertCursor: true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative catalog path is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Catalog != "" && !filepath.IsAbs(scenario.Catalog) {
		scenario.Catalog = filepath.Join(filepath.Dir(path), scenario.Catalog)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML with strict field checking.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if !validAssertions[a.Type] {
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
		if (a.Type == AssertEntity || a.Type == AssertAbsent) && a.ID == "" {
			return fmt.Errorf("assertion %d: %s requires id", i, a.Type)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if !validOps[step.Op] {
		return fmt.Errorf("unknown op %q", step.Op)
	}
	switch step.Op {
	case OpRemotePut, OpRemoteDelete, OpUpdate, OpDelete:
		if step.ID == "" {
			return fmt.Errorf("%s requires id", step.Op)
		}
	case OpFailNext:
		if step.Target == "" {
			return fmt.Errorf("fail_next requires target")
		}
	case OpAdvanceClock:
		if step.By <= 0 {
			return fmt.Errorf("advance_clock requires a positive by")
		}
	case OpSetReference:
		if step.ID == "" || step.Field == "" || step.Ref == "" {
			return fmt.Errorf("set_reference requires id, field and ref")
		}
	case OpEnsureCached:
		if step.Collection == "" || len(step.IDs) == 0 {
			return fmt.Errorf("ensure_cached requires collection and ids")
		}
	}
	if len(step.During) > 0 && remoteOp(step.Op) == "" {
		return fmt.Errorf("%s does not support during", step.Op)
	}
	for i, nested := range step.During {
		if len(nested.During) > 0 {
			return fmt.Errorf("during %d: nested during is not supported", i)
		}
		if err := validateStep(nested); err != nil {
			return fmt.Errorf("during %d: %w", i, err)
		}
	}
	return nil
}

// remoteOp is the authority call a step's during steps are attached to.
func remoteOp(op string) string {
	switch op {
	case OpInsert:
		return remote.OpCreate
	case OpUpdate:
		return remote.OpUpdate
	case OpDelete:
		return remote.OpDelete
	case OpMerge:
		return remote.OpListChangedSince
	case OpFullPull:
		return remote.OpListAll
	case OpEnsureCached:
		return remote.OpGetByIDs
	}
	return ""
}
