package remote

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roach88/marketsync/internal/ir"
)

// ErrInvalidEntity is wrapped by every validation failure.
var ErrInvalidEntity = errors.New("invalid entity")

const baseSchemaURL = "marketsync://entity.json"

// EntityValidator checks response entities against a JSON Schema per
// collection: a JSON object with a non-empty string id plus the
// collection's required fields.
type EntityValidator struct {
	mu      sync.RWMutex
	base    *jsonschema.Schema
	schemas map[string]*jsonschema.Schema
}

// NewEntityValidator compiles one schema per collection. required maps a
// collection key to the fields every entity of that collection must carry.
func NewEntityValidator(required map[string][]string) (*EntityValidator, error) {
	base, err := compileEntitySchema(baseSchemaURL, nil)
	if err != nil {
		return nil, err
	}
	v := &EntityValidator{base: base, schemas: make(map[string]*jsonschema.Schema, len(required))}

	keys := make([]string, 0, len(required))
	for k := range required {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, key := range keys {
		sch, err := compileEntitySchema(fmt.Sprintf("marketsync://collections/%d.json", i), required[key])
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", key, err)
		}
		v.schemas[key] = sch
	}
	return v, nil
}

func compileEntitySchema(url string, required []string) (*jsonschema.Schema, error) {
	req := []any{ir.IDField}
	for _, f := range required {
		if f != ir.IDField {
			req = append(req, f)
		}
	}
	doc := map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": req,
		"properties": map[string]any{
			ir.IDField: map[string]any{"type": "string", "minLength": 1},
		},
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Validate checks e against the schema of collection. Collections without a
// registered schema only get the id check.
func (v *EntityValidator) Validate(collection string, e ir.Entity) error {
	v.mu.RLock()
	sch, ok := v.schemas[collection]
	v.mu.RUnlock()
	if !ok {
		sch = v.base
	}

	data, err := ir.MarshalIRValue(ir.IRObject(e))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s entity %q: %v", ErrInvalidEntity, collection, e.ID(), err)
	}
	return nil
}
