package activity

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://taskline.dev/schemas/activity/"

// ErrInvalidDetails is returned when a details payload does not match the
// schema registered for its type. It aborts the enclosing transaction.
var ErrInvalidDetails = errors.New("invalid activity details")

var (
	schemasOnce sync.Once
	schemas     map[Type]*jsonschema.Schema
	schemasErr  error
)

func schemaFile(t Type) string {
	return "schemas/" + strings.ToLower(string(t)) + ".json"
}

func loadSchemas() (map[Type]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for _, t := range Types {
			raw, err := schemaFS.ReadFile(schemaFile(t))
			if err != nil {
				schemasErr = fmt.Errorf("schema for %s: %w", t, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemasErr = fmt.Errorf("parse schema for %s: %w", t, err)
				return
			}
			if err := c.AddResource(schemaBase+string(t)+".json", doc); err != nil {
				schemasErr = fmt.Errorf("add schema for %s: %w", t, err)
				return
			}
		}
		out := make(map[Type]*jsonschema.Schema, len(Types))
		for _, t := range Types {
			sch, err := c.Compile(schemaBase + string(t) + ".json")
			if err != nil {
				schemasErr = fmt.Errorf("compile schema for %s: %w", t, err)
				return
			}
			out[t] = sch
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Validate marshals details and checks them against the schema for their
// type. Unknown types are rejected: writers only emit known kinds.
func Validate(d Details) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil details", ErrInvalidDetails)
	}
	all, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	sch, ok := all[d.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidDetails, d.Type())
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s details: %w", d.Type(), err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDetails, d.Type(), err)
	}
	return data, nil
}
