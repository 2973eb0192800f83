// Package validate checks inbound documents against embedded JSON Schemas.
package validate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names.
const (
	OrderMessage        = "order-message"
	SetupRequest        = "setup-request"
	ProcurementDocument = "procurement-document"
)

const baseURL = "https://punchgate.local/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

// Result is the outcome of one validation. Errors holds one line per
// violated constraint, "<instance path>: <message>".
type Result struct {
	Valid  bool
	Errors []string
}

// Validator holds the compiled schemas. It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	names := []string{OrderMessage, SetupRequest, ProcurementDocument}
	for _, name := range names {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(baseURL+name+".json", bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := compiler.Compile(baseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate checks doc, any Go value that marshals to JSON, against the named
// schema. A non-nil error means validation could not run, not that doc is
// invalid.
func (v *Validator) Validate(name string, doc any) (Result, error) {
	s, ok := v.schemas[name]
	if !ok {
		return Result{}, fmt.Errorf("unknown schema %q", name)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return Result{}, fmt.Errorf("encode document: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return Result{}, fmt.Errorf("decode document: %w", err)
	}

	err = s.Validate(instance)
	if err == nil {
		return Result{Valid: true}, nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return Result{}, fmt.Errorf("validate %s: %w", name, err)
	}
	return Result{Errors: leaves(verr)}, nil
}

func leaves(e *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(e)
	sort.Strings(out)
	return out
}
