package server

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://nstar.dev/schemas/"

// bodySchemas validates command request bodies.
type bodySchemas struct {
	byName map[string]*jsonschema.Schema
}

func loadSchemas() (*bodySchemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %s: %w", e.Name(), err)
		}
	}
	out := &bodySchemas{byName: make(map[string]*jsonschema.Schema)}
	for _, e := range entries {
		sch, err := c.Compile(schemaBase + e.Name())
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", e.Name(), err)
		}
		out.byName[e.Name()] = sch
	}
	return out, nil
}

// decode reads a body, validates it against the named schema, then
// unmarshals it into v.
func (b *bodySchemas) decode(r io.Reader, name string, v any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	sch, ok := b.byName[name]
	if !ok {
		return fmt.Errorf("no schema %s", name)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return json.Unmarshal(raw, v)
}
