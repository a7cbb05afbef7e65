package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Response schema names.
const (
	schemaEnrollStart  = "enroll_start"
	schemaLoginStart   = "login_start"
	schemaEnrollFinish = "enroll_finish"
	schemaLoginFinish  = "login_finish"
	schemaLogout       = "logout"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		names := []string{schemaEnrollStart, schemaLoginStart, schemaEnrollFinish, schemaLoginFinish, schemaLogout}
		compiler := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			path := "schemas/" + name + ".schema.json"
			data, err := schemaFS.ReadFile(path)
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			s, err := compiler.Compile(path)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		schemas = out
	})
	return schemas, schemasErr
}

// decodeStrict validates body against the named schema and then decodes it
// into v, rejecting unknown fields.
func decodeStrict(name string, body []byte, v any) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	s, ok := all[name]
	if !ok {
		return fmt.Errorf("no schema %q", name)
	}

	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("response does not match schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
