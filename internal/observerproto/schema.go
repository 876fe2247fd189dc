package observerproto

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// clientSchemas maps a client message type to its schema file.
var clientSchemas = map[string]string{
	TypeSubscribe:    "subscribe.schema.json",
	TypeViewpoint:    "viewpoint.schema.json",
	TypeCollidables:  "collidables.schema.json",
	TypePathQuery:    "path_query.schema.json",
	TypePathQueryPos: "path_query_pos.schema.json",
}

var ErrUnknownType = errors.New("unknown message type")

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for _, name := range clientSchemas {
			b, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemaErr = err
				return
			}
			if err := c.AddResource(name, bytes.NewReader(b)); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
		}
		out := make(map[string]*jsonschema.Schema, len(clientSchemas))
		for typ, name := range clientSchemas {
			s, err := c.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[typ] = s
		}
		schemas = out
	})
	return schemas, schemaErr
}

// ValidateClient checks a raw client message against the schema for its
// type. Unknown types have no schema and return ErrUnknownType.
func ValidateClient(raw []byte) error {
	all, err := compileSchemas()
	if err != nil {
		return err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	s := all[env.Type]
	if s == nil {
		return ErrUnknownType
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
