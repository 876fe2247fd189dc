package worlddata

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

var (
	schemaOnce sync.Once
	schemas    map[string]*jsonschema.Schema
	schemaErr  error
)

const (
	schemaMap   = "map.schema.json"
	schemaRooms = "rooms.schema.json"
	schemaPath  = "path.schema.json"
	schemaTiles = "tiles.schema.json"
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		names := []string{schemaMap, schemaRooms, schemaPath, schemaTiles}
		for _, name := range names {
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
		out := make(map[string]*jsonschema.Schema, len(names))
		for _, name := range names {
			s, err := c.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = s
		}
		schemas = out
	})
	return schemas, schemaErr
}

// validateDoc checks raw JSON against one of the embedded schemas.
func validateDoc(name string, raw []byte) error {
	all, err := compileSchemas()
	if err != nil {
		return err
	}
	s := all[name]
	if s == nil {
		return fmt.Errorf("unknown schema %s", name)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return s.Validate(v)
}
