// Package schema generates JSON-schema parameter definitions from Go
// types, for tools that are declared in code rather than discovered
// from a server.
package schema

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	cache   = make(map[reflect.Type]*Schema)
	cacheMu sync.Mutex
)

// Schema holds the reflected schema for a tool input type.
type Schema struct {
	RawSchema *jsonschema.Schema
	// Parameters is the flattened function-parameters definition,
	// with $defs references resolved inline.
	Parameters *jsonschema.Schema
}

// New builds (or returns a cached) schema for the given type.
func New(t reflect.Type) (*Schema, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if s, ok := cache[t]; ok {
		return s, nil
	}

	raw := Reflect(t)
	s := &Schema{
		RawSchema:  raw,
		Parameters: toFunctionSchema(raw),
	}
	cache[t] = s
	return s, nil
}

func (s *Schema) String() string {
	js, _ := json.MarshalIndent(s.Parameters, "", "\t")
	return string(js)
}

// ToMap converts the parameter schema to the generic map shape used on
// the MCP wire as a tool's inputSchema.
func (s *Schema) ToMap() map[string]any {
	js, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(js, &m); err != nil {
		return nil
	}
	return m
}

// Reflect returns the raw json schema of the given type.
func Reflect(t reflect.Type) *jsonschema.Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            false,
		AllowAdditionalProperties: true,
	}
	// Identical struct names from different packages must not collide
	// in $defs, so the namer hashes the full package path into the name.
	r.Namer = func(t reflect.Type) string {
		name := t.Name()
		if t.Kind() == reflect.Struct {
			full := t.PkgPath() + "/" + t.Name()
			name = t.Name() + "@" + strconv.FormatUint(xxhash.Sum64String(full), 10)
		}
		return name
	}
	return r.ReflectFromType(t)
}

func toFunctionSchema(raw *jsonschema.Schema) *jsonschema.Schema {
	rootID := strings.TrimPrefix(raw.Ref, "#/$defs/")

	defs := make(map[string]*jsonschema.Schema)
	root := raw
	for name, def := range raw.Definitions {
		if name == rootID {
			root = def
		} else {
			defs[name] = def
		}
	}

	res := &jsonschema.Schema{
		Type:       root.Type,
		Properties: root.Properties,
		Required:   root.Required,
	}
	resolveRefs(res.Properties, defs)
	return res
}

func resolveRefs(props *orderedmap.OrderedMap[string, *jsonschema.Schema], defs map[string]*jsonschema.Schema) {
	if props == nil {
		return
	}
	for pair := props.Oldest(); pair != nil; pair = pair.Next() {
		child := pair.Value
		if child.Ref != "" {
			if def, ok := defs[strings.TrimPrefix(child.Ref, "#/$defs/")]; ok {
				pair.Value = def
				child = def
			}
		}
		if child.Properties != nil {
			resolveRefs(child.Properties, defs)
		}
		if child.Items != nil && child.Items.Ref != "" {
			if def, ok := defs[strings.TrimPrefix(child.Items.Ref, "#/$defs/")]; ok {
				child.Items = def
			}
		}
	}
}
