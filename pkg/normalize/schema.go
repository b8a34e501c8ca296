package normalize

import (
	"fmt"
	"strings"
	"sync"

	"github.com/atticlabs/attic/pkg/common"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Raw provider records are validated against a per-kind JSON Schema before
// any mapping happens, so malformed records fail with a precise reason
// instead of a nil-dereference three layers down.

const fileSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"native_id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"size": {"type": "number", "minimum": 0},
		"content_hash": {"type": "string"},
		"path": {"type": "string"},
		"mime_type": {"type": "string"},
		"parent_ref": {"type": "string"}
	},
	"required": ["native_id", "name", "size"]
}`

const eventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"native_id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"start": {"type": "string"},
		"end": {"type": "string"},
		"participants": {"type": "array", "items": {"type": "string"}},
		"location": {"type": "string"}
	},
	"required": ["native_id", "title", "start"]
}`

const messageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"native_id": {"type": "string", "minLength": 1},
		"sender": {"type": "string", "minLength": 1},
		"body": {"type": "string"},
		"thread_ref": {"type": "string"},
		"sent_at": {"type": "string"}
	},
	"required": ["native_id", "sender", "sent_at"]
}`

const locationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"native_id": {"type": "string", "minLength": 1},
		"latitude": {"type": "number", "minimum": -90, "maximum": 90},
		"longitude": {"type": "number", "minimum": -180, "maximum": 180},
		"observed_at": {"type": "string"},
		"method": {"type": "string"}
	},
	"required": ["native_id", "latitude", "longitude", "observed_at"]
}`

var (
	schemaOnce sync.Once
	schemas    map[common.Kind]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	sources := map[common.Kind]string{
		common.KindFile:           fileSchema,
		common.KindEvent:          eventSchema,
		common.KindMessage:        messageSchema,
		common.KindLocationSample: locationSchema,
	}

	compiler := jsonschema.NewCompiler()
	compiled := make(map[common.Kind]*jsonschema.Schema, len(sources))
	for kind, src := range sources {
		url := fmt.Sprintf("attic://schemas/%s.json", kind)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			schemaErr = fmt.Errorf("parse schema for %s: %w", kind, err)
			return
		}
		if err := compiler.AddResource(url, doc); err != nil {
			schemaErr = fmt.Errorf("add schema for %s: %w", kind, err)
			return
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema for %s: %w", kind, err)
			return
		}
		compiled[kind] = sch
	}
	schemas = compiled
}

func validateKind(kind common.Kind, raw RawRecord) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return schemaErr
	}

	sch, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("no schema for kind %q", kind)
	}
	return sch.Validate(map[string]any(raw))
}
