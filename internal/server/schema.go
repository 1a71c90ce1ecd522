package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const migrationRequestSchema = `{
  "type": "object",
  "required": ["sources", "destinations"],
  "additionalProperties": false,
  "properties": {
    "kind": {"type": "string", "enum": ["pool-replace", "replace"]},
    "sources": {"type": "array", "minItems": 1, "maxItems": 64, "items": {"type": "string", "pattern": "^/dev/"}},
    "destinations": {"type": "array", "minItems": 1, "maxItems": 64, "items": {"type": "string", "pattern": "^/dev/"}},
    "maintenance": {"type": "boolean"}
  }
}`

const maintenanceRequestSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "seconds": {"type": "integer", "minimum": 1, "maximum": 86400}
  }
}`

var (
	migrationSchema   = mustSchema(migrationRequestSchema)
	maintenanceSchema = mustSchema(maintenanceRequestSchema)
)

func mustSchema(s string) *gojsonschema.Schema {
	sc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return sc
}

type migrationRequest struct {
	Kind         string   `json:"kind"`
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations"`
	Maintenance  bool     `json:"maintenance"`
}

type maintenanceRequest struct {
	Seconds int `json:"seconds"`
}

// decodeValid reads the request body, checks it against schema and decodes
// it into v. An empty body is treated as {}.
func decodeValid(r *http.Request, schema *gojsonschema.Schema, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return fmt.Errorf("request validation failed: %s", strings.Join(msgs, "; "))
	}
	return json.Unmarshal(body, v)
}
