package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// targetSchema is a compiled JSON schema attached to one bulk-insert target.
type targetSchema struct {
	schema *gojsonschema.Schema
}

// RegisterSchema attaches a JSON schema to a bulk-insert target. Every
// record of a later bulk insert into that target must validate; one bad
// record fails the whole batch before any row is written.
func (h *Host) RegisterSchema(target, schemaJSON string) error {
	loader := gojsonschema.NewStringLoader(strings.TrimSpace(schemaJSON))
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", target, err)
	}
	h.mu.Lock()
	h.schemas[target] = &targetSchema{schema: compiled}
	h.mu.Unlock()
	return nil
}

func (h *Host) validateRecords(target string, records []json.RawMessage) error {
	h.mu.Lock()
	ts := h.schemas[target]
	h.mu.Unlock()
	if ts == nil {
		return nil
	}
	for i, raw := range records {
		res, err := ts.schema.Validate(gojsonschema.NewStringLoader(string(raw)))
		if err != nil {
			return fmt.Errorf("validate record %d: %w", i, err)
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return fmt.Errorf("record %d rejected by %s schema: %s", i, target, strings.Join(msgs, "; "))
		}
	}
	return nil
}

// manifestSchema describes the optional metadata block attached to an
// import snapshot.
const manifestSchema = `{
	"type": "object",
	"required": ["format", "version"],
	"properties": {
		"format":     {"type": "string", "enum": ["soledb-snapshot"]},
		"version":    {"type": "integer", "minimum": 1},
		"created_at": {"type": "string"},
		"app":        {"type": "string"}
	}
}`

var (
	manifestOnce     sync.Once
	manifestCompiled *gojsonschema.Schema
)

// validateManifest returns a failure message, empty when the manifest is
// acceptable.
func validateManifest(raw json.RawMessage) string {
	manifestOnce.Do(func() {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(manifestSchema))
		if err != nil {
			panic(fmt.Sprintf("engine: bad built-in manifest schema: %v", err))
		}
		manifestCompiled = s
	})
	res, err := manifestCompiled.Validate(gojsonschema.NewStringLoader(string(raw)))
	if err != nil {
		return fmt.Sprintf("manifest not valid JSON: %v", err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return "manifest rejected: " + strings.Join(msgs, "; ")
	}
	return ""
}
