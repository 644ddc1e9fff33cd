package bundle

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/deterministic-agent-lab/tracegate/pkg/gateerr"
)

// manifestSchema constrains manifest.json. Component paths are required for
// all seven components; hashes, when present, must be lowercase hex SHA-256.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "createdAt", "files"],
  "properties": {
    "version": {"const": "deterministic-agent-lab/trace-bundle@1"},
    "createdAt": {"type": "string", "format": "date-time"},
    "description": {"type": "string"},
    "metadata": {"type": "object"},
    "files": {
      "type": "object",
      "required": ["env", "clock", "network", "fsDiff", "logs", "prompts", "intents"],
      "properties": {
        "env": {"type": "string", "minLength": 1},
        "clock": {"type": "string", "minLength": 1},
        "network": {"type": "string", "minLength": 1},
        "fsDiff": {"type": "string", "minLength": 1},
        "logs": {"type": "string", "minLength": 1},
        "prompts": {"type": "string", "minLength": 1},
        "intents": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "hashes": {
      "type": "object",
      "additionalProperties": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
    }
  },
  "additionalProperties": false
}`

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("trace-bundle-manifest.schema.json", strings.NewReader(manifestSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("trace-bundle-manifest.schema.json")
}

// validateManifestDocument checks raw manifest bytes against the schema.
func validateManifestDocument(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return gateerr.Wrap(gateerr.CodeManifestMalformed, err, "manifest is not valid JSON")
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return gateerr.Wrap(gateerr.CodeSchemaViolation, err, "manifest schema violation")
	}
	return nil
}
