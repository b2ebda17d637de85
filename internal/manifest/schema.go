package manifest

import (
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// digestFileSchema describes DigestFile. Paths are package-relative with
// forward slashes; digests are lowercase hex sha256.
const digestFileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["format_version", "package_id", "package_version", "files"],
  "additionalProperties": false,
  "properties": {
    "format_version": {"type": "integer", "const": 1},
    "package_id": {"type": "string", "minLength": 1},
    "package_version": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+){0,3}$"},
    "generated_at": {"type": "string", "format": "date-time"},
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "sha256"],
        "additionalProperties": false,
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "sha256": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
          "size": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile([]byte(digestFileSchema))
	if err != nil {
		return nil, fmt.Errorf("compile digest file schema: %w", err)
	}
	return schema, nil
})

// validateSchema checks raw JSON against the digest file schema.
func validateSchema(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
