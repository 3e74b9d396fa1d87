package gen

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// manifestSchema requires package.json to declare non-empty build and start
// scripts, the two the build container and runtime container invoke.
// Repurposed from the teacher's exchange/strategy JSON Schema validation in
// internal/strategy, which validates config shape before a bot ever starts.
const manifestSchema = `{
  "type": "object",
  "required": ["scripts"],
  "properties": {
    "scripts": {
      "type": "object",
      "required": ["build", "start"],
      "properties": {
        "build": {"type": "string", "minLength": 1},
        "start": {"type": "string", "minLength": 1}
      }
    }
  }
}`

// ManifestValidationError carries the schema validation failures, joined for
// a single human-readable error string.
type ManifestValidationError struct {
	Errors []string
}

func (e *ManifestValidationError) Error() string {
	return fmt.Sprintf("invalid manifest: %s", strings.Join(e.Errors, "; "))
}

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ValidateManifest checks that manifestJSON declares non-empty build and
// start scripts. Called during queued → generating before the file set is
// accepted (spec.md 4.6: "the manifest file MUST exist and MUST declare
// both a build and a start script").
func ValidateManifest(manifestJSON string) error {
	if strings.TrimSpace(manifestJSON) == "" {
		return &ManifestValidationError{Errors: []string{"missing required file: package.json"}}
	}

	var probe json.RawMessage
	if err := json.Unmarshal([]byte(manifestJSON), &probe); err != nil {
		return &ManifestValidationError{Errors: []string{fmt.Sprintf("package.json is not valid JSON: %v", err)}}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewStringLoader(manifestJSON))
	if err != nil {
		return &ManifestValidationError{Errors: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return &ManifestValidationError{Errors: errs}
}

// HasPageSource reports whether the generated file set contains at least
// one page-level source file, per spec.md 4.6's "at least one page-level
// source file MUST exist" requirement. A page-level file lives outside
// node_modules and is not the manifest itself.
func HasPageSource(files map[string]string) bool {
	for path := range files {
		if path == "package.json" {
			continue
		}
		if strings.HasPrefix(path, "node_modules/") {
			continue
		}
		return true
	}
	return false
}
