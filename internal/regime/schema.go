package regime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// assessmentSchema 约束模型输出解析后的结构，模型输出一律视为不可信。
const assessmentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["regime", "confidence", "reasoning"],
  "additionalProperties": false,
  "properties": {
    "regime": {
      "type": "string",
      "enum": ["STRONG_UPTREND", "WEAK_UPTREND", "RANGING", "WEAK_DOWNTREND", "STRONG_DOWNTREND", "VOLATILE"]
    },
    "confidence": {"type": "integer", "minimum": 1, "maximum": 10},
    "reasoning": {"type": "string", "minLength": 1, "maxLength": 4000},
    "signals": {"type": "string", "maxLength": 4000},
    "outlook": {"type": "string", "maxLength": 4000},
    "recommendations": {
      "type": "array",
      "maxItems": 20,
      "items": {"type": "string", "minLength": 1, "maxLength": 1000}
    }
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("assessment.json", strings.NewReader(assessmentSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("assessment.json")
	})
	return schemaCompiled, schemaErr
}

// validateDocument checks a parsed model response against the assessment schema.
func validateDocument(doc map[string]any) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile assessment schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("assessment schema: %w", err)
	}
	return nil
}
